package recon

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
)

// Write encodes a value as Recon text.
// Strings are always quoted except when used as slot keys or attribute names.
func Write(value Value) string {
	var b strings.Builder
	writeValue(&b, value)
	return b.String()
}

// WriteAttached encodes a value so that it can directly follow an attribute,
// e.g. an envelope body following its header.
// A separator is only needed when the attribute has no parentheses and the value starts like a name or number.
func WriteAttached(value Value, afterParen bool) string {
	text := Write(value)
	if !afterParen && 0 < len(text) {
		switch value.(type) {
		case Num, Bool:
			return " " + text
		}
	}
	return text
}

func writeValue(b *strings.Builder, value Value) {
	switch v := value.(type) {
	case nil, absent, extant:
	case Bool:
		if v {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case Num:
		writeNum(b, float64(v))
	case Text:
		writeString(b, string(v))
	case *Record:
		writeRecord(b, v)
	default:
		panic(fmt.Errorf("Unknown value type: %T", v))
	}
}

func writeRecord(b *strings.Builder, record *Record) {
	items := presentItems(record.Items)
	i := 0
	for ; i < len(items); i += 1 {
		attr, ok := items[i].(Attr)
		if !ok {
			break
		}
		writeAttr(b, attr)
	}
	rest := items[i:]
	if 0 < i && len(rest) == 0 {
		return
	}
	b.WriteByte('{')
	writeItems(b, rest)
	b.WriteByte('}')
}

func writeAttr(b *strings.Builder, attr Attr) {
	b.WriteByte('@')
	if IsIdent(attr.Key) {
		b.WriteString(attr.Key)
	} else {
		writeString(b, attr.Key)
	}
	switch v := attr.Value.(type) {
	case nil, absent, extant:
	case *Record:
		items := presentItems(v.Items)
		if _, tagged := v.Tag(); !tagged && 0 < len(items) {
			b.WriteByte('(')
			writeItems(b, items)
			b.WriteByte(')')
		} else {
			b.WriteByte('(')
			writeValue(b, v)
			b.WriteByte(')')
		}
	default:
		b.WriteByte('(')
		writeValue(b, v)
		b.WriteByte(')')
	}
}

// absent items are not written
func writeItems(b *strings.Builder, items []Item) {
	items = presentItems(items)
	for i, item := range items {
		if 0 < i {
			b.WriteByte(',')
		}
		switch v := item.(type) {
		case Attr:
			// an attribute after other items stays a member of the enclosing record
			writeAttr(b, v)
		case Slot:
			if text, ok := v.Key.(Text); ok && IsIdent(string(text)) {
				b.WriteString(string(text))
			} else {
				writeValue(b, v.Key)
			}
			b.WriteByte(':')
			writeValue(b, v.Value)
		case Value:
			if isAttrsOnly(v) {
				// braced so that the attributes are not read as members of the enclosing record
				b.WriteByte('{')
				writeValue(b, v)
				b.WriteByte('}')
			} else {
				writeValue(b, v)
			}
		}
	}
	// an extant item is an empty item. a trailing one needs its own separator.
	if 0 < len(items) && items[len(items)-1] == Item(Extant) {
		b.WriteByte(',')
	}
}

func presentItems(items []Item) []Item {
	if !slices.ContainsFunc(items, isAbsentItem) {
		return items
	}
	return slices.DeleteFunc(slices.Clone(items), isAbsentItem)
}

func isAttrsOnly(value Value) bool {
	record, ok := value.(*Record)
	if !ok {
		return false
	}
	items := presentItems(record.Items)
	if len(items) == 0 {
		return false
	}
	for _, item := range items {
		if _, ok := item.(Attr); !ok {
			return false
		}
	}
	return true
}

func writeNum(b *strings.Builder, n float64) {
	switch {
	case math.IsNaN(n), math.IsInf(n, 0):
		// not representable; written as a string so the frame stays parseable
		writeString(b, strconv.FormatFloat(n, 'g', -1, 64))
	case n == math.Trunc(n) && math.Abs(n) < 1e15:
		b.WriteString(strconv.FormatInt(int64(n), 10))
	default:
		b.WriteString(strconv.FormatFloat(n, 'g', -1, 64))
	}
}

func writeString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			if r < 0x20 {
				fmt.Fprintf(b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}

func IsIdent(s string) bool {
	if s == "" || s == "true" || s == "false" {
		return false
	}
	for i, r := range s {
		if i == 0 {
			if !isIdentStart(r) {
				return false
			}
		} else if !isIdentChar(r) {
			return false
		}
	}
	return true
}

func isIdentStart(r rune) bool {
	return r == '_' || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || 0x80 <= r
}

func isIdentChar(r rune) bool {
	return isIdentStart(r) || r == '-' || ('0' <= r && r <= '9')
}
