package recon

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

var ErrSyntax = errors.New("recon syntax error")

// Parse decodes Recon text into a value.
// Empty input is Absent. A block of more than one item is a record.
func Parse(text string) (Value, error) {
	p := &parser{
		text: text,
	}
	items, err := p.parseBlock(0)
	if err != nil {
		return nil, err
	}
	return FromItems(items), nil
}

func RequireParse(text string) Value {
	value, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return value
}

type parser struct {
	text string
	i    int
}

func (self *parser) errorf(format string, a ...any) error {
	return fmt.Errorf("%w at %d: %s", ErrSyntax, self.i, fmt.Sprintf(format, a...))
}

func (self *parser) eof() bool {
	return len(self.text) <= self.i
}

func (self *parser) peek() byte {
	if self.eof() {
		return 0
	}
	return self.text[self.i]
}

// spaces within a line
func (self *parser) skipSpace() {
	for !self.eof() {
		switch self.text[self.i] {
		case ' ', '\t':
			self.i += 1
		default:
			return
		}
	}
}

func (self *parser) skipWhitespace() {
	for !self.eof() {
		switch self.text[self.i] {
		case ' ', '\t', '\r', '\n':
			self.i += 1
		case '#':
			for !self.eof() && self.text[self.i] != '\n' {
				self.i += 1
			}
		default:
			return
		}
	}
}

func (self *parser) parseBlock(close byte) ([]Item, error) {
	items := []Item{}
	for {
		self.skipWhitespace()
		if self.eof() {
			if close != 0 {
				return nil, self.errorf("expected %q", close)
			}
			return items, nil
		}
		if close != 0 && self.peek() == close {
			self.i += 1
			return items, nil
		}
		if c := self.peek(); c == ',' || c == ';' {
			// an empty item
			self.i += 1
			items = append(items, Extant)
			continue
		}
		member, err := self.parseItem()
		if err != nil {
			return nil, err
		}
		items = append(items, member...)

		self.skipSpace()
		if self.eof() {
			continue
		}
		switch c := self.peek(); c {
		case ',', ';', '\r', '\n':
			self.i += 1
		default:
			if close == 0 || c != close {
				return nil, self.errorf("unexpected %q", c)
			}
		}
	}
}

// attributes with nothing following them are members of the enclosing record
func (self *parser) parseItem() ([]Item, error) {
	key, bare, err := self.parseMember()
	if err != nil {
		return nil, err
	}
	self.skipSpace()
	if self.peek() != ':' {
		if bare {
			return key.(*Record).Items, nil
		}
		return []Item{key}, nil
	}
	self.i += 1
	self.skipSpace()
	switch self.peek() {
	case 0, ',', ';', '\r', '\n', ')', '}':
		return []Item{Slot{Key: key, Value: Extant}}, nil
	}
	value, err := self.parseValue()
	if err != nil {
		return nil, err
	}
	return []Item{Slot{Key: key, Value: value}}, nil
}

func (self *parser) parseValue() (Value, error) {
	value, _, err := self.parseMember()
	return value, err
}

// also returns true when the value is only attributes
func (self *parser) parseMember() (Value, bool, error) {
	attrs := []Item{}
	for {
		self.skipSpace()
		if self.peek() != '@' {
			break
		}
		attr, err := self.parseAttr()
		if err != nil {
			return nil, false, err
		}
		attrs = append(attrs, attr)
	}

	self.skipSpace()
	var primary Value
	braced := false
	if self.startsPrimary() {
		braced = self.peek() == '{'
		var err error
		primary, err = self.parsePrimary()
		if err != nil {
			return nil, false, err
		}
	}

	switch {
	case len(attrs) == 0 && primary == nil:
		return nil, false, self.errorf("expected value")
	case len(attrs) == 0:
		return primary, false, nil
	case primary == nil:
		return NewRecord(attrs...), true, nil
	case braced:
		return NewRecord(append(attrs, primary.(*Record).Items...)...), false, nil
	default:
		return NewRecord(append(attrs, primary)...), false, nil
	}
}

func (self *parser) startsPrimary() bool {
	if self.eof() {
		return false
	}
	c := self.peek()
	switch {
	case c == '{', c == '"', c == '\'':
		return true
	case '0' <= c && c <= '9':
		return true
	case c == '-':
		return self.i+1 < len(self.text) && '0' <= self.text[self.i+1] && self.text[self.i+1] <= '9'
	default:
		r, _ := utf8.DecodeRuneInString(self.text[self.i:])
		return isIdentStart(r)
	}
}

func (self *parser) parseAttr() (Attr, error) {
	// '@'
	self.i += 1
	var key string
	switch self.peek() {
	case '"', '\'':
		s, err := self.parseString()
		if err != nil {
			return Attr{}, err
		}
		key = s
	default:
		key = self.parseIdent()
		if key == "" {
			return Attr{}, self.errorf("expected attribute name")
		}
	}
	if self.peek() != '(' {
		return Attr{Key: key, Value: Extant}, nil
	}
	self.i += 1
	items, err := self.parseBlock(')')
	if err != nil {
		return Attr{}, err
	}
	if len(items) == 0 {
		return Attr{Key: key, Value: Extant}, nil
	}
	return Attr{Key: key, Value: FromItems(items)}, nil
}

func (self *parser) parsePrimary() (Value, error) {
	c := self.peek()
	switch {
	case c == '{':
		self.i += 1
		items, err := self.parseBlock('}')
		if err != nil {
			return nil, err
		}
		return NewRecord(items...), nil
	case c == '"', c == '\'':
		s, err := self.parseString()
		if err != nil {
			return nil, err
		}
		return Text(s), nil
	case c == '-', '0' <= c && c <= '9':
		return self.parseNum()
	default:
		ident := self.parseIdent()
		switch ident {
		case "true":
			return Bool(true), nil
		case "false":
			return Bool(false), nil
		default:
			return Text(ident), nil
		}
	}
}

func (self *parser) parseIdent() string {
	start := self.i
	for !self.eof() {
		r, n := utf8.DecodeRuneInString(self.text[self.i:])
		if self.i == start {
			if !isIdentStart(r) {
				break
			}
		} else if !isIdentChar(r) {
			break
		}
		self.i += n
	}
	return self.text[start:self.i]
}

func (self *parser) parseNum() (Value, error) {
	start := self.i
	if self.peek() == '-' {
		self.i += 1
	}
	digits := func() int {
		n := 0
		for c := self.peek(); '0' <= c && c <= '9'; c = self.peek() {
			self.i += 1
			n += 1
		}
		return n
	}
	if digits() == 0 {
		return nil, self.errorf("expected digit")
	}
	if self.peek() == '.' {
		self.i += 1
		if digits() == 0 {
			return nil, self.errorf("expected fraction digit")
		}
	}
	if c := self.peek(); c == 'e' || c == 'E' {
		self.i += 1
		if c := self.peek(); c == '+' || c == '-' {
			self.i += 1
		}
		if digits() == 0 {
			return nil, self.errorf("expected exponent digit")
		}
	}
	n, err := strconv.ParseFloat(self.text[start:self.i], 64)
	if err != nil {
		return nil, self.errorf("%s", err)
	}
	return Num(n), nil
}

func (self *parser) parseString() (string, error) {
	quote := self.peek()
	self.i += 1
	var b strings.Builder
	for {
		if self.eof() {
			return "", self.errorf("unclosed string")
		}
		c := self.text[self.i]
		switch {
		case c == quote:
			self.i += 1
			return b.String(), nil
		case c == '\\':
			self.i += 1
			if self.eof() {
				return "", self.errorf("unclosed escape")
			}
			e := self.text[self.i]
			self.i += 1
			switch e {
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			case 'b':
				b.WriteByte('\b')
			case 'f':
				b.WriteByte('\f')
			case 'u':
				if len(self.text) < self.i+4 {
					return "", self.errorf("short unicode escape")
				}
				code, err := strconv.ParseUint(self.text[self.i:self.i+4], 16, 32)
				if err != nil {
					return "", self.errorf("bad unicode escape")
				}
				self.i += 4
				b.WriteRune(rune(code))
			default:
				b.WriteByte(e)
			}
		default:
			b.WriteByte(c)
			self.i += 1
		}
	}
}
