package recon

import (
	"fmt"
	"math"

	"golang.org/x/exp/slices"
)

// Value is the structured value tree carried in envelope bodies and headers.
// The set of implementations is closed: Absent, Extant, Bool, Num, Text, *Record.
type Value interface {
	Item
	isValue()
}

// Item is a member of a record: a Value, an Attr or a Slot.
type Item interface {
	isItem()
}

type absent struct{}
type extant struct{}

// Absent is the undefined value. An envelope without a body carries Absent.
var Absent Value = absent{}

// Extant is the defined value with no content, e.g. the value of `@auth` or `a:`.
var Extant Value = extant{}

type Bool bool

type Num float64

type Text string

type Record struct {
	Items []Item
}

// a field with an attribute name, written `@key(value)`
type Attr struct {
	Key   string
	Value Value
}

// a field with a key, written `key:value`
type Slot struct {
	Key   Value
	Value Value
}

func (absent) isItem() {}
func (absent) isValue() {}
func (extant) isItem() {}
func (extant) isValue() {}
func (Bool) isItem() {}
func (Bool) isValue() {}
func (Num) isItem() {}
func (Num) isValue() {}
func (Text) isItem() {}
func (Text) isValue() {}
func (*Record) isItem() {}
func (*Record) isValue() {}
func (Attr) isItem() {}
func (Slot) isItem() {}

func (absent) String() string { return "absent" }
func (extant) String() string { return "extant" }

func NewRecord(items ...Item) *Record {
	return &Record{
		Items: items,
	}
}

// Get returns the value of the first slot or attr whose key matches.
func (self *Record) Get(key string) Value {
	for _, item := range self.Items {
		switch v := item.(type) {
		case Slot:
			if k, ok := v.Key.(Text); ok && string(k) == key {
				return v.Value
			}
		case Attr:
			if v.Key == key {
				return v.Value
			}
		}
	}
	return Absent
}

// Tag returns the key of the leading attribute, if any.
func (self *Record) Tag() (string, bool) {
	if 0 < len(self.Items) {
		if attr, ok := self.Items[0].(Attr); ok {
			return attr.Key, true
		}
	}
	return "", false
}

// Tail returns the record items after the leading attribute, flattened.
func (self *Record) Tail() Value {
	if len(self.Items) == 0 {
		return Absent
	}
	return FromItems(self.Items[1:])
}

// FromItems collapses a list of items into a single value:
// no items is Absent, a single plain value is that value, otherwise a record.
func FromItems(items []Item) Value {
	switch len(items) {
	case 0:
		return Absent
	case 1:
		if value, ok := items[0].(Value); ok {
			return value
		}
	}
	return NewRecord(items...)
}

func IsDefined(value Value) bool {
	return value != nil && value != Absent
}

func StringValue(value Value) (string, bool) {
	switch v := value.(type) {
	case Text:
		return string(v), true
	case Num:
		return Write(v), true
	case Bool:
		return Write(v), true
	default:
		return "", false
	}
}

func NumberValue(value Value) (float64, bool) {
	switch v := value.(type) {
	case Num:
		return float64(v), true
	default:
		return 0, false
	}
}

// Equal compares two values structurally.
// A record holding exactly one plain value is equal to that value,
// and a nil value is equal to Absent.
func Equal(a Value, b Value) bool {
	a = normalize(a)
	b = normalize(b)
	switch v := a.(type) {
	case absent:
		return b == Absent
	case extant:
		return b == Extant
	case Bool:
		w, ok := b.(Bool)
		return ok && v == w
	case Num:
		w, ok := b.(Num)
		if !ok {
			return false
		}
		if math.IsNaN(float64(v)) {
			return math.IsNaN(float64(w))
		}
		return v == w
	case Text:
		w, ok := b.(Text)
		return ok && v == w
	case *Record:
		w, ok := b.(*Record)
		if !ok || len(v.Items) != len(w.Items) {
			return false
		}
		for i, item := range v.Items {
			if !equalItem(item, w.Items[i]) {
				return false
			}
		}
		return true
	default:
		panic(fmt.Errorf("Unknown value type: %T", v))
	}
}

func equalItem(a Item, b Item) bool {
	switch v := a.(type) {
	case Attr:
		w, ok := b.(Attr)
		return ok && v.Key == w.Key && Equal(memberValue(v.Value), memberValue(w.Value))
	case Slot:
		w, ok := b.(Slot)
		return ok && Equal(v.Key, w.Key) && Equal(memberValue(v.Value), memberValue(w.Value))
	case Value:
		w, ok := b.(Value)
		return ok && Equal(v, w)
	default:
		return false
	}
}

// absent items are dropped from records
func normalize(value Value) Value {
	if value == nil {
		return Absent
	}
	record, ok := value.(*Record)
	if !ok {
		return value
	}
	if slices.ContainsFunc(record.Items, isAbsentItem) {
		record = NewRecord(slices.DeleteFunc(slices.Clone(record.Items), isAbsentItem)...)
	}
	if len(record.Items) == 1 {
		if single, ok := record.Items[0].(Value); ok {
			return normalize(single)
		}
	}
	return record
}

func isAbsentItem(item Item) bool {
	return item == nil || item == Item(Absent)
}

// a slot or attribute without a value is written the same as one with an extant value
func memberValue(value Value) Value {
	if !IsDefined(value) {
		return Extant
	}
	return value
}
