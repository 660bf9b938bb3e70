package recon

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestParsePrimitives(t *testing.T) {
	assert.Equal(t, RequireParse(""), Absent)
	assert.Equal(t, RequireParse("true"), Bool(true))
	assert.Equal(t, RequireParse("false"), Bool(false))
	assert.Equal(t, RequireParse("42"), Num(42))
	assert.Equal(t, RequireParse("-0.5"), Num(-0.5))
	assert.Equal(t, RequireParse("1e+21"), Num(1e21))
	assert.Equal(t, RequireParse("hello"), Text("hello"))
	assert.Equal(t, RequireParse(`"hello world"`), Text("hello world"))
	assert.Equal(t, RequireParse(`'single'`), Text("single"))
	assert.Equal(t, RequireParse(`"a\"b\\c\nA"`), Text("a\"b\\c\nA"))
}

func TestParseRecord(t *testing.T) {
	value := RequireParse(`@Point{x:1,y:2}`)
	expected := NewRecord(
		Attr{Key: "Point", Value: Extant},
		Slot{Key: Text("x"), Value: Num(1)},
		Slot{Key: Text("y"), Value: Num(2)},
	)
	assert.Equal(t, Equal(value, expected), true)

	record := value.(*Record)
	tag, ok := record.Tag()
	assert.Equal(t, ok, true)
	assert.Equal(t, tag, "Point")
	assert.Equal(t, record.Get("y"), Num(2))
	assert.Equal(t, record.Get("z"), Absent)

	value = RequireParse("{a: 1; b: \"two\"\n c:}")
	expected = NewRecord(
		Slot{Key: Text("a"), Value: Num(1)},
		Slot{Key: Text("b"), Value: Text("two")},
		Slot{Key: Text("c"), Value: Extant},
	)
	assert.Equal(t, Equal(value, expected), true)
}

func TestParseAttributes(t *testing.T) {
	value := RequireParse(`@sync(node: "/a", lane: b)`)
	record := value.(*Record)
	attr := record.Items[0].(Attr)
	assert.Equal(t, attr.Key, "sync")
	header := attr.Value.(*Record)
	assert.Equal(t, header.Get("node"), Text("/a"))
	assert.Equal(t, header.Get("lane"), Text("b"))

	value = RequireParse(`@event(x)"hello"`)
	record = value.(*Record)
	assert.Equal(t, record.Items[0], Attr{Key: "event", Value: Text("x")})
	assert.Equal(t, record.Tail(), Text("hello"))

	value = RequireParse(`@auth 1`)
	record = value.(*Record)
	assert.Equal(t, record.Tail(), Num(1))

	value = RequireParse(`@auth()`)
	record = value.(*Record)
	assert.Equal(t, record.Items[0], Attr{Key: "auth", Value: Extant})
	assert.Equal(t, record.Tail(), Absent)
}

func TestParseErrors(t *testing.T) {
	for _, text := range []string{
		`{`,
		`@`,
		`@a(`,
		`"unclosed`,
		`{a b}`,
		`1.`,
		`)`,
		`{:}`,
	} {
		_, err := Parse(text)
		assert.NotEqual(t, err, nil)
		assert.Equal(t, errors.Is(err, ErrSyntax), true)
	}
}

func TestWriteRoundTrip(t *testing.T) {
	values := []Value{
		Absent,
		Bool(true),
		Num(0),
		Num(-3),
		Num(0.25),
		Num(1e21),
		Text(""),
		Text("hello"),
		Text("/unit/foo"),
		Text("tab\there \"quoted\""),
		NewRecord(),
		NewRecord(Num(1), Num(2)),
		NewRecord(Slot{Key: Text("a"), Value: NewRecord(Slot{Key: Text("b"), Value: Text("c")})}),
		NewRecord(Slot{Key: Text("not ident"), Value: Bool(false)}),
		NewRecord(Attr{Key: "tag", Value: Extant}),
		NewRecord(Attr{Key: "tag", Value: Num(1)}, Attr{Key: "other", Value: Extant}),
		NewRecord(Attr{Key: "Point", Value: Extant}, Slot{Key: Text("x"), Value: Num(1)}),
		NewRecord(Attr{Key: "h", Value: NewRecord(Slot{Key: Text("k"), Value: Text("v")}, Num(2))}, Text("body")),
		NewRecord(Attr{Key: "with space", Value: NewRecord()}),
		NewRecord(NewRecord(Attr{Key: "inner", Value: Extant}, Num(1)), Num(2)),
		NewRecord(Extant),
		NewRecord(Extant, Num(1)),
		NewRecord(Num(1), Extant),
		NewRecord(Num(1), Extant, Extant),
		NewRecord(Absent, Num(1), Absent, Num(2)),
		NewRecord(Absent),
		NewRecord(Slot{Key: Text("a"), Value: Absent}, Slot{Key: Text("b"), Value: nil}),
		NewRecord(Num(1), Attr{Key: "a", Value: Extant}),
		NewRecord(Num(1), Attr{Key: "a", Value: Num(2)}, Num(3)),
		NewRecord(Attr{Key: "lead", Value: Extant}, Num(1), Attr{Key: "a", Value: Extant}),
		NewRecord(Num(1), NewRecord(Attr{Key: "a", Value: Extant})),
		NewRecord(Num(1), NewRecord(Attr{Key: "a", Value: Extant}, Attr{Key: "b", Value: Extant})),
		NewRecord(Slot{Key: Text("k"), Value: NewRecord(Attr{Key: "a", Value: Extant})}, Num(1)),
		NewRecord(Attr{Key: "h", Value: NewRecord(Num(1), Attr{Key: "b", Value: Extant})}),
		NewRecord(Attr{Key: "h", Value: NewRecord(Extant)}),
	}
	for _, value := range values {
		text := Write(value)
		parsed, err := Parse(text)
		assert.Equal(t, err, nil)
		if !Equal(value, parsed) {
			t.Fatalf("round trip %q: %#v != %#v", text, value, parsed)
		}
	}
}

func TestParseMembers(t *testing.T) {
	// empty items are extant
	assert.Equal(t, Equal(RequireParse(`{,1}`), NewRecord(Extant, Num(1))), true)
	assert.Equal(t, Equal(RequireParse(`{1,,}`), NewRecord(Num(1), Extant)), true)

	// attributes after other items are members of the record
	record := RequireParse(`{1,@a,2}`).(*Record)
	assert.Equal(t, len(record.Items), 3)
	assert.Equal(t, record.Items[1], Attr{Key: "a", Value: Extant})

	record = RequireParse(`{1,{@a}}`).(*Record)
	assert.Equal(t, len(record.Items), 2)
	_, nested := record.Items[1].(*Record)
	assert.Equal(t, nested, true)
}

func TestWriteCanonical(t *testing.T) {
	assert.Equal(t, Write(Text("state")), `"state"`)
	assert.Equal(t, Write(Num(0.5)), "0.5")
	assert.Equal(t, Write(Num(2)), "2")
	assert.Equal(t, Write(NewRecord(
		Attr{Key: "Point", Value: Extant},
		Slot{Key: Text("x"), Value: Num(1)},
		Slot{Key: Text("y"), Value: Num(2)},
	)), "@Point{x:1,y:2}")
	assert.Equal(t, WriteAttached(Num(1), false), " 1")
	assert.Equal(t, WriteAttached(Num(1), true), "1")
	assert.Equal(t, WriteAttached(Text("x"), false), `"x"`)
	assert.Equal(t, Write(NewRecord(Absent, Extant, Num(1))), `{,1}`)
	assert.Equal(t, Write(NewRecord(Num(1), Extant)), `{1,,}`)
	assert.Equal(t, Write(NewRecord(Num(1), Attr{Key: "a", Value: Extant})), `{1,@a}`)
	assert.Equal(t, Write(NewRecord(Num(1), NewRecord(Attr{Key: "a", Value: Extant}))), `{1,{@a}}`)
}

func TestEqual(t *testing.T) {
	assert.Equal(t, Equal(nil, Absent), true)
	assert.Equal(t, Equal(Absent, Extant), false)
	assert.Equal(t, Equal(NewRecord(Num(1)), Num(1)), true)
	assert.Equal(t, Equal(Num(1), Text("1")), false)
	assert.Equal(t, Equal(NewRecord(Num(1), Num(2)), NewRecord(Num(1))), false)
	assert.Equal(t, Equal(
		NewRecord(Slot{Key: Text("a"), Value: Num(1)}),
		NewRecord(Attr{Key: "a", Value: Num(1)}),
	), false)
	assert.Equal(t, Equal(NewRecord(Absent, Num(1)), Num(1)), true)
	assert.Equal(t, Equal(NewRecord(Absent), NewRecord()), true)
	assert.Equal(t, Equal(
		NewRecord(Slot{Key: Text("a"), Value: Absent}),
		NewRecord(Slot{Key: Text("a"), Value: Extant}),
	), true)
	assert.Equal(t, Equal(
		NewRecord(Num(1), Attr{Key: "a", Value: Extant}),
		NewRecord(Num(1), NewRecord(Attr{Key: "a", Value: Extant})),
	), false)
}
