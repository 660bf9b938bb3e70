package warp

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestIdOrder(t *testing.T) {
	// ulids are ordered by create time, and so are their string forms
	// callback lists and downlink handles rely on this for stable ordering

	a := NewId()
	for i := 0; i < 64*1024; i++ {
		b := NewId()
		assert.Equal(t, a.String() < b.String(), true)
		assert.Equal(t, b == a, false)
		a = b
	}
	assert.Equal(t, len(a.String()), 26)
}

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func() int]()
	one := callbacks.Add(func() int { return 1 })
	callbacks.Add(func() int { return 2 })
	three := callbacks.Add(func() int { return 3 })
	assert.Equal(t, callbacks.Len(), 3)

	values := func() []int {
		out := []int{}
		for _, callback := range callbacks.Get() {
			out = append(out, callback())
		}
		return out
	}
	assert.Equal(t, values(), []int{1, 2, 3})

	// a snapshot is not changed by later updates
	snapshot := callbacks.Get()
	callbacks.Remove(one)
	callbacks.Remove(one)
	assert.Equal(t, len(snapshot), 3)
	assert.Equal(t, values(), []int{2, 3})

	callbacks.Remove(three)
	callbacks.Add(func() int { return 4 })
	assert.Equal(t, values(), []int{2, 4})
	assert.Equal(t, callbacks.Len(), 2)
}

func TestReconnect(t *testing.T) {
	reconnect := NewReconnect(100*time.Millisecond, time.Second)
	assert.Equal(t, reconnect.Timeout(), time.Duration(0))

	reconnect.Failed()
	assert.Equal(t, reconnect.Timeout(), 100*time.Millisecond)
	reconnect.Failed()
	assert.Equal(t, reconnect.Timeout(), 200*time.Millisecond)
	reconnect.Failed()
	reconnect.Failed()
	assert.Equal(t, reconnect.Timeout(), 800*time.Millisecond)
	reconnect.Failed()
	assert.Equal(t, reconnect.Timeout(), time.Second)
	reconnect.Failed()
	assert.Equal(t, reconnect.Timeout(), time.Second)

	reconnect.Succeeded()
	assert.Equal(t, reconnect.Timeout(), time.Duration(0))
}

func TestHandleError(t *testing.T) {
	var handled error
	r := HandleError(func() {
		panic("callback failed")
	}, func(err error) {
		handled = err
	})
	assert.NotEqual(t, r, nil)
	assert.Equal(t, handled.Error(), "callback failed")

	r = HandleError(func() {})
	assert.Equal(t, r, nil)
}
