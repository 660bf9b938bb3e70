package warp

import (
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// makes a copy of the list on update
// so that `Get` returns a snapshot that is safe to iterate while callbacks add or remove themselves
type CallbackList[T any] struct {
	stateLock sync.Mutex
	callbacks map[Id]T
	order     []Id
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: map[Id]T{},
		order:     []Id{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbacks := make([]T, 0, len(self.order))
	for _, callbackId := range self.order {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbackId := NewId()
	nextCallbacks := maps.Clone(self.callbacks)
	nextCallbacks[callbackId] = callback
	self.callbacks = nextCallbacks
	self.order = append(slices.Clone(self.order), callbackId)
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := slices.Index(self.order, callbackId)
	if i < 0 {
		// not present
		return
	}
	nextCallbacks := maps.Clone(self.callbacks)
	delete(nextCallbacks, callbackId)
	self.callbacks = nextCallbacks
	self.order = slices.Delete(slices.Clone(self.order), i, i+1)
}

func (self *CallbackList[T]) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.order)
}

// exponential backoff between connection attempts.
// the delay doubles on each failure up to the max, and resets on success.
type Reconnect struct {
	minTimeout time.Duration
	maxTimeout time.Duration
	timeout    time.Duration
}

func NewReconnect(minTimeout time.Duration, maxTimeout time.Duration) *Reconnect {
	return &Reconnect{
		minTimeout: minTimeout,
		maxTimeout: maxTimeout,
	}
}

// the delay before the next attempt. zero after a success.
func (self *Reconnect) Timeout() time.Duration {
	return self.timeout
}

func (self *Reconnect) Failed() {
	if self.timeout == 0 {
		self.timeout = self.minTimeout
	} else {
		self.timeout = min(2*self.timeout, self.maxTimeout)
	}
	if self.maxTimeout < self.timeout {
		self.timeout = self.maxTimeout
	}
}

func (self *Reconnect) Succeeded() {
	self.timeout = 0
}
