package warp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/swimgo/warp/recon"
)

// the worker mode runs a `Host` behind a message channel.
// the controller side is a `WorkerProxy`, which is a `Connection`.
// messages are encoded with `EncodeWorkerMessage`:
//
//	controller -> worker: open, close, and request envelopes
//	worker -> controller: connect, disconnect, fail, and response envelopes
//
// signals about the host carry the epoch of the latest open, so that the controller
// can drop signals about a connection it already closed.

// an ordered, bidirectional message channel.
// `Receive` returns `io.EOF` after the channel is closed.
type WorkerChannel interface {
	Send(ctx context.Context, message []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close()
}

type workerChannelPipe struct {
	closeOnce *sync.Once
	done      chan struct{}
	send      chan []byte
	receive   chan []byte
}

// NewWorkerChannelPair returns the two ends of an in-process channel.
// `bufferSize` messages may be sent before a send blocks for the receiver.
func NewWorkerChannelPair(bufferSize int) (WorkerChannel, WorkerChannel) {
	closeOnce := &sync.Once{}
	done := make(chan struct{})
	a := make(chan []byte, bufferSize)
	b := make(chan []byte, bufferSize)
	return &workerChannelPipe{
			closeOnce: closeOnce,
			done:      done,
			send:      a,
			receive:   b,
		}, &workerChannelPipe{
			closeOnce: closeOnce,
			done:      done,
			send:      b,
			receive:   a,
		}
}

func (self *workerChannelPipe) Send(ctx context.Context, message []byte) error {
	select {
	case <-self.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-self.done:
		return io.ErrClosedPipe
	case self.send <- message:
		return nil
	}
}

func (self *workerChannelPipe) Receive(ctx context.Context) ([]byte, error) {
	// messages sent before the close are still delivered
	select {
	case message := <-self.receive:
		return message, nil
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case message := <-self.receive:
		return message, nil
	case <-self.done:
		select {
		case message := <-self.receive:
			return message, nil
		default:
			return nil, io.EOF
		}
	}
}

// closes both ends
func (self *workerChannelPipe) Close() {
	self.closeOnce.Do(func() {
		close(self.done)
	})
}

func sendWorkerMessage(ctx context.Context, channel WorkerChannel, message WorkerMessage) error {
	b, err := EncodeWorkerMessage(message)
	if err != nil {
		return err
	}
	return channel.Send(ctx, b)
}

// RunWorker relays between the channel and the host until the channel closes or the context is done.
// The host is retained while the controller is attached, so it only closes when the controller asks.
// A message outside the worker vocabulary fails with `ErrUnexpectedSignal`.
func RunWorker(ctx context.Context, channel WorkerChannel, host *Host) error {
	log := LogFn(1, fmt.Sprintf("worker %s", host.HostUri()))

	send := func(message WorkerMessage) {
		if err := sendWorkerMessage(ctx, channel, message); err != nil {
			log("send error = %s", err)
		}
	}

	var epoch atomic.Uint64
	sendSignal := func(signal WorkerSignal, err error) {
		message := &SignalMessage{
			Signal: signal,
			Epoch:  epoch.Load(),
		}
		if err != nil {
			message.Error = err.Error()
		}
		send(message)
	}

	host.Retain()
	defer host.Release()

	removeObserver := host.AddObserver(&HostObserverFuncs{
		OnConnect: func(Connection) {
			sendSignal(WorkerSignalConnect, nil)
		},
		OnDisconnect: func(Connection) {
			sendSignal(WorkerSignalDisconnect, nil)
		},
		OnFail: func(err error, _ Connection) {
			sendSignal(WorkerSignalFail, err)
		},
		OnAuthenticate: func(body recon.Value, _ Connection) {
			send(&EnvelopeMessage{Envelope: NewAuthedResponse(body)})
		},
		OnDeauthenticate: func(body recon.Value, _ Connection) {
			send(&EnvelopeMessage{Envelope: NewDeauthedResponse(body)})
		},
	})
	defer removeObserver()
	removeReceive := host.AddReceiveCallback(func(envelope *Envelope, _ Connection) {
		send(&EnvelopeMessage{Envelope: envelope})
	})
	defer removeReceive()

	defer host.Close()

	for {
		b, err := channel.Receive(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				log("detached")
				return nil
			}
			return err
		}
		message, err := DecodeWorkerMessage(b)
		if err != nil {
			glog.Errorf("[w]%s decode error = %s\n", host.HostUri(), err)
			return err
		}

		switch v := message.(type) {
		case *SignalMessage:
			switch v.Signal {
			case WorkerSignalOpen:
				epoch.Store(v.Epoch)
				if host.IsConnected() {
					// opened outside of an open signal, e.g. by an auth. report it for the new epoch.
					sendSignal(WorkerSignalConnect, nil)
				} else if err := host.Open(); err != nil {
					sendSignal(WorkerSignalFail, err)
				}
			case WorkerSignalClose:
				host.Close()
			default:
				// connect, disconnect, and fail only travel from the worker
				glog.Errorf("[w]%s unexpected signal %s\n", host.HostUri(), v.Signal)
				return fmt.Errorf("%w: %s", ErrUnexpectedSignal, v.Signal)
			}
		case *EnvelopeMessage:
			if v.Envelope.Kind.IsResponse() {
				// responses only travel from the worker
				glog.Errorf("[w]%s unexpected @%s from controller\n", host.HostUri(), v.Envelope.Kind.Tag())
				return fmt.Errorf("%w: response @%s from controller", ErrUnexpectedSignal, v.Envelope.Kind.Tag())
			}
			var err error
			switch v.Envelope.Kind {
			case AuthRequestKind:
				err = host.Authenticate(v.Envelope.Body)
			case DeauthRequestKind:
				err = host.Deauthenticate()
			default:
				err = host.Push(v.Envelope)
			}
			if err != nil {
				sendSignal(WorkerSignalFail, err)
			}
		}
	}
}

// the controller side of a worker.
// state is mirrored from the worker signals. envelopes pushed while not connected
// are counted against the same send buffer bound the worker host uses.
type WorkerProxy struct {
	ctx    context.Context
	cancel context.CancelFunc

	hostUri  string
	settings *HostSettings
	channel  WorkerChannel
	log      LogFunction

	stateLock sync.Mutex
	state     HostState
	// the epoch of the latest open. a close moves past it.
	epoch         uint64
	pendingCount  int
	authenticated bool
	session       recon.Value
	retainCount   int

	observers        *CallbackList[HostObserver]
	receiveCallbacks *CallbackList[ReceiveFunction]
}

func NewWorkerProxy(ctx context.Context, hostUri string, settings *HostSettings, channel WorkerChannel) *WorkerProxy {
	cancelCtx, cancel := context.WithCancel(ctx)
	proxy := &WorkerProxy{
		ctx:              cancelCtx,
		cancel:           cancel,
		hostUri:          hostUri,
		settings:         settings,
		channel:          channel,
		log:              LogFn(1, fmt.Sprintf("proxy %s", hostUri)),
		state:            HostStateIdle,
		session:          recon.Absent,
		observers:        NewCallbackList[HostObserver](),
		receiveCallbacks: NewCallbackList[ReceiveFunction](),
	}
	go proxy.run()
	return proxy
}

// NewWorkerConnection starts a worker for the host uri and returns its controller.
// The worker goroutine owns the socket. It exits when the proxy context is done.
func NewWorkerConnection(ctx context.Context, hostUri string, settings *HostSettings) *WorkerProxy {
	controllerChannel, workerChannel := NewWorkerChannelPair(settings.SendBufferSize + 16)
	proxy := NewWorkerProxy(ctx, hostUri, settings, controllerChannel)
	host := NewHost(proxy.ctx, hostUri, settings)
	go func() {
		defer workerChannel.Close()
		if err := RunWorker(proxy.ctx, workerChannel, host); err != nil {
			glog.Errorf("[w]%s exited error = %s\n", hostUri, err)
		}
	}()
	return proxy
}

func (self *WorkerProxy) HostUri() string {
	return self.hostUri
}

func (self *WorkerProxy) State() HostState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

func (self *WorkerProxy) IsConnected() bool {
	return self.State() == HostStateOpen
}

func (self *WorkerProxy) IsAuthenticated() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.authenticated
}

func (self *WorkerProxy) Session() recon.Value {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.session
}

func (self *WorkerProxy) AddObserver(observer HostObserver) func() {
	callbackId := self.observers.Add(observer)
	return func() {
		self.observers.Remove(callbackId)
	}
}

func (self *WorkerProxy) AddReceiveCallback(receiveCallback ReceiveFunction) func() {
	callbackId := self.receiveCallbacks.Add(receiveCallback)
	return func() {
		self.receiveCallbacks.Remove(callbackId)
	}
}

func (self *WorkerProxy) Open() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.open()
}

// must be called with the state lock
func (self *WorkerProxy) open() error {
	if self.ctx.Err() != nil {
		return ErrHostClosed
	}
	if self.state != HostStateIdle {
		return nil
	}
	self.epoch += 1
	if err := self.send(&SignalMessage{Signal: WorkerSignalOpen, Epoch: self.epoch}); err != nil {
		return err
	}
	self.state = HostStateConnecting
	return nil
}

// must be called with the state lock
func (self *WorkerProxy) send(message WorkerMessage) error {
	if err := sendWorkerMessage(self.ctx, self.channel, message); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

func (self *WorkerProxy) Push(envelope *Envelope) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.ctx.Err() != nil {
		return ErrHostClosed
	}

	if self.state != HostStateOpen {
		if self.settings.SendBufferSize <= self.pendingCount {
			SendBufferOverflows.Inc()
			return ErrBufferOverflow
		}
		if err := self.open(); err != nil {
			return err
		}
		self.pendingCount += 1
	}
	return self.send(&EnvelopeMessage{Envelope: envelope})
}

func (self *WorkerProxy) Authenticate(credentials recon.Value) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.ctx.Err() != nil {
		return ErrHostClosed
	}
	// the worker host connects to authenticate
	if err := self.open(); err != nil {
		return err
	}
	return self.send(&EnvelopeMessage{Envelope: NewAuthRequest(credentials)})
}

func (self *WorkerProxy) Deauthenticate() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.ctx.Err() != nil {
		return ErrHostClosed
	}
	return self.send(&EnvelopeMessage{Envelope: NewDeauthRequest(recon.Absent)})
}

func (self *WorkerProxy) Close() {
	var discardCount int
	var wasActive bool
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		discardCount = self.pendingCount
		self.pendingCount = 0
		wasActive = self.state != HostStateIdle
		self.state = HostStateIdle
		// signals still in flight from the worker are about the closed connection
		self.epoch += 1
		self.authenticated = false
		self.session = recon.Absent
		if self.ctx.Err() == nil {
			self.send(&SignalMessage{Signal: WorkerSignalClose})
		}
	}()

	if 0 < discardCount {
		for _, observer := range self.observers.Get() {
			HandleError(func() {
				observer.DidDiscard(discardCount, self)
			})
		}
	}
	if wasActive {
		self.notifyDisconnect()
	}
}

// Shutdown closes the proxy and detaches the worker
func (self *WorkerProxy) Shutdown() {
	self.Close()
	self.cancel()
	self.channel.Close()
}

// the worker host is retained for as long as the proxy is attached.
// the count is kept for inspection.
func (self *WorkerProxy) Retain() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.retainCount += 1
}

func (self *WorkerProxy) Release() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if 0 < self.retainCount {
		self.retainCount -= 1
	}
}

func (self *WorkerProxy) RetainCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.retainCount
}

func (self *WorkerProxy) notifyDisconnect() {
	for _, observer := range self.observers.Get() {
		HandleError(func() {
			observer.DidDisconnect(self)
		})
	}
}

func (self *WorkerProxy) notifyFail(err error) {
	for _, observer := range self.observers.Get() {
		HandleError(func() {
			observer.DidFail(err, self)
		})
	}
}

func (self *WorkerProxy) run() {
	for {
		b, err := self.channel.Receive(self.ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || self.ctx.Err() != nil {
				self.log("detached")
			} else {
				glog.Errorf("[p]%s receive error = %s\n", self.hostUri, err)
			}
			self.cancel()
			self.detach()
			return
		}
		message, err := DecodeWorkerMessage(b)
		if err == nil {
			err = self.receive(message)
		}
		if err != nil {
			glog.Errorf("[p]%s %s\n", self.hostUri, err)
			self.cancel()
			self.channel.Close()
			self.notifyFail(err)
			self.detach()
			return
		}
	}
}

// the worker is gone. an active proxy reports a disconnect.
func (self *WorkerProxy) detach() {
	wasActive := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		wasActive := self.state != HostStateIdle
		self.state = HostStateIdle
		self.pendingCount = 0
		self.authenticated = false
		self.session = recon.Absent
		return wasActive
	}()
	if wasActive {
		self.notifyDisconnect()
	}
}

func (self *WorkerProxy) receive(message WorkerMessage) error {
	switch v := message.(type) {
	case *SignalMessage:
		// signals from an epoch before the latest open or close are about a connection
		// that was already reported
		current := true
		switch v.Signal {
		case WorkerSignalConnect:
			func() {
				self.stateLock.Lock()
				defer self.stateLock.Unlock()

				if current = v.Epoch == self.epoch; !current {
					return
				}
				self.state = HostStateOpen
				// the worker flushed its buffer before connecting
				self.pendingCount = 0
			}()
			if current {
				for _, observer := range self.observers.Get() {
					HandleError(func() {
						observer.DidConnect(self)
					})
				}
			}
		case WorkerSignalDisconnect:
			wasActive := func() bool {
				self.stateLock.Lock()
				defer self.stateLock.Unlock()

				if current = v.Epoch == self.epoch; !current {
					return false
				}
				wasActive := self.state != HostStateIdle
				self.state = HostStateIdle
				self.authenticated = false
				self.session = recon.Absent
				return wasActive
			}()
			if wasActive {
				self.notifyDisconnect()
			}
		case WorkerSignalFail:
			func() {
				self.stateLock.Lock()
				defer self.stateLock.Unlock()

				if current = v.Epoch == self.epoch; !current {
					return
				}
				if self.state == HostStateConnecting {
					// the dial failed. the worker host is idle.
					self.state = HostStateIdle
				}
			}()
			if current {
				self.notifyFail(fmt.Errorf("%w: %s", ErrTransport, v.Error))
			}
		default:
			return fmt.Errorf("%w: %s", ErrUnexpectedSignal, v.Signal)
		}
		if !current {
			self.log("drop %s from epoch %d", v.Signal, v.Epoch)
		}
	case *EnvelopeMessage:
		envelope := v.Envelope
		switch envelope.Kind {
		case AuthedResponseKind:
			func() {
				self.stateLock.Lock()
				defer self.stateLock.Unlock()

				self.authenticated = true
				self.session = envelope.Body
			}()
			for _, observer := range self.observers.Get() {
				HandleError(func() {
					observer.DidAuthenticate(envelope.Body, self)
				})
			}
		case DeauthedResponseKind:
			func() {
				self.stateLock.Lock()
				defer self.stateLock.Unlock()

				self.authenticated = false
				self.session = recon.Absent
			}()
			for _, observer := range self.observers.Get() {
				HandleError(func() {
					observer.DidDeauthenticate(envelope.Body, self)
				})
			}
		case LinkedResponseKind, SyncedResponseKind, UnlinkedResponseKind, EventMessageKind:
			for _, receiveCallback := range self.receiveCallbacks.Get() {
				HandleError(func() {
					receiveCallback(envelope, self)
				})
			}
		default:
			return fmt.Errorf("%w: request @%s from worker", ErrUnexpectedSignal, envelope.Kind.Tag())
		}
	}
	return nil
}
