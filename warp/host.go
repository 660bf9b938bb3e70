package warp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/swimgo/warp/recon"
)

// host state machine is:
// HostStateIdle
//
//	-> HostStateConnecting
//	  -> HostStateOpen
//	    -> HostStateIdle
//	  -> HostStateIdle
type HostState string

const (
	HostStateIdle       HostState = "Idle"
	HostStateConnecting HostState = "Connecting"
	HostStateOpen       HostState = "Open"
)

type HostSettings struct {
	// the bound of the buffer of envelopes pushed while not connected
	SendBufferSize int
	// backoff before a dial that follows a failed attempt
	MinReconnectTimeout time.Duration
	MaxReconnectTimeout time.Duration
	// an open host with no links and nothing buffered closes after this. zero disables.
	IdleTimeout time.Duration

	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	PingTimeout        time.Duration

	// websocket subprotocols
	Protocols []string
	// nil means no transport is available
	SocketFactory SocketFactory
}

func DefaultHostSettings() *HostSettings {
	return &HostSettings{
		SendBufferSize:      1024,
		MinReconnectTimeout: 500 * time.Millisecond,
		MaxReconnectTimeout: 30 * time.Second,
		IdleTimeout:         1 * time.Second,
		WsHandshakeTimeout:  5 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         60 * time.Second,
		PingTimeout:         15 * time.Second,
		Protocols:           []string{},
		SocketFactory:       NewWebSocketFactory(),
	}
}

// observable events of a host connection
type HostObserver interface {
	DidConnect(host Connection)
	DidAuthenticate(body recon.Value, host Connection)
	DidDeauthenticate(body recon.Value, host Connection)
	DidDisconnect(host Connection)
	DidFail(err error, host Connection)
	// buffered envelopes that were never sent because the host was closed
	DidDiscard(count int, host Connection)
}

// adapts functions to a `HostObserver`. nil functions are skipped.
type HostObserverFuncs struct {
	OnConnect        func(host Connection)
	OnAuthenticate   func(body recon.Value, host Connection)
	OnDeauthenticate func(body recon.Value, host Connection)
	OnDisconnect     func(host Connection)
	OnFail           func(err error, host Connection)
	OnDiscard        func(count int, host Connection)
}

func (self *HostObserverFuncs) DidConnect(host Connection) {
	if self.OnConnect != nil {
		self.OnConnect(host)
	}
}

func (self *HostObserverFuncs) DidAuthenticate(body recon.Value, host Connection) {
	if self.OnAuthenticate != nil {
		self.OnAuthenticate(body, host)
	}
}

func (self *HostObserverFuncs) DidDeauthenticate(body recon.Value, host Connection) {
	if self.OnDeauthenticate != nil {
		self.OnDeauthenticate(body, host)
	}
}

func (self *HostObserverFuncs) DidDisconnect(host Connection) {
	if self.OnDisconnect != nil {
		self.OnDisconnect(host)
	}
}

func (self *HostObserverFuncs) DidFail(err error, host Connection) {
	if self.OnFail != nil {
		self.OnFail(err, host)
	}
}

func (self *HostObserverFuncs) DidDiscard(count int, host Connection) {
	if self.OnDiscard != nil {
		self.OnDiscard(count, host)
	}
}

// receives the link-scoped envelopes read from a host
type ReceiveFunction func(envelope *Envelope, host Connection)

// a connection to one host uri. implemented by `Host` and by `WorkerProxy`.
type Connection interface {
	HostUri() string
	State() HostState
	IsConnected() bool
	IsAuthenticated() bool
	Session() recon.Value

	Open() error
	Close()
	Push(envelope *Envelope) error
	Authenticate(credentials recon.Value) error
	Deauthenticate() error

	// links using the connection. a connection with no links may close when idle.
	Retain()
	Release()

	AddObserver(observer HostObserver) func()
	AddReceiveCallback(receiveCallback ReceiveFunction) func()
}

// owns the one socket to a host uri
type Host struct {
	ctx    context.Context
	cancel context.CancelFunc

	hostUri  string
	settings *HostSettings
	log      LogFunction

	stateLock sync.Mutex
	state     HostState
	// incremented for each socket. events from an older socket are ignored.
	generation   uint64
	socket       Socket
	socketCancel context.CancelFunc
	sendBuffer   []*Envelope
	reconnect    *Reconnect

	authenticated bool
	session       recon.Value
	credentials   recon.Value

	retainCount int
	idleTimer   *time.Timer

	observers        *CallbackList[HostObserver]
	receiveCallbacks *CallbackList[ReceiveFunction]
}

func NewHostWithDefaults(ctx context.Context, hostUri string) *Host {
	return NewHost(ctx, hostUri, DefaultHostSettings())
}

func NewHost(ctx context.Context, hostUri string, settings *HostSettings) *Host {
	cancelCtx, cancel := context.WithCancel(ctx)
	host := &Host{
		ctx:              cancelCtx,
		cancel:           cancel,
		hostUri:          hostUri,
		settings:         settings,
		log:              LogFn(1, fmt.Sprintf("host %s", hostUri)),
		state:            HostStateIdle,
		sendBuffer:       []*Envelope{},
		reconnect:        NewReconnect(settings.MinReconnectTimeout, settings.MaxReconnectTimeout),
		session:          recon.Absent,
		observers:        NewCallbackList[HostObserver](),
		receiveCallbacks: NewCallbackList[ReceiveFunction](),
	}
	go func() {
		<-cancelCtx.Done()
		host.Close()
	}()
	return host
}

func (self *Host) HostUri() string {
	return self.hostUri
}

func (self *Host) State() HostState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

func (self *Host) IsConnected() bool {
	return self.State() == HostStateOpen
}

func (self *Host) IsAuthenticated() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.authenticated
}

func (self *Host) Session() recon.Value {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.session
}

// the number of envelopes waiting for a connection
func (self *Host) SendBufferLen() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.sendBuffer)
}

func (self *Host) AddObserver(observer HostObserver) func() {
	callbackId := self.observers.Add(observer)
	return func() {
		self.observers.Remove(callbackId)
	}
}

func (self *Host) AddReceiveCallback(receiveCallback ReceiveFunction) func() {
	callbackId := self.receiveCallbacks.Add(receiveCallback)
	return func() {
		self.receiveCallbacks.Remove(callbackId)
	}
}

// Open starts connecting. It is a no-op while connecting or open.
// The connection completes asynchronously and is reported with `DidConnect` or `DidFail`.
func (self *Host) Open() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.open()
}

// must be called with the state lock
func (self *Host) open() error {
	if self.ctx.Err() != nil {
		return ErrHostClosed
	}
	if self.state != HostStateIdle {
		return nil
	}
	if self.settings.SocketFactory == nil {
		return ErrMissingTransport
	}
	wsUrl, err := WebSocketUrl(self.hostUri)
	if err != nil {
		return err
	}

	self.state = HostStateConnecting
	self.generation += 1
	generation := self.generation
	delay := self.reconnect.Timeout()
	go self.connect(generation, wsUrl, delay)
	return nil
}

func (self *Host) connect(generation uint64, wsUrl string, delay time.Duration) {
	if 0 < delay {
		self.log("reconnect in %s", delay)
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	socketCtx, socketCancel := context.WithCancel(self.ctx)

	dial := func() (Socket, error) {
		return self.settings.SocketFactory(socketCtx, wsUrl, self.settings)
	}
	var socket Socket
	var err error
	if glog.V(2) {
		socket, err = TraceWithReturnError(fmt.Sprintf("[h]connect %s", wsUrl), dial)
	} else {
		socket, err = dial()
	}

	notify := []func(){}
	defer func() {
		for _, n := range notify {
			n()
		}
	}()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if generation != self.generation || self.ctx.Err() != nil {
		// closed or reopened while dialing
		socketCancel()
		if socket != nil {
			socket.Close()
		}
		return
	}

	if err != nil {
		socketCancel()
		glog.Infof("[h]connect %s error = %s\n", wsUrl, err)
		self.state = HostStateIdle
		self.reconnect.Failed()
		HostFailures.WithLabelValues("dial").Inc()
		failErr := fmt.Errorf("%w: %w", ErrTransport, err)
		notify = append(notify, func() {
			self.notifyFail(failErr)
		})
		return
	}

	self.socket = socket
	self.socketCancel = socketCancel

	if recon.IsDefined(self.credentials) {
		if err := self.write(NewAuthRequest(self.credentials)); err != nil {
			notify = append(notify, self.teardown(err)...)
			return
		}
	}
	for 0 < len(self.sendBuffer) {
		if err := self.write(self.sendBuffer[0]); err != nil {
			// the unsent envelopes stay buffered for the next connection
			notify = append(notify, self.teardown(err)...)
			return
		}
		self.sendBuffer[0] = nil
		self.sendBuffer = self.sendBuffer[1:]
	}

	self.state = HostStateOpen
	self.reconnect.Succeeded()
	HostConnects.Inc()
	self.log("connected")

	go self.read(generation, socket)
	if 0 < self.settings.PingTimeout {
		go self.ping(socketCtx, generation, socket)
	}
	self.checkIdle()

	notify = append(notify, func() {
		for _, observer := range self.observers.Get() {
			HandleError(func() {
				observer.DidConnect(self)
			})
		}
	})
}

// closes the current socket after a transport error.
// must be called with the state lock. returns the notifications to run after the lock is released.
func (self *Host) teardown(err error) []func() {
	self.closeSocket()
	clean := err == nil || errors.Is(err, io.EOF)
	if clean {
		self.log("disconnected")
	} else {
		glog.Infof("[h]%s disconnected error = %s\n", self.hostUri, err)
		HostFailures.WithLabelValues("transport").Inc()
	}
	notify := []func(){}
	if !clean {
		var failErr error
		if errors.Is(err, ErrMalformedEnvelope) {
			failErr = err
		} else {
			failErr = fmt.Errorf("%w: %w", ErrTransport, err)
		}
		notify = append(notify, func() {
			self.notifyFail(failErr)
		})
	}
	notify = append(notify, self.notifyDisconnect)
	return notify
}

// must be called with the state lock
func (self *Host) closeSocket() {
	if self.socket != nil {
		self.socket.Close()
		self.socket = nil
	}
	if self.socketCancel != nil {
		self.socketCancel()
		self.socketCancel = nil
	}
	if self.idleTimer != nil {
		self.idleTimer.Stop()
		self.idleTimer = nil
	}
	self.generation += 1
	self.state = HostStateIdle
	self.authenticated = false
	self.session = recon.Absent
}

func (self *Host) notifyFail(err error) {
	for _, observer := range self.observers.Get() {
		HandleError(func() {
			observer.DidFail(err, self)
		})
	}
}

func (self *Host) notifyDisconnect() {
	for _, observer := range self.observers.Get() {
		HandleError(func() {
			observer.DidDisconnect(self)
		})
	}
}

// must be called with the state lock and an open socket
func (self *Host) write(envelope *Envelope) error {
	text := WriteEnvelope(envelope)
	if err := self.socket.WriteText(text); err != nil {
		return err
	}
	EnvelopesSent.WithLabelValues(envelope.Kind.Tag()).Inc()
	if glog.V(2) {
		glog.Infof("[h]%s-> %s\n", self.hostUri, text)
	}
	return nil
}

// Push transmits immediately when open. Otherwise the envelope is buffered
// and the host starts connecting. A full buffer fails with `ErrBufferOverflow`.
func (self *Host) Push(envelope *Envelope) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.ctx.Err() != nil {
		return ErrHostClosed
	}

	if self.state == HostStateOpen {
		return self.writeOpen(envelope)
	}

	if self.settings.SendBufferSize <= len(self.sendBuffer) {
		SendBufferOverflows.Inc()
		glog.Infof("[h]%s send buffer overflow (%d)\n", self.hostUri, len(self.sendBuffer))
		return ErrBufferOverflow
	}
	if err := self.open(); err != nil {
		return err
	}
	self.sendBuffer = append(self.sendBuffer, envelope)
	return nil
}

// Authenticate sends the credentials now when open, otherwise when the connection opens.
// The credentials are sent again on every reconnect until `Deauthenticate`.
func (self *Host) Authenticate(credentials recon.Value) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.ctx.Err() != nil {
		return ErrHostClosed
	}

	self.credentials = credentials
	if self.state == HostStateOpen {
		return self.writeOpen(NewAuthRequest(credentials))
	}
	return self.open()
}

func (self *Host) Deauthenticate() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.credentials = nil
	if self.state == HostStateOpen {
		return self.writeOpen(NewDeauthRequest(recon.Absent))
	}
	return nil
}

// must be called with the state lock while open.
// a failed write closes the socket, and the reader reports the failure to observers.
// observers are never called synchronously from a push.
func (self *Host) writeOpen(envelope *Envelope) error {
	if err := self.write(envelope); err != nil {
		self.socket.Close()
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

// Close closes the socket. Buffered envelopes that were never sent are discarded
// and reported with `DidDiscard`. The host can be opened again.
func (self *Host) Close() {
	var discardCount int
	var wasActive bool
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		discardCount = len(self.sendBuffer)
		self.sendBuffer = []*Envelope{}
		wasActive = self.state != HostStateIdle
		if wasActive {
			self.closeSocket()
		}
	}()

	if 0 < discardCount {
		glog.Infof("[h]%s close discarded %d buffered envelopes\n", self.hostUri, discardCount)
		EnvelopesDiscarded.Add(float64(discardCount))
		for _, observer := range self.observers.Get() {
			HandleError(func() {
				observer.DidDiscard(discardCount, self)
			})
		}
	}
	if wasActive {
		self.log("closed")
		self.notifyDisconnect()
	}
}

func (self *Host) Retain() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.retainCount += 1
	if self.idleTimer != nil {
		self.idleTimer.Stop()
		self.idleTimer = nil
	}
}

func (self *Host) Release() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if 0 < self.retainCount {
		self.retainCount -= 1
	}
	self.checkIdle()
}

// must be called with the state lock
func (self *Host) checkIdle() {
	if self.retainCount != 0 || self.state != HostStateOpen || 0 < len(self.sendBuffer) {
		return
	}
	if self.settings.IdleTimeout <= 0 || self.idleTimer != nil {
		return
	}
	generation := self.generation
	var idleTimer *time.Timer
	idleTimer = time.AfterFunc(self.settings.IdleTimeout, func() {
		idle := func() bool {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			if self.idleTimer != idleTimer {
				// stopped or replaced
				return false
			}
			self.idleTimer = nil
			return generation == self.generation && self.retainCount == 0 && self.state == HostStateOpen
		}()
		if idle {
			self.log("idle")
			self.Close()
		}
	})
	self.idleTimer = idleTimer
}

func (self *Host) ping(socketCtx context.Context, generation uint64, socket Socket) {
	for {
		select {
		case <-socketCtx.Done():
			return
		case <-time.After(self.settings.PingTimeout):
		}
		if err := socket.WritePing(); err != nil {
			self.disconnect(generation, err)
			return
		}
	}
}

func (self *Host) disconnect(generation uint64, err error) {
	notify := []func(){}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if generation != self.generation {
			return
		}
		notify = self.teardown(err)
	}()
	for _, n := range notify {
		n()
	}
}

// reads frames in order and dispatches them synchronously, which keeps per-host ordering
func (self *Host) read(generation uint64, socket Socket) {
	for {
		text, isText, err := socket.Read()
		if err != nil {
			self.disconnect(generation, err)
			return
		}
		if !isText {
			glog.V(2).Infof("[h]%s<- non-text frame\n", self.hostUri)
			continue
		}
		envelope, err := ParseEnvelope(text)
		if err != nil {
			// a malformed frame means the host and client are out of sync
			glog.Errorf("[h]%s<- %s\n", self.hostUri, err)
			HostFailures.WithLabelValues("malformed").Inc()
			self.disconnect(generation, err)
			return
		}
		if glog.V(2) {
			glog.Infof("[h]%s<- %s\n", self.hostUri, text)
		}
		if !self.receive(generation, envelope) {
			return
		}
	}
}

// returns false if the socket is no longer current
func (self *Host) receive(generation uint64, envelope *Envelope) bool {
	EnvelopesReceived.WithLabelValues(envelope.Kind.Tag()).Inc()

	switch envelope.Kind {
	case AuthedResponseKind:
		current := func() bool {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			if generation != self.generation {
				return false
			}
			self.authenticated = true
			self.session = envelope.Body
			return true
		}()
		if !current {
			return false
		}
		for _, observer := range self.observers.Get() {
			HandleError(func() {
				observer.DidAuthenticate(envelope.Body, self)
			})
		}
	case DeauthedResponseKind:
		current := func() bool {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			if generation != self.generation {
				return false
			}
			self.authenticated = false
			self.session = recon.Absent
			return true
		}()
		if !current {
			return false
		}
		for _, observer := range self.observers.Get() {
			HandleError(func() {
				observer.DidDeauthenticate(envelope.Body, self)
			})
		}
	case LinkedResponseKind, SyncedResponseKind, UnlinkedResponseKind, EventMessageKind:
		current := func() bool {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			return generation == self.generation
		}()
		if !current {
			// read before a close. the links of the closed socket are already torn down.
			return false
		}
		for _, receiveCallback := range self.receiveCallbacks.Get() {
			HandleError(func() {
				receiveCallback(envelope, self)
			})
		}
	case LinkRequestKind,
		SyncRequestKind,
		UnlinkRequestKind,
		CommandMessageKind,
		AuthRequestKind,
		DeauthRequestKind:
		glog.Infof("[h]%s<- unexpected request @%s\n", self.hostUri, envelope.Kind.Tag())
	}
	return true
}
