package warp

import (
	"context"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"

	"github.com/swimgo/warp/recon"
)

type ClientSettings struct {
	HostSettings *HostSettings
	// run each host connection behind a worker channel
	Worker bool
	// overrides how connections are created, e.g. to share an existing connection
	ConnectionGenerator func(ctx context.Context, hostUri string, hostSettings *HostSettings) Connection
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		HostSettings: DefaultHostSettings(),
		Worker:       false,
	}
}

// the link state of one key shared by all downlinks of the key
type link struct {
	key    LinkKey
	mode   DownlinkMode
	linked bool
	synced bool
	// copy on write
	downlinks []*Downlink
}

type clientHost struct {
	connection     Connection
	removeObserver func()
	removeReceive  func()
	links          map[LinkKey]*link
	// keys with an unlink request sent and no unlinked response yet
	unlinking map[LinkKey]int
}

// Client is the registry of host connections and the downlink multiplexer.
// There is at most one connection per host uri and at most one link per link key,
// regardless of the number of downlinks.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ClientSettings

	stateLock sync.Mutex
	hosts     map[string]*clientHost
}

func NewClientWithDefaults(ctx context.Context) *Client {
	return NewClient(ctx, DefaultClientSettings())
}

func NewClient(ctx context.Context, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Client{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		hosts:    map[string]*clientHost{},
	}
}

// Connection finds or creates the connection for a host uri.
func (self *Client) Connection(hostUri string) (Connection, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ch, err := self.host(hostUri)
	if err != nil {
		return nil, err
	}
	return ch.connection, nil
}

// must be called with the state lock
func (self *Client) host(hostUri string) (*clientHost, error) {
	if self.ctx.Err() != nil {
		return nil, ErrClientClosed
	}
	if ch, ok := self.hosts[hostUri]; ok {
		return ch, nil
	}

	var connection Connection
	switch {
	case self.settings.ConnectionGenerator != nil:
		connection = self.settings.ConnectionGenerator(self.ctx, hostUri, self.settings.HostSettings)
	case self.settings.Worker:
		connection = NewWorkerConnection(self.ctx, hostUri, self.settings.HostSettings)
	default:
		connection = NewHost(self.ctx, hostUri, self.settings.HostSettings)
	}

	ch := &clientHost{
		connection: connection,
		links:      map[LinkKey]*link{},
		unlinking:  map[LinkKey]int{},
	}
	ch.removeObserver = connection.AddObserver(&HostObserverFuncs{
		OnDisconnect: self.hostDidDisconnect,
		OnFail: func(err error, host Connection) {
			self.hostDidDisconnect(host)
		},
	})
	ch.removeReceive = connection.AddReceiveCallback(self.receive)
	self.hosts[hostUri] = ch
	glog.V(1).Infof("[c]host %s\n", hostUri)
	return ch, nil
}

// Downlink subscribes to a remote lane. The first downlink of a key sends a link or sync request,
// later downlinks share it. A sync downlink added to a key that is only linked sends one sync request.
func (self *Client) Downlink(
	hostUri string,
	nodeUri string,
	laneUri string,
	settings *DownlinkSettings,
	callbacks *DownlinkCallbacks,
) (*Downlink, error) {
	if settings == nil {
		settings = DefaultDownlinkSettings()
	}
	if err := settings.validate(); err != nil {
		return nil, err
	}
	if callbacks == nil {
		callbacks = &DownlinkCallbacks{}
	}
	key := LinkKey{
		HostUri: hostUri,
		NodeUri: nodeUri,
		LaneUri: laneUri,
	}
	downlink := &Downlink{
		client:    self,
		id:        NewId(),
		key:       key,
		settings:  settings,
		callbacks: callbacks,
	}

	var linked, synced bool
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		ch, err := self.host(hostUri)
		if err != nil {
			return err
		}
		l, ok := ch.links[key]
		if !ok {
			var request *Envelope
			switch settings.Mode {
			case DownlinkModeSync:
				request = NewSyncRequest(nodeUri, laneUri, settings.Prio, settings.Rate, recon.Absent)
			default:
				request = NewLinkRequest(nodeUri, laneUri, settings.Prio, settings.Rate, recon.Absent)
			}
			if err := ch.connection.Push(request); err != nil {
				return err
			}
			l = &link{
				key:       key,
				mode:      settings.Mode,
				downlinks: []*Downlink{},
			}
			ch.links[key] = l
			ch.connection.Retain()
			LinksOpen.Inc()
			glog.V(1).Infof("[c]%s %s\n", request.Kind, key)
		} else if settings.Mode == DownlinkModeSync && l.mode != DownlinkModeSync {
			request := NewSyncRequest(nodeUri, laneUri, settings.Prio, settings.Rate, recon.Absent)
			if err := ch.connection.Push(request); err != nil {
				return err
			}
			l.mode = DownlinkModeSync
			glog.V(1).Infof("[c]upgrade %s\n", key)
		} else {
			linked = l.linked
			synced = l.synced && settings.Mode == DownlinkModeSync
		}
		l.downlinks = append(append([]*Downlink{}, l.downlinks...), downlink)
		return nil
	}()
	if err != nil {
		return nil, err
	}

	// a downlink joining an established link observes its current state
	if linked {
		downlink.didLink()
	}
	if synced {
		downlink.didSync()
	}
	return downlink, nil
}

// Command sends a command envelope to a lane. No link is required.
func (self *Client) Command(hostUri string, nodeUri string, laneUri string, body recon.Value) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ch, err := self.host(hostUri)
	if err != nil {
		return err
	}
	return ch.connection.Push(NewCommandMessage(nodeUri, laneUri, body))
}

func (self *Client) Authenticate(hostUri string, credentials recon.Value) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ch, err := self.host(hostUri)
	if err != nil {
		return err
	}
	return ch.connection.Authenticate(credentials)
}

func (self *Client) Deauthenticate(hostUri string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ch, err := self.host(hostUri)
	if err != nil {
		return err
	}
	return ch.connection.Deauthenticate()
}

// the link keys with at least one downlink on a host
func (self *Client) LinkKeys(hostUri string) []LinkKey {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ch, ok := self.hosts[hostUri]
	if !ok {
		return []LinkKey{}
	}
	return maps.Keys(ch.links)
}

func (self *Client) HostUris() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.hosts)
}

// CloseHost closes the connection to a host and removes it from the registry.
// Downlinks on the host are unlinked and closed.
func (self *Client) CloseHost(hostUri string) {
	var ch *clientHost
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		ch = self.hosts[hostUri]
	}()
	if ch == nil {
		return
	}
	ch.connection.Close()
	// an idle connection does not report a disconnect on close
	self.hostDidDisconnect(ch.connection)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.hosts[hostUri] == ch {
		ch.removeObserver()
		ch.removeReceive()
		delete(self.hosts, hostUri)
	}
}

// Shutdown closes every host. The client cannot be used after shutdown.
func (self *Client) Shutdown() {
	self.cancel()
	for _, hostUri := range self.HostUris() {
		self.CloseHost(hostUri)
	}
}

// ReceiveFunction
func (self *Client) receive(envelope *Envelope, host Connection) {
	var dispatch func()
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		ch, ok := self.hosts[host.HostUri()]
		if !ok || ch.connection != host {
			return
		}
		key := LinkKey{
			HostUri: host.HostUri(),
			NodeUri: envelope.Node,
			LaneUri: envelope.Lane,
		}
		l, ok := ch.links[key]

		if envelope.Kind == UnlinkedResponseKind {
			if n := ch.unlinking[key]; 0 < n {
				// the response to our own unlink
				if n == 1 {
					delete(ch.unlinking, key)
				} else {
					ch.unlinking[key] = n - 1
				}
				return
			}
			if !ok {
				return
			}
			delete(ch.links, key)
			ch.connection.Release()
			LinksOpen.Dec()
			downlinks := l.downlinks
			for _, downlink := range downlinks {
				downlink.closed = true
			}
			glog.V(1).Infof("[c]unlinked %s\n", key)
			dispatch = func() {
				for _, downlink := range downlinks {
					downlink.didUnlink()
					downlink.didClose()
				}
			}
			return
		}

		if !ok {
			if 0 < ch.unlinking[key] {
				// in flight before our unlink
				return
			}
			// no downlink wants this lane, e.g. a link request flushed after its downlinks were cleared
			glog.V(1).Infof("[c]orphan @%s %s\n", envelope.Kind, key)
			if err := ch.connection.Push(NewUnlinkRequest(key.NodeUri, key.LaneUri, recon.Absent)); err == nil {
				ch.unlinking[key] += 1
			}
			return
		}

		downlinks := l.downlinks
		switch envelope.Kind {
		case LinkedResponseKind:
			l.linked = true
			dispatch = func() {
				for _, downlink := range downlinks {
					if downlink.IsOpen() {
						downlink.didLink()
					}
				}
			}
		case SyncedResponseKind:
			l.synced = true
			dispatch = func() {
				for _, downlink := range downlinks {
					if downlink.IsOpen() {
						downlink.didSync()
					}
				}
			}
		case EventMessageKind:
			dispatch = func() {
				for _, downlink := range downlinks {
					if downlink.IsOpen() {
						downlink.didEvent(envelope.Body)
					}
				}
			}
		}
	}()
	if dispatch != nil {
		dispatch()
	}
}

// every downlink of the host is unlinked. the application re-subscribes if it wants to.
func (self *Client) hostDidDisconnect(host Connection) {
	downlinks := []*Downlink{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		ch, ok := self.hosts[host.HostUri()]
		if !ok || ch.connection != host {
			return
		}
		for key, l := range ch.links {
			downlinks = append(downlinks, l.downlinks...)
			ch.connection.Release()
			LinksOpen.Dec()
			delete(ch.links, key)
		}
		ch.unlinking = map[LinkKey]int{}
		for _, downlink := range downlinks {
			downlink.closed = true
		}
	}()
	if 0 < len(downlinks) {
		glog.Infof("[c]%s disconnected with %d downlinks\n", host.HostUri(), len(downlinks))
	}
	for _, downlink := range downlinks {
		downlink.didUnlink()
		downlink.didClose()
	}
}

func (self *Client) closeDownlink(downlink *Downlink) {
	closed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if downlink.closed {
			return false
		}
		downlink.closed = true

		ch, ok := self.hosts[downlink.key.HostUri]
		if !ok {
			return true
		}
		l, ok := ch.links[downlink.key]
		if !ok {
			return true
		}
		downlinks := []*Downlink{}
		for _, d := range l.downlinks {
			if d != downlink {
				downlinks = append(downlinks, d)
			}
		}
		l.downlinks = downlinks
		if 0 < len(downlinks) {
			return true
		}

		// the last downlink releases the link, even if it was never linked
		delete(ch.links, downlink.key)
		ch.connection.Release()
		LinksOpen.Dec()
		err := ch.connection.Push(NewUnlinkRequest(downlink.key.NodeUri, downlink.key.LaneUri, recon.Absent))
		if err != nil {
			glog.Infof("[c]unlink %s error = %s\n", downlink.key, err)
		} else {
			ch.unlinking[downlink.key] += 1
		}
		glog.V(1).Infof("[c]unlink %s\n", downlink.key)
		return true
	}()
	if closed {
		downlink.didClose()
	}
}

// must be called without the state lock
func (self *Client) linkState(key LinkKey) (linked bool, synced bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if ch, ok := self.hosts[key.HostUri]; ok {
		if l, ok := ch.links[key]; ok {
			return l.linked, l.synced
		}
	}
	return false, false
}
