package warp

import (
	"fmt"
	"math"

	"github.com/swimgo/warp/recon"
)

type DownlinkMode int

const (
	// observe events going forward
	DownlinkModeLink DownlinkMode = iota
	// replay the current state before events
	DownlinkModeSync
)

func (self DownlinkMode) String() string {
	switch self {
	case DownlinkModeSync:
		return "sync"
	default:
		return "link"
	}
}

// comparable
// identifies one remote lane on one host
type LinkKey struct {
	HostUri string
	NodeUri string
	LaneUri string
}

func (self LinkKey) String() string {
	return fmt.Sprintf("%s %s#%s", self.HostUri, self.NodeUri, self.LaneUri)
}

type DownlinkSettings struct {
	Mode DownlinkMode
	Prio float64
	Rate float64
}

func DefaultDownlinkSettings() *DownlinkSettings {
	return &DownlinkSettings{
		Mode: DownlinkModeLink,
	}
}

func SyncDownlinkSettings() *DownlinkSettings {
	return &DownlinkSettings{
		Mode: DownlinkModeSync,
	}
}

// prio and rate are written as numbers, which must be finite
func (self *DownlinkSettings) validate() error {
	for _, v := range []float64{self.Prio, self.Rate} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: prio %v rate %v", ErrInvalidDownlinkSettings, self.Prio, self.Rate)
		}
	}
	return nil
}

// callbacks are invoked without any lock held and may call back into the client,
// including closing the downlink. nil callbacks are skipped.
type DownlinkCallbacks struct {
	OnEvent    func(downlink *Downlink, body recon.Value)
	OnLinked   func(downlink *Downlink)
	OnSynced   func(downlink *Downlink)
	OnUnlinked func(downlink *Downlink)
	OnClose    func(downlink *Downlink)
}

// one local subscriber of a link key
type Downlink struct {
	client    *Client
	id        Id
	key       LinkKey
	settings  *DownlinkSettings
	callbacks *DownlinkCallbacks

	// guarded by the client state lock
	closed bool
}

func (self *Downlink) Id() Id {
	return self.id
}

func (self *Downlink) Key() LinkKey {
	return self.key
}

func (self *Downlink) HostUri() string {
	return self.key.HostUri
}

func (self *Downlink) NodeUri() string {
	return self.key.NodeUri
}

func (self *Downlink) LaneUri() string {
	return self.key.LaneUri
}

func (self *Downlink) Mode() DownlinkMode {
	return self.settings.Mode
}

func (self *Downlink) IsOpen() bool {
	self.client.stateLock.Lock()
	defer self.client.stateLock.Unlock()

	return !self.closed
}

func (self *Downlink) IsLinked() bool {
	if !self.IsOpen() {
		return false
	}
	linked, _ := self.client.linkState(self.key)
	return linked
}

func (self *Downlink) IsSynced() bool {
	if !self.IsOpen() {
		return false
	}
	_, synced := self.client.linkState(self.key)
	return synced
}

// Command sends a command to the downlink's lane.
func (self *Downlink) Command(body recon.Value) error {
	return self.client.Command(self.key.HostUri, self.key.NodeUri, self.key.LaneUri, body)
}

// Close detaches the downlink. Closing the last downlink of a key unlinks it.
func (self *Downlink) Close() {
	self.client.closeDownlink(self)
}

func (self *Downlink) didEvent(body recon.Value) {
	if self.callbacks.OnEvent != nil {
		HandleError(func() {
			self.callbacks.OnEvent(self, body)
		})
	}
}

func (self *Downlink) didLink() {
	if self.callbacks.OnLinked != nil {
		HandleError(func() {
			self.callbacks.OnLinked(self)
		})
	}
}

func (self *Downlink) didSync() {
	if self.callbacks.OnSynced != nil {
		HandleError(func() {
			self.callbacks.OnSynced(self)
		})
	}
}

func (self *Downlink) didUnlink() {
	if self.callbacks.OnUnlinked != nil {
		HandleError(func() {
			self.callbacks.OnUnlinked(self)
		})
	}
}

func (self *Downlink) didClose() {
	if self.callbacks.OnClose != nil {
		HandleError(func() {
			self.callbacks.OnClose(self)
		})
	}
}
