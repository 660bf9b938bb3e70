package warp

import (
	"fmt"
	"strings"

	"github.com/swimgo/warp/recon"
)

type EnvelopeKind int

const (
	LinkRequestKind EnvelopeKind = iota
	SyncRequestKind
	LinkedResponseKind
	SyncedResponseKind
	UnlinkRequestKind
	UnlinkedResponseKind
	EventMessageKind
	CommandMessageKind
	AuthRequestKind
	AuthedResponseKind
	DeauthRequestKind
	DeauthedResponseKind
)

var envelopeTags = map[EnvelopeKind]string{
	LinkRequestKind:      "link",
	SyncRequestKind:      "sync",
	LinkedResponseKind:   "linked",
	SyncedResponseKind:   "synced",
	UnlinkRequestKind:    "unlink",
	UnlinkedResponseKind: "unlinked",
	EventMessageKind:     "event",
	CommandMessageKind:   "command",
	AuthRequestKind:      "auth",
	AuthedResponseKind:   "authed",
	DeauthRequestKind:    "deauth",
	DeauthedResponseKind: "deauthed",
}

var tagEnvelopeKinds = func() map[string]EnvelopeKind {
	kinds := map[string]EnvelopeKind{}
	for kind, tag := range envelopeTags {
		kinds[tag] = kind
	}
	return kinds
}()

func (self EnvelopeKind) Tag() string {
	return envelopeTags[self]
}

func (self EnvelopeKind) String() string {
	if tag, ok := envelopeTags[self]; ok {
		return tag
	}
	return fmt.Sprintf("EnvelopeKind(%d)", int(self))
}

// link-scoped envelopes address a node and lane
func (self EnvelopeKind) IsLinkScoped() bool {
	switch self {
	case LinkRequestKind,
		SyncRequestKind,
		LinkedResponseKind,
		SyncedResponseKind,
		UnlinkRequestKind,
		UnlinkedResponseKind,
		EventMessageKind,
		CommandMessageKind:
		return true
	default:
		return false
	}
}

// envelopes that carry prio and rate headers
func (self EnvelopeKind) HasLinkHeaders() bool {
	switch self {
	case LinkRequestKind, SyncRequestKind, LinkedResponseKind:
		return true
	default:
		return false
	}
}

// envelopes sent by a host to a client
func (self EnvelopeKind) IsResponse() bool {
	switch self {
	case LinkedResponseKind,
		SyncedResponseKind,
		UnlinkedResponseKind,
		EventMessageKind,
		AuthedResponseKind,
		DeauthedResponseKind:
		return true
	default:
		return false
	}
}

// immutable after construction
type Envelope struct {
	Kind EnvelopeKind
	Node string
	Lane string
	Prio float64
	Rate float64
	Body recon.Value
}

func newEnvelope(kind EnvelopeKind, node string, lane string, prio float64, rate float64, body recon.Value) *Envelope {
	if !recon.IsDefined(body) || recon.Equal(body, recon.Extant) {
		// written as no body
		body = recon.Absent
	} else if record, ok := body.(*recon.Record); ok && recon.Equal(record, recon.NewRecord()) {
		// only absent items
		body = recon.Absent
	}
	return &Envelope{
		Kind: kind,
		Node: node,
		Lane: lane,
		Prio: prio,
		Rate: rate,
		Body: body,
	}
}

func NewLinkRequest(node string, lane string, prio float64, rate float64, body recon.Value) *Envelope {
	return newEnvelope(LinkRequestKind, node, lane, prio, rate, body)
}

func NewSyncRequest(node string, lane string, prio float64, rate float64, body recon.Value) *Envelope {
	return newEnvelope(SyncRequestKind, node, lane, prio, rate, body)
}

func NewLinkedResponse(node string, lane string, prio float64, rate float64, body recon.Value) *Envelope {
	return newEnvelope(LinkedResponseKind, node, lane, prio, rate, body)
}

func NewSyncedResponse(node string, lane string, body recon.Value) *Envelope {
	return newEnvelope(SyncedResponseKind, node, lane, 0, 0, body)
}

func NewUnlinkRequest(node string, lane string, body recon.Value) *Envelope {
	return newEnvelope(UnlinkRequestKind, node, lane, 0, 0, body)
}

func NewUnlinkedResponse(node string, lane string, body recon.Value) *Envelope {
	return newEnvelope(UnlinkedResponseKind, node, lane, 0, 0, body)
}

func NewEventMessage(node string, lane string, body recon.Value) *Envelope {
	return newEnvelope(EventMessageKind, node, lane, 0, 0, body)
}

func NewCommandMessage(node string, lane string, body recon.Value) *Envelope {
	return newEnvelope(CommandMessageKind, node, lane, 0, 0, body)
}

func NewAuthRequest(body recon.Value) *Envelope {
	return newEnvelope(AuthRequestKind, "", "", 0, 0, body)
}

func NewAuthedResponse(body recon.Value) *Envelope {
	return newEnvelope(AuthedResponseKind, "", "", 0, 0, body)
}

func NewDeauthRequest(body recon.Value) *Envelope {
	return newEnvelope(DeauthRequestKind, "", "", 0, 0, body)
}

func NewDeauthedResponse(body recon.Value) *Envelope {
	return newEnvelope(DeauthedResponseKind, "", "", 0, 0, body)
}

func (self *Envelope) Equal(b *Envelope) bool {
	if self == nil || b == nil {
		return self == b
	}
	return self.Kind == b.Kind &&
		self.Node == b.Node &&
		self.Lane == b.Lane &&
		self.Prio == b.Prio &&
		self.Rate == b.Rate &&
		recon.Equal(self.Body, b.Body)
}

func (self *Envelope) String() string {
	return WriteEnvelope(self)
}

// WriteEnvelope encodes an envelope as WARP text,
// e.g. `@sync(node:"/unit/foo",lane:"state",prio:0.5)`.
// Zero prio and rate headers are omitted.
func WriteEnvelope(envelope *Envelope) string {
	var b strings.Builder
	b.WriteByte('@')
	b.WriteString(envelope.Kind.Tag())

	afterParen := false
	if envelope.Kind.IsLinkScoped() {
		headers := []recon.Item{
			recon.Slot{Key: recon.Text("node"), Value: recon.Text(envelope.Node)},
			recon.Slot{Key: recon.Text("lane"), Value: recon.Text(envelope.Lane)},
		}
		if envelope.Kind.HasLinkHeaders() {
			if envelope.Prio != 0 {
				headers = append(headers, recon.Slot{Key: recon.Text("prio"), Value: recon.Num(envelope.Prio)})
			}
			if envelope.Rate != 0 {
				headers = append(headers, recon.Slot{Key: recon.Text("rate"), Value: recon.Num(envelope.Rate)})
			}
		}
		// the header record is written as the attribute arguments
		header := recon.Write(recon.NewRecord(headers...))
		b.WriteByte('(')
		b.WriteString(header[1 : len(header)-1])
		b.WriteByte(')')
		afterParen = true
	}

	if recon.IsDefined(envelope.Body) {
		b.WriteString(recon.WriteAttached(envelope.Body, afterParen))
	}
	return b.String()
}

// ParseEnvelope decodes WARP text into an envelope.
// Unknown tags and malformed headers return an error wrapping ErrMalformedEnvelope.
func ParseEnvelope(text string) (*Envelope, error) {
	value, err := recon.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	record, ok := value.(*recon.Record)
	if !ok {
		return nil, fmt.Errorf("%w: not a record", ErrMalformedEnvelope)
	}
	tag, ok := record.Tag()
	if !ok {
		return nil, fmt.Errorf("%w: missing tag", ErrMalformedEnvelope)
	}
	kind, ok := tagEnvelopeKinds[tag]
	if !ok {
		return nil, fmt.Errorf("%w: unknown tag @%s", ErrMalformedEnvelope, tag)
	}
	body := record.Tail()

	if !kind.IsLinkScoped() {
		return newEnvelope(kind, "", "", 0, 0, body), nil
	}

	header := record.Items[0].(recon.Attr).Value
	node, lane, prio, rate, err := parseLinkHeaders(header)
	if err != nil {
		return nil, fmt.Errorf("%w: @%s %w", ErrMalformedEnvelope, tag, err)
	}
	if !kind.HasLinkHeaders() {
		prio = 0
		rate = 0
	}
	return newEnvelope(kind, node, lane, prio, rate, body), nil
}

func RequireParseEnvelope(text string) *Envelope {
	envelope, err := ParseEnvelope(text)
	if err != nil {
		panic(err)
	}
	return envelope
}

// headers are positional or named:
// `(node, lane)` and `(node: node, lane: lane)` are equivalent. prio and rate are named only.
func parseLinkHeaders(header recon.Value) (node string, lane string, prio float64, rate float64, err error) {
	var items []recon.Item
	switch v := header.(type) {
	case *recon.Record:
		items = v.Items
	default:
		if recon.IsDefined(v) && v != recon.Extant {
			items = []recon.Item{v}
		}
	}

	hasNode := false
	hasLane := false
	position := 0
	for _, item := range items {
		switch v := item.(type) {
		case recon.Slot:
			key, ok := v.Key.(recon.Text)
			if !ok {
				continue
			}
			switch string(key) {
			case "node":
				if node, ok = recon.StringValue(v.Value); !ok {
					err = fmt.Errorf("bad node")
					return
				}
				hasNode = true
			case "lane":
				if lane, ok = recon.StringValue(v.Value); !ok {
					err = fmt.Errorf("bad lane")
					return
				}
				hasLane = true
			case "prio":
				if prio, ok = recon.NumberValue(v.Value); !ok {
					err = fmt.Errorf("bad prio")
					return
				}
			case "rate":
				if rate, ok = recon.NumberValue(v.Value); !ok {
					err = fmt.Errorf("bad rate")
					return
				}
			}
		case recon.Value:
			s, ok := recon.StringValue(v)
			switch position {
			case 0:
				if !ok {
					err = fmt.Errorf("bad node")
					return
				}
				node = s
				hasNode = true
			case 1:
				if !ok {
					err = fmt.Errorf("bad lane")
					return
				}
				lane = s
				hasLane = true
			}
			position += 1
		}
	}
	if !hasNode {
		err = fmt.Errorf("missing node")
		return
	}
	if !hasLane {
		err = fmt.Errorf("missing lane")
		return
	}
	return
}
