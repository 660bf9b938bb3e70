package warp

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// a single transport connection to a host.
// `Read` is called from one goroutine and `WriteText` is serialized by the host,
// `WritePing` and `Close` may be called concurrently with both.
type Socket interface {
	// blocks for the next frame. `isText` is false for binary frames.
	// a clean close from the host is reported as `io.EOF`.
	Read() (text string, isText bool, err error)
	WriteText(text string) error
	WritePing() error
	Close() error
}

// constructs the transport for a host. `wsUrl` has already been mapped to a ws or wss scheme.
type SocketFactory func(ctx context.Context, wsUrl string, settings *HostSettings) (Socket, error)

// maps the host uri scheme to a websocket scheme:
// warp and swim to ws, warps and swims to wss
func WebSocketUrl(hostUri string) (string, error) {
	u, err := url.Parse(hostUri)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "warp", "swim", "ws", "http":
		u.Scheme = "ws"
	case "warps", "swims", "wss", "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("Unsupported host scheme: %s", u.Scheme)
	}
	return u.String(), nil
}

func NewWebSocketFactory() SocketFactory {
	return func(ctx context.Context, wsUrl string, settings *HostSettings) (Socket, error) {
		dialer := &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: settings.WsHandshakeTimeout,
			Subprotocols:     settings.Protocols,
		}
		ws, _, err := dialer.DialContext(ctx, wsUrl, nil)
		if err != nil {
			return nil, err
		}
		return newWebSocket(ws, settings), nil
	}
}

type webSocket struct {
	ws       *websocket.Conn
	settings *HostSettings
}

func newWebSocket(ws *websocket.Conn, settings *HostSettings) *webSocket {
	socket := &webSocket{
		ws:       ws,
		settings: settings,
	}
	ws.SetPongHandler(func(string) error {
		socket.extendReadDeadline()
		return nil
	})
	return socket
}

func (self *webSocket) extendReadDeadline() {
	if 0 < self.settings.ReadTimeout {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	}
}

func (self *webSocket) Read() (string, bool, error) {
	self.extendReadDeadline()
	messageType, message, err := self.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return "", false, io.EOF
		}
		return "", false, err
	}
	switch messageType {
	case websocket.TextMessage:
		return string(message), true, nil
	default:
		return "", false, nil
	}
}

func (self *webSocket) WriteText(text string) error {
	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	// note that for websocket a deadline timeout cannot be recovered
	return self.ws.WriteMessage(websocket.TextMessage, []byte(text))
}

func (self *webSocket) WritePing() error {
	return self.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(self.settings.WriteTimeout))
}

func (self *webSocket) Close() error {
	self.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(self.settings.WriteTimeout),
	)
	return self.ws.Close()
}
