package warp

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/swimgo/warp/recon"
)

func rawWorkerMessage(t *testing.T, fields map[string]any) []byte {
	s, err := structpb.NewStruct(fields)
	assert.Equal(t, err, nil)
	b, err := proto.Marshal(s)
	assert.Equal(t, err, nil)
	return b
}

func TestWorkerCodec(t *testing.T) {
	for _, message := range []WorkerMessage{
		&SignalMessage{Signal: WorkerSignalOpen},
		&SignalMessage{Signal: WorkerSignalClose},
		&SignalMessage{Signal: WorkerSignalConnect},
		&SignalMessage{Signal: WorkerSignalDisconnect},
		&SignalMessage{Signal: WorkerSignalFail, Error: "connection refused"},
		&SignalMessage{Signal: WorkerSignalOpen, Epoch: 7},
		&SignalMessage{Signal: WorkerSignalFail, Error: "reset", Epoch: 1 << 40},
	} {
		decoded, err := DecodeWorkerMessage(RequireEncodeWorkerMessage(message))
		assert.Equal(t, err, nil)
		assert.Equal(t, decoded, message)
	}

	envelope := NewEventMessage("/unit/foo", "state", recon.Text("hello"))
	decoded, err := DecodeWorkerMessage(RequireEncodeWorkerMessage(&EnvelopeMessage{Envelope: envelope}))
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.(*EnvelopeMessage).Envelope.Equal(envelope), true)

	_, err = DecodeWorkerMessage(rawWorkerMessage(t, map[string]any{"signal": "reboot"}))
	assert.Equal(t, errors.Is(err, ErrUnexpectedSignal), true)
	_, err = DecodeWorkerMessage(rawWorkerMessage(t, map[string]any{"other": 1}))
	assert.Equal(t, errors.Is(err, ErrUnexpectedSignal), true)
	_, err = DecodeWorkerMessage(rawWorkerMessage(t, map[string]any{"envelope": 1}))
	assert.Equal(t, errors.Is(err, ErrUnexpectedSignal), true)
	_, err = DecodeWorkerMessage(rawWorkerMessage(t, map[string]any{"signal": "connect", "epoch": "one"}))
	assert.Equal(t, errors.Is(err, ErrUnexpectedSignal), true)
	_, err = DecodeWorkerMessage([]byte{0xff, 0xff, 0xff})
	assert.Equal(t, errors.Is(err, ErrUnexpectedSignal), true)
	_, err = DecodeWorkerMessage(rawWorkerMessage(t, map[string]any{"envelope": "@bogus"}))
	assert.Equal(t, errors.Is(err, ErrMalformedEnvelope), true)
}

func TestWorkerChannelPair(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b := NewWorkerChannelPair(4)
	assert.Equal(t, a.Send(ctx, []byte("one")), nil)
	assert.Equal(t, a.Send(ctx, []byte("two")), nil)
	assert.Equal(t, b.Send(ctx, []byte("three")), nil)

	message, err := b.Receive(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(message), "one")

	a.Close()
	// sent before the close
	message, err = b.Receive(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(message), "two")
	message, err = a.Receive(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(message), "three")

	_, err = b.Receive(ctx)
	assert.Equal(t, err, io.EOF)
	assert.Equal(t, b.Send(ctx, []byte("four")), io.ErrClosedPipe)

	c, _ := NewWorkerChannelPair(0)
	timeoutCtx, timeoutCancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer timeoutCancel()
	_, err = c.Receive(timeoutCtx)
	assert.Equal(t, err, context.DeadlineExceeded)
}

func TestWorkerRelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newTestTransport()
	settings := DefaultClientSettings()
	settings.HostSettings = testHostSettings(transport)
	settings.Worker = true
	client := NewClient(ctx, settings)
	defer client.Shutdown()

	connection, err := client.Connection(testHostUri)
	assert.Equal(t, err, nil)
	_, ok := connection.(*WorkerProxy)
	assert.Equal(t, ok, true)
	hostEvents := observeHost(connection)

	events := &testDownlinkEvents{}
	a, err := client.Downlink(testHostUri, "/unit/foo", "state", SyncDownlinkSettings(), recordDownlink(events, "a"))
	assert.Equal(t, err, nil)
	assert.Equal(t, client.Authenticate(testHostUri, recon.Text("token")), nil)

	socket := transport.WaitSocket(t, 1)
	waitFor(t, func() bool {
		return hostEvents.Connects() == 1
	})
	assert.Equal(t, connection.IsConnected(), true)
	assert.Equal(t, connection.(*WorkerProxy).RetainCount(), 1)
	waitFor(t, func() bool {
		return len(socket.Written()) == 2
	})
	assert.Equal(t, len(socket.WrittenKind(SyncRequestKind)), 1)
	assert.Equal(t, len(socket.WrittenKind(AuthRequestKind)), 1)

	socket.Receive(NewAuthedResponse(recon.Text("session")))
	socket.Receive(NewLinkedResponse("/unit/foo", "state", 0, 0, recon.Absent))
	socket.Receive(NewEventMessage("/unit/foo", "state", recon.Num(1)))
	socket.Receive(NewSyncedResponse("/unit/foo", "state", recon.Absent))
	waitFor(t, func() bool {
		return events.Count("a:synced") == 1
	})
	assert.Equal(t, events.Events(), []string{"a:linked", "a:event 1", "a:synced"})
	assert.Equal(t, connection.IsAuthenticated(), true)
	assert.Equal(t, connection.Session(), recon.Text("session"))

	assert.Equal(t, a.Command(recon.Text("cmd")), nil)
	waitFor(t, func() bool {
		return len(socket.WrittenKind(CommandMessageKind)) == 1
	})

	// failures cross the channel
	socket.Fail(errors.New("reset"))
	waitFor(t, func() bool {
		return events.Count("a:close") == 1
	})
	assert.Equal(t, events.Count("a:unlinked"), 1)
	waitFor(t, func() bool {
		return hostEvents.Disconnects() == 1
	})
	fails := hostEvents.Fails()
	assert.Equal(t, len(fails), 1)
	assert.Equal(t, errors.Is(fails[0], ErrTransport), true)
	assert.Equal(t, connection.IsConnected(), false)
	assert.Equal(t, connection.IsAuthenticated(), false)
	assert.Equal(t, connection.(*WorkerProxy).RetainCount(), 0)

	// reconnect on demand, with the credentials sent again
	_, err = client.Downlink(testHostUri, "/unit/foo", "state", nil, nil)
	assert.Equal(t, err, nil)
	socket = transport.WaitSocket(t, 2)
	waitFor(t, func() bool {
		return len(socket.Written()) == 2
	})
	assert.Equal(t, socket.Written()[0], `@auth"token"`)
	assert.Equal(t, len(socket.WrittenKind(LinkRequestKind)), 1)
}

func TestWorkerProxyBufferBound(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newTestTransport()
	transport.dialGate = make(chan struct{})
	settings := testHostSettings(transport)
	settings.SendBufferSize = 4
	proxy := NewWorkerConnection(ctx, testHostUri, settings)
	defer proxy.Shutdown()
	events := observeHost(proxy)

	for i := 0; i < settings.SendBufferSize; i += 1 {
		assert.Equal(t, proxy.Push(NewCommandMessage("/unit/foo", "add", recon.Num(i))), nil)
	}
	err := proxy.Push(NewCommandMessage("/unit/foo", "add", recon.Num(settings.SendBufferSize)))
	assert.Equal(t, errors.Is(err, ErrBufferOverflow), true)
	assert.Equal(t, proxy.State(), HostStateConnecting)

	close(transport.dialGate)
	socket := transport.WaitSocket(t, 1)
	waitFor(t, func() bool {
		return events.Connects() == 1
	})
	written := socket.Written()
	assert.Equal(t, len(written), settings.SendBufferSize)
	for i, text := range written {
		assert.Equal(t, text, WriteEnvelope(NewCommandMessage("/unit/foo", "add", recon.Num(i))))
	}

	proxy.Close()
	assert.Equal(t, events.Disconnects(), 1)
	waitFor(t, socket.IsClosed)
	// the relayed disconnect was already reported by the close
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, events.Disconnects(), 1)
}

func TestWorkerUnexpectedSignal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newTestTransport()
	host := NewHost(ctx, testHostUri, testHostSettings(transport))

	for _, message := range [][]byte{
		rawWorkerMessage(t, map[string]any{"signal": "reboot"}),
		// worker to controller only
		RequireEncodeWorkerMessage(&SignalMessage{Signal: WorkerSignalConnect}),
		RequireEncodeWorkerMessage(&EnvelopeMessage{Envelope: NewEventMessage("/unit/foo", "state", recon.Num(1))}),
		RequireEncodeWorkerMessage(&EnvelopeMessage{Envelope: NewAuthedResponse(recon.Absent)}),
	} {
		controllerChannel, workerChannel := NewWorkerChannelPair(16)
		done := make(chan error)
		go func() {
			done <- RunWorker(ctx, workerChannel, host)
		}()
		assert.Equal(t, controllerChannel.Send(ctx, message), nil)
		select {
		case err := <-done:
			assert.Equal(t, errors.Is(err, ErrUnexpectedSignal), true)
		case <-time.After(5 * time.Second):
			t.Fatal("timeout")
		}
	}

	// a closed channel detaches cleanly
	controllerChannel, workerChannel := NewWorkerChannelPair(16)
	done := make(chan error)
	go func() {
		done <- RunWorker(ctx, workerChannel, host)
	}()
	controllerChannel.Close()
	select {
	case err := <-done:
		assert.Equal(t, err, nil)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}
}

func TestWorkerProxyUnexpectedSignal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	controllerChannel, workerChannel := NewWorkerChannelPair(16)
	proxy := NewWorkerProxy(ctx, testHostUri, DefaultHostSettings(), controllerChannel)
	events := observeHost(proxy)

	assert.Equal(t, proxy.Open(), nil)
	message, err := workerChannel.Receive(ctx)
	assert.Equal(t, err, nil)
	decoded, err := DecodeWorkerMessage(message)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, &SignalMessage{Signal: WorkerSignalOpen, Epoch: 1})

	workerChannel.Send(ctx, RequireEncodeWorkerMessage(&SignalMessage{Signal: WorkerSignalConnect, Epoch: 1}))
	waitFor(t, proxy.IsConnected)

	workerChannel.Send(ctx, rawWorkerMessage(t, map[string]any{"signal": "reboot"}))
	waitFor(t, func() bool {
		return events.Disconnects() == 1
	})
	fails := events.Fails()
	assert.Equal(t, len(fails), 1)
	assert.Equal(t, errors.Is(fails[0], ErrUnexpectedSignal), true)
	assert.Equal(t, proxy.State(), HostStateIdle)
	assert.Equal(t, proxy.Push(NewCommandMessage("/a", "b", recon.Absent)), ErrHostClosed)
}

func TestWorkerProxyStaleSignals(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	controllerChannel, workerChannel := NewWorkerChannelPair(16)
	proxy := NewWorkerProxy(ctx, testHostUri, DefaultHostSettings(), controllerChannel)
	defer proxy.Shutdown()
	events := observeHost(proxy)

	receiveSignal := func() *SignalMessage {
		message, err := workerChannel.Receive(ctx)
		assert.Equal(t, err, nil)
		decoded, err := DecodeWorkerMessage(message)
		assert.Equal(t, err, nil)
		return decoded.(*SignalMessage)
	}
	sendSignal := func(signal WorkerSignal, epoch uint64) {
		err := workerChannel.Send(ctx, RequireEncodeWorkerMessage(&SignalMessage{Signal: signal, Epoch: epoch}))
		assert.Equal(t, err, nil)
	}

	assert.Equal(t, proxy.Open(), nil)
	assert.Equal(t, receiveSignal().Epoch, uint64(1))
	sendSignal(WorkerSignalConnect, 1)
	waitFor(t, proxy.IsConnected)

	proxy.Close()
	assert.Equal(t, receiveSignal().Signal, WorkerSignalClose)
	assert.Equal(t, events.Disconnects(), 1)

	// reopened before the worker reports the close
	assert.Equal(t, proxy.Open(), nil)
	open := receiveSignal()
	assert.Equal(t, open.Signal, WorkerSignalOpen)
	assert.Equal(t, open.Epoch, uint64(3))

	sendSignal(WorkerSignalDisconnect, 1)
	sendSignal(WorkerSignalFail, 1)
	sendSignal(WorkerSignalConnect, 3)
	waitFor(t, proxy.IsConnected)
	assert.Equal(t, events.Disconnects(), 1)
	assert.Equal(t, len(events.Fails()), 0)
	assert.Equal(t, events.Connects(), 2)

	sendSignal(WorkerSignalDisconnect, 3)
	waitFor(t, func() bool {
		return events.Disconnects() == 2
	})
	assert.Equal(t, proxy.State(), HostStateIdle)
}

func TestWorkerCloseThenReopen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newTestTransport()
	settings := DefaultClientSettings()
	settings.HostSettings = testHostSettings(transport)
	settings.Worker = true
	client := NewClient(ctx, settings)
	defer client.Shutdown()

	connection, err := client.Connection(testHostUri)
	assert.Equal(t, err, nil)
	hostEvents := observeHost(connection)

	events := &testDownlinkEvents{}
	_, err = client.Downlink(testHostUri, "/a", "x", nil, recordDownlink(events, "a"))
	assert.Equal(t, err, nil)
	transport.WaitSocket(t, 1)
	waitFor(t, func() bool {
		return hostEvents.Connects() == 1
	})

	connection.Close()
	assert.Equal(t, events.Events(), []string{"a:unlinked", "a:close"})
	// the worker has not reported the close yet
	b, err := client.Downlink(testHostUri, "/b", "y", nil, recordDownlink(events, "b"))
	assert.Equal(t, err, nil)

	socket := transport.WaitSocket(t, 2)
	// the connect is relayed after the disconnect of the first socket
	waitFor(t, func() bool {
		return hostEvents.Connects() == 2
	})
	waitFor(t, func() bool {
		return len(socket.WrittenKind(LinkRequestKind)) == 1
	})
	socket.Receive(NewLinkedResponse("/b", "y", 0, 0, recon.Absent))
	waitFor(t, func() bool {
		return events.Count("b:linked") == 1
	})

	assert.Equal(t, events.Events(), []string{"a:unlinked", "a:close", "b:linked"})
	assert.Equal(t, hostEvents.Disconnects(), 1)
	assert.Equal(t, connection.IsConnected(), true)
	assert.Equal(t, b.IsOpen(), true)
	assert.Equal(t, client.LinkKeys(testHostUri), []LinkKey{b.Key()})
}
