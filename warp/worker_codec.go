package warp

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

type WorkerSignal string

const (
	// controller to worker
	WorkerSignalOpen  WorkerSignal = "open"
	WorkerSignalClose WorkerSignal = "close"
	// worker to controller
	WorkerSignalConnect    WorkerSignal = "connect"
	WorkerSignalDisconnect WorkerSignal = "disconnect"
	WorkerSignalFail       WorkerSignal = "fail"
)

// the messages relayed between a controller and a worker.
// implemented by `*SignalMessage` and `*EnvelopeMessage` only.
type WorkerMessage interface {
	isWorkerMessage()
}

type SignalMessage struct {
	Signal WorkerSignal
	// set for `WorkerSignalFail`
	Error string
	// each open from the controller starts a new epoch.
	// connect, disconnect, and fail carry the epoch of the latest open the worker has seen.
	Epoch uint64
}

type EnvelopeMessage struct {
	Envelope *Envelope
}

func (*SignalMessage) isWorkerMessage()   {}
func (*EnvelopeMessage) isWorkerMessage() {}

func EncodeWorkerMessage(message WorkerMessage) ([]byte, error) {
	var fields map[string]any
	switch v := message.(type) {
	case *SignalMessage:
		fields = map[string]any{
			"signal": string(v.Signal),
		}
		if v.Error != "" {
			fields["error"] = v.Error
		}
		if v.Epoch != 0 {
			fields["epoch"] = float64(v.Epoch)
		}
	case *EnvelopeMessage:
		fields = map[string]any{
			"envelope": WriteEnvelope(v.Envelope),
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedSignal, v)
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

func RequireEncodeWorkerMessage(message WorkerMessage) []byte {
	b, err := EncodeWorkerMessage(message)
	if err != nil {
		panic(err)
	}
	return b
}

// DecodeWorkerMessage fails with `ErrUnexpectedSignal` for any message outside the vocabulary.
func DecodeWorkerMessage(b []byte) (WorkerMessage, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnexpectedSignal, err)
	}
	fields := s.GetFields()
	if envelopeValue, ok := fields["envelope"]; ok {
		text, ok := envelopeValue.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("%w: envelope is not a string", ErrUnexpectedSignal)
		}
		envelope, err := ParseEnvelope(text.StringValue)
		if err != nil {
			return nil, err
		}
		return &EnvelopeMessage{
			Envelope: envelope,
		}, nil
	}
	if signalValue, ok := fields["signal"]; ok {
		signal := WorkerSignal(signalValue.GetStringValue())
		switch signal {
		case WorkerSignalOpen,
			WorkerSignalClose,
			WorkerSignalConnect,
			WorkerSignalDisconnect,
			WorkerSignalFail:
			var epoch uint64
			if epochValue, ok := fields["epoch"]; ok {
				n, ok := epochValue.GetKind().(*structpb.Value_NumberValue)
				if !ok || n.NumberValue < 0 {
					return nil, fmt.Errorf("%w: bad epoch", ErrUnexpectedSignal)
				}
				epoch = uint64(n.NumberValue)
			}
			return &SignalMessage{
				Signal: signal,
				Error:  fields["error"].GetStringValue(),
				Epoch:  epoch,
			}, nil
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnexpectedSignal, signal)
		}
	}
	return nil, fmt.Errorf("%w: no signal or envelope", ErrUnexpectedSignal)
}
