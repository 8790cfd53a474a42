package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownKind is returned when a frame carries a kind outside the vocabulary,
// or a command kind where an event is expected and vice versa.
var ErrUnknownKind = errors.New("protocol: unknown message kind")

type envelope struct {
	Kind    Kind            `json:"kind"`
	RunID   string          `json:"run_id"`
	Payload json.RawMessage `json:"payload"`
}

func encode(kind Kind, runID string, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", kind, err)
	}
	return json.Marshal(envelope{Kind: kind, RunID: runID, Payload: payload})
}

// EncodeCommand serializes c into a self-describing frame.
func EncodeCommand(c Command) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil command", ErrUnknownKind)
	}
	return encode(c.Kind(), c.Run(), c)
}

// EncodeEvent serializes e into a self-describing frame.
func EncodeEvent(e Event) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil event", ErrUnknownKind)
	}
	return encode(e.Kind(), e.Run(), e)
}

func decodeEnvelope(frame []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return env, fmt.Errorf("protocol: decode frame: %w", err)
	}
	return env, nil
}

func unmarshalPayload[T any](env envelope) (T, error) {
	var v T
	if len(env.Payload) == 0 {
		return v, fmt.Errorf("protocol: %s frame without payload", env.Kind)
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("protocol: decode %s: %w", env.Kind, err)
	}
	return v, nil
}

// DecodeCommand parses a frame produced by EncodeCommand.
func DecodeCommand(frame []byte) (Command, error) {
	env, err := decodeEnvelope(frame)
	if err != nil {
		return nil, err
	}
	switch env.Kind {
	case KindStart:
		return unmarshalPayload[Start](env)
	case KindCancel:
		return unmarshalPayload[Cancel](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
}

// DecodeEvent parses a frame produced by EncodeEvent.
func DecodeEvent(frame []byte) (Event, error) {
	env, err := decodeEnvelope(frame)
	if err != nil {
		return nil, err
	}
	switch env.Kind {
	case KindStarted:
		return unmarshalPayload[Started](env)
	case KindProgress:
		return unmarshalPayload[Progress](env)
	case KindMarkUploaded:
		return unmarshalPayload[MarkUploaded](env)
	case KindCompleted:
		return unmarshalPayload[Completed](env)
	case KindCancelled:
		return unmarshalPayload[Cancelled](env)
	case KindFailed:
		return unmarshalPayload[Failed](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
}
