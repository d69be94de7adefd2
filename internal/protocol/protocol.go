package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/luciancaetano/socketgate"
)

const MaxFrameSize = 10 * 1024 * 1024 // 10MB

// EmptyData is the payload used for synthetic events and undecodable frames.
var EmptyData = json.RawMessage(`{}`)

var (
	ErrFrameTooLarge  = socketgate.ErrPayloadTooLarge
	ErrMissingChannel = errors.New("envelope has no channel")
)

type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Encode builds the wire envelope {"channel": channel, "data": data}.
// A nil data is sent as an empty object.
func Encode(channel string, data any) ([]byte, error) {
	var raw json.RawMessage
	switch v := data.(type) {
	case nil:
		raw = EmptyData
	case json.RawMessage:
		if len(v) == 0 {
			raw = EmptyData
		} else {
			raw = v
		}
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode data for channel %q: %w", channel, err)
		}
		raw = b
	}

	out, err := json.Marshal(envelope{Channel: channel, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("encode envelope for channel %q: %w", channel, err)
	}
	if len(out) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(out))
	}
	return out, nil
}

// Decode parses a wire envelope. A missing data field decodes as an empty
// object. The returned data references a copy, so the caller may reuse frame.
func Decode(frame []byte) (string, json.RawMessage, error) {
	if len(frame) > MaxFrameSize {
		return "", nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}

	var env envelope
	dec := json.NewDecoder(bytes.NewReader(frame))
	if err := dec.Decode(&env); err != nil {
		return "", nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Channel == "" {
		return "", nil, ErrMissingChannel
	}
	if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		env.Data = EmptyData
	}
	return env.Channel, env.Data, nil
}
