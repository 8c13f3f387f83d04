package durable

import (
	"encoding/json"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes workflow inputs, outputs, and activity payloads.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec is the default payload codec.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

// Marshal passes raw JSON byte slices through unchanged.
func (JSONCodec) Marshal(v any) ([]byte, error) {
	if raw, ok := v.([]byte); ok {
		if json.Valid(raw) {
			return append([]byte(nil), raw...), nil
		}
	}
	if raw, ok := v.(json.RawMessage); ok {
		return append([]byte(nil), raw...), nil
	}
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 || v == nil {
		return nil
	}
	return json.Unmarshal(data, v)
}

// MsgpackCodec encodes payloads with MessagePack.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (MsgpackCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 || v == nil {
		return nil
	}
	return msgpack.Unmarshal(data, v)
}

// CodecFor resolves a codec by name. An empty name selects JSON.
func CodecFor(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, NewError(ErrInvalidInput, "unknown codec "+name, nil, map[string]any{"codec": name})
	}
}

// NormalizeCodec returns JSONCodec when c is nil.
func NormalizeCodec(c Codec) Codec {
	if c == nil {
		return JSONCodec{}
	}
	return c
}
