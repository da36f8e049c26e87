package ibeacon

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Codec serialises advertisements for the message bus.
type Codec interface {
	Name() string
	Marshal(Advertisement) ([]byte, error)
	Unmarshal([]byte) (Advertisement, error)
}

// JSONCodec is the default bus encoding and matches the scanner's original
// output, one JSON object per advertisement.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(a Advertisement) ([]byte, error) {
	return json.Marshal(a.Message())
}

func (JSONCodec) Unmarshal(data []byte) (Advertisement, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Advertisement{}, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return m.Advertisement()
}

// CBORCodec is a compact binary alternative for constrained links.
type CBORCodec struct{}

func (CBORCodec) Name() string { return "cbor" }

func (CBORCodec) Marshal(a Advertisement) ([]byte, error) {
	return cbor.Marshal(a.Message())
}

func (CBORCodec) Unmarshal(data []byte) (Advertisement, error) {
	var m Message
	if err := cbor.Unmarshal(data, &m); err != nil {
		return Advertisement{}, fmt.Errorf("failed to unmarshal CBOR: %w", err)
	}
	return m.Advertisement()
}

// CodecByName returns the codec registered under name. An empty name selects
// JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported codec %q: expected json or cbor", name)
	}
}
