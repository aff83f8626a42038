package relay

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/h1v3-io/holdline/pkg/protocol"
)

// Codec converts envelopes to and from wire bytes.
type Codec interface {
	Name() string
	Encode(protocol.Envelope) ([]byte, error)
	Decode([]byte) (protocol.Envelope, error)
}

// CodecByName returns the codec registered under name ("json" or "cbor").
// An empty name selects JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return NewCBORCodec()
	}
	return nil, fmt.Errorf("relay: unknown codec %q", name)
}

// JSONCodec is the default text codec.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(env protocol.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (JSONCodec) Decode(data []byte) (protocol.Envelope, error) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return protocol.Envelope{}, fmt.Errorf("relay: json decode: %w", err)
	}
	if err := validateEnvelope(env); err != nil {
		return protocol.Envelope{}, err
	}
	return env, nil
}

// CBORCodec is a compact binary codec for transports that carry raw bytes.
// The payload stays JSON inside a CBOR byte string.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec builds a CBORCodec using core deterministic encoding.
func NewCBORCodec() (*CBORCodec, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("relay: cbor enc mode: %w", err)
	}
	dec, err := cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("relay: cbor dec mode: %w", err)
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

func (c *CBORCodec) Name() string { return "cbor" }

func (c *CBORCodec) Encode(env protocol.Envelope) ([]byte, error) {
	return c.enc.Marshal(env)
}

func (c *CBORCodec) Decode(data []byte) (protocol.Envelope, error) {
	var env protocol.Envelope
	if err := c.dec.Unmarshal(data, &env); err != nil {
		return protocol.Envelope{}, fmt.Errorf("relay: cbor decode: %w", err)
	}
	if err := validateEnvelope(env); err != nil {
		return protocol.Envelope{}, err
	}
	return env, nil
}

func validateEnvelope(env protocol.Envelope) error {
	if env.ID == "" || env.Type == "" {
		return fmt.Errorf("relay: envelope missing id or type")
	}
	return nil
}
