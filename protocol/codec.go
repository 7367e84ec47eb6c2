package protocol

import (
	"errors"
	"fmt"
)

// TypeField is the reserved message key holding the command type tag.
const TypeField = "_type"

var (
	ErrMalformed    = errors.New("Message is malformed and could not be decoded")
	ErrMissingType  = errors.New("Message is missing the reserved type field")
	ErrUnknownCodec = errors.New("Unknown codec")
)

// Message is the field map carried by one frame.
type Message map[string]interface{}

// Type returns the command type tag of the message, or "" when it is absent
// or not a string.
func (m Message) Type() string {
	t, _ := m[TypeField].(string)
	return t
}

// Codec serialises messages into frame payloads.
type Codec interface {
	Name() string
	Encode(msg Message) ([]byte, error)
	Decode(data []byte) (Message, error)
}

// CodecByName returns the codec registered under name. An empty name selects
// the default YAML codec.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", YAML.Name():
		return YAML, nil

	case JSON.Name():
		return JSON, nil

	default:
		return nil, fmt.Errorf("Failed to select codec '%s': %w", name, ErrUnknownCodec)
	}
}

func checkType(msg Message) error {
	if msg.Type() == "" {
		return ErrMissingType
	}

	return nil
}
