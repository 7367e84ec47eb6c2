package protocol

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// JSON encodes every message as a single JSON object.
//
// Numbers decode as float64, commands that declare integer fields are still
// populated correctly as field population is weakly typed.
var JSON Codec = jsonCodec{}

var errNotAnObject = errors.New("payload is not a JSON object")

type jsonCodec struct{}

func (jsonCodec) Name() string {
	return "json"
}

func (jsonCodec) Encode(msg Message) ([]byte, error) {
	if err := checkType(msg); err != nil {
		return nil, err
	}

	// Sorted so the same message always produces the same bytes
	keys := make([]string, 0, len(msg))
	for key := range msg {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	// Keys are written as JSON strings rather than sjson paths, so no key
	// name is ever read as path syntax
	out := []byte{'{'}

	for i, key := range keys {
		name, err := rawJSON(key)
		if err != nil {
			return nil, fmt.Errorf("Failed to encode field name '%s': %w", key, err)
		}

		value, err := rawJSON(msg[key])
		if err != nil {
			return nil, fmt.Errorf("Failed to encode field '%s': %w", key, err)
		}

		if i > 0 {
			out = append(out, ',')
		}

		out = append(out, name...)
		out = append(out, ':')
		out = append(out, value...)
	}

	return append(out, '}'), nil
}

// rawJSON renders v as a JSON value.
func rawJSON(v interface{}) ([]byte, error) {
	doc, err := sjson.SetBytes([]byte(`{}`), "v", v)
	if err != nil {
		return nil, err
	}

	return []byte(gjson.GetBytes(doc, "v").Raw), nil
}

func (jsonCodec) Decode(data []byte) (Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("Failed to parse json message: %w", ErrMalformed)
	}

	result := gjson.ParseBytes(data)
	if !result.IsObject() {
		return nil, fmt.Errorf("Failed to parse json message (%v): %w", errNotAnObject, ErrMalformed)
	}

	fields, _ := result.Value().(map[string]interface{})

	msg := Message(fields)
	if err := checkType(msg); err != nil {
		return nil, fmt.Errorf("Failed to parse json message (%v): %w", err, ErrMalformed)
	}

	return msg, nil
}
