package protocol

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// YAML is the default codec, one YAML document per message.
var YAML Codec = yamlCodec{}

type yamlCodec struct{}

func (yamlCodec) Name() string {
	return "yaml"
}

func (yamlCodec) Encode(msg Message) ([]byte, error) {
	if err := checkType(msg); err != nil {
		return nil, err
	}

	return yaml.Marshal(map[string]interface{}(msg))
}

func (yamlCodec) Decode(data []byte) (Message, error) {
	var fields map[string]interface{}

	if err := yaml.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("Failed to parse yaml message (%v): %w", err, ErrMalformed)
	}

	msg := Message(fields)
	if err := checkType(msg); err != nil {
		return nil, fmt.Errorf("Failed to parse yaml message (%v): %w", err, ErrMalformed)
	}

	return msg, nil
}
