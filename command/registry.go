package command

import (
	"errors"
	"fmt"
	"sort"

	"github.com/mitchellh/mapstructure"

	"github.com/foilen/relay/protocol"
)

var (
	ErrUnknownType    = errors.New("No command is registered for the type")
	ErrDuplicateType  = errors.New("A command is already registered for the type")
	ErrInvalidEntry   = errors.New("Registry entry must have a type and exactly one factory")
	ErrPopulateFields = errors.New("Failed to populate command fields")
)

// Entry describes how to build one command type.
//
// Exactly one of New or NewAware must be set. Setting NewAware marks the
// command as connection aware.
type Entry struct {
	Type     string
	New      func() Command
	NewAware func() ConnectionAware
}

// ConnectionAware reports whether commands built from this entry receive the
// delivering connection.
func (e Entry) ConnectionAware() bool {
	return e.NewAware != nil
}

func (e Entry) valid() bool {
	return e.Type != "" && (e.New == nil) != (e.NewAware == nil)
}

// Registry maps wire type tags to command factories. It cannot be changed
// once built, so it is safe to share between every connection.
type Registry struct {
	entries map[string]Entry
}

func NewRegistry(entries ...Entry) (*Registry, error) {
	r := &Registry{entries: make(map[string]Entry, len(entries))}

	for _, entry := range entries {
		if !entry.valid() {
			return nil, fmt.Errorf("Failed to register '%s': %w", entry.Type, ErrInvalidEntry)
		}

		if _, ok := r.entries[entry.Type]; ok {
			return nil, fmt.Errorf("Failed to register '%s': %w", entry.Type, ErrDuplicateType)
		}

		r.entries[entry.Type] = entry
	}

	return r, nil
}

// MustRegistry is like NewRegistry but panics on error.
func MustRegistry(entries ...Entry) *Registry {
	r, err := NewRegistry(entries...)
	if err != nil {
		panic(err)
	}

	return r
}

func (r *Registry) Lookup(typ string) (Entry, bool) {
	entry, ok := r.entries[typ]
	return entry, ok
}

// Types returns the registered type tags in sorted order.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.entries))
	for typ := range r.entries {
		types = append(types, typ)
	}

	sort.Strings(types)
	return types
}

// Instantiate builds the command described by msg. Connection aware commands
// are handed peer before being returned.
func (r *Registry) Instantiate(msg protocol.Message, peer Peer) (Command, error) {
	entry, ok := r.entries[msg.Type()]
	if !ok {
		return nil, fmt.Errorf("Failed to instantiate '%s': %w", msg.Type(), ErrUnknownType)
	}

	if !entry.ConnectionAware() {
		cmd := entry.New()
		if err := Populate(cmd, msg); err != nil {
			return nil, err
		}

		return cmd, nil
	}

	cmd := entry.NewAware()
	if err := Populate(cmd, msg); err != nil {
		return nil, err
	}

	cmd.SetConnection(peer)
	return cmd, nil
}

// Populate copies the fields of msg into cmd, which must be a pointer to a
// struct. The reserved type field is ignored.
func Populate(cmd Command, msg protocol.Message) error {
	fields := make(map[string]interface{}, len(msg))
	for key, value := range msg {
		if key != protocol.TypeField {
			fields[key] = value
		}
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           cmd,
	})
	if err != nil {
		return fmt.Errorf("%w '%s': %v", ErrPopulateFields, cmd.Type(), err)
	}

	if err := decoder.Decode(fields); err != nil {
		return fmt.Errorf("%w '%s': %v", ErrPopulateFields, cmd.Type(), err)
	}

	return nil
}

// Fields returns the wire message for cmd, including its type tag.
func Fields(cmd Command) (protocol.Message, error) {
	fields := map[string]interface{}{}

	if err := mapstructure.Decode(cmd, &fields); err != nil {
		return nil, fmt.Errorf("Failed to extract fields of '%s': %w", cmd.Type(), err)
	}

	msg := protocol.Message(fields)
	msg[protocol.TypeField] = cmd.Type()
	return msg, nil
}
