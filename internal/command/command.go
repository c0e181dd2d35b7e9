package command

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Version is the only envelope version this package produces and accepts.
const Version = 1

var (
	// ErrUnsupportedVersion is returned when an envelope carries a version
	// other than [Version].
	ErrUnsupportedVersion = errors.New("unsupported envelope version")

	// ErrMissingType is returned when a command has an empty Type.
	ErrMissingType = errors.New("command type is required")
)

// Command is a single tagged message pushed to a client.
type Command struct {
	// Type selects the handler that executes the command.
	Type string `json:"type" cbor:"type"`

	// ID is an optional correlation identifier.
	ID string `json:"id,omitempty" cbor:"id,omitempty"`

	// Args is the command payload. Values are whatever the codec produced:
	// strings, bools, numbers, nested maps and slices.
	Args map[string]any `json:"args,omitempty" cbor:"args,omitempty"`
}

// Envelope is the versioned container for a batch of commands.
type Envelope struct {
	Version  int       `json:"v" cbor:"v"`
	Commands []Command `json:"commands" cbor:"commands"`
}

// New returns a command of the given type with a fresh correlation ID.
func New(typ string, args map[string]any) Command {
	return Command{
		Type: typ,
		ID:   uuid.NewString(),
		Args: args,
	}
}

// NewEnvelope wraps commands in an envelope of the current version.
// A nil slice is normalized to an empty one so encoders emit [] rather than null.
func NewEnvelope(cmds ...Command) Envelope {
	if cmds == nil {
		cmds = []Command{}
	}
	return Envelope{Version: Version, Commands: cmds}
}

// Validate checks the envelope version and that every command has a type.
func (e Envelope) Validate() error {
	if e.Version != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, e.Version)
	}
	for i, c := range e.Commands {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("commands[%d]: %w", i, err)
		}
	}
	return nil
}

// Validate checks that the command is well formed.
func (c Command) Validate() error {
	if c.Type == "" {
		return ErrMissingType
	}
	return nil
}
