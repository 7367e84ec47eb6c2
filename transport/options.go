package transport

import (
	"time"

	"go.uber.org/zap"

	"github.com/foilen/relay/command"
	"github.com/foilen/relay/protocol"
)

type ConnOptions struct {
	// Host and Port of the remote peer
	Host string
	Port int

	// Codec defaults to protocol.YAML
	Codec protocol.Codec

	// Registry is used to build received commands, it defaults to the builtins
	Registry *command.Registry

	MaxFrameSize int

	// ReadTimeout fails the connection when nothing is received for that
	// long. Zero waits forever.
	ReadTimeout time.Duration

	// OnFailure is called once per socket after an I/O error dropped it
	OnFailure func(c *Conn, err error)

	// OnPort is called when the peer announces a new listening port
	OnPort func(c *Conn, oldPort, newPort int)

	Log *zap.Logger
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}

	if o.Codec == nil {
		o.Codec = protocol.YAML
	}

	if o.Registry == nil {
		o.Registry = command.MustRegistry(command.Builtins(o.Log)...)
	}

	if o.MaxFrameSize < 1 {
		o.MaxFrameSize = protocol.DefaultMaxFrameSize
	}

	return o
}

type Options struct {
	// Host to listen on
	Host string

	// Port to listen on, 0 picks a free one
	Port int

	// Reuseport controls setting SO_REUSEPORT
	Reuseport bool

	Codec        protocol.Codec
	Registry     *command.Registry
	MaxFrameSize int
	ReadTimeout  time.Duration

	Log *zap.Logger
}
