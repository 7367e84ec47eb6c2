package client

import (
	"context"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/foilen/relay/command"
	"github.com/foilen/relay/protocol"
	"github.com/foilen/relay/registry"
)

const DefaultDialTimeout = 5 * time.Second

// Backoff controls how a failed connection is retried.
type Backoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// Multiplier of 1 waits InitialInterval between every attempt
	Multiplier float64

	RandomizationFactor float64

	// MaxRetries is the number of attempts after a failure before the
	// connection is abandoned
	MaxRetries uint64
}

func DefaultBackoff() Backoff {
	return Backoff{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.2,
		MaxRetries:          10,
	}
}

func (b Backoff) policy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = b.InitialInterval
	exp.MaxInterval = b.MaxInterval
	exp.Multiplier = b.Multiplier
	exp.RandomizationFactor = b.RandomizationFactor

	// Only MaxRetries bounds the attempts
	exp.MaxElapsedTime = 0
	exp.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(exp, b.MaxRetries), ctx)
}

func (b Backoff) withDefaults() Backoff {
	defaults := DefaultBackoff()

	if b.InitialInterval <= 0 {
		b.InitialInterval = defaults.InitialInterval
	}

	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}

	if b.Multiplier < 1 {
		b.Multiplier = defaults.Multiplier
	}

	return b
}

type Options struct {
	// LocalPort is announced in the handshake sent after every connect so
	// the remote side can dial back. Zero skips the handshake.
	LocalPort int

	Codec        protocol.Codec
	Registry     *command.Registry
	MaxFrameSize int
	ReadTimeout  time.Duration
	DialTimeout  time.Duration

	Backoff Backoff

	// Dial opens the socket to an endpoint. It defaults to a net.Dialer
	// bounded by DialTimeout.
	Dial func(ctx context.Context, addr string) (net.Conn, error)

	// OnAbandon is called when a connection is given up on
	OnAbandon func(ep registry.Endpoint, err error)

	Log *zap.Logger
}
