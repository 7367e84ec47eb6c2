package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/foilen/relay/command"
	"github.com/foilen/relay/registry"
	"github.com/foilen/relay/transport"
)

var ErrPoolClosed = errors.New("Pool is closed")

// Pool keeps one outbound connection per remote endpoint, and reconnects it
// when it fails.
//
// Connections go through Connecting, Connected, then Reconnecting after a
// failure. They are Abandoned, and removed from the pool, once the backoff
// policy runs out of retries.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc

	localPort int
	dial      func(ctx context.Context, addr string) (net.Conn, error)
	backoff   Backoff
	onAbandon   func(ep registry.Endpoint, err error)

	connOptions transport.ConnOptions

	conns *registry.Registry

	// dialing holds one lock per endpoint so each endpoint is dialed once
	// without holding up the others
	dialingMu sync.Mutex
	dialing   map[registry.Endpoint]*sync.Mutex

	mu         sync.Mutex
	closing    bool
	loopWaiter sync.WaitGroup

	log *zap.Logger
}

func New(options Options) *Pool {
	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	policy := options.Backoff
	if policy == (Backoff{}) {
		policy = DefaultBackoff()
	}

	dial := options.Dial
	if dial == nil {
		dialTimeout := options.DialTimeout
		if dialTimeout <= 0 {
			dialTimeout = DefaultDialTimeout
		}

		dialer := net.Dialer{Timeout: dialTimeout}
		dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", addr)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		ctx:         ctx,
		cancel:      cancel,
		localPort: options.LocalPort,
		dial:      dial,
		backoff:   policy.withDefaults(),
		onAbandon: options.OnAbandon,
		connOptions: transport.ConnOptions{
			Codec:        options.Codec,
			Registry:     options.Registry,
			MaxFrameSize: options.MaxFrameSize,
			ReadTimeout:  options.ReadTimeout,
		},
		conns:   registry.New(),
		dialing: make(map[registry.Endpoint]*sync.Mutex),
		log:     log,
	}
}

// GetOrCreateConnection returns the pooled connection to ep, dialing it if
// there is none. A connection that is reconnecting is returned as is.
// Dialing one endpoint never blocks callers of another.
func (p *Pool) GetOrCreateConnection(ctx context.Context, ep registry.Endpoint) (*transport.Conn, error) {
	if p.isClosing() {
		return nil, ErrPoolClosed
	}

	if conn, ok := p.live(ep); ok {
		return conn, nil
	}

	lock := p.dialLock(ep)
	lock.Lock()
	defer lock.Unlock()

	if p.isClosing() {
		return nil, ErrPoolClosed
	}

	// Someone else may have dialed while we waited
	if conn, ok := p.live(ep); ok {
		return conn, nil
	}

	log := p.log.With(zap.String("endpoint", ep.String()))

	options := p.connOptions
	options.Host = ep.Host
	options.Port = ep.Port
	options.Log = log.Named("conn")
	options.OnFailure = func(conn *transport.Conn, err error) {
		p.reconnect(ep, conn, err)
	}

	conn := transport.NewConn(options)
	conn.SetState(transport.Connecting)

	if err := p.connect(ctx, ep, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("Failed to connect to %s: %w", ep, err)
	}

	if err := p.conns.Register(ep, conn); err != nil {
		return nil, err
	}

	log.Info("Connected")
	return conn, nil
}

// live returns the pooled connection to ep unless it is gone for good.
func (p *Pool) live(ep registry.Endpoint) (*transport.Conn, bool) {
	existing, ok := p.conns.Get(ep)
	if !ok {
		return nil, false
	}

	conn := existing.(*transport.Conn)
	if conn.State().Terminal() {
		return nil, false
	}

	return conn, true
}

func (p *Pool) dialLock(ep registry.Endpoint) *sync.Mutex {
	p.dialingMu.Lock()
	defer p.dialingMu.Unlock()

	lock, ok := p.dialing[ep]
	if !ok {
		lock = &sync.Mutex{}
		p.dialing[ep] = lock
	}

	return lock
}

// Send sends cmd to ep, connecting first if needed. It fails fast with
// transport.ErrNotConnected while the connection is reconnecting.
func (p *Pool) Send(ctx context.Context, ep registry.Endpoint, cmd command.Command) error {
	conn, err := p.GetOrCreateConnection(ctx, ep)
	if err != nil {
		return err
	}

	return conn.Send(cmd)
}

// State returns the state of the pooled connection to ep, Disconnected when
// there is none.
func (p *Pool) State(ep registry.Endpoint) transport.State {
	if conn, ok := p.conns.Get(ep); ok {
		return conn.(*transport.Conn).State()
	}

	return transport.Disconnected
}

// Endpoints returns every pooled endpoint.
func (p *Pool) Endpoints() []registry.Endpoint {
	return p.conns.Endpoints()
}

// Events notifies of connections being added, replaced and abandoned.
func (p *Pool) Events() <-chan *registry.Event {
	return p.conns.ListenToEvents()
}

// Close closes every connection and stops pending reconnects.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil
	}
	p.closing = true
	p.mu.Unlock()

	p.cancel()
	err := p.conns.Close()

	p.loopWaiter.Wait()
	return err
}

// connect dials ep, greets it with the handshake and starts the read loop.
func (p *Pool) connect(ctx context.Context, ep registry.Endpoint, conn *transport.Conn) error {
	sock, err := p.dial(ctx, ep.String())
	if err != nil {
		return err
	}

	var greeting []command.Command
	if p.localPort > 0 {
		greeting = append(greeting, &command.Handshake{Port: p.localPort})
	}

	if err := conn.Attach(sock, greeting...); err != nil {
		return err
	}

	return p.serve(conn)
}

func (p *Pool) serve(conn *transport.Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closing {
		conn.Close()
		return ErrPoolClosed
	}

	p.loopWaiter.Add(1)
	go func() {
		defer p.loopWaiter.Done()
		conn.Serve()
	}()

	return nil
}

func (p *Pool) reconnect(ep registry.Endpoint, conn *transport.Conn, cause error) {
	log := p.log.With(zap.String("endpoint", ep.String()))

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closing || !conn.SetState(transport.Reconnecting) {
		return
	}

	log.Info("Reconnecting", zap.Error(cause))

	p.loopWaiter.Add(1)
	go func() {
		defer p.loopWaiter.Done()

		attempt := 0
		err := backoff.RetryNotify(func() error {
			attempt++

			if conn.State().Terminal() {
				return backoff.Permanent(transport.ErrClosed)
			}

			return p.connect(p.ctx, ep, conn)
		}, p.backoff.policy(p.ctx), func(err error, wait time.Duration) {
			log.Info("Reconnect attempt failed",
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err))
		})

		if err == nil {
			log.Info("Reconnected", zap.Int("attempts", attempt))
			return
		}

		if conn.State().Terminal() || p.isClosing() {
			return
		}

		log.Warn("Giving up on connection", zap.Int("attempts", attempt), zap.Error(err))

		conn.Abandon()
		p.conns.Abandon(ep, conn)

		if p.onAbandon != nil {
			p.onAbandon(ep, err)
		}
	}()
}

func (p *Pool) isClosing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.closing
}
