package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/foilen/relay/command"
	"github.com/foilen/relay/protocol"
	"github.com/foilen/relay/registry"
)

var (
	// ErrNotConnected is returned while there is no live socket, before the
	// first Attach or while reconnecting
	ErrNotConnected = errors.New("Connection is not connected")

	// ErrClosed is returned once the connection is closed or abandoned
	ErrClosed = errors.New("Connection is closed")
)

// State is where a Conn is in its lifecycle.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
	Reconnecting
	Abandoned
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	case Reconnecting:
		return "reconnecting"
	case Abandoned:
		return "abandoned"
	case Closed:
		return "closed"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// Terminal states are never left.
func (s State) Terminal() bool {
	return s == Abandoned || s == Closed
}

// Conn is a socket that speaks the command protocol.
//
// The socket underneath can be swapped with Attach while the Conn keeps its
// identity, so anything holding a *Conn keeps working across reconnects.
type Conn struct {
	host  string
	port  *atomic.Int64
	state *atomic.Int32

	codec        protocol.Codec
	registry     *command.Registry
	maxFrameSize int
	readTimeout  time.Duration

	onFailure func(c *Conn, err error)
	onPort    func(c *Conn, oldPort, newPort int)

	// sockMu guards the socket, its framing and state transitions
	sockMu sync.Mutex
	sock   net.Conn
	reader *protocol.FrameReader
	writer *protocol.FrameWriter

	// writeMu keeps concurrent sends from interleaving
	writeMu sync.Mutex

	log *zap.Logger
}

// NewConn returns a Disconnected connection to the peer in options. Attach
// gives it a socket.
func NewConn(options ConnOptions) *Conn {
	options = options.withDefaults()

	return &Conn{
		host:         options.Host,
		port:         atomic.NewInt64(int64(options.Port)),
		state:        atomic.NewInt32(int32(Disconnected)),
		codec:        options.Codec,
		registry:     options.Registry,
		maxFrameSize: options.MaxFrameSize,
		readTimeout:  options.ReadTimeout,
		onFailure:    options.OnFailure,
		onPort:       options.OnPort,
		log:          options.Log,
	}
}

// RemoteHost is the host of the peer.
func (c *Conn) RemoteHost() string {
	return c.host
}

// RemotePort is the port the peer can be reached on, the one it announced
// once it sent a handshake.
func (c *Conn) RemotePort() int {
	return int(c.port.Load())
}

// SetPort records the port the peer listens on. It is only meant to be
// called by the handshake command.
func (c *Conn) SetPort(port int) {
	old := int(c.port.Swap(int64(port)))

	c.log.Info("Peer announced its port",
		zap.Int("oldPort", old),
		zap.Int("port", port))

	if c.onPort != nil && old != port {
		c.onPort(c, old, port)
	}
}

// Endpoint is the remote host and port.
func (c *Conn) Endpoint() registry.Endpoint {
	return registry.Endpoint{Host: c.host, Port: c.RemotePort()}
}

// State returns the current state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// SetState moves the connection to s. It reports false, and does nothing,
// once the connection is in a terminal state.
func (c *Conn) SetState(s State) bool {
	c.sockMu.Lock()
	defer c.sockMu.Unlock()

	if c.State().Terminal() {
		return false
	}

	c.state.Store(int32(s))
	return true
}

// Attach makes sock the live socket of the connection, closing the previous
// one. The greeting commands are written to sock before anything else can be,
// then the connection is marked Connected.
//
// Attach does not start reading, call Serve for that.
func (c *Conn) Attach(sock net.Conn, greeting ...command.Command) error {
	payloads := make([][]byte, 0, len(greeting))
	for _, cmd := range greeting {
		payload, err := c.encode(cmd)
		if err != nil {
			sock.Close()
			return err
		}

		payloads = append(payloads, payload)
	}

	reader := protocol.NewFrameReader(sock, c.maxFrameSize)
	writer := protocol.NewFrameWriter(sock, c.maxFrameSize)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	for _, payload := range payloads {
		if err := writer.WriteFrame(payload); err != nil {
			sock.Close()
			return fmt.Errorf("Failed to write greeting: %w", err)
		}
	}

	c.sockMu.Lock()

	if c.State().Terminal() {
		c.sockMu.Unlock()
		sock.Close()
		return ErrClosed
	}

	old := c.sock
	c.sock, c.reader, c.writer = sock, reader, writer
	c.state.Store(int32(Connected))

	c.sockMu.Unlock()

	if old != nil {
		old.Close()
	}

	return nil
}

// Send writes cmd as one frame. Sends are only accepted while Connected, a
// reconnecting connection fails fast with ErrNotConnected.
func (c *Conn) Send(cmd command.Command) error {
	payload, err := c.encode(cmd)
	if err != nil {
		return err
	}

	sock, err := c.writeFrame(payload)
	if err != nil && sock != nil && !errors.Is(err, protocol.ErrFrameTooLarge) {
		c.fail(sock, err)
	}

	if err != nil {
		return fmt.Errorf("Failed to send '%s': %w", cmd.Type(), err)
	}

	return nil
}

func (c *Conn) writeFrame(payload []byte) (net.Conn, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.sockMu.Lock()
	sock, writer, state := c.sock, c.writer, c.State()
	c.sockMu.Unlock()

	if state.Terminal() {
		return nil, ErrClosed
	}

	if sock == nil || state != Connected {
		return nil, ErrNotConnected
	}

	return sock, writer.WriteFrame(payload)
}

// Receive blocks until the next message arrives and returns the command it
// describes. Messages that cannot be decoded or matched to a registered
// command are logged and return a nil command and a nil error. Only transport
// errors are returned, after which the current socket is gone.
//
// Receive must not be called while Serve is running.
func (c *Conn) Receive() (command.Command, error) {
	sock, reader := c.readSide()
	return c.receive(sock, reader)
}

func (c *Conn) receive(sock net.Conn, reader *protocol.FrameReader) (command.Command, error) {
	if sock == nil {
		return nil, ErrNotConnected
	}

	if c.readTimeout > 0 {
		if err := sock.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			c.fail(sock, err)
			return nil, err
		}
	}

	payload, err := reader.ReadFrame()
	if err != nil {
		c.fail(sock, err)
		return nil, err
	}

	msg, err := c.codec.Decode(payload)
	if err != nil {
		c.log.Warn("Dropping message that could not be decoded",
			zap.Int("size", len(payload)),
			zap.Error(err))
		return nil, nil
	}

	cmd, err := c.registry.Instantiate(msg, c)
	if err != nil {
		c.log.Warn("Dropping message that could not be dispatched",
			zap.String("type", msg.Type()),
			zap.Error(err))
		return nil, nil
	}

	return cmd, nil
}

// Serve runs the read loop for the current socket, running every received
// command in arrival order. It returns once that socket fails or is replaced.
func (c *Conn) Serve() {
	log := c.log.Named("readLoop")

	sock, reader := c.readSide()
	if sock == nil {
		log.Warn("Read loop started without a socket")
		return
	}

	defer log.Info("Read loop exited")

	for {
		cmd, err := c.receive(sock, reader)
		if err != nil {
			log.Info("Read loop exiting", zap.Error(err))
			return
		}

		if cmd == nil {
			continue
		}

		c.dispatch(cmd)
	}
}

func (c *Conn) dispatch(cmd command.Command) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Command panicked",
				zap.String("type", cmd.Type()),
				zap.Any("panic", r))
		}
	}()

	if err := cmd.Run(); err != nil {
		c.log.Warn("Command failed",
			zap.String("type", cmd.Type()),
			zap.Error(err))
	}
}

// Close closes the socket, which unblocks a pending read. It is safe to call
// more than once.
func (c *Conn) Close() error {
	return c.shutdown(Closed)
}

// Abandon closes the connection for good after reconnecting gave up.
func (c *Conn) Abandon() error {
	return c.shutdown(Abandoned)
}

func (c *Conn) shutdown(final State) error {
	c.sockMu.Lock()

	if c.State().Terminal() {
		c.sockMu.Unlock()
		return nil
	}

	sock := c.sock
	c.sock, c.reader, c.writer = nil, nil, nil
	c.state.Store(int32(final))

	c.sockMu.Unlock()

	if sock != nil {
		return sock.Close()
	}

	return nil
}

// fail drops sock after an I/O error and tells the owner. Failures of a socket
// that has already been replaced or dropped are ignored.
func (c *Conn) fail(sock net.Conn, cause error) {
	c.sockMu.Lock()

	if sock == nil || c.sock != sock {
		c.sockMu.Unlock()
		return
	}

	c.sock, c.reader, c.writer = nil, nil, nil
	c.state.Store(int32(Failed))

	c.sockMu.Unlock()

	sock.Close()

	c.log.Warn("Connection failed", zap.Error(cause))

	if c.onFailure != nil {
		c.onFailure(c, cause)
	}
}

func (c *Conn) readSide() (net.Conn, *protocol.FrameReader) {
	c.sockMu.Lock()
	defer c.sockMu.Unlock()

	return c.sock, c.reader
}

func (c *Conn) encode(cmd command.Command) ([]byte, error) {
	msg, err := command.Fields(cmd)
	if err != nil {
		return nil, err
	}

	payload, err := c.codec.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("Failed to encode '%s': %w", cmd.Type(), err)
	}

	// An oversized frame would make the peer drop the socket
	if err := protocol.CheckFrameSize(payload, c.maxFrameSize); err != nil {
		return nil, fmt.Errorf("Failed to encode '%s': %w", cmd.Type(), err)
	}

	return payload, nil
}

var _ command.Peer = (*Conn)(nil)
var _ registry.Conn = (*Conn)(nil)
