package transport

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/foilen/relay/command"
	"github.com/foilen/relay/registry"
)

var ErrUnknownPeer = errors.New("No connection is registered for the peer")

// Server accepts inbound connections and runs one read loop per connection.
//
// Connections that complete the handshake are indexed by the endpoint the
// peer announced, so commands can be sent back to that peer with Send.
type Server struct {
	addr      string
	reuseport bool

	connOptions ConnOptions

	listener net.Listener

	mu          sync.Mutex
	activeConns map[*Conn]struct{}
	doneChan    chan struct{}

	peers *registry.Registry

	loopWaiter sync.WaitGroup

	log *zap.Logger
}

func NewServer(options Options) *Server {
	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	return &Server{
		addr:      net.JoinHostPort(options.Host, strconv.Itoa(options.Port)),
		reuseport: options.Reuseport,
		connOptions: ConnOptions{
			Codec:        options.Codec,
			Registry:     options.Registry,
			MaxFrameSize: options.MaxFrameSize,
			ReadTimeout:  options.ReadTimeout,
			Log:          log,
		}.withDefaults(),
		activeConns: make(map[*Conn]struct{}),
		doneChan:    make(chan struct{}),
		peers:       registry.New(),
		log:         log,
	}
}

// Start begins listening and returns once the listener is bound. The server
// is closed when ctx is done.
func (s *Server) Start(ctx context.Context) error {
	var (
		listener net.Listener
		err      error
	)

	if s.reuseport {
		listener, err = reuseport.Listen("tcp", s.addr)
	} else {
		listener, err = net.Listen("tcp", s.addr)
	}

	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log.Info("Listening", zap.String("addr", listener.Addr().String()))

	s.loopWaiter.Add(1)
	go func() {
		defer s.loopWaiter.Done()
		s.acceptLoop(listener)
	}()

	go func() {
		select {
		case <-ctx.Done():
			if err := s.Close(); err != nil {
				s.log.Warn("Server did not close cleanly", zap.Error(err))
			}

		case <-s.doneChan:
		}
	}()

	return nil
}

// Addr returns the address the server is bound to, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// Port returns the port the server is bound to, or 0 before Start.
func (s *Server) Port() int {
	if addr, ok := s.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}

	return 0
}

func (s *Server) acceptLoop(listener net.Listener) {
	for {
		sock, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !s.isRunning() {
				// The listener was closed while we were waiting for new
				// connections, that's fine.
				s.log.Info("Stopped accepting new connections")
				return
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.log.Warn("Temporary accept failure", zap.Error(err))
				time.Sleep(10 * time.Millisecond)
				continue
			}

			s.log.Error("Failed to accept", zap.Error(err))
			return
		}

		s.handle(sock)
	}
}

func (s *Server) handle(sock net.Conn) {
	host, port := splitAddr(sock.RemoteAddr())

	options := s.connOptions
	options.Host = host
	options.Port = port
	options.OnFailure = s.onFailure
	options.OnPort = s.onPort
	options.Log = s.log.Named("conn").With(zap.String("remote", sock.RemoteAddr().String()))

	conn := NewConn(options)
	if err := conn.Attach(sock); err != nil {
		s.log.Warn("Failed to attach accepted socket", zap.Error(err))
		return
	}

	if !s.addConn(conn) {
		conn.Close()
		return
	}

	s.loopWaiter.Add(1)
	go func() {
		defer s.loopWaiter.Done()
		defer s.removeConn(conn)

		conn.Serve()
	}()
}

func (s *Server) onFailure(conn *Conn, err error) {
	s.log.Info("Inbound connection failed",
		zap.String("peer", conn.Endpoint().String()),
		zap.Error(err))
}

// onPort indexes the connection by the endpoint its peer can be dialed on.
func (s *Server) onPort(conn *Conn, oldPort, newPort int) {
	s.peers.Remove(registry.Endpoint{Host: conn.RemoteHost(), Port: oldPort}, conn)

	ep := registry.Endpoint{Host: conn.RemoteHost(), Port: newPort}
	if err := s.peers.Register(ep, conn); err != nil {
		s.log.Warn("Failed to register peer", zap.String("peer", ep.String()), zap.Error(err))
	}
}

// Send sends cmd over the inbound connection of the peer that announced ep.
func (s *Server) Send(ep registry.Endpoint, cmd command.Command) error {
	conn, ok := s.peers.Get(ep)
	if !ok {
		return ErrUnknownPeer
	}

	return conn.(*Conn).Send(cmd)
}

// Peers returns the endpoints announced by connected peers. Each one can be
// dialed back.
func (s *Server) Peers() []registry.Endpoint {
	return s.peers.Endpoints()
}

// Events notifies of peers being registered and removed.
func (s *Server) Events() <-chan *registry.Event {
	return s.peers.ListenToEvents()
}

// Conns returns every active inbound connection.
func (s *Server) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := make([]*Conn, 0, len(s.activeConns))
	for conn := range s.activeConns {
		conns = append(conns, conn)
	}

	return conns
}

// Close stops accepting, closes every connection and waits for their read
// loops to exit.
func (s *Server) Close() (err error) {
	s.mu.Lock()

	if !s.isRunning() {
		s.mu.Unlock()
		return nil
	}
	close(s.doneChan)

	listener := s.listener
	conns := make([]*Conn, 0, len(s.activeConns))
	for conn := range s.activeConns {
		conns = append(conns, conn)
	}

	s.mu.Unlock()

	s.log.Info("Stopping server", zap.Int("connections", len(conns)))

	if listener != nil {
		if lerr := listener.Close(); lerr != nil && !errors.Is(lerr, net.ErrClosed) {
			err = multierr.Append(err, lerr)
		}
	}

	for _, conn := range conns {
		err = multierr.Append(err, conn.Close())
	}

	s.loopWaiter.Wait()
	s.log.Info("Server stopped")

	return multierr.Append(err, s.peers.Close())
}

func (s *Server) addConn(conn *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning() {
		return false
	}

	s.activeConns[conn] = struct{}{}
	return true
}

func (s *Server) removeConn(conn *Conn) {
	s.mu.Lock()
	delete(s.activeConns, conn)
	s.mu.Unlock()

	s.peers.Remove(conn.Endpoint(), conn)

	if err := conn.Close(); err != nil {
		s.log.Debug("Closing removed connection", zap.Error(err))
	}
}

// isRunning returns true if Close has not been called
func (s *Server) isRunning() bool {
	select {
	case <-s.doneChan:
		return false

	default:
		return true
	}
}

func splitAddr(addr net.Addr) (string, int) {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}

	host, rawPort, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}

	port, _ := strconv.Atoi(rawPort)
	return host, port
}
