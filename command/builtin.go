package command

import (
	"errors"

	"go.uber.org/zap"
)

const (
	HandshakeType = "relay.handshake"
	LogType       = "relay.log"
)

var (
	ErrNoConnection = errors.New("Command requires a connection but none was set")
	ErrInvalidPort  = errors.New("Port must be between 1 and 65535")
)

// Handshake announces the port the sender listens on, so the receiver can
// dial back to it.
type Handshake struct {
	Port int `mapstructure:"port"`

	peer Peer
}

func (h *Handshake) Type() string {
	return HandshakeType
}

func (h *Handshake) SetConnection(peer Peer) {
	h.peer = peer
}

func (h *Handshake) Run() error {
	if h.peer == nil {
		return ErrNoConnection
	}

	if h.Port < 1 || h.Port > 65535 {
		return ErrInvalidPort
	}

	h.peer.SetPort(h.Port)
	return nil
}

// Log writes its message to the receiving side's log.
type Log struct {
	Message string `mapstructure:"message"`

	log *zap.Logger
}

func (l *Log) Type() string {
	return LogType
}

func (l *Log) Run() error {
	if l.log != nil {
		l.log.Info("Received message", zap.String("message", l.Message))
	}

	return nil
}

// Builtins returns the registry entries every relay peer understands.
func Builtins(log *zap.Logger) []Entry {
	if log == nil {
		log = zap.NewNop()
	}

	return []Entry{
		{
			Type:     HandshakeType,
			NewAware: func() ConnectionAware { return &Handshake{} },
		},
		{
			Type: LogType,
			New:  func() Command { return &Log{log: log} },
		},
	}
}

var _ ConnectionAware = (*Handshake)(nil)
var _ Command = (*Log)(nil)
