// Package command defines the units of work relay peers send each other and
// the registry used to rebuild them on the receiving side.
package command

// Command is a serializable unit of work. It is built from its fields on the
// receiving side, run once, then discarded.
//
// Fields that travel over the wire are the exported struct fields, named by
// their `mapstructure` tag.
type Command interface {
	// Type is the wire tag used to find the command in a Registry
	Type() string

	Run() error
}

// Peer is the part of a connection that a received command may see.
type Peer interface {
	RemoteHost() string
	RemotePort() int

	// SetPort records the port the peer can be dialed back on
	SetPort(port int)
}

// ConnectionAware commands are handed the connection that delivered them
// before they run.
type ConnectionAware interface {
	Command
	SetConnection(peer Peer)
}
