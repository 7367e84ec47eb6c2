package registry

import (
	"fmt"
	"net"
	"strconv"
)

// Endpoint identifies a remote peer by the address it can be dialed on.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ParseEndpoint parses a "host:port" address.
func ParseEndpoint(addr string) (Endpoint, error) {
	host, rawPort, err := net.SplitHostPort(addr)
	if err != nil {
		return Endpoint{}, err
	}

	port, err := strconv.Atoi(rawPort)
	if err != nil || port < 1 || port > 65535 {
		return Endpoint{}, fmt.Errorf("Invalid port in '%s'", addr)
	}

	return Endpoint{Host: host, Port: port}, nil
}
