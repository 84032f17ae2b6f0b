package server

import (
	"net"
	"time"

	"github.com/pires/go-proxyproto"
)

const proxyHeaderTimeout = 3 * time.Second

// WrapProxyProtocol makes l accept PROXY protocol v1/v2 headers so that
// the remote address of accepted conns is the original client address.
func WrapProxyProtocol(l net.Listener) net.Listener {
	return &proxyproto.Listener{
		Listener:          l,
		ReadHeaderTimeout: proxyHeaderTimeout,
	}
}
