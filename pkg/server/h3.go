package server

import (
	"net"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

const defaultQUICIdleTimeout = 30 * time.Second

// CreateQUICListener creates a HTTP/3 capable listener on conn.
// The quic transport is closed with the server, conn is not.
func (s *Server) CreateQUICListener(conn net.PacketConn) (*quic.EarlyListener, error) {
	c, err := s.watchCert()
	if err != nil {
		return nil, err
	}

	tr := &quic.Transport{
		Conn: conn,
	}
	if ok := s.trackCloser(tr, true); !ok {
		return nil, ErrServerClosed
	}
	return tr.ListenEarly(c.tlsConfig([]string{http3.NextProtoH3}), &quic.Config{
		Allow0RTT:          true,
		MaxIncomingStreams: 1000,
	})
}

func (s *Server) ServeH3(l *quic.EarlyListener) error {
	defer l.Close()

	if s.opts.HttpHandler == nil {
		return errMissingHTTPHandler
	}

	idleTimeout := s.opts.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = defaultQUICIdleTimeout
	}

	hs := &http3.Server{
		Handler:        s.opts.HttpHandler,
		IdleTimeout:    idleTimeout,
		MaxHeaderBytes: defaultMaxHeaderBytes,
	}
	if ok := s.trackCloser(hs, true); !ok {
		return ErrServerClosed
	}
	defer s.trackCloser(hs, false)

	err := hs.ServeListener(l)
	if err == http.ErrServerClosed { // Replace http.ErrServerClosed with our ErrServerClosed
		return ErrServerClosed
	} else if err != nil {
		return err
	}
	return nil
}
