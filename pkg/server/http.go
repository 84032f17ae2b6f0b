/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 *
 * mosdns is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * mosdns is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package server

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

const (
	// TLS handshake + HTTP headers (Slowloris protection)
	defaultReadHeaderTimeout = 3 * time.Second

	// Request bodies are forwarded on cache misses; keep them bounded in time.
	defaultReadTimeout = 30 * time.Second

	defaultTCPIdleTimeout = 10 * time.Second

	defaultMaxHeaderBytes = 16 * 1024
)

func (s *Server) newHTTPServer() *http.Server {
	idleTimeout := s.opts.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = defaultTCPIdleTimeout
	}
	return &http.Server{
		Handler:           s.opts.HttpHandler,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       defaultReadTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    defaultMaxHeaderBytes,
	}
}

// ServeHTTP serves plain HTTP on l until the server is closed.
func (s *Server) ServeHTTP(l net.Listener) error {
	defer l.Close()

	if s.opts.HttpHandler == nil {
		return errMissingHTTPHandler
	}

	hs := s.newHTTPServer()
	if ok := s.trackCloser(hs, true); !ok {
		return ErrServerClosed
	}
	defer s.trackCloser(hs, false)

	err := hs.Serve(l)
	if err == http.ErrServerClosed {
		return ErrServerClosed
	}
	return err
}

// ServeHTTPS serves HTTPS (h2 and http/1.1) on l. The certificate is
// reloaded when its files change.
func (s *Server) ServeHTTPS(l net.Listener) error {
	tl, err := s.CreateTLSListener(l, []string{"h2", "http/1.1"})
	if err != nil {
		l.Close()
		return err
	}
	return s.ServeHTTP(tl)
}

func (s *Server) CreateTLSListener(l net.Listener, nextProtos []string) (net.Listener, error) {
	c, err := s.watchCert()
	if err != nil {
		return nil, err
	}
	return tls.NewListener(l, c.tlsConfig(nextProtos)), nil
}
