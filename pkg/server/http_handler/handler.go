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

package http_handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strings"

	"go.uber.org/zap"

	"github.com/pmkol/swcache/pkg/pool"
	"github.com/pmkol/swcache/pkg/precache"
	"github.com/pmkol/swcache/pkg/utils"
)

var nopLogger = zap.NewNop()

// proxyHeaders is defined as a package-level variable to avoid allocation on every request.
var proxyHeaders = []string{"True-Client-IP", "X-Real-IP", "X-Forwarded-For"}

// Worker answers fetch events.
type Worker interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
	Installed() bool
}

type HandlerOpts struct {
	// Worker cannot be nil.
	Worker Worker

	// HealthPath answers 200 once the worker is installed and 503
	// before. Default is "/health". Set to "-" to disable.
	HealthPath string

	// SrcIPHeader is an extra header that carries the client address
	// for logging. Optional.
	SrcIPHeader string

	Logger *zap.Logger
}

func (opts *HandlerOpts) Init() error {
	if opts.Worker == nil {
		return errors.New("nil worker")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.HealthPath == "" {
		opts.HealthPath = "/health"
	}
	return nil
}

// Handler is the host side of a worker: every request becomes a fetch
// event and the worker's response is written back.
type Handler struct {
	opts HandlerOpts
}

func NewHandler(opts HandlerOpts) (*Handler, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Handler{opts: opts}, nil
}

func (h *Handler) warnErr(req *http.Request, err error) {
	h.opts.Logger.Warn(err.Error(),
		zap.String("from", clientAddr(req, h.opts.SrcIPHeader)),
		zap.String("method", req.Method),
		zap.String("url", req.RequestURI),
	)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// 1. Health check - Fast path
	if h.opts.HealthPath != "-" && req.URL.Path == h.opts.HealthPath {
		if !h.opts.Worker.Installed() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("INSTALLING"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
		return
	}

	// 2. Fetch event
	resp, err := h.opts.Worker.Fetch(req.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, precache.ErrNotInstalled):
			w.WriteHeader(http.StatusServiceUnavailable)
		case req.Context().Err() != nil:
			// The client went away. Nothing to answer.
		default:
			h.warnErr(req, err)
			w.WriteHeader(http.StatusBadGateway)
		}
		return
	}
	defer resp.Body.Close()

	// 3. Copy response through
	header := w.Header()
	for k, vs := range resp.Header {
		header[k] = append(header[k][:0], vs...)
	}
	utils.RemoveHopHeaders(header)
	w.WriteHeader(resp.StatusCode)

	buf := pool.GetCopyBuf()
	defer pool.ReleaseCopyBuf(buf)
	if _, err := io.CopyBuffer(w, resp.Body, *buf); err != nil && req.Context().Err() == nil {
		h.opts.Logger.Debug("failed to copy response body", zap.String("url", req.RequestURI), zap.Error(err))
	}
}

func clientAddr(req *http.Request, customHeader string) string {
	// Priority check for common proxy headers using the static package-level slice
	for _, name := range proxyHeaders {
		if val := req.Header.Get(name); val != "" {
			ipStr := val
			if name == "X-Forwarded-For" {
				ipStr, _, _ = strings.Cut(val, ",")
			}
			ipStr = strings.TrimSpace(ipStr)
			if addr, err := netip.ParseAddr(ipStr); err == nil {
				return addr.Unmap().String()
			}
		}
	}

	if customHeader != "" {
		if val := req.Header.Get(customHeader); val != "" {
			if addr, err := netip.ParseAddr(strings.TrimSpace(val)); err == nil {
				return addr.Unmap().String()
			}
		}
	}

	// Fallback to direct remote address
	if addrport, err := netip.ParseAddrPort(req.RemoteAddr); err == nil {
		return addrport.Addr().Unmap().String()
	}
	return req.RemoteAddr
}
