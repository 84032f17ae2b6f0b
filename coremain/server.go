package coremain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/swcache/pkg/server"
	"github.com/pmkol/swcache/pkg/server/http_handler"
)

const (
	protocolHTTP  = "http"
	protocolHTTPS = "https"
	protocolH3    = "h3"

	shutdownTimeout = 5 * time.Second
)

func (m *SWCache) startServers(cfg *ServerConfig) error {
	if len(cfg.Addr) == 0 {
		return errors.New("empty server address")
	}

	lg := m.logger.Named("server").With(zap.String("protocol", cfg.Protocol), zap.String("addr", cfg.Addr))
	h, err := http_handler.NewHandler(http_handler.HandlerOpts{
		Worker:      m.worker,
		HealthPath:  cfg.HealthPath,
		SrcIPHeader: cfg.SrcIPHeader,
		Logger:      lg,
	})
	if err != nil {
		return fmt.Errorf("failed to init http handler, %w", err)
	}

	s := server.NewServer(server.ServerOpts{
		Logger:      lg,
		HttpHandler: h,
		Cert:        cfg.Cert,
		Key:         cfg.Key,
		IdleTimeout: time.Duration(cfg.IdleTimeout) * time.Second,
	})

	var run func() error
	switch cfg.Protocol {
	case "", protocolHTTP, protocolHTTPS:
		l, err := net.Listen("tcp", cfg.Addr)
		if err != nil {
			return err
		}
		if cfg.ProxyProtocol {
			l = server.WrapProxyProtocol(l)
		}
		if cfg.Protocol == protocolHTTPS {
			run = func() error { return s.ServeHTTPS(l) }
		} else {
			run = func() error { return s.ServeHTTP(l) }
		}
	case protocolH3:
		if cfg.ProxyProtocol {
			return errors.New("proxy protocol is not supported by h3")
		}
		conn, err := net.ListenPacket("udp", cfg.Addr)
		if err != nil {
			return err
		}
		ql, err := s.CreateQUICListener(conn)
		if err != nil {
			conn.Close()
			return err
		}
		run = func() error {
			defer conn.Close()
			return s.ServeH3(ql)
		}
	default:
		return fmt.Errorf("unknown protocol %q", cfg.Protocol)
	}

	m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		errChan := make(chan error, 1)
		go func() {
			lg.Info("server started")
			errChan <- run()
		}()
		select {
		case err := <-errChan:
			m.sc.SendCloseSignal(fmt.Errorf("server exited, %w", err))
		case <-closeSignal:
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := s.Shutdown(ctx); err != nil {
				lg.Warn("server shutdown timed out", zap.Error(err))
			}
			cancel()
		}
	})
	return nil
}
