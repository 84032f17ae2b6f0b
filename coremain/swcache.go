package coremain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pmkol/swcache/mlog"
	"github.com/pmkol/swcache/pkg/precache"
	"github.com/pmkol/swcache/pkg/safe_close"
)

type SWCache struct {
	logger *zap.Logger

	core   *core
	worker *precache.Worker

	httpAPIMux *http.ServeMux
	metricsReg *prometheus.Registry

	sc *safe_close.SafeClose
}

// RunSWCache installs the worker and serves until stop is closed, a
// termination signal arrives or a server fails. A failed install is
// returned and no server is started.
func RunSWCache(cfg *Config, stop <-chan struct{}) error {
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	m := &SWCache{
		logger:     lg,
		httpAPIMux: http.NewServeMux(),
		metricsReg: newMetricsReg(),
		sc:         safe_close.NewSafeClose(),
	}

	m.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(m.metricsReg, promhttp.HandlerOpts{}))
	m.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	m.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	m.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	m.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	m.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if len(cfg.Servers) == 0 {
		return errors.New("no server is configured")
	}

	c, err := newCore(cfg, lg)
	if err != nil {
		return err
	}
	m.core = c
	defer c.Close()

	w, err := c.newWorker(cfg, lg, m.GetMetricsReg())
	if err != nil {
		return fmt.Errorf("failed to init worker, %w", err)
	}
	m.worker = w

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := w.Install(ctx); err != nil {
		return err
	}

	for i := range cfg.Servers {
		if err := m.startServers(&cfg.Servers[i]); err != nil {
			m.sc.SendCloseSignal(nil)
			m.sc.Done()
			m.sc.CloseWait()
			return fmt.Errorf("failed to start server #%d, %w", i, err)
		}
	}

	if httpAddr := cfg.API.HTTP; len(httpAddr) > 0 {
		httpServer := &http.Server{
			Addr:    httpAddr,
			Handler: m.httpAPIMux,
		}
		m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			errChan := make(chan error, 1)
			go func() {
				m.logger.Info("starting api http server", zap.String("addr", httpAddr))
				errChan <- httpServer.ListenAndServe()
			}()
			select {
			case err := <-errChan:
				m.sc.SendCloseSignal(err)
			case <-closeSignal:
				httpServer.Close()
			}
		})
	}

	m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		select {
		case <-ctx.Done():
			m.logger.Info("shutting down")
			m.sc.SendCloseSignal(nil)
		case <-closeSignal:
		}
	})

	<-m.sc.ReceiveCloseSignal()
	m.sc.Done()
	m.sc.CloseWait()
	return m.sc.Err()
}

func (m *SWCache) GetSafeClose() *safe_close.SafeClose {
	return m.sc
}

func (m *SWCache) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("swcache_", m.metricsReg)
}

func (m *SWCache) GetHTTPAPIMux() *http.ServeMux {
	return m.httpAPIMux
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
