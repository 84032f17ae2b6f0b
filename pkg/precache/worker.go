package precache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pmkol/swcache/pkg/cachestore"
)

var (
	// ErrNotInstalled is returned by Fetch until Install succeeded.
	ErrNotInstalled = errors.New("worker is not installed")

	// ErrInstallFailed wraps the error that failed an install.
	ErrInstallFailed = errors.New("install failed")

	// ErrInvalidState is returned by Install if it was already called.
	ErrInvalidState = errors.New("install already attempted")
)

var nopLogger = zap.NewNop()

// State is the lifecycle state of a Worker.
type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateRedundant:
		return "redundant"
	default:
		return "invalid"
	}
}

// Fetcher is the network side of a worker. Fetch serves cache misses
// as they are. FetchFollow serves install and follows redirects.
type Fetcher interface {
	cachestore.Fetcher

	FetchFollow(ctx context.Context, req *http.Request) (*http.Response, error)

	// Resolve turns a (possibly relative) url into an absolute one.
	Resolve(ref string) (*url.URL, error)
}

type WorkerOpts struct {
	Config Config

	// Storage cannot be nil.
	Storage *cachestore.Storage

	// Fetcher cannot be nil.
	Fetcher Fetcher

	// Logger is the *zap.Logger for this Worker.
	// A nil Logger will disable logging.
	Logger *zap.Logger

	// MetricsReg registers the worker metrics. Optional.
	MetricsReg prometheus.Registerer
}

func (opts *WorkerOpts) Init() error {
	if err := opts.Config.Validate(); err != nil {
		return fmt.Errorf("invalid config, %w", err)
	}
	if opts.Storage == nil {
		return errors.New("nil storage")
	}
	if opts.Fetcher == nil {
		return errors.New("nil fetcher")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Worker pre-caches Config.URLs into the cache Config.CacheName on
// Install and answers Fetch cache-first with network fallback.
// Responses fetched from the network are never stored.
type Worker struct {
	opts    WorkerOpts
	metrics *metrics

	state atomic.Int32
	cache atomic.Pointer[cachestore.Cache]
}

func NewWorker(opts WorkerOpts) (*Worker, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	w := &Worker{
		opts:    opts,
		metrics: newMetrics(),
	}
	if r := opts.MetricsReg; r != nil {
		if err := w.metrics.register(r); err != nil {
			return nil, fmt.Errorf("failed to register metrics, %w", err)
		}
	}
	return w, nil
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

// Installed reports whether Install succeeded.
func (w *Worker) Installed() bool {
	return w.State() == StateInstalled
}

// Install opens the cache and adds every configured url to it. It can be
// called once. On failure nothing is added, the worker becomes
// redundant and the error wraps ErrInstallFailed.
func (w *Worker) Install(ctx context.Context) error {
	if !w.state.CompareAndSwap(int32(StateParsed), int32(StateInstalling)) {
		return fmt.Errorf("%w, state is %s", ErrInvalidState, w.State())
	}

	start := time.Now()
	name := w.opts.Config.CacheName
	lg := w.opts.Logger.With(zap.String("cache", name))
	lg.Info("installing", zap.Int("urls", len(w.opts.Config.URLs)))

	c, size, err := w.install(ctx)
	w.metrics.installDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		w.state.Store(int32(StateRedundant))
		w.metrics.installTotal.WithLabelValues("failed").Inc()
		lg.Error("install failed", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	w.cache.Store(c)
	w.state.Store(int32(StateInstalled))
	w.metrics.installTotal.WithLabelValues("ok").Inc()
	lg.Info("installed",
		zap.Int("urls", len(w.opts.Config.URLs)),
		zap.String("size", humanize.IBytes(uint64(size))),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func (w *Worker) install(ctx context.Context) (*cachestore.Cache, int64, error) {
	urls := make([]*url.URL, 0, len(w.opts.Config.URLs))
	for _, s := range w.opts.Config.URLs {
		u, err := w.opts.Fetcher.Resolve(s)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid url %s, %w", s, err)
		}
		urls = append(urls, u)
	}

	c, err := w.opts.Storage.Open(ctx, w.opts.Config.CacheName)
	if err != nil {
		return nil, 0, err
	}
	size, err := c.AddAll(ctx, followRedirects{w.opts.Fetcher}, urls)
	if err != nil {
		return nil, 0, err
	}
	return c, size, nil
}

// followRedirects makes AddAll store the final response of a redirect
// chain under the original url.
type followRedirects struct {
	f Fetcher
}

func (r followRedirects) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return r.f.FetchFollow(ctx, req)
}

// Fetch answers req from the cache if it holds an entry for the same
// method and url, otherwise it performs exactly one network fetch and
// returns its result unchanged. The url of req is resolved against the
// upstream from its request uri, so the scheme and host of req are
// ignored.
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	c := w.cache.Load()
	if c == nil {
		return nil, ErrNotInstalled
	}

	// Only the path and query of an incoming request are used, also for
	// absolute-form targets. Requests never leave the upstream origin.
	u, err := w.opts.Fetcher.Resolve(req.URL.RequestURI())
	if err != nil {
		w.metrics.fetchTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	r, ok, err := c.Match(ctx, cachestore.NewRequestKey(req.Method, u))
	if err != nil {
		w.metrics.fetchTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("cache match, %w", err)
	}
	if ok {
		w.metrics.fetchTotal.WithLabelValues("hit").Inc()
		return r.Response(req), nil
	}

	out := req.Clone(ctx)
	out.URL = u
	resp, err := w.opts.Fetcher.Fetch(ctx, out)
	if err != nil {
		w.metrics.fetchTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	w.metrics.fetchTotal.WithLabelValues("miss").Inc()
	return resp, nil
}
