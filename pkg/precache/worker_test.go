package precache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/swcache/pkg/cachestore"
	"github.com/pmkol/swcache/pkg/cachestore/mem_store"
	"github.com/pmkol/swcache/pkg/fetcher"
)

var testURLs = []string{
	"/static/css/home.css",
	"/static/css/styles.css",
	"/static/favicon.svg",
}

type countingFetcher struct {
	base *url.URL

	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
	body  map[string]string
}

func newCountingFetcher() *countingFetcher {
	base, _ := url.Parse("http://origin.test/")
	return &countingFetcher{
		base:  base,
		calls: make(map[string]int),
		fail:  make(map[string]error),
		body:  make(map[string]string),
	}
}

func (f *countingFetcher) Resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	return f.base.ResolveReference(u), nil
}

func (f *countingFetcher) Fetch(_ context.Context, req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := req.URL.Path
	f.calls[p]++
	if err := f.fail[p]; err != nil {
		return nil, err
	}
	body, ok := f.body[p]
	if !ok {
		body = "net:" + p
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}, nil
}

func (f *countingFetcher) FetchFollow(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f.Fetch(ctx, req)
}

func (f *countingFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *countingFetcher) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = make(map[string]int)
}

func newTestStorage(t *testing.T) *cachestore.Storage {
	t.Helper()
	b := mem_store.NewMemStore()
	t.Cleanup(func() { b.Close() })
	s, err := cachestore.NewStorage(cachestore.StorageOpts{Backend: b})
	require.NoError(t, err)
	return s
}

func newTestWorker(t *testing.T, s *cachestore.Storage, f Fetcher, name string) *Worker {
	t.Helper()
	w, err := NewWorker(WorkerOpts{
		Config:  Config{CacheName: name, URLs: testURLs},
		Storage: s,
		Fetcher: f,
	})
	require.NoError(t, err)
	return w
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestWorkerOpts_Init(t *testing.T) {
	s := newTestStorage(t)
	f := newCountingFetcher()

	_, err := NewWorker(WorkerOpts{Config: Config{}, Storage: s, Fetcher: f})
	assert.Error(t, err)
	_, err = NewWorker(WorkerOpts{Config: Config{CacheName: "v1", URLs: []string{" "}}, Storage: s, Fetcher: f})
	assert.Error(t, err)
	_, err = NewWorker(WorkerOpts{Config: Config{CacheName: "v1"}, Fetcher: f})
	assert.Error(t, err)
	_, err = NewWorker(WorkerOpts{Config: Config{CacheName: "v1"}, Storage: s})
	assert.Error(t, err)
}

func TestWorker_Install(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	f := newCountingFetcher()
	w := newTestWorker(t, s, f, "pharmaweb-v1")

	assert.Equal(t, StateParsed, w.State())
	require.NoError(t, w.Install(ctx))
	assert.Equal(t, StateInstalled, w.State())
	assert.True(t, w.Installed())

	// Every url has a stored response.
	c, err := s.Open(ctx, "pharmaweb-v1")
	require.NoError(t, err)
	for _, p := range testURLs {
		u, _ := f.Resolve(p)
		r, ok, err := c.Match(ctx, cachestore.NewRequestKey(http.MethodGet, u))
		require.NoError(t, err)
		require.True(t, ok, p)
		assert.Equal(t, "net:"+p, string(r.Body))
	}

	err = w.Install(ctx)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestWorker_Install_fails(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	f := newCountingFetcher()
	f.fail["/static/css/styles.css"] = errors.New("connection reset")
	w := newTestWorker(t, s, f, "v1")

	err := w.Install(ctx)
	assert.ErrorIs(t, err, ErrInstallFailed)
	assert.Equal(t, StateRedundant, w.State())
	assert.False(t, w.Installed())

	c, err := s.Open(ctx, "v1")
	require.NoError(t, err)
	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys, "no partial commit")

	_, err = w.Fetch(ctx, httptest.NewRequest(http.MethodGet, "/static/favicon.svg", nil))
	assert.ErrorIs(t, err, ErrNotInstalled)
}

func TestWorker_Fetch_beforeInstall(t *testing.T) {
	f := newCountingFetcher()
	w := newTestWorker(t, newTestStorage(t), f, "v1")
	_, err := w.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.ErrorIs(t, err, ErrNotInstalled)
	assert.Zero(t, f.total())
}

func TestWorker_Fetch_hit(t *testing.T) {
	ctx := context.Background()
	f := newCountingFetcher()
	w := newTestWorker(t, newTestStorage(t), f, "v1")
	require.NoError(t, w.Install(ctx))
	f.reset()
	f.body["/static/css/home.css"] = "changed upstream"

	req := httptest.NewRequest(http.MethodGet, "/static/css/home.css", nil)
	resp, err := w.Fetch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, "net:/static/css/home.css", readBody(t, resp))
	assert.Zero(t, f.total(), "a hit makes no network call")
}

func TestWorker_Fetch_miss(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	f := newCountingFetcher()
	w := newTestWorker(t, s, f, "v1")
	require.NoError(t, w.Install(ctx))
	f.reset()

	resp, err := w.Fetch(ctx, httptest.NewRequest(http.MethodGet, "/api/items", nil))
	require.NoError(t, err)
	assert.Equal(t, "net:/api/items", readBody(t, resp))
	assert.Equal(t, 1, f.calls["/api/items"])

	// The miss was not written back.
	resp, err = w.Fetch(ctx, httptest.NewRequest(http.MethodGet, "/api/items", nil))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 2, f.calls["/api/items"])

	// Only GET entries are stored.
	resp, err = w.Fetch(ctx, httptest.NewRequest(http.MethodPost, "/static/css/home.css", nil))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 1, f.calls["/static/css/home.css"])
}

func TestWorker_Fetch_missError(t *testing.T) {
	ctx := context.Background()
	f := newCountingFetcher()
	w := newTestWorker(t, newTestStorage(t), f, "v1")
	require.NoError(t, w.Install(ctx))
	f.reset()

	netErr := errors.New("no route to host")
	f.fail["/offline"] = netErr
	_, err := w.Fetch(ctx, httptest.NewRequest(http.MethodGet, "/offline", nil))
	assert.Same(t, netErr, err, "network errors propagate unchanged")
	assert.Equal(t, 1, f.total())
}

func TestWorker_cacheNameVersioning(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	f1 := newCountingFetcher()
	f1.body["/static/css/home.css"] = "v1 css"
	w1 := newTestWorker(t, s, f1, "pharmaweb-v1")
	require.NoError(t, w1.Install(ctx))

	f2 := newCountingFetcher()
	f2.body["/static/css/home.css"] = "v2 css"
	w2 := newTestWorker(t, s, f2, "pharmaweb-v2")
	require.NoError(t, w2.Install(ctx))

	resp, err := w1.Fetch(ctx, httptest.NewRequest(http.MethodGet, "/static/css/home.css", nil))
	require.NoError(t, err)
	assert.Equal(t, "v1 css", readBody(t, resp))

	resp, err = w2.Fetch(ctx, httptest.NewRequest(http.MethodGet, "/static/css/home.css", nil))
	require.NoError(t, err)
	assert.Equal(t, "v2 css", readBody(t, resp))

	names, err := s.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pharmaweb-v1", "pharmaweb-v2"}, names)
}

func TestWorker_metrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	f := newCountingFetcher()
	w, err := NewWorker(WorkerOpts{
		Config:     Config{CacheName: "v1", URLs: testURLs},
		Storage:    newTestStorage(t),
		Fetcher:    f,
		MetricsReg: reg,
	})
	require.NoError(t, err)
	require.NoError(t, w.Install(ctx))

	for _, p := range []string{"/static/favicon.svg", "/static/favicon.svg", "/other"} {
		resp, err := w.Fetch(ctx, httptest.NewRequest(http.MethodGet, p, nil))
		require.NoError(t, err)
		resp.Body.Close()
	}

	assert.Equal(t, float64(1), testutil.ToFloat64(w.metrics.installTotal.WithLabelValues("ok")))
	assert.Equal(t, float64(2), testutil.ToFloat64(w.metrics.fetchTotal.WithLabelValues("hit")))
	assert.Equal(t, float64(1), testutil.ToFloat64(w.metrics.fetchTotal.WithLabelValues("miss")))
}

func TestWorker_withOrigin(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	hits := make(map[string]int)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits[r.URL.Path]++
		mu.Unlock()
		if r.URL.Path == "/gone" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/css")
		_, _ = io.WriteString(w, "origin"+r.URL.Path)
	}))
	defer origin.Close()

	f, err := fetcher.NewFetcher(fetcher.FetcherOpts{Upstream: origin.URL})
	require.NoError(t, err)
	defer f.Close()

	w := newTestWorker(t, newTestStorage(t), f, "v1")
	require.NoError(t, w.Install(ctx))

	req := httptest.NewRequest(http.MethodGet, "/static/css/styles.css", nil)
	req.URL.Scheme, req.URL.Host = "", ""
	resp, err := w.Fetch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "origin/static/css/styles.css", readBody(t, resp))

	resp, err = w.Fetch(ctx, httptest.NewRequest(http.MethodGet, "/gone", nil))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "a miss returns the network status unchanged")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, hits["/static/css/styles.css"])
	assert.Equal(t, 1, hits["/gone"])

	// A list with a failing url fails the install.
	w2, err := NewWorker(WorkerOpts{
		Config:  Config{CacheName: "v2", URLs: []string{"/static/a.css", "/gone"}},
		Storage: newTestStorage(t),
		Fetcher: f,
	})
	require.NoError(t, err)
	err = w2.Install(ctx)
	var re *cachestore.ResponseError
	assert.ErrorAs(t, err, &re)
}

func TestWorker_Install_followsRedirects(t *testing.T) {
	ctx := context.Background()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/static/old.css":
			http.Redirect(w, r, "/static/new.css", http.StatusMovedPermanently)
		case "/static/new.css":
			w.Header().Set("Content-Type", "text/css")
			_, _ = io.WriteString(w, "new")
		case "/loop":
			http.Redirect(w, r, "/loop", http.StatusFound)
		default:
			http.NotFound(w, r)
		}
	}))
	defer origin.Close()

	f, err := fetcher.NewFetcher(fetcher.FetcherOpts{Upstream: origin.URL})
	require.NoError(t, err)
	defer f.Close()

	s := newTestStorage(t)
	w, err := NewWorker(WorkerOpts{
		Config:  Config{CacheName: "v1", URLs: []string{"/static/old.css"}},
		Storage: s,
		Fetcher: f,
	})
	require.NoError(t, err)
	require.NoError(t, w.Install(ctx))

	// The final response is stored under the original url.
	c, err := s.Open(ctx, "v1")
	require.NoError(t, err)
	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, origin.URL+"/static/old.css", keys[0].URL)

	resp, err := w.Fetch(ctx, httptest.NewRequest(http.MethodGet, "/static/old.css", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "new", readBody(t, resp))

	// Misses are not followed.
	resp, err = w.Fetch(ctx, httptest.NewRequest(http.MethodGet, "/loop", nil))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)

	w2, err := NewWorker(WorkerOpts{
		Config:  Config{CacheName: "v2", URLs: []string{"/loop"}},
		Storage: s,
		Fetcher: f,
	})
	require.NoError(t, err)
	err = w2.Install(ctx)
	assert.ErrorIs(t, err, ErrInstallFailed)
	assert.ErrorIs(t, err, fetcher.ErrTooManyRedirects)
}

func TestWorker_Fetch_absoluteForm(t *testing.T) {
	ctx := context.Background()
	f := newCountingFetcher()
	w := newTestWorker(t, newTestStorage(t), f, "v1")
	require.NoError(t, w.Install(ctx))
	f.reset()

	f.body["/admin"] = "upstream admin"
	resp, err := w.Fetch(ctx, httptest.NewRequest(http.MethodGet, "http://internal.test/admin", nil))
	require.NoError(t, err)
	assert.Equal(t, "origin.test", resp.Request.URL.Host, "requests stay on the upstream")
	assert.Equal(t, "upstream admin", readBody(t, resp))

	// A cached url requested in absolute form with a foreign host is a hit.
	resp, err = w.Fetch(ctx, httptest.NewRequest(http.MethodGet, "http://internal.test/static/favicon.svg", nil))
	require.NoError(t, err)
	assert.Equal(t, "net:/static/favicon.svg", readBody(t, resp))
	assert.Equal(t, 1, f.total())
}
