package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/pmkol/swcache/pkg/utils"
)

const (
	defaultMaxIdleConns    = 64
	defaultIdleConnTimeout = 90 * time.Second

	// MaxRedirects is the redirect limit of FetchFollow.
	MaxRedirects = 20
)

var ErrTooManyRedirects = errors.New("too many redirects")

var defaultUserAgent = "swcache"

var nopLogger = zap.NewNop()

type FetcherOpts struct {
	// Upstream is the origin that relative urls resolve against and
	// that serves cache misses. Must be an absolute http(s) url.
	Upstream string

	// Transport overrides the default transport. Optional.
	Transport http.RoundTripper

	// MaxIdleConns of the default transport. Default is 64.
	MaxIdleConns int

	// HTTP2 enables HTTP/2 on the default transport.
	HTTP2 bool

	// Logger is the *zap.Logger for this Fetcher.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *FetcherOpts) Init() error {
	if len(opts.Upstream) == 0 {
		return errors.New("missing upstream url")
	}
	utils.SetDefaultNum(&opts.MaxIdleConns, defaultMaxIdleConns)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Fetcher performs network requests against an upstream origin.
// Fetch returns whatever the upstream answers: redirects are not
// followed and non-2xx statuses are not errors. FetchFollow follows
// redirects.
type Fetcher struct {
	opts      FetcherOpts
	upstream  *url.URL
	transport http.RoundTripper
	client    *http.Client
}

func NewFetcher(opts FetcherOpts) (*Fetcher, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	u, err := url.Parse(opts.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url, %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported upstream scheme %q", u.Scheme)
	}
	if len(u.Host) == 0 {
		return nil, errors.New("upstream url has no host")
	}

	tr := opts.Transport
	if tr == nil {
		t := &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        opts.MaxIdleConns,
			MaxIdleConnsPerHost: opts.MaxIdleConns,
			IdleConnTimeout:     defaultIdleConnTimeout,
		}
		if opts.HTTP2 {
			if err := http2.ConfigureTransport(t); err != nil {
				return nil, fmt.Errorf("failed to enable http2, %w", err)
			}
		}
		tr = t
	}

	return &Fetcher{
		opts:      opts,
		upstream:  u,
		transport: tr,
		client: &http.Client{
			Transport:     tr,
			CheckRedirect: checkRedirect,
		},
	}, nil
}

func checkRedirect(_ *http.Request, via []*http.Request) error {
	if len(via) >= MaxRedirects {
		return ErrTooManyRedirects
	}
	return nil
}

// Resolve resolves ref against the upstream url.
func (f *Fetcher) Resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	return f.upstream.ResolveReference(u), nil
}

// Fetch sends req to the upstream. A req with a relative url (as
// received by a server) is resolved against the upstream first. The
// request body, if any, is consumed. Canceling ctx aborts the request.
func (f *Fetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	out, err := f.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := f.transport.RoundTrip(out)
	if err != nil {
		f.opts.Logger.Debug("fetch failed", zap.String("url", out.URL.String()), zap.Error(err))
		return nil, err
	}
	return resp, nil
}

// FetchFollow is like Fetch but follows up to MaxRedirects redirects.
// The final response is returned; its Request is the last request made.
func (f *Fetcher) FetchFollow(ctx context.Context, req *http.Request) (*http.Response, error) {
	out, err := f.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(out)
	if err != nil {
		f.opts.Logger.Debug("fetch failed", zap.String("url", out.URL.String()), zap.Error(err))
		return nil, err
	}
	return resp, nil
}

func (f *Fetcher) prepare(ctx context.Context, req *http.Request) (*http.Request, error) {
	out := req.Clone(ctx)
	if !req.URL.IsAbs() {
		u, err := f.Resolve(req.URL.RequestURI())
		if err != nil {
			return nil, err
		}
		out.URL = u
	}
	out.Host = ""
	out.RequestURI = ""
	out.Close = false
	if req.ContentLength == 0 {
		out.Body = nil
	}
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	utils.RemoveHopHeaders(out.Header)
	if _, ok := out.Header["User-Agent"]; !ok {
		out.Header.Set("User-Agent", defaultUserAgent)
	}
	return out, nil
}

// Close closes idle connections of the default transport.
func (f *Fetcher) Close() error {
	if t, ok := f.transport.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
	return nil
}
