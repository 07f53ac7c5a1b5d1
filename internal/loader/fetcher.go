package loader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Fetcher retrieves bundle source for a URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// FetcherConfig configures HTTPFetcher.
type FetcherConfig struct {
	RequestsPerSecond float64 // per host; 0 disables limiting
	Burst             int
	UserAgent         string
	MaxBundleBytes    int64
	Client            *http.Client
}

// HTTPFetcher reads http, https and file URLs. Remote hosts are throttled
// with one token bucket per host.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	maxBytes  int64

	limit rate.Limit
	burst int
	mu    sync.Mutex
	hosts map[string]*rate.Limiter
}

// NewHTTPFetcher creates a fetcher.
func NewHTTPFetcher(cfg FetcherConfig) *HTTPFetcher {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	f := &HTTPFetcher{
		client:    client,
		userAgent: cfg.UserAgent,
		maxBytes:  cfg.MaxBundleBytes,
		hosts:     make(map[string]*rate.Limiter),
	}
	if cfg.RequestsPerSecond > 0 {
		f.limit = rate.Limit(cfg.RequestsPerSecond)
		f.burst = max(cfg.Burst, 1)
	}
	return f
}

// Fetch returns the bundle body.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid bundle url: %w", err)
	}

	switch u.Scheme {
	case "file":
		return f.readFile(u.Path)
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	if l := f.limiter(u.Host); l != nil {
		if err := l.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait for %s: %w", u.Host, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %s", rawURL, resp.Status)
	}
	return f.readLimited(resp.Body)
}

func (f *HTTPFetcher) readFile(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	defer file.Close()
	return f.readLimited(file)
}

func (f *HTTPFetcher) readLimited(r io.Reader) ([]byte, error) {
	if f.maxBytes <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, f.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrBundleTooLarge, f.maxBytes)
	}
	return data, nil
}

func (f *HTTPFetcher) limiter(host string) *rate.Limiter {
	if f.limit == 0 || host == "" {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.hosts[host]
	if !ok {
		l = rate.NewLimiter(f.limit, f.burst)
		f.hosts[host] = l
	}
	return l
}
