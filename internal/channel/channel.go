// Package channel is a client for conda channels. It implements condamap.Source.
//
// A channel exposes channeldata.json (package summaries, including the subdirs
// they are built for), one repodata.json per subdir (the catalog) and the package
// archives themselves, all under <upstream>/<channel>/.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pseudomuto/condamap/internal/httpcache"
	"golang.org/x/time/rate"
)

// DefaultUpstream serves anaconda.org hosted channels such as conda-forge.
const DefaultUpstream = "https://conda.anaconda.org"

type (
	// HTTPClient defines an HTTP client for executing requests.
	HTTPClient interface {
		Do(*http.Request) (*http.Response, error)
	}

	// Client reads channel catalogs and package archives from an upstream.
	Client struct {
		client   HTTPClient       // The HTTPClient to use for executing requests.
		upstream string           // The upstream server (e.g. https://conda.anaconda.org)
		limiter  *rate.Limiter    // Bounds the request rate against the upstream.
		cache    *httpcache.Cache // Optional cache for index documents.
		log      *slog.Logger
		tmpDir   string
	}

	// Option configures a Client.
	Option func(*Client)
)

// WithRateLimit allows rps requests per second with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1)) }
}

// WithCache revalidates index documents against cache instead of downloading
// them again.
func WithCache(cache *httpcache.Cache) Option {
	return func(c *Client) { c.cache = cache }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithTempDir sets where package archives are downloaded to while being read.
func WithTempDir(dir string) Option {
	return func(c *Client) { c.tmpDir = dir }
}

// New creates a new Client for querying the supplied upstream.
func New(client HTTPClient, upstream string, opts ...Option) *Client {
	c := &Client{
		client:   client,
		upstream: strings.TrimSuffix(upstream, "/"),
		limiter:  rate.NewLimiter(rate.Inf, 1),
		log:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// channelURL returns the base URL of channel. A channel given as a full URL is
// used as is.
func (c *Client) channelURL(channel string) string {
	if strings.Contains(channel, "://") {
		return strings.TrimSuffix(channel, "/")
	}
	return c.upstream + "/" + channel
}

func (c *Client) newRequest(ctx context.Context, url string) (*http.Request, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed creating request: %s, %w", url, err)
	}

	return req, nil
}
