// Package fetch downloads articles and images from a MediaWiki site and
// loads them into the store.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/TobiSchelling/wikicache/internal/title"
)

const (
	defaultTimeout   = 15 * time.Second
	defaultUserAgent = "wikicache/1.0 (offline reader)"
	maxBodyBytes     = 32 << 20
)

// mobileviewProps are the page properties requested with every article.
const mobileviewProps = "text|sections|languagecount|thumb|image|id|revision|description|" +
	"lastmodified|normalizedtitle|displaytitle|protection|editable"

// Fetcher retrieves article payloads and image bytes from the network.
type Fetcher interface {
	FetchArticle(ctx context.Context, t title.Title) ([]byte, error)
	FetchImage(ctx context.Context, imageURL string) ([]byte, error)
}

// HTTPError is a response with an error status.
type HTTPError struct {
	URL  string
	Code int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// APIError is an error reported inside a MediaWiki API response.
type APIError struct {
	Code string `json:"code"`
	Info string `json:"info"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mediawiki api: %s: %s", e.Code, e.Info)
}

// HTTPFetcher calls the MediaWiki mobileview API, spacing requests with a
// token bucket.
type HTTPFetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
	baseURL   string
	log       *slog.Logger
}

// Option configures an HTTPFetcher.
type Option func(*HTTPFetcher)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *HTTPFetcher) {
		if d > 0 {
			f.client.Timeout = d
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *HTTPFetcher) {
		if ua != "" {
			f.userAgent = ua
		}
	}
}

// WithRateLimit allows rps requests per second. Zero or less disables
// the limit.
func WithRateLimit(rps float64) Option {
	return func(f *HTTPFetcher) {
		if rps <= 0 {
			f.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		f.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// WithBaseURL sends API requests to base instead of https://<site>.
func WithBaseURL(base string) Option {
	return func(f *HTTPFetcher) { f.baseURL = strings.TrimSuffix(base, "/") }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *HTTPFetcher) { f.log = l }
}

// NewHTTPFetcher returns a fetcher limited to one request per second
// unless configured otherwise.
func NewHTTPFetcher(opts ...Option) *HTTPFetcher {
	f := &HTTPFetcher{
		client: &http.Client{
			Timeout: defaultTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		limiter:   rate.NewLimiter(rate.Limit(1), 1),
		userAgent: defaultUserAgent,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ArticleURL returns the mobileview API request for t.
func (f *HTTPFetcher) ArticleURL(t title.Title) string {
	base := f.baseURL
	if base == "" {
		base = "https://" + t.Site().String()
	}
	q := url.Values{}
	q.Set("action", "mobileview")
	q.Set("format", "json")
	q.Set("page", t.PrefixedDBKey())
	q.Set("sections", "all")
	q.Set("prop", mobileviewProps)
	q.Set("sectionprop", "toclevel|line|anchor|number")
	q.Set("noheadings", "true")
	q.Set("thumbwidth", "640")
	return base + "/w/api.php?" + q.Encode()
}

// FetchArticle returns the mobileview payload of t.
func (f *HTTPFetcher) FetchArticle(ctx context.Context, t title.Title) ([]byte, error) {
	body, err := f.get(ctx, f.ArticleURL(t))
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		return nil, envelope.Error
	}
	return body, nil
}

// FetchImage returns the bytes at imageURL. Protocol-relative URLs use https.
func (f *HTTPFetcher) FetchImage(ctx context.Context, imageURL string) ([]byte, error) {
	if strings.HasPrefix(imageURL, "//") {
		imageURL = "https:" + imageURL
	}
	return f.get(ctx, imageURL)
}

func (f *HTTPFetcher) get(ctx context.Context, rawURL string) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, &HTTPError{URL: rawURL, Code: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", rawURL, err)
	}
	f.log.Debug("fetched", "url", rawURL, "bytes", len(body), "elapsed", time.Since(start).Round(time.Millisecond))
	return body, nil
}
