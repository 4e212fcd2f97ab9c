package alegra

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/punchamoorthee/salesync/internal/domain"
)

const (
	DefaultPageSize = 30
	DefaultMaxPages = 10000
)

var (
	// ErrPageRepeated means the server returned the same full page for two
	// consecutive offsets, i.e. it ignores start.
	ErrPageRepeated = errors.New("page repeated, server ignores start offset")
	ErrTooManyPages = errors.New("page limit exceeded")
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salesync_alegra_requests_total",
		Help: "Remote page requests, labeled by document type and outcome",
	}, []string{"doc_type", "outcome"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "salesync_alegra_request_duration_seconds",
		Help:    "Latency of remote page requests",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"doc_type"})
)

type Options struct {
	BaseURL    string
	Email      string
	Token      string
	UserAgent  string
	PageSize   int
	PageDelay  time.Duration
	MaxPages   int
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client pages through Alegra document collections. Requests are serialized
// through a limiter so consecutive calls stay PageDelay apart.
type Client struct {
	baseURL    string
	authHeader string
	userAgent  string
	pageSize   int
	maxPages   int
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *slog.Logger
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.alegra.com/api/v1"
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	limit := rate.Inf
	if opts.PageDelay > 0 {
		limit = rate.Every(opts.PageDelay)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL:    baseURL,
		authHeader: BasicAuth(opts.Email, opts.Token),
		userAgent:  strings.TrimSpace(opts.UserAgent),
		pageSize:   pageSize,
		maxPages:   maxPages,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, 1),
		log:        log,
	}
}

// BasicAuth returns the Authorization header value for email:token.
func BasicAuth(email, token string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(email+":"+token))
}

// Fetch returns every document of docType that matches filter. Pagination
// stops at the first page shorter than the page size. Any failed page fails
// the whole call, as does a server that keeps repeating the same full page or
// one that never ends within maxPages.
func (c *Client) Fetch(ctx context.Context, docType domain.DocType, filter domain.DateFilter) ([]domain.RawDocument, error) {
	var (
		out     []domain.RawDocument
		prevSig string
	)
	for n, start := 0, 0; ; n, start = n+1, start+c.pageSize {
		if n >= c.maxPages {
			return nil, &UpstreamRequestError{Path: docType.Path(), Err: fmt.Errorf("%w: %d pages", ErrTooManyPages, c.maxPages)}
		}
		params := url.Values{}
		params.Set("start", strconv.Itoa(start))
		params.Set("limit", strconv.Itoa(c.pageSize))
		if p := filter.Param(); p != "" {
			params.Set("date", p)
		}

		page, err := c.fetchPage(ctx, docType, params)
		if err != nil {
			return nil, err
		}
		c.log.Debug("fetched page", "doc_type", docType, "start", start, "rows", len(page), "date", filter.Param())

		if len(page) < c.pageSize {
			return append(out, page...), nil
		}
		sig := pageSignature(page)
		if sig != "" && sig == prevSig {
			return nil, &UpstreamRequestError{Path: docType.Path(), Err: fmt.Errorf("%w at start=%d", ErrPageRepeated, start)}
		}
		prevSig = sig
		out = append(out, page...)
	}
}

// pageSignature identifies a page by its first and last ids. Empty when the
// first document has no id.
func pageSignature(page []domain.RawDocument) string {
	first, ok := page[0]["id"]
	if !ok || first == nil {
		return ""
	}
	return fmt.Sprint(first) + "|" + fmt.Sprint(page[len(page)-1]["id"])
}

func (c *Client) fetchPage(ctx context.Context, docType domain.DocType, params url.Values) ([]domain.RawDocument, error) {
	path := docType.Path()
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, &UpstreamRequestError{Path: path, Err: err}
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	timer := prometheus.NewTimer(requestDuration.WithLabelValues(string(docType)))
	resp, err := c.httpClient.Do(req)
	timer.ObserveDuration()
	if err != nil {
		requestsTotal.WithLabelValues(string(docType), "transport_error").Inc()
		return nil, &UpstreamRequestError{Path: path, Err: err}
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		requestsTotal.WithLabelValues(string(docType), "transport_error").Inc()
		return nil, &UpstreamRequestError{Path: path, StatusCode: resp.StatusCode, Err: readErr}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		requestsTotal.WithLabelValues(string(docType), strconv.Itoa(resp.StatusCode)).Inc()
		return nil, &UpstreamRequestError{Path: path, StatusCode: resp.StatusCode, Body: excerpt(body)}
	}

	page, err := decodePage(body)
	if err != nil {
		requestsTotal.WithLabelValues(string(docType), "decode_error").Inc()
		return nil, &UpstreamRequestError{Path: path, StatusCode: resp.StatusCode, Body: excerpt(body), Err: err}
	}
	requestsTotal.WithLabelValues(string(docType), "ok").Inc()
	return page, nil
}

// decodePage accepts either a bare array or an object carrying the array under
// "data". Numbers are kept as json.Number.
func decodePage(body []byte) ([]domain.RawDocument, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}

	var items []any
	switch tv := v.(type) {
	case []any:
		items = tv
	case map[string]any:
		data, ok := tv["data"]
		if !ok {
			return nil, fmt.Errorf("decode page: object without data key")
		}
		if data == nil {
			return nil, nil
		}
		arr, ok := data.([]any)
		if !ok {
			return nil, fmt.Errorf("decode page: data is %T, want array", data)
		}
		items = arr
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("decode page: unexpected %T", v)
	}

	out := make([]domain.RawDocument, 0, len(items))
	for i, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("decode page: element %d is %T, want object", i, it)
		}
		out = append(out, domain.RawDocument(m))
	}
	return out, nil
}

func excerpt(b []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		s = s[:limit]
	}
	return s
}
