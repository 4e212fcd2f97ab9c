package alegra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/punchamoorthee/salesync/internal/domain"
	"github.com/punchamoorthee/salesync/internal/logger"
)

// pagedServer serves total synthetic documents, honoring start/limit, and
// records every request it receives.
type pagedServer struct {
	mu       sync.Mutex
	total    int
	envelope bool
	requests []*http.Request
	times    []time.Time
}

func (p *pagedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.requests = append(p.requests, r)
	p.times = append(p.times, time.Now())
	p.mu.Unlock()

	start, _ := strconv.Atoi(r.URL.Query().Get("start"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows := []map[string]any{}
	for i := start; i < start+limit && i < p.total; i++ {
		rows = append(rows, map[string]any{"id": i + 1, "total": 10})
	}
	w.Header().Set("Content-Type", "application/json")
	if p.envelope {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": rows})
		return
	}
	_ = json.NewEncoder(w).Encode(rows)
}

func (p *pagedServer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func newTestClient(url string, pageSize int, delay time.Duration) *Client {
	return NewClient(Options{
		BaseURL:   url,
		Email:     "ops@example.com",
		Token:     "secret",
		PageSize:  pageSize,
		PageDelay: delay,
		Logger:    logger.Discard(),
	})
}

func TestFetchStopsOnShortPage(t *testing.T) {
	srv := &pagedServer{total: 25}
	server := httptest.NewServer(srv)
	defer server.Close()

	docs, err := newTestClient(server.URL, 10, 0).Fetch(context.Background(), domain.DocTypeInvoice, domain.DateFilter{})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(docs) != 25 {
		t.Fatalf("expected 25 documents, got %d", len(docs))
	}
	if srv.count() != 3 {
		t.Fatalf("expected 3 page requests, got %d", srv.count())
	}
}

func TestFetchStopsOnEmptyPageAfterExactlyFullPage(t *testing.T) {
	srv := &pagedServer{total: 20}
	server := httptest.NewServer(srv)
	defer server.Close()

	docs, err := newTestClient(server.URL, 10, 0).Fetch(context.Background(), domain.DocTypeRemission, domain.DateFilter{})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(docs) != 20 {
		t.Fatalf("expected 20 documents, got %d", len(docs))
	}
	// two full pages plus the terminating empty page, never more
	if srv.count() != 3 {
		t.Fatalf("expected 3 page requests, got %d", srv.count())
	}
	last := srv.requests[2].URL.Query()
	if last.Get("start") != "20" || last.Get("limit") != "10" {
		t.Fatalf("unexpected final page query: %v", last)
	}
}

func TestFetchEmptyCollection(t *testing.T) {
	srv := &pagedServer{total: 0}
	server := httptest.NewServer(srv)
	defer server.Close()

	docs, err := newTestClient(server.URL, 10, 0).Fetch(context.Background(), domain.DocTypeInvoice, domain.DateFilter{})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(docs) != 0 || srv.count() != 1 {
		t.Fatalf("expected one request and no documents, got %d docs in %d requests", len(docs), srv.count())
	}
}

func TestFetchDecodesDataEnvelope(t *testing.T) {
	srv := &pagedServer{total: 4, envelope: true}
	server := httptest.NewServer(srv)
	defer server.Close()

	docs, err := newTestClient(server.URL, 10, 0).Fetch(context.Background(), domain.DocTypeInvoice, domain.DateFilter{})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(docs) != 4 {
		t.Fatalf("expected 4 documents, got %d", len(docs))
	}
	if _, ok := docs[0]["id"].(json.Number); !ok {
		t.Fatalf("expected numbers decoded as json.Number, got %T", docs[0]["id"])
	}
}

func TestFetchSendsAuthPathAndDateFilter(t *testing.T) {
	srv := &pagedServer{total: 1}
	server := httptest.NewServer(srv)
	defer server.Close()

	day := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	if _, err := newTestClient(server.URL, 10, 0).Fetch(context.Background(), domain.DocTypeRemission, domain.ExactDay(day)); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if _, err := newTestClient(server.URL, 10, 0).Fetch(context.Background(), domain.DocTypeInvoice, domain.DateRange(since, day)); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	first := srv.requests[0]
	if first.URL.Path != "/remissions" {
		t.Fatalf("expected /remissions, got %s", first.URL.Path)
	}
	if got := first.Header.Get("Authorization"); got != "Basic b3BzQGV4YW1wbGUuY29tOnNlY3JldA==" {
		t.Fatalf("unexpected auth header %q", got)
	}
	if got := first.URL.Query().Get("date"); got != "2024-03-05" {
		t.Fatalf("expected exact day filter, got %q", got)
	}
	second := srv.requests[1]
	if second.URL.Path != "/invoices" {
		t.Fatalf("expected /invoices, got %s", second.URL.Path)
	}
	if got := second.URL.Query().Get("date"); got != "2024-03-01..2024-03-05" {
		t.Fatalf("expected range filter, got %q", got)
	}
}

func TestFetchOmitsDateForFullLoad(t *testing.T) {
	srv := &pagedServer{total: 1}
	server := httptest.NewServer(srv)
	defer server.Close()

	if _, err := newTestClient(server.URL, 10, 0).Fetch(context.Background(), domain.DocTypeInvoice, domain.DateFilter{}); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if _, ok := srv.requests[0].URL.Query()["date"]; ok {
		t.Fatalf("expected no date parameter, got %v", srv.requests[0].URL.Query())
	}
}

func TestFetchPacesConsecutiveRequests(t *testing.T) {
	srv := &pagedServer{total: 30}
	server := httptest.NewServer(srv)
	defer server.Close()

	delay := 40 * time.Millisecond
	if _, err := newTestClient(server.URL, 10, delay).Fetch(context.Background(), domain.DocTypeInvoice, domain.DateFilter{}); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if srv.count() != 4 {
		t.Fatalf("expected 4 requests, got %d", srv.count())
	}
	for i := 1; i < len(srv.times); i++ {
		// allow scheduler jitter below the nominal spacing
		if gap := srv.times[i].Sub(srv.times[i-1]); gap < delay-10*time.Millisecond {
			t.Fatalf("requests %d and %d only %s apart", i-1, i, gap)
		}
	}
}

func TestFetchFailsWholeCallOnNon2xx(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Query().Get("start") == "0" {
			rows := make([]map[string]any, 10)
			for i := range rows {
				rows[i] = map[string]any{"id": i + 1}
			}
			_ = json.NewEncoder(w).Encode(rows)
			return
		}
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message":"rate limit"}`))
	}))
	defer server.Close()

	docs, err := newTestClient(server.URL, 10, 0).Fetch(context.Background(), domain.DocTypeInvoice, domain.DateFilter{})
	if err == nil {
		t.Fatalf("expected error, got %d docs", len(docs))
	}
	if docs != nil {
		t.Fatalf("expected no partial result, got %d docs", len(docs))
	}
	var upstream *UpstreamRequestError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamRequestError, got %T: %v", err, err)
	}
	if upstream.StatusCode != http.StatusTooManyRequests || upstream.Path != "/invoices" {
		t.Fatalf("unexpected error details: %+v", upstream)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected no retry, got %d calls", atomic.LoadInt32(&calls))
	}
}

func TestFetchFailsWhenServerIgnoresStart(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		rows := make([]map[string]any, 5)
		for i := range rows {
			rows[i] = map[string]any{"id": i + 1}
		}
		_ = json.NewEncoder(w).Encode(rows)
	}))
	defer server.Close()

	docs, err := newTestClient(server.URL, 5, 0).Fetch(context.Background(), domain.DocTypeRemission, domain.DateFilter{})
	if !errors.Is(err, ErrPageRepeated) {
		t.Fatalf("expected ErrPageRepeated, got %v (%d docs)", err, len(docs))
	}
	var upstream *UpstreamRequestError
	if !errors.As(err, &upstream) || upstream.Path != "/remissions" {
		t.Fatalf("expected UpstreamRequestError for /remissions, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected to stop after the repeated page, got %d requests", got)
	}
}

func TestFetchFailsPastPageLimit(t *testing.T) {
	srv := &pagedServer{total: 100}
	server := httptest.NewServer(srv)
	defer server.Close()

	client := NewClient(Options{BaseURL: server.URL, PageSize: 10, MaxPages: 3, Logger: logger.Discard()})
	_, err := client.Fetch(context.Background(), domain.DocTypeInvoice, domain.DateFilter{})
	if !errors.Is(err, ErrTooManyPages) {
		t.Fatalf("expected ErrTooManyPages, got %v", err)
	}
	if srv.count() != 3 {
		t.Fatalf("expected 3 requests before giving up, got %d", srv.count())
	}
}

func TestPageSignatureWithoutIDs(t *testing.T) {
	page := []domain.RawDocument{{"number": "A"}, {"number": "B"}}
	if sig := pageSignature(page); sig != "" {
		t.Fatalf("pages without ids must not be compared, got %q", sig)
	}
}

func TestFetchTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := newTestClient(url, 10, 0).Fetch(context.Background(), domain.DocTypeInvoice, domain.DateFilter{})
	var upstream *UpstreamRequestError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamRequestError, got %T: %v", err, err)
	}
	if upstream.StatusCode != 0 || upstream.Err == nil {
		t.Fatalf("expected transport error details, got %+v", upstream)
	}
}

func TestDecodePage(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		want    int
		wantErr bool
	}{
		{"bare array", `[{"id":1},{"id":2}]`, 2, false},
		{"data envelope", `{"data":[{"id":1}],"metadata":{"total":1}}`, 1, false},
		{"null data", `{"data":null}`, 0, false},
		{"empty array", `[]`, 0, false},
		{"object without data", `{"message":"nope"}`, 0, true},
		{"data not array", `{"data":{"id":1}}`, 0, true},
		{"scalar elements", `[1,2]`, 0, true},
		{"garbage", `<html>`, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := decodePage([]byte(tc.body))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != tc.want {
				t.Fatalf("expected %d docs, got %d", tc.want, len(got))
			}
		})
	}
}

func TestUpstreamRequestErrorMessage(t *testing.T) {
	err := &UpstreamRequestError{Path: "/invoices", StatusCode: 401, Body: "unauthorized"}
	if got := err.Error(); got != "alegra /invoices: status=401 body=unauthorized" {
		t.Fatalf("unexpected message %q", got)
	}
	cause := fmt.Errorf("dial tcp: refused")
	wrapped := &UpstreamRequestError{Path: "/remissions", Err: cause}
	if !errors.Is(wrapped, cause) {
		t.Fatalf("expected Unwrap to expose cause")
	}
}
