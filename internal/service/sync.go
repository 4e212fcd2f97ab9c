package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/salesync/internal/domain"
	"github.com/punchamoorthee/salesync/internal/normalize"
)

var ErrSyncInProgress = errors.New("sync already in progress")

var (
	syncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salesync_runs_total",
		Help: "Sync runs, labeled by result",
	}, []string{"result"})

	documentsUpserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salesync_documents_upserted_total",
		Help: "Documents written to the store, labeled by document type",
	}, []string{"doc_type"})

	documentsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salesync_documents_skipped_total",
		Help: "Fetched documents dropped because they carry no usable id",
	}, []string{"doc_type"})

	syncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "salesync_run_duration_seconds",
		Help:    "Wall time of complete sync runs",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})

	lastSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "salesync_last_success_timestamp_seconds",
		Help: "Unix time of the last successful sync run",
	})
)

// Fetcher pulls every remote document of one type matching filter.
type Fetcher interface {
	Fetch(ctx context.Context, docType domain.DocType, filter domain.DateFilter) ([]domain.RawDocument, error)
}

// Store is the persistence side of a run.
type Store interface {
	WatermarkReader
	UpsertDocuments(ctx context.Context, records []domain.Record) error
}

type SyncService struct {
	fetcher    Fetcher
	store      Store
	resolver   *Resolver
	normalizer *normalize.Normalizer
	log        *slog.Logger
	now        func() time.Time

	running sync.Mutex

	mu   sync.RWMutex
	last *domain.RunReport
}

func NewSyncService(fetcher Fetcher, store Store, normalizer *normalize.Normalizer, policy WindowPolicy, log *slog.Logger, now func() time.Time) *SyncService {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &SyncService{
		fetcher:    fetcher,
		store:      store,
		resolver:   NewResolver(store, policy, now),
		normalizer: normalizer,
		log:        log,
		now:        now,
	}
}

// Run executes one sync: resolve a mode per document type, fetch, normalize,
// then write everything in a single upsert. Nothing is written if any fetch
// fails. Only one run may be active at a time; a concurrent call returns
// ErrSyncInProgress.
func (s *SyncService) Run(ctx context.Context) (domain.RunReport, error) {
	if !s.running.TryLock() {
		return domain.RunReport{}, ErrSyncInProgress
	}
	defer s.running.Unlock()

	report := domain.RunReport{StartedAt: s.now()}
	timer := prometheus.NewTimer(syncDuration)
	defer timer.ObserveDuration()

	forceFull, err := s.resolver.ForceFull(ctx)
	if err != nil {
		return s.finish(report, fmt.Errorf("resolve mode: %w", err))
	}

	var records []domain.Record
	for _, docType := range domain.DocTypes {
		mode, err := s.resolver.Resolve(ctx, docType, forceFull)
		if err != nil {
			return s.finish(report, err)
		}
		s.log.Info("sync mode resolved", "doc_type", docType, "mode", mode.String())

		docs, requests, err := s.fetch(ctx, docType, mode)
		if err != nil {
			return s.finish(report, fmt.Errorf("fetch %s: %w", docType, err))
		}

		tr := domain.DocTypeReport{DocType: docType, Mode: mode, Requests: requests, Fetched: len(docs)}
		for _, doc := range docs {
			rec, err := s.normalizer.Normalize(doc, docType)
			if err != nil {
				tr.Skipped++
				s.log.Warn("skipping document", "doc_type", docType, "error", err)
				continue
			}
			records = append(records, rec)
			tr.Upserted++
		}
		report.Types = append(report.Types, tr)
	}

	if err := s.store.UpsertDocuments(ctx, records); err != nil {
		for i := range report.Types {
			report.Types[i].Upserted = 0
		}
		return s.finish(report, err)
	}

	for _, tr := range report.Types {
		documentsUpserted.WithLabelValues(string(tr.DocType)).Add(float64(tr.Upserted))
		documentsSkipped.WithLabelValues(string(tr.DocType)).Add(float64(tr.Skipped))
		s.log.Info("sync finished for type",
			"doc_type", tr.DocType,
			"mode", tr.Mode.String(),
			"requests", tr.Requests,
			"fetched", tr.Fetched,
			"upserted", tr.Upserted,
			"skipped", tr.Skipped,
		)
	}
	return s.finish(report, nil)
}

// fetch returns every document for the mode and the number of Fetch calls
// made. Incremental windows are walked one day at a time, both ends included.
func (s *SyncService) fetch(ctx context.Context, docType domain.DocType, mode domain.SyncMode) ([]domain.RawDocument, int, error) {
	if mode.Kind == domain.ModeFull {
		docs, err := s.fetcher.Fetch(ctx, docType, domain.DateFilter{})
		return docs, 1, err
	}

	var (
		all      []domain.RawDocument
		requests int
	)
	for day := mode.Since; !day.After(mode.Until); day = day.AddDate(0, 0, 1) {
		docs, err := s.fetcher.Fetch(ctx, docType, domain.ExactDay(day))
		requests++
		if err != nil {
			return nil, requests, fmt.Errorf("day %s: %w", day.Format(domain.DateLayout), err)
		}
		all = append(all, docs...)
	}
	return all, requests, nil
}

func (s *SyncService) finish(report domain.RunReport, err error) (domain.RunReport, error) {
	report.FinishedAt = s.now()
	if err != nil {
		report.Error = err.Error()
		syncRunsTotal.WithLabelValues("error").Inc()
		s.log.Error("sync failed", "error", err)
	} else {
		syncRunsTotal.WithLabelValues("success").Inc()
		lastSuccess.Set(float64(report.FinishedAt.Unix()))
		s.log.Info("sync completed", "upserted", report.Upserted(), "elapsed", report.FinishedAt.Sub(report.StartedAt).String())
	}

	s.mu.Lock()
	s.last = &report
	s.mu.Unlock()
	return report, err
}

// LastReport returns the outcome of the most recent run, if any.
func (s *SyncService) LastReport() (domain.RunReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return domain.RunReport{}, false
	}
	return *s.last, true
}
