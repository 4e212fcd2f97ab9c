package service

import (
	"context"
	"fmt"
	"time"

	"github.com/punchamoorthee/salesync/internal/domain"
)

// minSince guards against absurd watermarks; windows never start before it.
var minSince = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

type WatermarkReader interface {
	CountDocuments(ctx context.Context) (int64, error)
	MaxIssueDate(ctx context.Context, docType domain.DocType) (time.Time, bool, error)
}

// WindowPolicy holds the knobs that shape incremental windows.
type WindowPolicy struct {
	LookbackDays int
	OverlapDays  int
	FullReload   bool
}

// Resolver decides, per document type, whether a run is a full load or an
// incremental refresh and which days it covers.
type Resolver struct {
	store  WatermarkReader
	policy WindowPolicy
	now    func() time.Time
}

func NewResolver(store WatermarkReader, policy WindowPolicy, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{store: store, policy: policy, now: now}
}

// ForceFull reports whether every document type must be fully reloaded: the
// reload flag is set or the store holds no rows at all.
func (r *Resolver) ForceFull(ctx context.Context) (bool, error) {
	if r.policy.FullReload {
		return true, nil
	}
	n, err := r.store.CountDocuments(ctx)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// Resolve returns the mode for docType. forceFull comes from ForceFull and is
// shared by every type in a run.
func (r *Resolver) Resolve(ctx context.Context, docType domain.DocType, forceFull bool) (domain.SyncMode, error) {
	if forceFull {
		return domain.FullMode(), nil
	}
	watermark, ok, err := r.store.MaxIssueDate(ctx, docType)
	if err != nil {
		return domain.SyncMode{}, fmt.Errorf("watermark %s: %w", docType, err)
	}
	return IncrementalWindow(domain.Day(r.now()), watermark, ok, r.policy.LookbackDays, r.policy.OverlapDays), nil
}

// IncrementalWindow computes since..today. A watermark at or after the
// lookback floor is widened by the overlap, which may reach below the floor.
// A missing watermark, or one older than the floor, starts at the floor
// itself.
func IncrementalWindow(today, watermark time.Time, hasWatermark bool, lookbackDays, overlapDays int) domain.SyncMode {
	floor := today.AddDate(0, 0, -lookbackDays)

	since := floor
	if hasWatermark {
		if wm := domain.Day(watermark); !wm.Before(floor) {
			since = wm.AddDate(0, 0, -overlapDays)
		}
	}
	if since.Before(minSince) {
		since = floor
	}
	if since.After(today) {
		since = today
	}
	return domain.IncrementalMode(since, today)
}
