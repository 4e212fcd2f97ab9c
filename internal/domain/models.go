package domain

import (
	"fmt"
	"time"
)

// DateLayout is the calendar-day format used by the remote API and the store.
const DateLayout = "2006-01-02"

// DocType identifies one remote sales-document collection.
type DocType string

const (
	DocTypeInvoice   DocType = "invoice"
	DocTypeRemission DocType = "remission"
)

// DocTypes lists every synchronized collection, in sync order.
var DocTypes = []DocType{DocTypeInvoice, DocTypeRemission}

// Path returns the remote collection path for the document type.
func (t DocType) Path() string {
	switch t {
	case DocTypeInvoice:
		return "/invoices"
	case DocTypeRemission:
		return "/remissions"
	default:
		return "/" + string(t) + "s"
	}
}

// RawDocument is the loosely structured remote representation. No field is
// guaranteed to be present.
type RawDocument map[string]any

// Record is the flat, normalized row stored once per remote document.
type Record struct {
	RemoteID     int64       `json:"remote_id"`
	DocType      DocType     `json:"doc_type"`
	Status       string      `json:"status"`
	Number       *string     `json:"number"`
	CurrencyCode *string     `json:"currency_code"`
	IssueDate    time.Time   `json:"issue_date"`
	CreatedAt    *string     `json:"created_at"`
	UpdatedAt    *string     `json:"updated_at"`
	ClientID     *string     `json:"client_id"`
	ClientName   *string     `json:"client_name"`
	Subtotal     *float64    `json:"subtotal"`
	Tax          *float64    `json:"tax"`
	Total        *float64    `json:"total"`
	Canceled     bool        `json:"canceled"`
	Raw          RawDocument `json:"raw"`
}

// DateFilter scopes a fetch. The zero value means no filter.
type DateFilter struct {
	Day   time.Time
	Since time.Time
	Until time.Time
}

// ExactDay filters a fetch to documents issued on one calendar day.
func ExactDay(d time.Time) DateFilter {
	return DateFilter{Day: d}
}

// DateRange filters a fetch to documents issued between since and until.
func DateRange(since, until time.Time) DateFilter {
	return DateFilter{Since: since, Until: until}
}

// IsZero reports whether the filter is absent.
func (f DateFilter) IsZero() bool {
	return f.Day.IsZero() && f.Since.IsZero() && f.Until.IsZero()
}

// Param renders the remote "date" query value, or "" for no filter.
func (f DateFilter) Param() string {
	switch {
	case !f.Day.IsZero():
		return f.Day.Format(DateLayout)
	case !f.Since.IsZero() || !f.Until.IsZero():
		return f.Since.Format(DateLayout) + ".." + f.Until.Format(DateLayout)
	default:
		return ""
	}
}

// ModeKind distinguishes full loads from incremental ones.
type ModeKind string

const (
	ModeFull        ModeKind = "full"
	ModeIncremental ModeKind = "incremental"
)

// SyncMode is the resolved window for one document type. Since and Until are
// only set for incremental mode and are inclusive calendar days.
type SyncMode struct {
	Kind  ModeKind  `json:"kind"`
	Since time.Time `json:"since,omitempty"`
	Until time.Time `json:"until,omitempty"`
}

func FullMode() SyncMode { return SyncMode{Kind: ModeFull} }

func IncrementalMode(since, until time.Time) SyncMode {
	return SyncMode{Kind: ModeIncremental, Since: since, Until: until}
}

func (m SyncMode) String() string {
	if m.Kind == ModeIncremental {
		return fmt.Sprintf("incremental %s..%s", m.Since.Format(DateLayout), m.Until.Format(DateLayout))
	}
	return string(m.Kind)
}

// DocTypeReport summarizes one document type within a run.
type DocTypeReport struct {
	DocType  DocType  `json:"doc_type"`
	Mode     SyncMode `json:"mode"`
	Requests int      `json:"requests"`
	Fetched  int      `json:"fetched"`
	Upserted int      `json:"upserted"`
	Skipped  int      `json:"skipped"`
}

// RunReport is the outcome of one sync run.
type RunReport struct {
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Types      []DocTypeReport `json:"types"`
	Error      string          `json:"error,omitempty"`
}

// Upserted returns the number of records written across all types.
func (r RunReport) Upserted() int {
	n := 0
	for _, t := range r.Types {
		n += t.Upserted
	}
	return n
}

// Day truncates t to its calendar date at UTC midnight, keeping the date as
// seen in t's own location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
