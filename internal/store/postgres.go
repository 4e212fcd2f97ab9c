package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/salesync/internal/domain"
)

const DefaultTable = "alegra_sales_documents"

var ErrDocumentNotFound = errors.New("document not found")

// PersistenceError wraps any failure while reading or writing documents. A
// failed upsert has been rolled back in full.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

type DocumentStore struct {
	Db    *pgxpool.Pool
	table string
}

func NewDocumentStore(ctx context.Context, connString string) (*DocumentStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return NewWithPool(pool, DefaultTable), nil
}

// NewWithPool wraps an existing pool. table is the documents table name.
func NewWithPool(pool *pgxpool.Pool, table string) *DocumentStore {
	if table == "" {
		table = DefaultTable
	}
	return &DocumentStore{Db: pool, table: pgx.Identifier{table}.Sanitize()}
}

func (s *DocumentStore) Close() {
	s.Db.Close()
}

// CountDocuments returns the number of stored rows across all document types.
func (s *DocumentStore) CountDocuments(ctx context.Context) (int64, error) {
	var n int64
	if err := s.Db.QueryRow(ctx, "SELECT COUNT(*) FROM "+s.table).Scan(&n); err != nil {
		return 0, &PersistenceError{Op: "count", Err: err}
	}
	return n, nil
}

// MaxIssueDate returns the latest stored issue date for docType. ok is false
// when no row of that type exists.
func (s *DocumentStore) MaxIssueDate(ctx context.Context, docType domain.DocType) (time.Time, bool, error) {
	var latest *time.Time
	err := s.Db.QueryRow(ctx,
		"SELECT MAX(issue_date) FROM "+s.table+" WHERE doc_type = $1",
		string(docType),
	).Scan(&latest)
	if err != nil {
		return time.Time{}, false, &PersistenceError{Op: "watermark", Err: err}
	}
	if latest == nil {
		return time.Time{}, false, nil
	}
	return domain.Day(*latest), true, nil
}

func (s *DocumentStore) upsertSQL() string {
	return `INSERT INTO ` + s.table + `
	(remote_id, doc_type, status, number, currency_code, issue_date, created_at, updated_at,
	 client_id, client_name, subtotal, tax, total, canceled, raw)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	ON CONFLICT (remote_id) DO UPDATE SET
	  doc_type = excluded.doc_type,
	  status = excluded.status,
	  number = excluded.number,
	  currency_code = excluded.currency_code,
	  issue_date = excluded.issue_date,
	  created_at = excluded.created_at,
	  updated_at = excluded.updated_at,
	  client_id = excluded.client_id,
	  client_name = excluded.client_name,
	  subtotal = excluded.subtotal,
	  tax = excluded.tax,
	  total = excluded.total,
	  canceled = excluded.canceled,
	  raw = excluded.raw`
}

// UpsertDocuments writes the batch in one transaction. On conflict every
// mutable column is replaced with the incoming value.
func (s *DocumentStore) UpsertDocuments(ctx context.Context, records []domain.Record) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := s.upsertSQL()
	for _, r := range records {
		raw, err := json.Marshal(r.Raw)
		if err != nil {
			return &PersistenceError{Op: "upsert", Err: fmt.Errorf("marshal raw %d: %w", r.RemoteID, err)}
		}
		batch.Queue(query,
			r.RemoteID, string(r.DocType), r.Status, r.Number, r.CurrencyCode, r.IssueDate,
			r.CreatedAt, r.UpdatedAt, r.ClientID, r.ClientName, r.Subtotal, r.Tax, r.Total,
			r.Canceled, raw,
		)
	}

	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return &PersistenceError{Op: "upsert", Err: fmt.Errorf("tx begin failed: %w", err)}
	}
	defer tx.Rollback(ctx)

	br := tx.SendBatch(ctx, batch)
	for i := range records {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return &PersistenceError{Op: "upsert", Err: fmt.Errorf("document %d: %w", records[i].RemoteID, err)}
		}
	}
	if err := br.Close(); err != nil {
		return &PersistenceError{Op: "upsert", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return &PersistenceError{Op: "upsert", Err: fmt.Errorf("tx commit failed: %w", err)}
	}
	return nil
}

// GetDocument retrieves one stored document by remote id.
func (s *DocumentStore) GetDocument(ctx context.Context, remoteID int64) (*domain.Record, error) {
	var (
		r       domain.Record
		docType string
		raw     []byte
	)
	err := s.Db.QueryRow(ctx,
		`SELECT remote_id, doc_type, status, number, currency_code, issue_date,
		        created_at::text, updated_at::text, client_id, client_name,
		        subtotal::float8, tax::float8, total::float8, canceled, raw
		 FROM `+s.table+` WHERE remote_id = $1`,
		remoteID,
	).Scan(&r.RemoteID, &docType, &r.Status, &r.Number, &r.CurrencyCode, &r.IssueDate,
		&r.CreatedAt, &r.UpdatedAt, &r.ClientID, &r.ClientName,
		&r.Subtotal, &r.Tax, &r.Total, &r.Canceled, &raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDocumentNotFound
		}
		return nil, &PersistenceError{Op: "get", Err: err}
	}
	r.DocType = domain.DocType(docType)

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&r.Raw); err != nil {
		return nil, &PersistenceError{Op: "get", Err: fmt.Errorf("decode raw: %w", err)}
	}
	return &r, nil
}
