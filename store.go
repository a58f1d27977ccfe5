package bulkq

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists catalog records to Postgres. It is the production
// BatchProcessor: every batch is sent as one pipelined round trip that runs
// in a single implicit transaction, and rows skipped by the barcode
// uniqueness rule are left out of the returned slice.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a record store from an existing connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS catalog_items (
	id          BIGSERIAL PRIMARY KEY,
	barcode     TEXT UNIQUE,
	name        TEXT NOT NULL,
	quantity    INTEGER NOT NULL DEFAULT 0,
	unit_price  DOUBLE PRECISION NOT NULL DEFAULT 0,
	category    TEXT,
	supplier    TEXT,
	attributes  JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// EnsureSchema creates the catalog_items table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const insertRecord = `
	INSERT INTO catalog_items
		(barcode, name, quantity, unit_price, category, supplier, attributes)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (barcode) DO NOTHING
	RETURNING id, barcode, name, quantity, unit_price, category, supplier,
	          attributes, created_at`

// Persist inserts records and returns the ones that were written.
func (s *Store) Persist(ctx context.Context, records []Record) ([]Record, error) {
	if len(records) == 0 {
		return nil, nil
	}

	b := &pgx.Batch{}
	for _, r := range records {
		b.Queue(insertRecord,
			nullIfEmpty(r.Barcode), r.Name, r.Quantity, r.UnitPrice,
			nullIfEmpty(r.Category), nullIfEmpty(r.Supplier), nullJSON(r.Attributes),
		)
	}

	br := s.pool.SendBatch(ctx, b)
	saved := make([]Record, 0, len(records))
	for range records {
		rec, err := scanRecord(br.QueryRow())
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			_ = br.Close()
			return nil, fmt.Errorf("persist catalog batch: %w", err)
		}
		saved = append(saved, *rec)
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("persist catalog batch: %w", err)
	}
	return saved, nil
}

// Get retrieves a single record by barcode.
func (s *Store) Get(ctx context.Context, barcode string) (*Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, barcode, name, quantity, unit_price, category, supplier,
		       attributes, created_at
		FROM catalog_items WHERE barcode = $1
	`, barcode)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// ListOpts filters the record list query.
type ListOpts struct {
	Category string
	Supplier string
	Limit    int
}

// List returns records matching the given filters, newest first.
func (s *Store) List(ctx context.Context, opts ListOpts) ([]Record, error) {
	q := `SELECT id, barcode, name, quantity, unit_price, category, supplier,
	             attributes, created_at
	      FROM catalog_items WHERE 1=1`
	args := []any{}
	n := 1

	if opts.Category != "" {
		q += fmt.Sprintf(` AND category = $%d`, n)
		args = append(args, opts.Category)
		n++
	}
	if opts.Supplier != "" {
		q += fmt.Sprintf(` AND supplier = $%d`, n)
		args = append(args, opts.Supplier)
		n++
	}

	q += ` ORDER BY created_at DESC, id DESC`

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	q += fmt.Sprintf(` LIMIT $%d`, n)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		r          Record
		barcode    *string
		category   *string
		supplier   *string
		attributes []byte
	)
	err := row.Scan(
		&r.ID, &barcode, &r.Name, &r.Quantity, &r.UnitPrice,
		&category, &supplier, &attributes, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if barcode != nil {
		r.Barcode = *barcode
	}
	if category != nil {
		r.Category = *category
	}
	if supplier != nil {
		r.Supplier = *supplier
	}
	if len(attributes) > 0 {
		r.Attributes = attributes
	}
	return &r, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
