package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/marketsim/internal/exchange"
	"github.com/xtrntr/marketsim/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB wraps a PostgreSQL connection pool and implements exchange.Store
type DB struct {
	Pool *pgxpool.Pool
}

var _ exchange.Store = (*DB)(nil)

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate applies the embedded schema files in name order. They are idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		sql, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := db.Pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
	}
	return nil
}

// SaveOfferDelta inserts one offer delta
func (db *DB) SaveOfferDelta(ctx context.Context, d models.OfferDelta) error {
	_, err := db.Pool.Exec(ctx,
		"INSERT INTO offer_deltas (seq, offer_id, instrument, price, delta, seller, moment, posted_at) VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8)",
		d.Seq, d.OfferID, d.Instrument, d.Price.String(), d.Delta, d.Seller, d.Moment, d.PostedAt)
	if err != nil {
		return fmt.Errorf("failed to save offer delta: %w", err)
	}
	return nil
}

// SaveBuyRequest inserts a prepared buy request
func (db *DB) SaveBuyRequest(ctx context.Context, r models.BuyRequest) error {
	_, err := db.Pool.Exec(ctx,
		"INSERT INTO buy_requests (priority, instrument, quantity, price, buyer, moment, arrived_at, ticket, scheduled_at) VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9)",
		r.Priority, r.Instrument, r.Quantity, r.Price.String(), r.Buyer, r.Moment, r.ArrivedAt, r.Ticket, r.ScheduledAt)
	if err != nil {
		return fmt.Errorf("failed to save buy request: %w", err)
	}
	return nil
}

// AppendLedger writes a matcher batch in one transaction. A source already on
// record makes the whole batch fail so the engine never commits a partial one.
func (db *DB) AppendLedger(ctx context.Context, entries []models.LedgerEntry) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(
			"INSERT INTO ledger_entries (id, batch_id, role, source_id, instrument, quantity, price, cash, buyer, seller, ticket, moment, settled_at, status) "+
				"VALUES ($1, $2::uuid, $3, $4, $5, $6, $7::numeric, $8::numeric, $9, $10, $11, $12, $13, $14)",
			e.ID, e.BatchID.String(), string(e.Role), e.SourceID, e.Instrument, e.Quantity,
			e.Price.String(), e.Cash.String(), e.Buyer, e.Seller, e.Ticket, e.Moment, e.SettledAt, string(e.Status))
	}
	results := tx.SendBatch(ctx, batch)
	for range entries {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("failed to insert ledger entry: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to close ledger batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ClearLedger records the watermark below which ledger rows are hidden
func (db *DB) ClearLedger(ctx context.Context, watermark int64) error {
	_, err := db.Pool.Exec(ctx,
		"UPDATE ledger_state SET watermark = GREATEST(watermark, $1)", watermark)
	if err != nil {
		return fmt.Errorf("failed to clear ledger: %w", err)
	}
	return nil
}

// Load reads back everything the engine needs to recover
func (db *DB) Load(ctx context.Context) (*exchange.State, error) {
	st := &exchange.State{}
	var err error

	if st.Deltas, err = db.offerDeltas(ctx); err != nil {
		return nil, err
	}
	if st.BuyRequests, err = db.buyRequests(ctx); err != nil {
		return nil, err
	}
	if st.Ledger, err = db.ledgerEntries(ctx); err != nil {
		return nil, err
	}
	err = db.Pool.QueryRow(ctx, "SELECT watermark FROM ledger_state").Scan(&st.Watermark)
	if err != nil && err != pgx.ErrNoRows {
		return nil, fmt.Errorf("failed to get ledger watermark: %w", err)
	}
	return st, nil
}

func (db *DB) offerDeltas(ctx context.Context) ([]models.OfferDelta, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT seq, offer_id, instrument, price::text, delta, seller, moment, posted_at
		FROM offer_deltas
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get offer deltas: %w", err)
	}
	defer rows.Close()

	var deltas []models.OfferDelta
	for rows.Next() {
		var (
			d     models.OfferDelta
			price string
		)
		if err := rows.Scan(&d.Seq, &d.OfferID, &d.Instrument, &price, &d.Delta, &d.Seller, &d.Moment, &d.PostedAt); err != nil {
			return nil, fmt.Errorf("failed to scan offer delta: %w", err)
		}
		if d.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("failed to parse price of delta %d: %w", d.Seq, err)
		}
		deltas = append(deltas, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read offer deltas: %w", err)
	}
	return deltas, nil
}

func (db *DB) buyRequests(ctx context.Context) ([]models.BuyRequest, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT priority, instrument, quantity, price::text, buyer, moment, arrived_at, ticket, scheduled_at
		FROM buy_requests
		ORDER BY priority ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get buy requests: %w", err)
	}
	defer rows.Close()

	var reqs []models.BuyRequest
	for rows.Next() {
		var (
			r     models.BuyRequest
			price string
		)
		if err := rows.Scan(&r.Priority, &r.Instrument, &r.Quantity, &price, &r.Buyer, &r.Moment, &r.ArrivedAt, &r.Ticket, &r.ScheduledAt); err != nil {
			return nil, fmt.Errorf("failed to scan buy request: %w", err)
		}
		if r.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("failed to parse price of buy request %d: %w", r.Priority, err)
		}
		reqs = append(reqs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read buy requests: %w", err)
	}
	return reqs, nil
}

func (db *DB) ledgerEntries(ctx context.Context) ([]models.LedgerEntry, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, batch_id::text, role, source_id, instrument, quantity, price::text, cash::text,
		       buyer, seller, ticket, moment, settled_at, status
		FROM ledger_entries
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var (
			e                     models.LedgerEntry
			batchID, role, status string
			price, cash           string
		)
		if err := rows.Scan(&e.ID, &batchID, &role, &e.SourceID, &e.Instrument, &e.Quantity, &price, &cash,
			&e.Buyer, &e.Seller, &e.Ticket, &e.Moment, &e.SettledAt, &status); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		if e.BatchID, err = uuid.Parse(batchID); err != nil {
			return nil, fmt.Errorf("failed to parse batch id of entry %d: %w", e.ID, err)
		}
		if e.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("failed to parse price of entry %d: %w", e.ID, err)
		}
		if e.Cash, err = decimal.NewFromString(cash); err != nil {
			return nil, fmt.Errorf("failed to parse cash of entry %d: %w", e.ID, err)
		}
		e.Role = models.Role(role)
		e.Status = models.Status(status)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger entries: %w", err)
	}
	return entries, nil
}
