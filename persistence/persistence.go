// Package persistence implements the ambient persistence component: durable history
// of period dispositions, bids and fault transitions, grounded on the
// teacher's upsert-inside-a-transaction pattern for its MPC decision
// history.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/devskill-org/microgrid-coordinator/bidding"
	"github.com/devskill-org/microgrid-coordinator/fault"
)

// Store is the Postgres-backed history of market and protection activity.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Open connects to dsn and returns a Store. Callers must call Close when
// done.
func Open(dsn string, logger *log.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence: failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: failed to ping database: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the store's tables if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS period_dispositions (
			period_number INT PRIMARY KEY,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ NOT NULL,
			expected_energy_cost DOUBLE PRECISION NOT NULL,
			cleared_rate DOUBLE PRECISION NOT NULL,
			cleared_quantity_w DOUBLE PRECISION NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS bids (
			uid TEXT PRIMARY KEY,
			period_number INT NOT NULL,
			originator TEXT NOT NULL,
			side TEXT NOT NULL,
			service TEXT NOT NULL,
			quantity_w DOUBLE PRECISION NOT NULL,
			rate DOUBLE PRECISION NOT NULL,
			state TEXT NOT NULL,
			modified BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS fault_transitions (
			zone_id TEXT NOT NULL,
			state TEXT NOT NULL,
			reclose_attempts INT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (zone_id, occurred_at)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("persistence: migration failed: %w", err)
		}
	}
	return nil
}

// SaveDisposition upserts one period's settlement outcome.
func (s *Store) SaveDisposition(ctx context.Context, periodNumber int, start, end time.Time, expectedEnergyCost float64, d *bidding.Disposition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO period_dispositions (period_number, start_time, end_time, expected_energy_cost, cleared_rate, cleared_quantity_w)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (period_number) DO UPDATE SET
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			expected_energy_cost = EXCLUDED.expected_energy_cost,
			cleared_rate = EXCLUDED.cleared_rate,
			cleared_quantity_w = EXCLUDED.cleared_quantity_w,
			recorded_at = now()
	`, periodNumber, start, end, expectedEnergyCost, d.ClearedRate, d.ClearedQuantityW)
	if err != nil {
		return fmt.Errorf("persistence: failed to save disposition for period %d: %w", periodNumber, err)
	}
	return nil
}

// SaveBids persists a batch of bids inside a single transaction, upserting
// on UID so a revised bid overwrites its prior row.
func (s *Store) SaveBids(ctx context.Context, bids []*bidding.Bid) error {
	if len(bids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persistence: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bids (uid, period_number, originator, side, service, quantity_w, rate, state, modified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (uid) DO UPDATE SET
			quantity_w = EXCLUDED.quantity_w,
			rate = EXCLUDED.rate,
			state = EXCLUDED.state,
			modified = EXCLUDED.modified
	`)
	if err != nil {
		return fmt.Errorf("persistence: failed to prepare bid upsert: %w", err)
	}
	defer stmt.Close()

	for _, b := range bids {
		if _, err := stmt.ExecContext(ctx, b.UID, b.PeriodNum, b.Originator, string(b.Side), string(b.Service), b.Quantity, b.Rate, b.State.String(), b.Modified, b.CreatedAt); err != nil {
			return fmt.Errorf("persistence: failed to upsert bid %s: %w", b.UID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("persistence: failed to commit bid batch: %w", err)
	}
	if s.logger != nil {
		s.logger.Printf("persisted %d bids", len(bids))
	}
	return nil
}

// SaveFaultTransition appends one fault state machine transition to
// history.
func (s *Store) SaveFaultTransition(ctx context.Context, zoneID string, state fault.State, recloseAttempts int, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fault_transitions (zone_id, state, reclose_attempts, occurred_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (zone_id, occurred_at) DO NOTHING
	`, zoneID, state.String(), recloseAttempts, at)
	if err != nil {
		return fmt.Errorf("persistence: failed to save fault transition for zone %s: %w", zoneID, err)
	}
	return nil
}

// DispositionRecord is one row loaded back from period_dispositions.
type DispositionRecord struct {
	PeriodNumber       int
	Start, End         time.Time
	ExpectedEnergyCost float64
	ClearedRate        float64
	ClearedQuantityW   float64
}

// LoadRecentDispositions returns dispositions recorded at or after since,
// ordered oldest first.
func (s *Store) LoadRecentDispositions(ctx context.Context, since time.Time) ([]DispositionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT period_number, start_time, end_time, expected_energy_cost, cleared_rate, cleared_quantity_w
		FROM period_dispositions
		WHERE start_time >= $1
		ORDER BY start_time ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("persistence: failed to query dispositions: %w", err)
	}
	defer rows.Close()

	var out []DispositionRecord
	for rows.Next() {
		var r DispositionRecord
		if err := rows.Scan(&r.PeriodNumber, &r.Start, &r.End, &r.ExpectedEnergyCost, &r.ClearedRate, &r.ClearedQuantityW); err != nil {
			return nil, fmt.Errorf("persistence: failed to scan disposition row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("persistence: error iterating dispositions: %w", err)
	}
	return out, nil
}
