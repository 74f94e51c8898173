package callserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ============================================
// DATABASE OPERATIONS
// ============================================

const callSessionsSchema = `
	CREATE TABLE IF NOT EXISTS call_sessions (
		call_id       TEXT PRIMARY KEY,
		phone_number  TEXT NOT NULL,
		twilio_sid    TEXT NOT NULL DEFAULT '',
		stream_sid    TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL
	)
`

const selectCallSession = `
	SELECT call_id, phone_number, twilio_sid, stream_sid, status, created_at, updated_at
	FROM call_sessions
	WHERE call_id = $1
`

// PostgresStore keeps call records in the call_sessions table.
type PostgresStore struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects to databaseURL and ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	store := &PostgresStore{db: pool, logger: logger}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("connected to Postgres")
	return store, nil
}

// NewPostgresStoreFromPool wraps an existing pool. The schema must exist.
func NewPostgresStoreFromPool(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: pool, logger: logger}
}

func (ps *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := ps.db.Exec(ctx, callSessionsSchema); err != nil {
		return fmt.Errorf("failed to create call_sessions table: %w", err)
	}
	return nil
}

// Create inserts a new call session.
func (ps *PostgresStore) Create(ctx context.Context, rec *CallRecord) error {
	query := `
		INSERT INTO call_sessions (
			call_id, phone_number, twilio_sid, stream_sid, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := ps.db.Exec(ctx, query,
		rec.CallID, rec.PhoneNumber, rec.TwilioSID, rec.StreamSID,
		rec.Status, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert call session: %w", err)
	}
	return nil
}

// Get loads a call session by id.
func (ps *PostgresStore) Get(ctx context.Context, callID string) (*CallRecord, error) {
	rec, err := scanCallRecord(ps.db.QueryRow(ctx, selectCallSession, callID))
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Update locks the row, applies fn and writes the result back.
func (ps *PostgresStore) Update(ctx context.Context, callID string, fn func(*CallRecord)) (*CallRecord, error) {
	tx, err := ps.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rec, err := scanCallRecord(tx.QueryRow(ctx, selectCallSession+" FOR UPDATE", callID))
	if err != nil {
		return nil, err
	}

	fn(rec)
	rec.UpdatedAt = time.Now()

	query := `
		UPDATE call_sessions SET
			twilio_sid = $1,
			stream_sid = $2,
			status = $3,
			updated_at = $4
		WHERE call_id = $5
	`
	if _, err := tx.Exec(ctx, query, rec.TwilioSID, rec.StreamSID, rec.Status, rec.UpdatedAt, rec.CallID); err != nil {
		return nil, fmt.Errorf("failed to update call session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit call session: %w", err)
	}
	return rec, nil
}

// Delete removes a call session.
func (ps *PostgresStore) Delete(ctx context.Context, callID string) error {
	if _, err := ps.db.Exec(ctx, `DELETE FROM call_sessions WHERE call_id = $1`, callID); err != nil {
		return fmt.Errorf("failed to delete call session: %w", err)
	}
	return nil
}

// Close closes the pool.
func (ps *PostgresStore) Close() error {
	ps.db.Close()
	return nil
}

func scanCallRecord(row pgx.Row) (*CallRecord, error) {
	var rec CallRecord
	err := row.Scan(
		&rec.CallID, &rec.PhoneNumber, &rec.TwilioSID, &rec.StreamSID,
		&rec.Status, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load call session: %w", err)
	}
	return &rec, nil
}
