package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"rhema/internal/types"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS processed_webhook_events (
	event_id     TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	status       TEXT NOT NULL,
	attempts     INTEGER NOT NULL,
	ack          JSONB,
	last_error   TEXT,
	claimed_at   TIMESTAMPTZ NOT NULL,
	processed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS processed_webhook_events_activity_idx
	ON processed_webhook_events ((COALESCE(processed_at, claimed_at)));`

// claimSQL inserts a fresh claim or supersedes a failed or abandoned one in
// a single statement. No row is returned when the existing record may not
// be claimed.
const claimSQL = `
INSERT INTO processed_webhook_events (event_id, kind, status, attempts, claimed_at)
VALUES ($1, $2, 'processing', 1, $3)
ON CONFLICT (event_id) DO UPDATE
SET status       = 'processing',
    kind         = EXCLUDED.kind,
    attempts     = processed_webhook_events.attempts + 1,
    claimed_at   = EXCLUDED.claimed_at,
    processed_at = NULL
WHERE processed_webhook_events.attempts < $4
  AND (processed_webhook_events.status = 'failed'
       OR (processed_webhook_events.status = 'processing'
           AND processed_webhook_events.claimed_at < $5))
RETURNING attempts, claimed_at`

const selectRecordSQL = `
SELECT event_id, kind, status, attempts, ack, last_error, claimed_at, processed_at
FROM processed_webhook_events
WHERE event_id = $1`

const completeSQL = `
UPDATE processed_webhook_events
SET status = $3, ack = $4, last_error = $5, processed_at = $6
WHERE event_id = $1 AND attempts = $2`

const purgeSQL = `
DELETE FROM processed_webhook_events
WHERE COALESCE(processed_at, claimed_at) < $1`

// PostgresStore keeps records in the processed_webhook_events table so that
// every API instance shares one dedup view.
type PostgresStore struct {
	db      DBTX
	ttl     time.Duration
	now     func() time.Time
	closeFn func()
}

// NewPostgresStore creates a store over db. A zero ttl defaults to seven
// days.
func NewPostgresStore(db DBTX, ttl time.Duration) *PostgresStore {
	if ttl == 0 {
		ttl = 7 * 24 * time.Hour
	}
	s := &PostgresStore{db: db, ttl: ttl, now: time.Now}
	if pool, ok := db.(*pgxpool.Pool); ok {
		s.closeFn = pool.Close
	}
	return s
}

// OpenPool connects a pgx pool and pings it within acquireTimeout.
func OpenPool(ctx context.Context, databaseURL string, maxConns int32, acquireTimeout time.Duration) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the table and index when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create webhook event table", err)
	}
	return nil
}

// Claim implements Store.
func (s *PostgresStore) Claim(ctx context.Context, eventID string, kind EventKind, policy ClaimPolicy) (ClaimResult, error) {
	now := s.now().UTC()

	var attempts int
	var claimedAt time.Time
	err := s.db.QueryRow(ctx, claimSQL,
		eventID,
		string(kind),
		now,
		policy.MaxAttempts,
		now.Add(-policy.Lease),
	).Scan(&attempts, &claimedAt)
	if err == nil {
		return ClaimResult{Outcome: ClaimAcquired, Record: newClaim(eventID, kind, attempts, claimedAt)}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ClaimResult{}, types.NewAppError(types.ErrCodeInternalDB, "failed to claim webhook event", err)
	}

	existing, err := s.get(ctx, eventID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Purged between the two statements.
			return ClaimResult{Outcome: ClaimInProgress}, nil
		}
		return ClaimResult{}, types.NewAppError(types.ErrCodeInternalDB, "failed to read webhook event", err)
	}

	res := decideClaim(&existing, eventID, kind, policy, now)
	if res.Outcome == ClaimAcquired {
		// The row changed after the upsert declined it; let the provider
		// redeliver rather than dispatch without a claim.
		return ClaimResult{Outcome: ClaimInProgress, Record: existing}, nil
	}
	return res, nil
}

// Complete implements Store.
func (s *PostgresStore) Complete(ctx context.Context, rec Record) error {
	ack, err := json.Marshal(rec.Ack)
	if err != nil {
		return fmt.Errorf("marshal ack: %w", err)
	}

	tag, err := s.db.Exec(ctx, completeSQL,
		rec.EventID,
		rec.Attempts,
		string(rec.Status),
		ack,
		nilIfEmpty(rec.LastError),
		rec.ProcessedAt.UTC(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record webhook outcome", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleClaim
	}
	return nil
}

// Purge deletes records whose last activity is older than the TTL and
// returns how many were removed.
func (s *PostgresStore) Purge(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, purgeSQL, s.now().UTC().Add(-s.ttl))
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to purge webhook events", err)
	}
	return tag.RowsAffected(), nil
}

// Close closes the pool when the store owns one.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) get(ctx context.Context, eventID string) (Record, error) {
	var (
		rec         Record
		kind        string
		status      string
		ack         []byte
		lastError   *string
		processedAt *time.Time
	)
	err := s.db.QueryRow(ctx, selectRecordSQL, eventID).Scan(
		&rec.EventID,
		&kind,
		&status,
		&rec.Attempts,
		&ack,
		&lastError,
		&rec.ClaimedAt,
		&processedAt,
	)
	if err != nil {
		return Record{}, err
	}

	rec.Kind = EventKind(kind)
	rec.Status = Status(status)
	if lastError != nil {
		rec.LastError = *lastError
	}
	if processedAt != nil {
		rec.ProcessedAt = *processedAt
	}
	if len(ack) > 0 {
		if err := json.Unmarshal(ack, &rec.Ack); err != nil {
			return Record{}, fmt.Errorf("decode stored ack: %w", err)
		}
	}
	return rec, nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
