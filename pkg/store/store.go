package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/birddigital/convai-relay/pkg/relay"
)

// ============================================
// CALL RECORD STORE
// One row per finished relay session
// ============================================

// Recorder persists finished sessions.
type Recorder interface {
	Record(ctx context.Context, sum relay.Summary) error
}

// execer is the part of *pgxpool.Pool the store uses.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Store writes call records to PostgreSQL.
type Store struct {
	db    execer
	pool  *pgxpool.Pool
	log   *logrus.Entry
	table string
}

// Open connects to databaseURL and verifies the connection.
func Open(ctx context.Context, databaseURL string, log *logrus.Entry) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	s := newStore(pool, log)
	s.pool = pool
	return s, nil
}

func newStore(db execer, log *logrus.Entry) *Store {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{db: db, log: log, table: "call_sessions"}
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates the call record table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS call_sessions (
			id                  UUID PRIMARY KEY,
			stream_sid          TEXT NOT NULL DEFAULT '',
			call_sid            TEXT NOT NULL DEFAULT '',
			conversation_id     TEXT NOT NULL DEFAULT '',
			final_state         TEXT NOT NULL,
			close_code          INTEGER NOT NULL,
			close_reason        TEXT NOT NULL DEFAULT '',
			closed_by           TEXT NOT NULL,
			provider_connected  BOOLEAN NOT NULL DEFAULT FALSE,
			frames_to_provider  BIGINT NOT NULL DEFAULT 0,
			frames_to_telephony BIGINT NOT NULL DEFAULT 0,
			frames_dropped      BIGINT NOT NULL DEFAULT 0,
			started_at          TIMESTAMPTZ NOT NULL,
			ended_at            TIMESTAMPTZ,
			duration_ms         BIGINT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS call_sessions_call_sid_idx ON call_sessions (call_sid);
	`

	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	s.log.WithField("table", s.table).Info("schema up to date")
	return nil
}

// Record inserts the summary of a finished session. Recording the same
// session twice keeps the first row.
func (s *Store) Record(ctx context.Context, sum relay.Summary) error {
	query := `
		INSERT INTO call_sessions (
			id, stream_sid, call_sid, conversation_id,
			final_state, close_code, close_reason, closed_by,
			provider_connected, frames_to_provider, frames_to_telephony, frames_dropped,
			started_at, ended_at, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING
	`

	var durationMs int64
	if sum.EndedAt != nil {
		durationMs = sum.EndedAt.Sub(sum.CreatedAt).Milliseconds()
	}

	_, err := s.db.Exec(ctx, query,
		sum.ID, sum.StreamSid, sum.CallSid, sum.ConversationID,
		sum.State.String(), sum.Closure.Code, sum.Closure.Reason, string(sum.Closure.Initiator),
		sum.ProviderConnected, sum.FramesToProvider, sum.FramesToTelephony, sum.FramesDropped,
		sum.CreatedAt, sum.EndedAt, durationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to record session %s: %w", sum.ID, err)
	}
	return nil
}

// Nop discards records. It is used when no database is configured.
type Nop struct{}

// Record does nothing.
func (Nop) Record(context.Context, relay.Summary) error { return nil }

// RecordTimeout bounds a single Record call made after a session ends.
const RecordTimeout = 5 * time.Second
