// Package cdr persists one call-detail record per call. The store
// listens to session transitions and upserts the record on each one,
// so the row always reflects the latest state and the terminal write
// fills in the end reason and timestamp.
package cdr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aiappsgbb/gpt-realtime-agents/pkg/gateway/calls"
)

const (
	writeTimeout      = 5 * time.Second
	defaultQueueDepth = 256
)

// Recorder receives session snapshots as calls move through their
// lifecycle. Implementations must not block the caller.
type Recorder interface {
	Record(snap calls.Snapshot)
	Close(ctx context.Context) error
}

// Noop discards every snapshot. It stands in when no database is
// configured.
type Noop struct{}

func (Noop) Record(calls.Snapshot) {}

func (Noop) Close(context.Context) error { return nil }

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store writes call records to Postgres. Writes run on a single
// worker behind a bounded queue and are best effort: when the queue
// is full the snapshot is dropped rather than stalling the call path.
type Store struct {
	db     execer
	pool   *pgxpool.Pool
	logger *slog.Logger

	queue chan calls.Snapshot
	wg    sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	dropped int64
}

// NewStore connects to the database named by dsn and starts the write
// worker.
func NewStore(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("cdr: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cdr: ping: %w", err)
	}
	s := newStore(pool, defaultQueueDepth, logger)
	s.pool = pool
	return s, nil
}

func newStore(db execer, depth int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:     db,
		logger: logger.With("component", "cdr"),
		queue:  make(chan calls.Snapshot, depth),
	}
	s.wg.Add(1)
	go s.worker()
	return s
}

// Record enqueues one snapshot for persistence.
func (s *Store) Record(snap calls.Snapshot) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	select {
	case s.queue <- snap:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		s.logger.Warn("record queue full, snapshot dropped", "call_id", snap.ID, "state", string(snap.State))
	}
}

// Close drains queued writes and releases the pool. Pending writes
// finish unless ctx ends first.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.queue)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

func (s *Store) worker() {
	defer s.wg.Done()
	for snap := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := s.upsert(ctx, snap); err != nil {
			s.logger.Warn("call record write failed", "call_id", snap.ID, "error", err)
		}
		cancel()
	}
}

const upsertSQL = `
INSERT INTO call_records (
    call_id, direction, caller, callee, state,
    end_reason, participants, started_at, ended_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
ON CONFLICT (call_id) DO UPDATE SET
    state        = EXCLUDED.state,
    end_reason   = EXCLUDED.end_reason,
    participants = EXCLUDED.participants,
    ended_at     = EXCLUDED.ended_at,
    updated_at   = now()`

func (s *Store) upsert(ctx context.Context, snap calls.Snapshot) error {
	_, err := s.db.Exec(ctx, upsertSQL, upsertArgs(snap)...)
	return err
}

func upsertArgs(snap calls.Snapshot) []any {
	participants, err := json.Marshal(snap.Participants)
	if err != nil || len(snap.Participants) == 0 {
		participants = []byte("[]")
	}
	var endedAt *time.Time
	if !snap.EndedAt.IsZero() {
		t := snap.EndedAt
		endedAt = &t
	}
	return []any{
		snap.ID,
		string(snap.Direction),
		snap.Caller,
		snap.Callee,
		string(snap.State),
		snap.EndReason,
		participants,
		snap.CreatedAt,
		endedAt,
	}
}

func (s *Store) droppedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
