package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"geopresence/internal/ledger"
)

// ErrFlushInProgress is returned when a flush is already running. Repeated
// online events firing in quick succession must not re-enter a flush.
var ErrFlushInProgress = errors.New("offline queue flush already in progress")

// Storage is the durable key-value collaborator holding queued records. It
// must survive process restart. Entries are opaque bytes ordered
// oldest-first.
type Storage interface {
	Append(ctx context.Context, entry []byte) error
	List(ctx context.Context) ([][]byte, error)
	TrimOldest(ctx context.Context, n int) error
}

// Queue buffers attendance records submitted while disconnected and moves
// them into the ledger when connectivity resumes.
type Queue struct {
	storage  Storage
	logger   *zap.Logger
	flushing atomic.Bool
}

// NewQueue creates a queue over the given durable storage.
func NewQueue(storage Storage, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{storage: storage, logger: logger}
}

// Enqueue durably appends a pending record.
func (q *Queue) Enqueue(ctx context.Context, rec ledger.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode queued record: %w", err)
	}
	if err := q.storage.Append(ctx, data); err != nil {
		return fmt.Errorf("queue append: %w", err)
	}
	q.logger.Info("attendance queued offline",
		zap.String("subject_id", rec.SubjectID),
		zap.String("session", rec.Identity.Key()))
	return nil
}

// Pending returns the queued records, oldest first.
func (q *Queue) Pending(ctx context.Context) ([]ledger.Record, error) {
	entries, err := q.storage.List(ctx)
	if err != nil {
		return nil, err
	}
	recs := make([]ledger.Record, 0, len(entries))
	for _, e := range entries {
		var rec ledger.Record
		if err := json.Unmarshal(e, &rec); err != nil {
			return nil, fmt.Errorf("decode queued record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Flush appends every queued record to the ledger, then clears the queue.
// The queue is cleared only when all appends succeed; on partial failure it
// is left intact, so a later flush retries everything (at-least-once, no
// dedup key on this path). Only one flush runs at a time.
func (q *Queue) Flush(ctx context.Context, led ledger.Ledger) (int, error) {
	if !q.flushing.CompareAndSwap(false, true) {
		return 0, ErrFlushInProgress
	}
	defer q.flushing.Store(false)

	recs, err := q.Pending(ctx)
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}

	for i, rec := range recs {
		if err := led.Append(ctx, rec); err != nil {
			q.logger.Warn("flush aborted, queue retained",
				zap.Int("flushed", i),
				zap.Int("pending", len(recs)),
				zap.Error(err))
			return 0, fmt.Errorf("flush record %d of %d: %w", i+1, len(recs), err)
		}
	}

	if err := q.storage.TrimOldest(ctx, len(recs)); err != nil {
		return len(recs), fmt.Errorf("clear flushed entries: %w", err)
	}
	q.logger.Info("offline queue flushed", zap.Int("records", len(recs)))
	return len(recs), nil
}
