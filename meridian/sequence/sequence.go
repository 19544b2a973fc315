// Package sequence allocates the per-server monotonic numbers that order
// console history. Numbers are handed out inside the caller's transaction:
// the allocator never commits a number the history write does not.
package sequence

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrServerIDRequired is returned when the server id is nil.
	ErrServerIDRequired = errors.New("server id is required")
	// ErrCountMustBePositive is returned when a batch size is not positive.
	ErrCountMustBePositive = errors.New("count must be greater than zero")
	// ErrConflict signals a serialization clash on the counter row. The
	// caller retries the whole write transaction; the allocator never
	// hands out a number it did not durably commit.
	ErrConflict = errors.New("sequence allocation conflict")
)

// Allocator hands out strictly increasing sequence numbers per server.
// Gaps are tolerated (a rolled-back transaction burns nothing here because
// the counter update rolls back with it), but a committed number is never
// reused.
type Allocator interface {
	// Next allocates the next number on the caller's transaction.
	Next(ctx context.Context, tx *sql.Tx, serverID uuid.UUID) (uint64, error)

	// NextN allocates count consecutive numbers and returns the first.
	// High-rate console streams writing several lines per transaction use
	// this to avoid one counter round-trip per line.
	NextN(ctx context.Context, tx *sql.Tx, serverID uuid.UUID, count int) (uint64, error)
}

// Memory is a process-local allocator for unit tests and single-node use.
// It ignores the transaction handle; numbers are not rolled back with the
// caller, which is acceptable because the contract is gap-tolerant.
type Memory struct {
	mu       sync.Mutex
	counters map[uuid.UUID]uint64
}

// NewMemory creates an empty in-memory allocator.
func NewMemory() *Memory {
	return &Memory{counters: make(map[uuid.UUID]uint64)}
}

// Next implements Allocator.
func (m *Memory) Next(ctx context.Context, tx *sql.Tx, serverID uuid.UUID) (uint64, error) {
	return m.NextN(ctx, tx, serverID, 1)
}

// NextN implements Allocator.
func (m *Memory) NextN(_ context.Context, _ *sql.Tx, serverID uuid.UUID, count int) (uint64, error) {
	if serverID == uuid.Nil {
		return 0, ErrServerIDRequired
	}

	if count <= 0 {
		return 0, ErrCountMustBePositive
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.counters == nil {
		m.counters = make(map[uuid.UUID]uint64)
	}

	first := m.counters[serverID] + 1
	m.counters[serverID] += uint64(count)

	return first, nil
}
