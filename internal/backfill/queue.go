// Package backfill implements the historical-bar backfill supervisor: a
// prioritized request queue drained by a concurrency-limited worker that
// honors per-provider rate limits and Retry-After hints.
package backfill

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/rodoHasArrived/marketpulse/internal/schema"
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("backfill queue closed")

// RequestStatus is the lifecycle state of one backfill request.
type RequestStatus string

const (
	// StatusQueued means the request is waiting for a worker slot.
	StatusQueued RequestStatus = "queued"
	// StatusInFlight means a worker is processing the request.
	StatusInFlight RequestStatus = "in_flight"
	// StatusRateLimited means the request is paused awaiting a provider reset.
	StatusRateLimited RequestStatus = "rate_limited"
	// StatusSucceeded is terminal success.
	StatusSucceeded RequestStatus = "succeeded"
	// StatusFailed is terminal failure.
	StatusFailed RequestStatus = "failed"
)

// Priority orders requests in the queue; higher drains first.
type Priority int

const (
	// PriorityLow is for opportunistic catch-up work.
	PriorityLow Priority = iota
	// PriorityNormal is the default.
	PriorityNormal
	// PriorityHigh is for gap-driven repair requests.
	PriorityHigh
)

// Request is one historical-bar fetch job.
type Request struct {
	ID               string             `json:"id"`
	Symbol           string             `json:"symbol"`
	FromDate         schema.SessionDate `json:"from_date"`
	ToDate           schema.SessionDate `json:"to_date"`
	Granularity      schema.Timeframe   `json:"granularity"`
	Priority         Priority           `json:"priority"`
	AssignedProvider string             `json:"assigned_provider,omitempty"`
	Attempt          int                `json:"attempt"`
	Status           RequestStatus      `json:"status"`
	BarsRetrieved    int                `json:"bars_retrieved"`
	FailureReason    string             `json:"failure_reason,omitempty"`
}

// NewRequest builds a queued request with a fresh id.
func NewRequest(symbol string, from, to schema.SessionDate, granularity schema.Timeframe, priority Priority) Request {
	return Request{
		ID:          uuid.NewString(),
		Symbol:      schema.NormalizeSymbol(symbol),
		FromDate:    from,
		ToDate:      to,
		Granularity: granularity,
		Priority:    priority,
		Status:      StatusQueued,
	}
}

// Queue is a bounded priority queue, FIFO within each priority level.
// Enqueue blocks while the queue is at capacity.
type Queue struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	levels   map[Priority][]Request
	size     int
	capacity int
	closed   bool
}

// NewQueue constructs a queue holding at most capacity requests.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	q := &Queue{
		levels:   make(map[Priority][]Request),
		capacity: capacity,
	}
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Close rejects further enqueues and wakes blocked producers. Requests
// already queued remain dequeueable so the worker can drain them.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.notFull.Broadcast()
	q.mu.Unlock()
}

// Enqueue adds a request, blocking while the queue is full. Cancellation
// returns the context error without enqueuing; a closed queue returns
// ErrQueueClosed.
func (q *Queue) Enqueue(ctx context.Context, req Request) error {
	// Wake the cond waiter when the context ends so the wait below can
	// observe cancellation.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.notFull.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.size >= q.capacity && !q.closed {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.notFull.Wait()
	}
	if q.closed {
		return ErrQueueClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	req.Status = StatusQueued
	q.levels[req.Priority] = append(q.levels[req.Priority], req)
	q.size++
	return nil
}

// TryDequeue removes the oldest request at the highest non-empty priority.
// It never blocks.
func (q *Queue) TryDequeue() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range []Priority{PriorityHigh, PriorityNormal, PriorityLow} {
		level := q.levels[p]
		if len(level) == 0 {
			continue
		}
		req := level[0]
		q.levels[p] = level[1:]
		q.size--
		q.notFull.Broadcast()
		return req, true
	}
	return Request{}, false
}

// Len returns the number of queued requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
