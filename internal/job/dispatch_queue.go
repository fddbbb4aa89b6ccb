// Package job runs triggered emails off the request path.
package job

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lifecycle-mailer/internal/logging"
	"github.com/lifecycle-mailer/internal/service"
)

// ErrQueueStopped is returned by Schedule once Stop has been called
var ErrQueueStopped = errors.New("dispatch queue stopped")

// Sender performs one send
type Sender interface {
	SendEvent(ctx context.Context, in service.SendEventInput) *service.SendResult
}

// QueueStats is a point-in-time view of the queue
type QueueStats struct {
	Workers   int   `json:"workers"`
	Pending   int   `json:"pending"`
	Capacity  int   `json:"capacity"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// DispatchQueue hands triggered sends to a fixed pool of workers.
// Sends run on a background context so they outlive the request that
// scheduled them.
type DispatchQueue struct {
	sender      Sender
	workers     int
	sendTimeout time.Duration
	queue       chan service.SendEventInput

	// mu guards started/stopped and the close of queue. Workers never take it.
	mu      sync.RWMutex
	started bool
	stopped bool
	wg      sync.WaitGroup

	processed atomic.Int64
	failed    atomic.Int64

	logger *logging.Logger
}

// NewDispatchQueue creates a queue. Call Start before scheduling.
func NewDispatchQueue(sender Sender, workers, size int) *DispatchQueue {
	if workers <= 0 {
		workers = 4
	}
	if size <= 0 {
		size = 256
	}
	return &DispatchQueue{
		sender:      sender,
		workers:     workers,
		sendTimeout: 30 * time.Second,
		queue:       make(chan service.SendEventInput, size),
		logger:      logging.GetGlobalLogger().WithComponent("dispatch_queue"),
	}
}

// Start launches the worker pool
func (q *DispatchQueue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		return errors.New("queue already started")
	}
	if q.stopped {
		return ErrQueueStopped
	}
	q.started = true

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.logger.Infof("dispatch queue started with %d workers", q.workers)
	return nil
}

// Schedule enqueues a send. It blocks while the buffer is full until ctx is done.
func (q *DispatchQueue) Schedule(ctx context.Context, in service.SendEventInput) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.stopped {
		return ErrQueueStopped
	}

	select {
	case q.queue <- in:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the queue and waits for pending sends to drain or ctx to end
func (q *DispatchQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrQueueStopped
	}
	q.stopped = true
	close(q.queue)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("dispatch queue drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current queue counters
func (q *DispatchQueue) Stats() QueueStats {
	return QueueStats{
		Workers:   q.workers,
		Pending:   len(q.queue),
		Capacity:  cap(q.queue),
		Processed: q.processed.Load(),
		Failed:    q.failed.Load(),
	}
}

func (q *DispatchQueue) worker(id int) {
	defer q.wg.Done()

	for in := range q.queue {
		q.process(id, in)
	}
}

func (q *DispatchQueue) process(id int, in service.SendEventInput) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.WithFields(map[string]interface{}{
				"worker": id,
				"event":  in.EventName,
				"panic":  r,
			}).Error("send panicked")
			q.record(false)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), q.sendTimeout)
	defer cancel()

	res := q.sender.SendEvent(ctx, in)
	q.record(res != nil && res.Success)
}

func (q *DispatchQueue) record(ok bool) {
	q.processed.Add(1)
	if !ok {
		q.failed.Add(1)
	}
}
