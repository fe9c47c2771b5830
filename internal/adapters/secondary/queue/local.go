// Package queue delivers regeneration jobs to a worker pool, either in process
// or through NATS JetStream.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"go.opentelemetry.io/otel/trace"

	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/domain"
	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/ports"
)

var (
	ErrNoHandler = errors.New("queue: no handler registered")
	ErrStopped   = errors.New("queue: stopped")
)

// Local exécute les jobs dans le process, sur un workerpool borné.
// Un job déjà en cours pour le même feed est ignoré.
type Local struct {
	mu      sync.Mutex
	wp      *workerpool.WorkerPool
	handler ports.JobHandler
	running map[string]bool
	stopped bool
	timeout time.Duration
}

var _ ports.JobQueue = (*Local)(nil)

func NewLocal(workers int, timeout time.Duration) *Local {
	if workers <= 0 {
		workers = 1
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Local{
		wp:      workerpool.New(workers),
		running: make(map[string]bool),
		timeout: timeout,
	}
}

// Handle enregistre le corps des jobs. À appeler avant le premier Enqueue.
func (q *Local) Handle(h ports.JobHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = h
}

func (q *Local) Enqueue(ctx context.Context, job domain.RegenerationJob) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrStopped
	}
	if q.handler == nil {
		q.mu.Unlock()
		return ErrNoHandler
	}
	id := job.DedupID()
	if q.running[id] {
		q.mu.Unlock()
		return nil
	}
	q.running[id] = true
	handler := q.handler
	q.mu.Unlock()

	// Le job survit à la requête HTTP : on garde seulement le lien de trace.
	parent := trace.SpanContextFromContext(ctx)

	q.wp.Submit(func() {
		defer func() {
			q.mu.Lock()
			delete(q.running, id)
			q.mu.Unlock()
		}()

		jobCtx, cancel := context.WithTimeout(trace.ContextWithSpanContext(context.Background(), parent), q.timeout)
		defer cancel()

		if err := handler(jobCtx, job); err != nil {
			slog.Error("❌ Regeneration job failed", "job", id, "error", err)
		}
	})
	return nil
}

// Pending is the number of jobs waiting for a worker.
func (q *Local) Pending() int {
	return q.wp.WaitingQueueSize()
}

// Stop attend la fin des jobs en cours et en file.
func (q *Local) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.wp.StopWait()
}
