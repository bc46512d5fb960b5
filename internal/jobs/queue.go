package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jo-hoe/transcriber/internal/common"
)

var (
	ErrQueueNotStarted = errors.New("queue not started")
	ErrQueueFull       = errors.New("queue is full")
	ErrQueueClosed     = errors.New("queue is shut down")
)

// WorkItem carries a job snapshot, the source it runs against, and a cleanup func for uploaded media.
type WorkItem struct {
	Job     Job
	Source  Source
	Cleanup func() error
}

// Processor defines how to process a WorkItem.
type Processor interface {
	Process(ctx context.Context, item WorkItem) error
}

// Queue is an in-memory bounded queue for WorkItems with a worker pool.
type Queue struct {
	log        *slog.Logger
	ch         chan WorkItem
	workers    int
	wg         sync.WaitGroup
	cancelOnce sync.Once
	cancel     context.CancelFunc
	started    bool
	closed     bool
	mu         sync.Mutex
}

// NewQueue creates a new Queue with the given capacity and worker count.
func NewQueue(logger *slog.Logger, capacity int, workers int) *Queue {
	if capacity <= 0 {
		capacity = common.DefaultQueueCapacity
	}
	if workers <= 0 {
		workers = common.DefaultWorkerCount
	}
	return &Queue{
		log:     logger,
		ch:      make(chan WorkItem, capacity),
		workers: workers,
	}
}

// Start launches worker goroutines that consume WorkItems and process them using the provided Processor.
func (q *Queue) Start(ctx context.Context, p Processor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New("queue already started")
	}
	if q.closed {
		return ErrQueueClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, p, i)
	}
	q.started = true
	return nil
}

func (q *Queue) worker(ctx context.Context, p Processor, idx int) {
	defer q.wg.Done()
	log := q.log.With("worker", idx)
	for {
		select {
		case <-ctx.Done():
			log.Debug("worker stopping due to context cancellation")
			return
		case item, ok := <-q.ch:
			if !ok {
				log.Debug("queue closed, worker exiting")
				return
			}
			q.run(ctx, log, p, item)
		}
	}
}

func (q *Queue) run(ctx context.Context, log *slog.Logger, p Processor, item WorkItem) {
	jobLog := log.With("job_id", item.Job.ID)
	jobLog.Info("processing job", "source_kind", item.Job.SourceKind)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			jobLog.Error("job processing panicked", "panic", r)
		}
		// Ensure cleanup is attempted regardless of outcome.
		if item.Cleanup != nil {
			if err := item.Cleanup(); err != nil {
				jobLog.Warn("cleanup failed", "err", err)
			}
		}
	}()
	if err := p.Process(ctx, item); err != nil {
		jobLog.Error("job processing failed", "err", err, "duration", time.Since(start))
		return
	}
	jobLog.Info("job processed", "duration", time.Since(start))
}

// Enqueue adds a WorkItem to the queue (non-blocking if capacity allows).
func (q *Queue) Enqueue(item WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if !q.started {
		return ErrQueueNotStarted
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting work, cancels in-flight processing, and waits for workers up to the provided deadline.
func (q *Queue) Shutdown(deadline time.Duration) {
	q.cancelOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		if q.cancel != nil {
			q.cancel()
		}
		// close channel to unblock workers if they are waiting on receive
		close(q.ch)
		q.mu.Unlock()

		done := make(chan struct{})
		go func() {
			defer close(done)
			q.wg.Wait()
		}()

		if deadline <= 0 {
			<-done
			q.drain()
			return
		}

		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case <-done:
			q.drain()
		case <-timer.C:
			q.log.Warn("queue shutdown deadline reached; workers may still be running")
			// The channel is closed, so this only takes what is left and never blocks.
			q.drain()
		}
	})
}

// drain runs Cleanup for items that no worker picked up. Each item is received once,
// so a worker finishing late cannot clean the same item again.
func (q *Queue) drain() {
	for item := range q.ch {
		if item.Cleanup == nil {
			continue
		}
		if err := item.Cleanup(); err != nil {
			q.log.Warn("cleanup of unprocessed job failed", "job_id", item.Job.ID, "err", err)
		}
	}
}
