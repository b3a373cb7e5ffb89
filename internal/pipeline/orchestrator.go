package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dgallion1/ctxgest/internal/chunker"
	"github.com/dgallion1/ctxgest/internal/config"
)

const scopeName = "github.com/dgallion1/ctxgest/internal/pipeline"

// ErrStopped is returned by Submit once Stop has been called.
var ErrStopped = errors.New("pipeline stopped")

// Orchestrator owns the job queue, the worker goroutines and the in-memory
// job table polled by the status endpoint.
type Orchestrator struct {
	jobs  *JobStore
	queue chan *Job
	newW  func() *Worker
	log   *slog.Logger

	workers   int
	queueSize int

	finished metric.Int64Counter
	duration metric.Float64Histogram

	mu      sync.RWMutex
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewOrchestrator creates the pipeline. Call Start to launch workers.
func NewOrchestrator(cfg config.Config, deps Deps, log *slog.Logger) *Orchestrator {
	chunkCfg := chunker.Config{
		ChunkSize:  cfg.ChunkSize,
		Separators: cfg.ChunkSeparators,
	}
	o := &Orchestrator{
		jobs:  NewJobStore(cfg.JobTTL),
		queue: make(chan *Job, cfg.MaxQueueSize),
		newW: func() *Worker {
			return NewWorker(deps, log, chunkCfg, cfg.MaxConcurrentExtract, cfg.PDFFallbackPdftotext)
		},
		log:       log,
		workers:   max(cfg.WorkerCount, 1),
		queueSize: cfg.MaxQueueSize,
	}

	meter := otel.Meter(scopeName)
	o.finished, _ = meter.Int64Counter("pipeline.jobs",
		metric.WithDescription("Ingest jobs that reached a terminal status"),
		metric.WithUnit("{job}"))
	o.duration, _ = meter.Float64Histogram("pipeline.job.duration",
		metric.WithDescription("Wall time from dequeue to terminal status"),
		metric.WithUnit("s"))
	return o
}

// Start launches worker goroutines and the job table janitor.
func (o *Orchestrator) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	for range o.workers {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			w := o.newW()
			for {
				select {
				case <-workerCtx.Done():
					return
				case job, ok := <-o.queue:
					if !ok {
						return
					}
					o.run(workerCtx, w, job)
				}
			}
		}()
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				if n := o.jobs.Cleanup(); n > 0 {
					o.log.Debug("evicted finished jobs", "count", n)
				}
			}
		}
	}()
}

func (o *Orchestrator) run(ctx context.Context, w *Worker, job *Job) {
	start := time.Now()
	w.Process(ctx, job)

	snap := job.Snapshot()
	attrs := metric.WithAttributes(attribute.String("status", string(snap.Status)))
	if o.finished != nil {
		o.finished.Add(ctx, 1, attrs)
	}
	if o.duration != nil {
		o.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}

// Stop cancels in-flight work and waits for every goroutine to exit.
// Jobs still queued are marked failed.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	close(o.queue)
	o.mu.Unlock()

	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()

	for job := range o.queue {
		job.Fail("shutdown", ErrStopped)
	}
}

// Submit queues a job. It fails fast when the queue is full or the
// pipeline is stopped.
func (o *Orchestrator) Submit(job *Job) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.stopped {
		return ErrStopped
	}

	o.jobs.Put(job)
	select {
	case o.queue <- job:
		return nil
	default:
		job.SetStatus(StatusFailed, "queue_full")
		return fmt.Errorf("job queue is full (%d)", o.queueSize)
	}
}

// GetJob returns a job by ID, or nil once it has expired.
func (o *Orchestrator) GetJob(id string) *Job {
	return o.jobs.Get(id)
}

// QueueDepth returns the number of jobs waiting for a worker.
func (o *Orchestrator) QueueDepth() int {
	return len(o.queue)
}

// TrackedJobs returns the number of jobs still held in memory.
func (o *Orchestrator) TrackedJobs() int {
	return o.jobs.Len()
}
