package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"chunk-pipeline/internal/config"
	"chunk-pipeline/internal/logger"
	"chunk-pipeline/internal/models"
	"chunk-pipeline/internal/queue"
	"chunk-pipeline/internal/telemetry"
)

// ErrSkipped is returned by handlers and middlewares for jobs that were
// deliberately not run. The job counts as processed but not as failed.
var ErrSkipped = errors.New("job skipped")

// Handler executes a job for a given type.
type Handler func(ctx context.Context, job models.Job) error

// Middleware wraps a handler. Middlewares run in registration order, outermost first.
type Middleware func(next Handler) Handler

// Observer is notified about batch progress after each recorded job.
type Observer interface {
	BatchProgress(ctx context.Context, batch models.Batch)
	// BatchCompleted runs once per batch, after its last job.
	BatchCompleted(ctx context.Context, batch models.Batch)
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg         config.Config
	queue       *queue.RedisQueue
	log         *logger.Logger
	handlers    map[string]Handler
	middlewares []Middleware
	observers   []Observer
	workerID    string

	mu    sync.Mutex
	chain Handler
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, log *logger.Logger) *Processor {
	return NewProcessorWithID(cfg, q, log, "")
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, q *queue.RedisQueue, log *logger.Logger, workerID string) *Processor {
	if log == nil {
		log = logger.Default()
	}
	if workerID != "" {
		log = log.WithField(logger.FieldWorker, workerID)
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		log:      log.Component("worker"),
		handlers: make(map[string]Handler),
		workerID: workerID,
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = handler
	p.chain = nil
}

// Use appends middlewares applied to every job.
func (p *Processor) Use(mw ...Middleware) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.middlewares = append(p.middlewares, mw...)
	p.chain = nil
}

// AddObserver registers a batch observer.
func (p *Processor) AddObserver(o Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, o)
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info("worker started")
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), 100); err == nil && len(reclaimed) > 0 {
			p.log.WithField("count", len(reclaimed)).Warn("requeued expired leases")
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		processed, err := p.ProcessOne(ctx)
		var wait time.Duration
		switch {
		case err != nil && ctx.Err() == nil:
			failures++
			wait = backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, failures)
			p.log.WithError(err).WithField("retry_in", wait.String()).Error("worker loop error")
		case !processed:
			failures = 0
			wait = p.cfg.WorkerPollInterval
		default:
			failures = 0
			continue
		}
		if wait <= 0 {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// ProcessOne leases and runs at most one job. It reports whether a job was taken.
func (p *Processor) ProcessOne(ctx context.Context) (bool, error) {
	jobID, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if jobID == "" {
		return false, nil
	}

	job, err := p.queue.Job(ctx, jobID)
	if errors.Is(err, queue.ErrJobNotFound) {
		p.log.WithField(logger.FieldJobID, jobID).Warn("dropping lease of unknown job")
		return true, p.queue.Ack(ctx, jobID)
	}
	if err != nil {
		return true, err
	}
	if job.Done {
		return true, p.queue.Ack(ctx, jobID)
	}

	log := p.log.WithFields(logger.Fields{
		logger.FieldJobID:   job.ID,
		logger.FieldBatchID: job.BatchID,
		logger.FieldChunk:   job.ChunkID,
		"type":              job.Type,
	})
	jobCtx := log.WithContext(ctx)

	telemetry.InFlightGauge.Inc()
	stopLease := p.keepLease(jobCtx, log, job.ID)
	runErr := p.runJob(jobCtx, job)
	stopLease()
	telemetry.InFlightGauge.Dec()

	outcome := queue.Succeeded
	switch {
	case runErr == nil:
		log.Debug("job succeeded")
	case errors.Is(runErr, ErrSkipped):
		outcome = queue.Skipped
		log.WithError(runErr).Info("job skipped")
	default:
		outcome = queue.Failed
		log.WithError(runErr).Warn("job failed")
	}

	// Outcomes are recorded even when shutdown cancelled ctx mid job.
	recordCtx := context.WithoutCancel(jobCtx)
	if outcome == queue.Failed {
		if err := p.queue.FailedPush(recordCtx, queue.FailedJob{
			JobID:    job.ID,
			Type:     job.Type,
			BatchID:  job.BatchID,
			ChunkID:  job.ChunkID,
			Error:    runErr.Error(),
			FailedAt: time.Now().UTC(),
		}); err != nil {
			log.WithError(err).Error("push failed job")
		}
	}

	completion, err := p.queue.CompleteJob(recordCtx, job, outcome)
	if err != nil {
		return true, err
	}
	telemetry.JobsProcessed.WithLabelValues(job.Type, string(outcome)).Inc()
	if !completion.Recorded {
		log.Info("job outcome already recorded by another delivery")
		return true, nil
	}
	p.notify(recordCtx, job.BatchID, completion.BatchFinished)
	return true, nil
}

func (p *Processor) notify(ctx context.Context, batchID string, finished bool) {
	p.mu.Lock()
	observers := append([]Observer(nil), p.observers...)
	p.mu.Unlock()
	if len(observers) == 0 {
		return
	}

	batch, err := p.queue.Batch(ctx, batchID)
	if err != nil {
		p.log.WithError(err).WithField(logger.FieldBatchID, batchID).Warn("load batch for observers")
		return
	}
	for _, o := range observers {
		o.BatchProgress(ctx, batch)
	}
	if !finished {
		return
	}
	telemetry.BatchesCompleted.Inc()
	for _, o := range observers {
		o.BatchCompleted(ctx, batch)
	}
}

// keepLease extends the lease of jobID every half visibility timeout until the
// returned stop function is called.
func (p *Processor) keepLease(ctx context.Context, log *logger.Logger, jobID string) func() {
	interval := p.cfg.VisibilityTimeout / 2
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			held, err := p.queue.ExtendLease(ctx, jobID, p.cfg.VisibilityTimeout)
			switch {
			case err != nil && ctx.Err() == nil:
				log.WithError(err).Warn("extend lease")
			case err == nil && !held:
				log.Warn("lease lost while job was running")
				return
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// runJob executes the job through the middleware chain.
func (p *Processor) runJob(ctx context.Context, job models.Job) error {
	return p.handler()(ctx, job)
}

func (p *Processor) handler() Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.chain != nil {
		return p.chain
	}
	handlers := make(map[string]Handler, len(p.handlers))
	for k, v := range p.handlers {
		handlers[k] = v
	}
	h := Handler(func(ctx context.Context, job models.Job) error {
		handler, ok := handlers[job.Type]
		if !ok {
			return fmt.Errorf("no handler registered for type %q", job.Type)
		}
		return handler(ctx, job)
	})
	for i := len(p.middlewares) - 1; i >= 0; i-- {
		h = p.middlewares[i](h)
	}
	p.chain = h
	return h
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
