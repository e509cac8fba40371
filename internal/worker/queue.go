// Package worker provides a bounded retry queue for off-path I/O.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"bridgewatch/internal/metrics"
)

// ErrQueueFull is returned by Submit when the buffer is exhausted.
var ErrQueueFull = errors.New("queue full")

// ErrQueueStopped is returned by Submit after Stop.
var ErrQueueStopped = errors.New("queue stopped")

// Handler processes one job. Returning a Permanent error skips the retries.
type Handler[T any] func(ctx context.Context, job T) error

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Config holds retry queue configuration
type Config[T any] struct {
	Name           string
	Handler        Handler[T]
	Workers        int
	Size           int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
	AttemptTimeout time.Duration
	// OnDrop is called once a job exhausts its attempts or fails permanently.
	OnDrop func(job T, err error)
}

// Queue is a bounded job queue drained by a fixed set of workers that retry
// failed jobs with exponential backoff. Submit never blocks.
type Queue[T any] struct {
	cfg    Config[T]
	jobs   chan T
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	processed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// Stats holds queue counters
type Stats struct {
	Processed uint64
	Failed    uint64
	Rejected  uint64
	Pending   int
}

// New creates and starts a queue.
func New[T any](cfg Config[T], logger zerolog.Logger) *Queue[T] {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Size <= 0 {
		cfg.Size = 1024
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = 30 * time.Second
		if cfg.MaxBackoff < cfg.InitialBackoff {
			cfg.MaxBackoff = cfg.InitialBackoff
		}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue[T]{
		cfg:    cfg,
		jobs:   make(chan T, cfg.Size),
		logger: logger.With().Str("component", "queue").Str("queue", cfg.Name).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}

	q.logger.Info().
		Int("workers", cfg.Workers).
		Int("size", cfg.Size).
		Int("max_attempts", cfg.MaxAttempts).
		Dur("initial_backoff", cfg.InitialBackoff).
		Msg("starting retry queue")

	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	return q
}

// Submit enqueues job without blocking.
func (q *Queue[T]) Submit(job T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.reject()
		return ErrQueueStopped
	}
	select {
	case q.jobs <- job:
		metrics.QueueDepth.WithLabelValues(q.cfg.Name).Set(float64(len(q.jobs)))
		return nil
	default:
		q.reject()
		q.logger.Warn().Int("size", q.cfg.Size).Msg("queue full, job rejected")
		return ErrQueueFull
	}
}

func (q *Queue[T]) reject() {
	q.rejected.Add(1)
	metrics.QueueRejected.WithLabelValues(q.cfg.Name).Inc()
}

// Stop stops accepting jobs and drains what is queued. When ctx expires
// first, in-flight retries are abandoned and the remaining jobs dropped.
func (q *Queue[T]) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.logger.Info().Int("pending", len(q.jobs)).Msg("stopping retry queue")

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		q.logger.Info().Msg("retry queue stopped")
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		q.logger.Warn().Msg("retry queue drain interrupted")
		return fmt.Errorf("drain queue %s: %w", q.cfg.Name, ctx.Err())
	}
}

// Stats returns queue statistics
func (q *Queue[T]) Stats() Stats {
	return Stats{
		Processed: q.processed.Load(),
		Failed:    q.failed.Load(),
		Rejected:  q.rejected.Load(),
		Pending:   len(q.jobs),
	}
}

func (q *Queue[T]) worker(id int) {
	defer q.wg.Done()
	for job := range q.jobs {
		metrics.QueueDepth.WithLabelValues(q.cfg.Name).Set(float64(len(q.jobs)))
		q.run(id, job)
	}
}

func (q *Queue[T]) run(id int, job T) {
	log := q.logger.With().Int("worker_id", id).Logger()

	backoff := q.cfg.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= q.cfg.MaxAttempts; attempt++ {
		lastErr = q.attempt(log, job)
		if lastErr == nil {
			q.processed.Add(1)
			return
		}

		var perm permanentError
		if errors.As(lastErr, &perm) {
			break
		}
		if attempt == q.cfg.MaxAttempts {
			break
		}

		log.Warn().Err(lastErr).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("job failed, retrying")
		metrics.QueueRetries.WithLabelValues(q.cfg.Name).Inc()

		timer := time.NewTimer(backoff)
		select {
		case <-q.ctx.Done():
			timer.Stop()
			lastErr = fmt.Errorf("retry abandoned: %w", q.ctx.Err())
			q.drop(log, job, lastErr)
			return
		case <-timer.C:
		}

		backoff *= 2
		if backoff > q.cfg.MaxBackoff {
			backoff = q.cfg.MaxBackoff
		}
	}
	q.drop(log, job, lastErr)
}

func (q *Queue[T]) attempt(log zerolog.Logger, job T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("job panic recovered")
			metrics.PanicsRecovered.WithLabelValues("queue_" + q.cfg.Name).Inc()
			err = Permanent(fmt.Errorf("job panicked: %v", r))
		}
	}()

	ctx, cancel := context.WithTimeout(q.ctx, q.cfg.AttemptTimeout)
	defer cancel()
	return q.cfg.Handler(ctx, job)
}

func (q *Queue[T]) drop(log zerolog.Logger, job T, err error) {
	q.failed.Add(1)
	log.Error().Err(err).Msg("job dropped")
	if q.cfg.OnDrop != nil {
		q.cfg.OnDrop(job, err)
	}
}
