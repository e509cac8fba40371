package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Job is invoked on every interval.
type Job func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Name         string
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// FinalRun invokes the job once more after cancellation, bounded by FinalTimeout.
	FinalRun     bool
	FinalTimeout time.Duration
}

// Scheduler drives periodic execution of background jobs such as checkpoints.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) (*Scheduler, error) {
	if opts.Interval <= 0 {
		return nil, errors.New("scheduler interval must be positive")
	}
	if opts.FinalTimeout <= 0 {
		opts.FinalTimeout = 10 * time.Second
	}
	if opts.Name == "" {
		opts.Name = "scheduler"
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Str("job", opts.Name).Logger(),
	}, nil
}

// Run blocks, invoking job at each interval until ctx is cancelled. Job
// errors are logged and never stop the loop.
func (s *Scheduler) Run(ctx context.Context, job Job) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return s.finish(job)
		case <-timer.C:
		}
	}

	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_run", next).Msg("waiting for next run")

		select {
		case <-ctx.Done():
			timer.Stop()
			return s.finish(job)
		case <-timer.C:
			timer.Stop()
		}

		at := s.bucketStart(next)
		if err := job(ctx, at); err != nil {
			s.logger.Error().Err(err).Time("at", at).Msg("scheduled job failed")
		}

		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) finish(job Job) error {
	if !s.opts.FinalRun {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.FinalTimeout)
	defer cancel()

	s.logger.Info().Msg("running final job before shutdown")
	if err := job(ctx, time.Now().UTC()); err != nil {
		s.logger.Error().Err(err).Msg("final job failed")
		return err
	}
	return nil
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
