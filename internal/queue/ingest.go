package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"bridgewatch/internal/domain"
	"bridgewatch/internal/metrics"
)

const (
	defaultRetryBackoff = 500 * time.Millisecond
	maxRetryBackoff     = 30 * time.Second
)

// SampleSink accepts decoded samples; *engine.Engine satisfies it.
type SampleSink interface {
	Ingest(ctx context.Context, raw domain.Sample) (domain.BaselineState, error)
}

// SampleIngestor feeds samples from a topic into the engine. Rejected
// samples are committed and counted; they are never redelivered. Broker
// errors are retried with backoff and never stop the loop.
type SampleIngestor struct {
	consumer *Consumer
	sink     SampleSink
	logger   zerolog.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewSampleIngestor builds the ingestion loop.
func NewSampleIngestor(consumer *Consumer, sink SampleSink, logger zerolog.Logger) *SampleIngestor {
	return &SampleIngestor{
		consumer:       consumer,
		sink:           sink,
		logger:         logger.With().Str("component", "kafka_ingest").Logger(),
		initialBackoff: defaultRetryBackoff,
		maxBackoff:     maxRetryBackoff,
	}
}

// Run consumes until ctx is cancelled or the engine closes.
func (s *SampleIngestor) Run(ctx context.Context) error {
	s.logger.Info().Msg("sample ingestion started")
	defer s.logger.Info().Msg("sample ingestion stopped")

	backoff := s.initialBackoff
	for {
		msg, err := s.consumer.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.KafkaMessagesTotal.WithLabelValues("consumed", "fetch_error").Inc()
			s.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("fetch sample message failed")
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = s.next(backoff)
			continue
		}

		var sample domain.Sample
		if err := json.Unmarshal(msg.Value, &sample); err != nil {
			metrics.KafkaMessagesTotal.WithLabelValues("consumed", "malformed").Inc()
			s.logger.Debug().Err(err).Int64("offset", msg.Offset).Msg("malformed sample message")
		} else if _, err := s.sink.Ingest(ctx, sample); err != nil {
			if errors.Is(err, domain.ErrEngineClosed) {
				return nil
			}
			metrics.KafkaMessagesTotal.WithLabelValues("consumed", "rejected").Inc()
			s.logger.Debug().Err(err).
				Str("reason", domain.ReasonCode(err)).
				Str("asset_id", sample.AssetID).
				Msg("sample rejected")
		} else {
			metrics.KafkaMessagesTotal.WithLabelValues("consumed", "accepted").Inc()
		}

		// a later successful commit covers this offset too
		if err := s.consumer.Commit(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.KafkaMessagesTotal.WithLabelValues("consumed", "commit_error").Inc()
			s.logger.Warn().Err(err).Int64("offset", msg.Offset).Dur("retry_in", backoff).Msg("commit sample offset failed")
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = s.next(backoff)
			continue
		}
		backoff = s.initialBackoff
	}
}

func (s *SampleIngestor) next(d time.Duration) time.Duration {
	d *= 2
	if d > s.maxBackoff {
		return s.maxBackoff
	}
	return d
}

// sleep waits for d and reports false when ctx ends first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
