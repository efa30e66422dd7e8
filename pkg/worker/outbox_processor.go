package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jwalitptl/alerts-api/internal/model"
	"github.com/jwalitptl/alerts-api/internal/repository"
	"github.com/jwalitptl/alerts-api/pkg/logger"
	"github.com/jwalitptl/alerts-api/pkg/messaging"
	"github.com/jwalitptl/alerts-api/pkg/metrics"
)

type OutboxProcessorConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// RetryAttempts is the number of publish attempts before an event is
	// marked failed.
	RetryAttempts int
	// RetryDelay is the backoff before the first retry. It doubles on every
	// further attempt.
	RetryDelay time.Duration
}

// OutboxProcessor publishes outbox events to the broker channel named after
// the event type. Events are claimed with row locks so several workers can
// run side by side.
type OutboxProcessor struct {
	repo    repository.OutboxRepository
	broker  messaging.Broker
	config  OutboxProcessorConfig
	logger  *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewOutboxProcessor(
	repo repository.OutboxRepository,
	broker messaging.Broker,
	config OutboxProcessorConfig,
	logger *logger.Logger,
	metrics *metrics.Metrics,
) *OutboxProcessor {
	// Config validation instead of defaults
	if config.BatchSize <= 0 {
		panic("BatchSize must be greater than 0")
	}
	if config.PollInterval <= 0 {
		panic("PollInterval must be greater than 0")
	}
	if config.RetryAttempts <= 0 {
		panic("RetryAttempts must be greater than 0")
	}
	if config.RetryDelay <= 0 {
		panic("RetryDelay must be greater than 0")
	}

	return &OutboxProcessor{
		repo:    repo,
		broker:  broker,
		config:  config,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

func (p *OutboxProcessor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	p.logger.Info("Starting outbox processor")

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Shutting down outbox processor")
			return
		case <-ticker.C:
			if err := p.ProcessBatch(ctx); err != nil {
				p.logger.Error(err, "Failed to process events")
			}
		}
	}
}

// ProcessBatch claims up to BatchSize due events and publishes them. Status
// updates commit together with the claim.
func (p *OutboxProcessor) ProcessBatch(ctx context.Context) error {
	timer := prometheus.NewTimer(p.metrics.OutboxProcessingLatency)
	defer timer.ObserveDuration()

	err := p.repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		events, err := p.repo.ClaimPending(ctx, tx, p.config.BatchSize)
		if err != nil {
			p.metrics.DatabaseOperations.WithLabelValues("claim_pending_events", "error").Inc()
			return fmt.Errorf("failed to claim pending events: %w", err)
		}
		p.metrics.DatabaseOperations.WithLabelValues("claim_pending_events", "success").Inc()

		for _, event := range events {
			if err := p.processEvent(ctx, tx, event); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

// processEvent returns an error only when the status update fails, which
// aborts the batch and leaves every claimed event for the next poll.
func (p *OutboxProcessor) processEvent(ctx context.Context, tx *sqlx.Tx, event *model.OutboxEvent) error {
	id := event.ID.String()

	publishErr := p.broker.Publish(ctx, event.EventType, event.Payload)
	if publishErr == nil {
		if err := p.repo.UpdateStatusTx(ctx, tx, id, model.OutboxStatusProcessed, nil, nil); err != nil {
			return fmt.Errorf("failed to mark event %s processed: %w", id, err)
		}
		p.metrics.OutboxEventsProcessed.Inc()
		p.logger.Debug("Outbox event published", "event_id", id, "event_type", event.EventType)
		return nil
	}

	errMsg := publishErr.Error()
	attempt := event.RetryCount + 1
	if attempt >= p.config.RetryAttempts {
		if err := p.repo.UpdateStatusTx(ctx, tx, id, model.OutboxStatusFailed, &errMsg, nil); err != nil {
			return fmt.Errorf("failed to mark event %s failed: %w", id, err)
		}
		p.metrics.OutboxEventsFailed.Inc()
		p.logger.Error(publishErr, "Outbox event failed after retries",
			"event_id", id,
			"event_type", event.EventType,
			"attempts", attempt)
		return nil
	}

	retryAt := p.now().Add(p.backoff(event.RetryCount))
	if err := p.repo.UpdateStatusTx(ctx, tx, id, model.OutboxStatusRetry, &errMsg, &retryAt); err != nil {
		return fmt.Errorf("failed to schedule retry of event %s: %w", id, err)
	}
	p.metrics.OutboxRetries.WithLabelValues(event.EventType).Inc()
	p.logger.Warn("Outbox event publish failed, retry scheduled",
		"event_id", id,
		"event_type", event.EventType,
		"attempt", attempt,
		"retry_at", retryAt)
	return nil
}

func (p *OutboxProcessor) backoff(retries int) time.Duration {
	return p.config.RetryDelay * time.Duration(1<<uint(retries))
}
