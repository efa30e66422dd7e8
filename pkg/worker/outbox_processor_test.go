package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/alerts-api/internal/model"
	"github.com/jwalitptl/alerts-api/pkg/logger"
	"github.com/jwalitptl/alerts-api/pkg/metrics"
)

type statusUpdate struct {
	id      string
	status  model.OutboxStatus
	errMsg  *string
	retryAt *time.Time
}

type fakeOutbox struct {
	mu        sync.Mutex
	pending   []*model.OutboxEvent
	claimErr  error
	updateErr error
	updates   []statusUpdate
	deleted   time.Time
	deleteN   int64
	committed int
}

func (f *fakeOutbox) CreateTx(ctx context.Context, tx *sqlx.Tx, event *model.OutboxEvent) error {
	return nil
}

func (f *fakeOutbox) ClaimPending(ctx context.Context, tx *sqlx.Tx, limit int) ([]*model.OutboxEvent, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if len(f.pending) > limit {
		return f.pending[:limit], nil
	}
	return f.pending, nil
}

func (f *fakeOutbox) UpdateStatusTx(ctx context.Context, tx *sqlx.Tx, id string, status model.OutboxStatus, errorMessage *string, retryAt *time.Time) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, statusUpdate{id: id, status: status, errMsg: errorMessage, retryAt: retryAt})
	return nil
}

func (f *fakeOutbox) DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error) {
	f.deleted = before
	return f.deleteN, nil
}

func (f *fakeOutbox) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	if err := fn(nil); err != nil {
		return err
	}
	f.committed++
	return nil
}

type published struct {
	channel string
	payload interface{}
}

type fakeBroker struct {
	mu   sync.Mutex
	sent []published
	fail map[string]error
}

func (b *fakeBroker) Publish(ctx context.Context, channel string, message interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail[channel]; err != nil {
		return err
	}
	b.sent = append(b.sent, published{channel: channel, payload: message})
	return nil
}

func (b *fakeBroker) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *fakeBroker) Close() error { return nil }

var now = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func newProcessor(repo *fakeOutbox, broker *fakeBroker) (*OutboxProcessor, *metrics.Metrics) {
	m := metrics.New("test")
	p := NewOutboxProcessor(repo, broker, OutboxProcessorConfig{
		BatchSize:     10,
		PollInterval:  time.Second,
		RetryAttempts: 3,
		RetryDelay:    5 * time.Second,
	}, logger.Nop(), m)
	p.now = func() time.Time { return now }
	return p, m
}

func readEvent(retries int) *model.OutboxEvent {
	payload, _ := json.Marshal(model.NotificationReadEvent{NotificationID: 1, ClientID: 7, ReadAt: now})
	return &model.OutboxEvent{
		ID:         uuid.New(),
		EventType:  model.EventNotificationRead,
		Payload:    payload,
		Status:     model.OutboxStatusPending,
		RetryCount: retries,
	}
}

func TestProcessBatchPublishesToEventTypeChannel(t *testing.T) {
	ev := readEvent(0)
	repo := &fakeOutbox{pending: []*model.OutboxEvent{ev}}
	broker := &fakeBroker{}
	p, m := newProcessor(repo, broker)

	require.NoError(t, p.ProcessBatch(context.Background()))

	require.Len(t, broker.sent, 1)
	assert.Equal(t, model.EventNotificationRead, broker.sent[0].channel)
	assert.JSONEq(t, string(ev.Payload), string(broker.sent[0].payload.(json.RawMessage)))

	require.Len(t, repo.updates, 1)
	assert.Equal(t, ev.ID.String(), repo.updates[0].id)
	assert.Equal(t, model.OutboxStatusProcessed, repo.updates[0].status)
	assert.Equal(t, 1, repo.committed)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboxEventsProcessed))
}

func TestProcessBatchSchedulesRetryWithBackoff(t *testing.T) {
	first, second := readEvent(0), readEvent(1)
	repo := &fakeOutbox{pending: []*model.OutboxEvent{first, second}}
	broker := &fakeBroker{fail: map[string]error{model.EventNotificationRead: errors.New("redis down")}}
	p, m := newProcessor(repo, broker)

	require.NoError(t, p.ProcessBatch(context.Background()))

	require.Len(t, repo.updates, 2)
	for i, wantDelay := range []time.Duration{5 * time.Second, 10 * time.Second} {
		u := repo.updates[i]
		assert.Equal(t, model.OutboxStatusRetry, u.status)
		require.NotNil(t, u.errMsg)
		assert.Equal(t, "redis down", *u.errMsg)
		require.NotNil(t, u.retryAt)
		assert.Equal(t, now.Add(wantDelay), *u.retryAt)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OutboxRetries.WithLabelValues(model.EventNotificationRead)))
}

func TestProcessBatchFailsEventAfterLastAttempt(t *testing.T) {
	ev := readEvent(2)
	repo := &fakeOutbox{pending: []*model.OutboxEvent{ev}}
	broker := &fakeBroker{fail: map[string]error{model.EventNotificationRead: errors.New("redis down")}}
	p, m := newProcessor(repo, broker)

	require.NoError(t, p.ProcessBatch(context.Background()))

	require.Len(t, repo.updates, 1)
	assert.Equal(t, model.OutboxStatusFailed, repo.updates[0].status)
	assert.Nil(t, repo.updates[0].retryAt)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboxEventsFailed))
}

func TestProcessBatchAbortsOnStatusUpdateFailure(t *testing.T) {
	repo := &fakeOutbox{pending: []*model.OutboxEvent{readEvent(0)}, updateErr: errors.New("deadlock")}
	p, _ := newProcessor(repo, &fakeBroker{})

	err := p.ProcessBatch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deadlock")
	assert.Zero(t, repo.committed)
}

func TestProcessBatchClaimError(t *testing.T) {
	repo := &fakeOutbox{claimErr: errors.New("connection refused")}
	p, m := newProcessor(repo, &fakeBroker{})

	require.Error(t, p.ProcessBatch(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DatabaseOperations.WithLabelValues("claim_pending_events", "error")))
}

func TestNewOutboxProcessorRejectsInvalidConfig(t *testing.T) {
	assert.Panics(t, func() {
		NewOutboxProcessor(&fakeOutbox{}, &fakeBroker{}, OutboxProcessorConfig{}, logger.Nop(), metrics.New("test"))
	})
}

func TestCleanupDeletesProcessedBeforeRetention(t *testing.T) {
	repo := &fakeOutbox{deleteN: 4}
	m := metrics.New("test")
	w := NewOutboxCleanupWorker(repo, 7*24*time.Hour, time.Hour, logger.Nop(), m)
	w.now = func() time.Time { return now }

	rows, err := w.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), rows)
	assert.Equal(t, now.Add(-7*24*time.Hour), repo.deleted)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.OutboxCleaned))
}
