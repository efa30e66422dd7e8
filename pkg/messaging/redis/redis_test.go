package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) *RedisBroker {
	t.Helper()
	mr := miniredis.RunT(t)
	logger := zerolog.Nop()
	broker, err := NewRedisBroker(Config{URL: "redis://" + mr.Addr()}, &logger)
	require.NoError(t, err)
	t.Cleanup(func() { broker.Close() })
	return broker
}

func TestPublishSubscribe(t *testing.T) {
	broker := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := broker.Subscribe(ctx, "NOTIFICATION_READ")
	require.NoError(t, err)

	require.NoError(t, broker.Publish(ctx, "NOTIFICATION_READ", map[string]interface{}{"notification_id": 7}))
	require.NoError(t, broker.Publish(ctx, "NOTIFICATION_READ", []byte(`{"raw":true}`)))

	select {
	case msg := <-msgs:
		assert.JSONEq(t, `{"notification_id":7}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first message")
	}
	select {
	case msg := <-msgs:
		assert.JSONEq(t, `{"raw":true}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second message")
	}
}

func TestSubscriptionClosesOnCancel(t *testing.T) {
	broker := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())

	msgs, err := broker.Subscribe(ctx, "alerts")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-msgs:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after cancel")
	}
}

func TestNewRedisBrokerRejectsBadURL(t *testing.T) {
	logger := zerolog.Nop()
	_, err := NewRedisBroker(Config{URL: "not-a-url"}, &logger)
	assert.Error(t, err)
}
