// Package realtime keeps a per-client list of rows inserted into the alerts
// feed, as pushed by the database or the message broker.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/jwalitptl/alerts-api/internal/model"
	apperrors "github.com/jwalitptl/alerts-api/pkg/errors"
	"github.com/jwalitptl/alerts-api/pkg/logger"
	"github.com/jwalitptl/alerts-api/pkg/metrics"
)

const EventInsert = "INSERT"

// errStreamEnded is recorded when the source closes the stream without the
// listener having been closed.
var errStreamEnded = errors.New("event stream ended")

// Event is one row change as published on the channel.
type Event struct {
	Table  string          `json:"table"`
	Type   string          `json:"type"`
	Record json.RawMessage `json:"record"`
}

// Source delivers raw event payloads published on channel. The stream is
// closed when ctx is cancelled or the connection drops.
type Source interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

type Config struct {
	ClientID int64
	Table    string
	Channel  string
	Logger   *logger.Logger
	Metrics  *metrics.Metrics
}

type Listener struct {
	clientID int64
	table    string
	channel  string
	log      *logger.Logger
	metrics  *metrics.Metrics

	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}

	mu          sync.Mutex
	rows        []model.Alert
	err         error
	closed      bool
	nextSub     int
	subscribers map[int]func([]model.Alert)
}

// Listen opens the subscription. Events are applied until Close is called or
// the stream ends; a dropped stream is recorded in Err and never reopened.
func Listen(ctx context.Context, src Source, cfg Config) (*Listener, error) {
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	subCtx, cancel := context.WithCancel(ctx)
	msgs, err := src.Subscribe(subCtx, cfg.Channel)
	if err != nil {
		cancel()
		return nil, apperrors.NewSubscription(cfg.Channel, err)
	}

	l := &Listener{
		clientID:    cfg.ClientID,
		table:       cfg.Table,
		channel:     cfg.Channel,
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
		cancel:      cancel,
		done:        make(chan struct{}),
		subscribers: make(map[int]func([]model.Alert)),
	}
	go l.run(msgs)
	return l, nil
}

func (l *Listener) run(msgs <-chan []byte) {
	defer close(l.done)
	for payload := range msgs {
		l.handle(payload)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.err = apperrors.NewSubscription(l.channel, errStreamEnded)
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.SubscriptionErrors.Inc()
	}
	l.log.Error(l.err, "realtime subscription stopped", "channel", l.channel, "client_id", l.clientID)
}

func (l *Listener) handle(payload []byte) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		l.count("malformed")
		l.log.Warn("dropping malformed realtime event", "channel", l.channel, "error", err.Error())
		return
	}
	if ev.Type != EventInsert || ev.Table != l.table {
		l.count("ignored")
		return
	}

	var row model.Alert
	if err := json.Unmarshal(ev.Record, &row); err != nil {
		l.count("malformed")
		l.log.Warn("dropping realtime event with bad record", "channel", l.channel, "error", err.Error())
		return
	}
	if row.ClientID != l.clientID {
		l.count("filtered")
		return
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.rows = append(l.rows, row)
	rows := l.snapshot()
	subs := make([]func([]model.Alert), 0, len(l.subscribers))
	for _, fn := range l.subscribers {
		subs = append(subs, fn)
	}
	l.mu.Unlock()

	l.count("accepted")
	for _, fn := range subs {
		fn(rows)
	}
}

// Rows returns the rows received so far in arrival order.
func (l *Listener) Rows() []model.Alert {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot()
}

// Err reports why the subscription stopped delivering, if it did.
func (l *Listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Subscribe calls fn with the full row list after every accepted event.
func (l *Listener) Subscribe(fn func([]model.Alert)) (unsubscribe func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return func() {}
	}
	id := l.nextSub
	l.nextSub++
	l.subscribers[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.subscribers, id)
		l.mu.Unlock()
	}
}

// Close releases the subscription. Only the first call has an effect.
func (l *Listener) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.subscribers = map[int]func([]model.Alert){}
		l.mu.Unlock()
		l.cancel()
	})
}

// Done is closed once the event stream has been drained.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

func (l *Listener) snapshot() []model.Alert {
	out := make([]model.Alert, len(l.rows))
	copy(out, l.rows)
	return out
}

func (l *Listener) count(outcome string) {
	if l.metrics != nil {
		l.metrics.RealtimeEvents.WithLabelValues(outcome).Inc()
	}
}
