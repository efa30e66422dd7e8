// Package pgnotify fans PostgreSQL NOTIFY payloads out to many subscribers
// over a single LISTEN connection.
package pgnotify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/jwalitptl/alerts-api/pkg/logger"
	"github.com/jwalitptl/alerts-api/pkg/metrics"
)

var ErrClosed = errors.New("pgnotify: source closed")

const subscriberBuffer = 64

// Conn is the part of *pq.Listener the source needs.
type Conn interface {
	Listen(channel string) error
	Unlisten(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Close() error
}

type Source struct {
	conn    Conn
	log     *logger.Logger
	metrics *metrics.Metrics

	// listenMu orders LISTEN/UNLISTEN calls; mu guards the subscriber sets
	// and is never held across a round trip to the database.
	listenMu sync.Mutex

	mu     sync.Mutex
	subs   map[string]map[int]chan []byte
	nextID int
	closed bool
	done   chan struct{}
}

// New opens a dedicated LISTEN connection to dsn. m may be nil.
func New(dsn string, log *logger.Logger, m *metrics.Metrics) *Source {
	s := newSource(log, m)
	s.conn = pq.NewListener(dsn, 10*time.Second, time.Minute, s.handleEvent)
	go s.dispatch()
	return s
}

func NewWithConn(conn Conn, log *logger.Logger, m *metrics.Metrics) *Source {
	s := newSource(log, m)
	s.conn = conn
	go s.dispatch()
	return s
}

func newSource(log *logger.Logger, m *metrics.Metrics) *Source {
	if log == nil {
		log = logger.Nop()
	}
	return &Source{
		log:     log,
		metrics: m,
		subs:    make(map[string]map[int]chan []byte),
		done:    make(chan struct{}),
	}
}

// Subscribe starts listening on channel. The returned stream closes when ctx
// is done, the source is closed, or the database connection drops.
func (s *Source) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()

	s.mu.Lock()
	closed, listening := s.closed, len(s.subs[channel]) > 0
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if !listening {
		if err := s.conn.Listen(channel); err != nil && !errors.Is(err, pq.ErrChannelAlreadyOpen) {
			return nil, err
		}
	}

	ch := make(chan []byte, subscriberBuffer)
	s.mu.Lock()
	if s.subs[channel] == nil {
		s.subs[channel] = make(map[int]chan []byte)
	}
	id := s.nextID
	s.nextID++
	s.subs[channel][id] = ch
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		s.remove(channel, id)
	}()
	return ch, nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.dropAllLocked()
	s.mu.Unlock()
	return s.conn.Close()
}

func (s *Source) dispatch() {
	notifications := s.conn.NotificationChannel()
	for {
		select {
		case <-s.done:
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			// pq sends nil after re-establishing the connection
			if n == nil {
				continue
			}
			s.deliver(n.Channel, []byte(n.Extra))
		}
	}
}

func (s *Source) deliver(channel string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs[channel] {
		select {
		case ch <- payload:
		default:
			s.log.Warn("subscriber buffer full, dropping notification", "channel", channel)
			if s.metrics != nil {
				s.metrics.RealtimeEvents.WithLabelValues("dropped").Inc()
			}
		}
	}
}

func (s *Source) handleEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		s.log.Error(err, "notify connection lost, ending subscriptions")
		s.mu.Lock()
		s.dropAllLocked()
		s.mu.Unlock()
	case pq.ListenerEventReconnected:
		s.log.Info("notify connection re-established")
	case pq.ListenerEventConnectionAttemptFailed:
		s.log.Warn("notify connection attempt failed", "error", errString(err))
	}
}

func (s *Source) remove(channel string, id int) {
	s.mu.Lock()
	ch, ok := s.subs[channel][id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.subs[channel], id)
	close(ch)
	s.mu.Unlock()

	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	s.mu.Lock()
	idle := len(s.subs[channel]) == 0 && !s.closed
	if idle {
		delete(s.subs, channel)
	}
	s.mu.Unlock()
	if !idle {
		return
	}
	if err := s.conn.Unlisten(channel); err != nil && !errors.Is(err, pq.ErrChannelNotOpen) {
		s.log.Warn("unlisten failed", "channel", channel, "error", err.Error())
	}
}

func (s *Source) dropAllLocked() {
	for channel, subs := range s.subs {
		for id, ch := range subs {
			delete(subs, id)
			close(ch)
		}
		delete(s.subs, channel)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
