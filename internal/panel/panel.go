package panel

import (
	"sync"
	"time"

	"github.com/jwalitptl/alerts-api/internal/alerts"
	"github.com/jwalitptl/alerts-api/pkg/logger"
	"github.com/jwalitptl/alerts-api/pkg/metrics"
)

// SnapshotSource is the aggregator as seen by the panel.
type SnapshotSource interface {
	Snapshot() alerts.Snapshot
	Subscribe(fn func(alerts.Snapshot)) (unsubscribe func())
}

// Transition records the panel being shown or hidden.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Panel holds the current view of one client's panel and pushes every
// rebuilt view to its listeners. It is shown and hidden only by changes in
// the data, never by the user.
type Panel struct {
	src       SnapshotSource
	formatter *Formatter
	log       *logger.Logger
	metrics   *metrics.Metrics

	mu          sync.Mutex
	view        View
	pushedAt    time.Time
	closed      bool
	nextSub     int
	subs        map[int]func(View)
	transitions map[int]func(Transition)
	unsubscribe func()
}

func New(src SnapshotSource, formatter *Formatter, log *logger.Logger, m *metrics.Metrics) *Panel {
	if log == nil {
		log = logger.Nop()
	}
	p := &Panel{
		src:       src,
		formatter: formatter,
		log:       log,
		metrics:   m,
		view:      View{State: StateHidden},
		subs:        make(map[int]func(View)),
		transitions: make(map[int]func(Transition)),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.unsubscribe = src.Subscribe(p.apply)
	p.setLocked(Build(src.Snapshot(), formatter))
	return p
}

// View rebuilds the view from the current aggregate, so reminders move from
// upcoming to overdue as time passes even without new data. Listeners are
// not notified; they follow the aggregator.
func (p *Panel) View() View {
	view := Build(p.src.Snapshot(), p.formatter)

	p.mu.Lock()
	var tr *Transition
	if !p.closed && !view.GeneratedAt.Before(p.view.GeneratedAt) {
		tr = p.setLocked(view)
	}
	notify := p.transitionListenersLocked(tr)
	p.mu.Unlock()

	for _, fn := range notify {
		fn(*tr)
	}
	return view
}

// Current returns the last built view without re-deriving it.
func (p *Panel) Current() View {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.view
}

func (p *Panel) Subscribe(fn func(View)) (unsubscribe func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return func() {}
	}
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// OnTransition registers fn to be called whenever the panel is shown or hidden.
func (p *Panel) OnTransition(fn func(Transition)) (unsubscribe func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return func() {}
	}
	id := p.nextSub
	p.nextSub++
	p.transitions[id] = fn
	return func() {
		p.mu.Lock()
		delete(p.transitions, id)
		p.mu.Unlock()
	}
}

func (p *Panel) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.subs = map[int]func(View){}
	p.transitions = map[int]func(Transition){}
	unsubscribe := p.unsubscribe
	if p.view.Visible() && p.metrics != nil {
		p.metrics.PanelVisible.Dec()
	}
	p.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// apply rebuilds the view for a new aggregate and pushes it. Snapshots older
// than the last pushed one are ignored.
func (p *Panel) apply(snap alerts.Snapshot) {
	view := Build(snap, p.formatter)

	p.mu.Lock()
	if p.closed || view.GeneratedAt.Before(p.pushedAt) {
		p.mu.Unlock()
		return
	}
	p.pushedAt = view.GeneratedAt
	var tr *Transition
	if !view.GeneratedAt.Before(p.view.GeneratedAt) {
		tr = p.setLocked(view)
	}
	notify := p.transitionListenersLocked(tr)
	subs := make([]func(View), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()

	for _, fn := range notify {
		fn(*tr)
	}
	for _, fn := range subs {
		fn(view)
	}
}

func (p *Panel) transitionListenersLocked(tr *Transition) []func(Transition) {
	if tr == nil {
		return nil
	}
	fns := make([]func(Transition), 0, len(p.transitions))
	for _, fn := range p.transitions {
		fns = append(fns, fn)
	}
	return fns
}

// setLocked stores view and reports the visibility change it causes, if any.
func (p *Panel) setLocked(view View) *Transition {
	prev := p.view.State
	p.view = view
	if prev == view.State {
		return nil
	}

	p.log.Debug("panel state changed", "from", string(prev), "to", string(view.State))
	if p.metrics != nil {
		if view.Visible() {
			p.metrics.PanelVisible.Inc()
		} else {
			p.metrics.PanelVisible.Dec()
		}
	}
	if len(view.Errors) > 0 {
		p.log.Warn("panel built with missing categories", "categories", view.ErrorKeys())
	}
	return &Transition{From: prev, To: view.State, At: view.GeneratedAt}
}
