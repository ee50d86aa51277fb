package bridge

import "time"

// DefaultRefreshInterval is how often an idle frame loop wakes up to drain.
const DefaultRefreshInterval = 5 * time.Second

// Drainer is the non-blocking side of a bridge.
type Drainer[R any] interface {
	TryDrain() []Response[R]
}

// Poller applies drained responses to the UI slot waiting for them. It is
// owned by the frame loop and must not be shared across goroutines.
type Poller[R any] struct {
	source   Drainer[R]
	slots    map[CorrelationID]func(Response[R])
	interval time.Duration
	next     time.Time

	applied uint64
	dropped uint64
}

// NewPoller creates a poller draining source. A non-positive interval
// selects DefaultRefreshInterval.
func NewPoller[R any](source Drainer[R], interval time.Duration) *Poller[R] {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Poller[R]{
		source:   source,
		slots:    make(map[CorrelationID]func(Response[R])),
		interval: interval,
	}
}

// Track registers the handler that will receive the response for id.
func (p *Poller[R]) Track(id CorrelationID, apply func(Response[R])) {
	p.slots[id] = apply
}

// Forget releases the slot for id; its response will be dropped on arrival.
func (p *Poller[R]) Forget(id CorrelationID) {
	delete(p.slots, id)
}

// Waiting returns the number of slots still expecting a response.
func (p *Poller[R]) Waiting() int {
	return len(p.slots)
}

// PollOnce drains the source and applies each response to its slot. It never
// waits on the worker. Responses without a slot are dropped. It returns the
// number of responses applied.
func (p *Poller[R]) PollOnce() int {
	n := 0
	for _, resp := range p.source.TryDrain() {
		apply, ok := p.slots[resp.ID]
		if !ok {
			p.dropped++
			continue
		}
		delete(p.slots, resp.ID)
		apply(resp)
		p.applied++
		n++
	}
	return n
}

// Due reports whether the periodic refresh should fire at now. When it does,
// the next refresh is scheduled one interval later.
func (p *Poller[R]) Due(now time.Time) bool {
	if now.Before(p.next) {
		return false
	}
	p.next = now.Add(p.interval)
	return true
}

// NextWake returns when the frame loop should next run absent user input.
func (p *Poller[R]) NextWake(now time.Time) time.Time {
	if p.next.IsZero() || p.next.Before(now) {
		return now
	}
	return p.next
}

// Stats returns how many responses were applied and dropped so far.
func (p *Poller[R]) Stats() (applied, dropped uint64) {
	return p.applied, p.dropped
}
