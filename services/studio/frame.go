package studio

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/instantcocoa/dorastudio/pkg/bridge"
	"github.com/instantcocoa/dorastudio/pkg/fault"
	"github.com/instantcocoa/dorastudio/services/chat"
	"github.com/instantcocoa/dorastudio/services/dataflow"
	"github.com/instantcocoa/dorastudio/services/observe"
)

// lane is one bridge and the poller that applies its responses.
type lane[Q, R any] struct {
	kind   string
	bridge *bridge.Bridge[Q, R]
	poller *bridge.Poller[R]
}

func (l *lane[Q, R]) poll() int {
	if l == nil {
		return 0
	}
	return l.poller.PollOnce()
}

func (l *lane[Q, R]) load() int {
	if l == nil {
		return 0
	}
	return l.bridge.InFlight() + l.bridge.Pending()
}

func (l *lane[Q, R]) waiting() int {
	if l == nil {
		return 0
	}
	return l.poller.Waiting()
}

func (l *lane[Q, R]) close(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.bridge.Close(ctx)
}

func (l *lane[Q, R]) name() string { return l.bridge.Name() }

func (l *lane[Q, R]) settled() bool {
	select {
	case <-l.bridge.Done():
		return true
	default:
		return false
	}
}

// retiree is a lane detached after its worker panicked. Frame keeps
// applying its responses until the bridge has settled.
type retiree interface {
	poll() int
	load() int
	waiting() int
	close(ctx context.Context) error
	name() string
	settled() bool
}

// openLane returns *slot, starting its bridge on first use.
func openLane[Q, R any](s *Studio, slot **lane[Q, R], kind string, start func(bridge.Options) (*bridge.Bridge[Q, R], error)) (*lane[Q, R], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fault.BridgeClosed(s.name + "." + kind)
	}
	if *slot != nil {
		return *slot, nil
	}

	b, err := start(s.bridgeOptions(kind))
	if err != nil {
		return nil, err
	}
	*slot = &lane[Q, R]{
		kind:   kind,
		bridge: b,
		poller: bridge.NewPoller[R](b, s.cfg.RefreshInterval),
	}
	s.logger.Debug("bridge opened", "bridge", b.Name())
	return *slot, nil
}

func submit[Q, R any](l *lane[Q, R], slot string, payload Q, apply func(bridge.Response[R])) (bridge.CorrelationID, error) {
	id, err := l.bridge.Submit(slot, payload)
	if err != nil {
		return 0, err
	}
	if apply != nil {
		l.poller.Track(id, apply)
	}
	return id, nil
}

func (s *Studio) telemetryLane() (*lane[observe.Request, observe.Result], error) {
	return openLane(s, &s.telemetry, "telemetry", s.observe.NewBridge)
}

func (s *Studio) chatLane() (*lane[chat.Turn, chat.Reply], error) {
	if s.engine == nil {
		return nil, ErrChatDisabled
	}
	return openLane(s, &s.chat, "chat", s.engine.NewBridge)
}

func (s *Studio) dataflowLane() (*lane[dataflow.Request, dataflow.Result], error) {
	return openLane(s, &s.flows, "dataflow", s.dataflow.NewBridge)
}

// SubmitTelemetry queues a telemetry request. apply runs on a later Frame with
// the response; a nil apply discards it.
func (s *Studio) SubmitTelemetry(slot string, req observe.Request, apply func(bridge.Response[observe.Result])) (bridge.CorrelationID, error) {
	l, err := s.telemetryLane()
	if err != nil {
		return 0, err
	}
	return submit(l, slot, req, apply)
}

// QueryTraces queues a trace query.
func (s *Studio) QueryTraces(slot string, q observe.TraceQuery, apply func(bridge.Response[observe.Result])) (bridge.CorrelationID, error) {
	return s.SubmitTelemetry(slot, observe.TracesRequest(q), apply)
}

// QueryLogs queues a log query.
func (s *Studio) QueryLogs(slot string, q observe.LogQuery, apply func(bridge.Response[observe.Result])) (bridge.CorrelationID, error) {
	return s.SubmitTelemetry(slot, observe.LogsRequest(q), apply)
}

// QueryMetrics queues a metric query.
func (s *Studio) QueryMetrics(slot string, q observe.MetricQuery, apply func(bridge.Response[observe.Result])) (bridge.CorrelationID, error) {
	return s.SubmitTelemetry(slot, observe.MetricsRequest(q), apply)
}

// ListServices queues a service listing.
func (s *Studio) ListServices(slot string, apply func(bridge.Response[observe.Result])) (bridge.CorrelationID, error) {
	return s.SubmitTelemetry(slot, observe.ServicesRequest(), apply)
}

// CheckHealth queues a health check. Its outcome updates Status before
// apply, if any, is called.
func (s *Studio) CheckHealth(apply func(ConnectionStatus)) (bridge.CorrelationID, error) {
	id, err := s.SubmitTelemetry("connection", observe.HealthRequest(), func(r bridge.Response[observe.Result]) {
		st := ConnectionStatus{State: StateConnected}
		if r.Err != nil {
			st = ConnectionStatus{State: StateError, Message: r.Err.Error()}
		}
		s.setStatus(st)
		if apply != nil {
			apply(st)
		}
	})
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.checking = true
	s.mu.Unlock()
	return id, nil
}

// Chat queues a chat turn. It fails with ErrChatDisabled when no completer
// is configured.
func (s *Studio) Chat(slot string, turn chat.Turn, apply func(bridge.Response[chat.Reply])) (bridge.CorrelationID, error) {
	l, err := s.chatLane()
	if err != nil {
		return 0, err
	}
	return submit(l, slot, turn, apply)
}

// Dataflow queues a dataflow control request.
func (s *Studio) Dataflow(slot string, req dataflow.Request, apply func(bridge.Response[dataflow.Result])) (bridge.CorrelationID, error) {
	l, err := s.dataflowLane()
	if err != nil {
		return 0, err
	}
	return submit(l, slot, req, apply)
}

// OnRefresh registers fn to run on every periodic refresh.
func (s *Studio) OnRefresh(fn func(now time.Time)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes = append(s.refreshes, fn)
}

// FrameStats reports what one Frame did.
type FrameStats struct {
	Applied   int
	Refreshed bool
}

// Frame drains every bridge without blocking and applies the responses to
// their slots. When the refresh interval has elapsed it also re-checks
// health and runs the OnRefresh hooks.
func (s *Studio) Frame(now time.Time) FrameStats {
	var st FrameStats
	st.Applied = s.telemetry.poll() + s.chat.poll() + s.flows.poll() + s.pollRetiring()

	s.mu.Lock()
	closed, checking := s.closed, s.checking
	hooks := append([]func(time.Time){}, s.refreshes...)
	s.mu.Unlock()
	if closed {
		return st
	}

	l, err := s.telemetryLane()
	if err != nil || !l.poller.Due(now) {
		return st
	}
	st.Refreshed = true
	if !checking {
		if _, err := s.CheckHealth(nil); err != nil {
			s.logger.Warn("health check not submitted", "error", err)
		}
	}
	for _, fn := range hooks {
		fn(now)
	}
	return st
}

// NextWake returns when the frame loop should next run absent user input.
func (s *Studio) NextWake(now time.Time) time.Time {
	if s.telemetry == nil {
		return now
	}
	return s.telemetry.poller.NextWake(now)
}

// InFlight returns the number of requests submitted but not yet answered.
func (s *Studio) InFlight() int {
	n := s.telemetry.load() + s.chat.load() + s.flows.load()
	for _, r := range s.retirees() {
		n += r.load()
	}
	return n
}

// Waiting returns the number of slots still expecting a response.
func (s *Studio) Waiting() int {
	n := s.telemetry.waiting() + s.chat.waiting() + s.flows.waiting()
	for _, r := range s.retirees() {
		n += r.waiting()
	}
	return n
}

func (s *Studio) retirees() []retiree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.retiring)
}

// pollRetiring applies responses from detached lanes and forgets the ones
// whose bridge has settled. Settlement is read before polling so the last
// responses are not lost.
func (s *Studio) pollRetiring() int {
	retiring := s.retirees()
	if len(retiring) == 0 {
		return 0
	}

	n := 0
	var gone []retiree
	for _, r := range retiring {
		settled := r.settled()
		n += r.poll()
		if settled {
			gone = append(gone, r)
		}
	}
	if len(gone) > 0 {
		s.mu.Lock()
		s.retiring = slices.DeleteFunc(s.retiring, func(r retiree) bool { return slices.Contains(gone, r) })
		s.mu.Unlock()
		for _, r := range gone {
			s.logger.Debug("retired bridge settled", "bridge", r.name())
		}
	}
	return n
}

// retire detaches *slot when its worker panicked. The next request on that
// lane starts a replacement bridge under a fresh name. Callers hold s.mu.
func retire[Q, R any](s *Studio, slot **lane[Q, R]) retiree {
	l := *slot
	if l == nil || l.bridge.Err() == nil {
		return nil
	}
	*slot = nil
	s.restarts[l.kind]++
	return l
}

// Recover detaches bridges whose worker panicked so the next request starts a
// fresh one, and returns how many were detached. Recover never waits on
// in-flight work: detached bridges are closed in the background with ctx, and
// Frame keeps applying their responses, the panic included, until they settle.
func (s *Studio) Recover(ctx context.Context) int {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	var detached []retiree
	for _, r := range []retiree{retire(s, &s.telemetry), retire(s, &s.chat), retire(s, &s.flows)} {
		if r != nil {
			detached = append(detached, r)
		}
	}
	s.retiring = append(s.retiring, detached...)
	s.mu.Unlock()

	for _, r := range detached {
		s.logger.Warn("retiring panicked bridge", "bridge", r.name(), "in_flight", r.load())
		go func() {
			if err := r.close(ctx); err != nil {
				s.logger.Warn("retired bridge teardown incomplete", "bridge", r.name(), "error", err)
			}
		}()
	}
	return len(detached)
}

// Shutdown stops accepting requests and tears the bridges down. Requests
// still queued are discarded; in-flight requests finish unless ctx expires
// first. Responses that completed can still be applied with Frame. Shutdown
// is idempotent.
func (s *Studio) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	telemetry, chatLane, flows := s.telemetry, s.chat, s.flows
	retiring := slices.Clone(s.retiring)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "studio shutting down", "in_flight", s.InFlight())

	errs := []error{
		telemetry.close(ctx),
		chatLane.close(ctx),
		flows.close(ctx),
	}
	for _, r := range retiring {
		errs = append(errs, r.close(ctx))
	}
	errs = append(errs, s.closeResources())
	s.release()
	return errors.Join(errs...)
}
