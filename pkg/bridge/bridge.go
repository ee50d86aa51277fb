// Package bridge connects a single-threaded frame loop to concurrent request
// handlers. Submit and TryDrain never block; handlers run on a worker that
// dispatches requests concurrently up to an in-flight cap.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/instantcocoa/dorastudio/pkg/fault"
	"github.com/instantcocoa/dorastudio/pkg/telemetry"
)

// DefaultMaxInFlight caps concurrent dispatches when Options leaves it unset.
const DefaultMaxInFlight = 8

const tracerName = "github.com/instantcocoa/dorastudio/pkg/bridge"

// ErrAlreadyRunning is returned by New when a live bridge already uses the name.
var ErrAlreadyRunning = errors.New("bridge already running")

// CorrelationID links a submitted request to its response. IDs increase
// monotonically and never repeat within the lifetime of a bridge.
type CorrelationID uint64

// Request is the envelope handed to a Handler.
type Request[Q any] struct {
	ID          CorrelationID
	Slot        string
	Payload     Q
	SubmittedAt time.Time
}

// Response is the envelope delivered through TryDrain.
type Response[R any] struct {
	ID      CorrelationID
	Slot    string
	Value   R
	Err     error
	Elapsed time.Duration
}

// Handler serves one request on the worker.
type Handler[Q, R any] func(ctx context.Context, req Request[Q]) (R, error)

// Options configures a bridge.
type Options struct {
	Name        string
	MaxInFlight int
	Logger      *slog.Logger
	Tracer      trace.Tracer
}

type panicState struct {
	err error
}

// Bridge owns one worker and its inbound and outbound queues.
type Bridge[Q, R any] struct {
	name    string
	handler Handler[Q, R]
	logger  *slog.Logger
	tracer  trace.Tracer

	nextID   atomic.Uint64
	inbound  *queue[Request[Q]]
	outbound *queue[Response[R]]

	sem      *semaphore.Weighted
	group    errgroup.Group
	inFlight atomic.Int64

	acceptCtx     context.Context
	stopAccepting context.CancelFunc
	workCtx       context.Context
	abandon       context.CancelFunc

	closed      atomic.Bool
	fatal       atomic.Pointer[panicState]
	closeOnce   sync.Once
	releaseOnce sync.Once
	done        chan struct{}
}

// New starts a bridge. It fails if a bridge with the same name is still live.
func New[Q, R any](handler Handler[Q, R], opts Options) (*Bridge[Q, R], error) {
	if handler == nil {
		return nil, errors.New("bridge: handler is required")
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultMaxInFlight
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}

	if err := acquireName(opts.Name); err != nil {
		return nil, err
	}

	b := &Bridge[Q, R]{
		name:     opts.Name,
		handler:  handler,
		logger:   opts.Logger.With("component", "bridge", "bridge", opts.Name),
		tracer:   opts.Tracer,
		inbound:  newQueue[Request[Q]](),
		outbound: newQueue[Response[R]](),
		sem:      semaphore.NewWeighted(int64(opts.MaxInFlight)),
		done:     make(chan struct{}),
	}
	b.acceptCtx, b.stopAccepting = context.WithCancel(context.Background())
	b.workCtx, b.abandon = context.WithCancel(context.Background())

	go b.run()

	b.logger.Debug("bridge started", "max_in_flight", opts.MaxInFlight)
	return b, nil
}

// Name returns the registered name of the bridge.
func (b *Bridge[Q, R]) Name() string {
	return b.name
}

// Submit enqueues a request and returns its correlation ID without blocking.
func (b *Bridge[Q, R]) Submit(slot string, payload Q) (CorrelationID, error) {
	if b.closed.Load() {
		return 0, fault.BridgeClosed(b.name)
	}
	if p := b.fatal.Load(); p != nil {
		return 0, p.err
	}

	req := Request[Q]{
		ID:          CorrelationID(b.nextID.Add(1)),
		Slot:        slot,
		Payload:     payload,
		SubmittedAt: time.Now(),
	}
	if !b.inbound.push(req) {
		return 0, fault.BridgeClosed(b.name)
	}
	return req.ID, nil
}

// TryDrain returns every response available right now, in arrival order.
// It returns nil when nothing is ready, and keeps working after Close so
// responses completed before teardown can still be collected.
func (b *Bridge[Q, R]) TryDrain() []Response[R] {
	return b.outbound.takeAll()
}

// InFlight returns the number of requests currently being handled.
func (b *Bridge[Q, R]) InFlight() int {
	return int(b.inFlight.Load())
}

// Pending returns the number of submitted requests not yet dispatched.
func (b *Bridge[Q, R]) Pending() int {
	return b.inbound.len()
}

// Err returns the WorkerPanicked error once a handler has crashed.
func (b *Bridge[Q, R]) Err() error {
	if p := b.fatal.Load(); p != nil {
		return p.err
	}
	return nil
}

// Done is closed once the worker has exited and the outbound queue is sealed.
func (b *Bridge[Q, R]) Done() <-chan struct{} {
	return b.done
}

// Close stops accepting work, discards requests that were never dispatched and
// waits for in-flight requests to settle. If ctx expires first, in-flight
// handlers are cancelled, their responses dropped, and Close returns without
// waiting for handlers that ignore cancellation; the name stays registered
// until they return. Close is idempotent.
func (b *Bridge[Q, R]) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.inbound.close()
		b.stopAccepting()
	})

	select {
	case <-b.done:
		b.abandon()
		b.release()
		return nil
	case <-ctx.Done():
		b.logger.Warn("teardown deadline reached, abandoning in-flight requests",
			"in_flight", b.InFlight(),
		)
		b.abandon()
		go func() {
			<-b.done
			b.release()
		}()
		return fmt.Errorf("close bridge %q: %w", b.name, ctx.Err())
	}
}

func (b *Bridge[Q, R]) release() {
	b.releaseOnce.Do(func() {
		releaseName(b.name)
		b.logger.Debug("bridge closed")
	})
}

func (b *Bridge[Q, R]) run() {
	defer close(b.done)

	for {
		for _, req := range b.inbound.takeAll() {
			b.start(req)
		}

		select {
		case <-b.inbound.signal:
		case <-b.acceptCtx.Done():
			for _, req := range b.inbound.takeAll() {
				b.discard(req)
			}
			_ = b.group.Wait()
			b.outbound.close()
			return
		}
	}
}

func (b *Bridge[Q, R]) start(req Request[Q]) {
	if b.acceptCtx.Err() != nil {
		b.discard(req)
		return
	}
	if p := b.fatal.Load(); p != nil {
		b.outbound.push(Response[R]{ID: req.ID, Slot: req.Slot, Err: p.err})
		return
	}

	// Requests beyond the cap wait here, on the worker, never in Submit.
	if err := b.sem.Acquire(b.acceptCtx, 1); err != nil {
		b.discard(req)
		return
	}
	if b.acceptCtx.Err() != nil {
		b.sem.Release(1)
		b.discard(req)
		return
	}

	b.inFlight.Add(1)
	b.group.Go(func() error {
		defer b.sem.Release(1)
		defer b.inFlight.Add(-1)
		b.dispatch(req)
		return nil
	})
}

func (b *Bridge[Q, R]) dispatch(req Request[Q]) {
	ctx, span := b.tracer.Start(b.workCtx, "bridge.dispatch", trace.WithAttributes(
		attribute.String("bridge.name", b.name),
		attribute.Int64("bridge.correlation_id", int64(req.ID)),
		attribute.String("bridge.slot", req.Slot),
	))
	defer span.End()

	resp := Response[R]{ID: req.ID, Slot: req.Slot}
	func() {
		defer func() {
			if r := recover(); r != nil {
				err := fault.WorkerPanicked(b.name, r)
				b.fatal.CompareAndSwap(nil, &panicState{err: err})
				b.logger.ErrorContext(ctx, "handler panicked",
					"correlation_id", req.ID,
					"trace_id", telemetry.TraceIDFromContext(ctx),
					"panic", r,
					"stack", string(debug.Stack()),
				)
				resp.Err = err
			}
		}()
		resp.Value, resp.Err = b.handler(ctx, req)
	}()
	resp.Elapsed = time.Since(req.SubmittedAt)

	if resp.Err != nil {
		span.RecordError(resp.Err)
		span.SetStatus(codes.Error, resp.Err.Error())
	}

	if b.workCtx.Err() != nil {
		b.logger.Debug("dropping response of abandoned request", "correlation_id", req.ID)
		return
	}

	b.logger.DebugContext(ctx, "request settled",
		"correlation_id", req.ID,
		"trace_id", telemetry.TraceIDFromContext(ctx),
		"slot", req.Slot,
		"elapsed", resp.Elapsed,
		"error", resp.Err,
	)
	b.outbound.push(resp)
}

func (b *Bridge[Q, R]) discard(req Request[Q]) {
	b.logger.Debug("discarding undispatched request", "correlation_id", req.ID, "slot", req.Slot)
}

var live = struct {
	sync.Mutex
	names map[string]struct{}
}{names: make(map[string]struct{})}

func acquireName(name string) error {
	live.Lock()
	defer live.Unlock()
	if _, ok := live.names[name]; ok {
		return fmt.Errorf("%w: %q", ErrAlreadyRunning, name)
	}
	live.names[name] = struct{}{}
	return nil
}

func releaseName(name string) {
	live.Lock()
	defer live.Unlock()
	delete(live.names, name)
}

// Live reports whether a bridge with the given name is currently running.
func Live(name string) bool {
	live.Lock()
	defer live.Unlock()
	_, ok := live.names[name]
	return ok
}
