package entity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"reflect"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kamstrup/intmap"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/entitymesh/internal/observe"
	"github.com/MrWong99/entitymesh/pkg/entityid"
)

// ErrAborted is reported to the [Host] for an actor stopped by cancellation
// of the context it was spawned with.
var ErrAborted = errors.New("entity: actor aborted")

// Actor is one live incarnation of an entity.
type Actor struct {
	id          entityid.ID
	incarnation uint64
	cfg         *Config
	rt          *Runtime
	host        Host
	behavior    Behavior
	disp        *Dispatcher
	name        string
	log         *slog.Logger
	kindAttr    metric.MeasurementOption

	mbox           *mailbox
	ctx            context.Context
	cancel         context.CancelFunc
	done           chan struct{}
	shutdownQueued atomic.Bool

	watchMu sync.Mutex
	// watchers counts, per watching actor, the channels it holds to a.
	watchers map[*Actor]int
	stopped  bool

	pendingMu sync.Mutex
	pending   map[*PendingAsk]struct{}

	// Owned by the actor goroutine.
	timers          *intmap.Map[uint64, *periodicTimer]
	nextTimerID     TimerID
	timersCtx       context.Context
	stopTimers      context.CancelFunc
	timersCancelled bool
	policy          ShutdownPolicy
	lingerGen       uint64
	pubsub          pubsubState
}

// Spawn creates the behavior for id and starts its actor goroutine. The
// actor lives until it stops itself, crashes, [Actor.Stop] is called or ctx
// is cancelled.
func Spawn(ctx context.Context, rt *Runtime, cfg *Config, id entityid.ID, host Host) (*Actor, error) {
	if id.Kind() != cfg.Kind {
		return nil, fmt.Errorf("entity: cannot spawn %v with the config of kind %s", id, rt.Kinds.Name(cfg.Kind))
	}
	b := cfg.New(id)
	if b == nil {
		return nil, fmt.Errorf("entity: %s constructor returned nil for %v", cfg.ActorType, id)
	}
	d := newDispatcher(cfg.ActorType)
	b.Register(d)
	if err := d.Err(); err != nil {
		return nil, err
	}

	a := &Actor{
		id:          id,
		incarnation: newIncarnationID(),
		cfg:         cfg,
		rt:          rt,
		host:        host,
		behavior:    b,
		disp:        d,
		name:        rt.Format(id),
		kindAttr:    metric.WithAttributes(observe.Attr("entity", rt.Kinds.Name(id.Kind()))),
		mbox:        newMailbox(rt.MailboxLimit),
		done:        make(chan struct{}),
		watchers:    make(map[*Actor]int),
		pending:     make(map[*PendingAsk]struct{}),
		timers:      intmap.New[uint64, *periodicTimer](4),
	}
	a.log = rt.logger().With("entity", a.name, "incarnation", a.incarnation)
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.timersCtx, a.stopTimers = context.WithCancel(a.ctx)
	a.pubsub.init()
	if p, ok := hookOf[ShutdownPolicyProvider](b); ok {
		a.policy = p.ShutdownPolicy()
	}

	rt.metrics().ActiveEntities.Add(a.ctx, 1, a.kindAttr)
	go a.run()
	return a, nil
}

func newIncarnationID() uint64 {
	for {
		if v := rand.Uint64(); v != 0 {
			return v
		}
	}
}

// ID returns the entity id.
func (a *Actor) ID() entityid.ID { return a.id }

// Incarnation returns the random id of this incarnation.
func (a *Actor) Incarnation() uint64 { return a.incarnation }

// Config returns the entity configuration the actor was spawned from.
func (a *Actor) Config() *Config { return a.cfg }

// Done is closed once the actor goroutine has exited.
func (a *Actor) Done() <-chan struct{} { return a.done }

// Stop requests a graceful shutdown. It is safe to call repeatedly and from
// any goroutine.
func (a *Actor) Stop() {
	a.requestShutdown()
}

// Wait blocks until the actor has exited or ctx is done.
func (a *Actor) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver posts a letter left over from a previous incarnation.
func (a *Actor) Deliver(l Letter) error {
	return a.mbox.push(l.m)
}

func (a *Actor) post(m mail) error {
	return a.mbox.push(m)
}

func (a *Actor) requestShutdown() {
	if a.shutdownQueued.CompareAndSwap(false, true) {
		_ = a.mbox.push(shutdownMail{})
	}
}

// addWatcher makes w receive WatchedEntityTerminated when a stops. A watcher
// added after a stopped is notified immediately. Every call must be matched
// by one removeWatcher once the channel it backs is gone.
func (a *Actor) addWatcher(w *Actor) {
	a.watchMu.Lock()
	if !a.stopped {
		a.watchers[w]++
		a.watchMu.Unlock()
		return
	}
	a.watchMu.Unlock()
	_ = w.post(terminatedMail{ev: WatchedEntityTerminated{EntityID: a.id, IncarnationID: a.incarnation}})
}

// removeWatcher releases one watch of w on a. w stops watching once it holds
// no channel to a anymore.
func (a *Actor) removeWatcher(w *Actor) {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()
	if a.stopped {
		return
	}
	if n := a.watchers[w]; n > 1 {
		a.watchers[w] = n - 1
	} else {
		delete(a.watchers, w)
	}
}

func (a *Actor) watcherCount() int {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()
	return len(a.watchers)
}

func (a *Actor) run() {
	defer close(a.done)

	c := a.contextFor(a.ctx)
	err := a.initialize(c)
	graceful := false
	if err == nil {
		graceful, err = a.loop()
	}
	a.exit(graceful, err)
}

func (a *Actor) initialize(c *Context) error {
	if init, ok := hookOf[Initializer](a.behavior); ok {
		if err := invoke(func() error { return init.Initialize(c) }); err != nil {
			return fmt.Errorf("entity: initialize %s: %w", a.name, err)
		}
	}
	a.scheduleLingerCheck()
	return nil
}

// loop handles mail until shutdown. graceful is true after a requested
// shutdown completed; err is non-nil on a crash.
func (a *Actor) loop() (graceful bool, err error) {
	for {
		m, ok := a.mbox.pop(a.ctx)
		if !ok {
			return false, ErrAborted
		}
		if _, ok := m.(shutdownMail); ok {
			return true, a.shutdown()
		}
		if err := a.handle(m); err != nil {
			return false, err
		}
	}
}

func (a *Actor) shutdown() error {
	a.cancelAllTimers()
	if h, ok := hookOf[ShutdownHook](a.behavior); ok {
		c := a.contextFor(a.ctx)
		if err := invoke(func() error { return h.OnShutdown(c) }); err != nil {
			return fmt.Errorf("entity: shutdown %s: %w", a.name, err)
		}
	}
	return nil
}

func (a *Actor) exit(graceful bool, err error) {
	a.cancelAllTimers()
	leftovers := a.mbox.q.close()

	crashed := err != nil && !errors.Is(err, ErrAborted)
	if crashed {
		a.log.Error("entity crashed", "error", err)
		a.rt.metrics().EntityCrashes.Add(context.Background(), 1, a.kindAttr)
	} else {
		a.log.Debug("entity stopped", "graceful", graceful)
	}

	var reroute []Letter
	for _, m := range leftovers {
		switch {
		case crashed:
			m.fail(&EntityCrashedError{EntityID: a.id, Cause: err.Error()})
		case graceful && m.external():
			reroute = append(reroute, Letter{m: m})
		default:
			m.fail(fmt.Errorf("%w: %s", ErrEntityStopped, a.name))
		}
	}

	a.pendingMu.Lock()
	pending := a.pending
	a.pending = nil
	a.pendingMu.Unlock()
	for p := range pending {
		if crashed {
			p.fail(&EntityCrashedError{EntityID: a.id, Cause: err.Error()})
		} else {
			p.fail(fmt.Errorf("%w: %s", ErrEntityStopped, a.name))
		}
	}

	a.watchMu.Lock()
	a.stopped = true
	watchers := a.watchers
	a.watchers = nil
	a.watchMu.Unlock()
	ev := WatchedEntityTerminated{EntityID: a.id, IncarnationID: a.incarnation}
	for w := range watchers {
		_ = w.post(terminatedMail{ev: ev})
	}
	a.releaseWatches()

	a.rt.metrics().ActiveEntities.Add(context.Background(), -1, a.kindAttr)
	a.cancel()
	if a.host != nil {
		a.host.ActorStopped(a, err, reroute)
	}
}

func (a *Actor) handle(m mail) error {
	switch m := m.(type) {
	case *castMail:
		msg, err := a.rt.decode(m.env)
		if err != nil {
			a.log.Warn("dropping undecodable message", "from", a.rt.Format(m.from), "error", err)
			return nil
		}
		ctx, span := a.startSpan(m.span, "entity.cast", msg)
		defer span.End()
		return a.dispatchMessage(ctx, msg, span)
	case selfMail:
		if m.scheduled && a.timersCancelled {
			return nil
		}
		return a.dispatchMessage(a.ctx, m.msg, nil)
	case *askMail:
		return a.handleAsk(m)
	case timerTick:
		return a.handleTimerTick(m.id)
	case timerReset:
		a.handleTimerReset(m.id)
		return nil
	case terminatedMail:
		return a.handleTerminated(m.ev)
	case lingerMail:
		a.handleLinger(m.gen)
		return nil
	case *subscribeMail:
		return a.handleSubscribe(m)
	case *pubsubMail:
		return a.handlePubSub(m)
	case *unsubscribeMail:
		return a.handleUnsubscribe(m)
	case *kickMail:
		return a.handleKick(m)
	case unknownChannelMail:
		return a.handleUnknownChannel(m)
	case *syncMail:
		return a.handleSync(m)
	}
	return fmt.Errorf("entity: unknown mail %T", m)
}

func (a *Actor) contextFor(ctx context.Context) *Context {
	return &Context{Context: ctx, a: a}
}

// startSpan continues the sender's trace for one handled message.
func (a *Actor) startSpan(parent trace.SpanContext, op string, msg Message) (context.Context, trace.Span) {
	ctx := a.ctx
	if parent.IsValid() {
		ctx = trace.ContextWithRemoteSpanContext(ctx, parent)
	}
	return observe.StartEntitySpan(ctx, op, a.name, messageName(msg))
}

func (a *Actor) dispatchMessage(ctx context.Context, msg Message, span trace.Span) error {
	h, ok := a.disp.casts[typeOf(msg)]
	if !ok {
		a.log.Warn("no handler for message", "message", messageName(msg))
		return nil
	}
	c := a.contextFor(ctx)
	if err := invoke(func() error { return h.cast(c, msg) }); err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return fmt.Errorf("entity: %s: %w", h.name, err)
	}
	return nil
}

func (a *Actor) handleAsk(m *askMail) error {
	p := a.newPendingAsk(m.reply)
	req, err := a.rt.decode(m.env)
	if err != nil {
		p.fail(&UnexpectedAskError{ExceptionType: "DecodeError", Message: err.Error(), CrashedEntity: a.id, HandlerMethod: "decode"})
		return nil
	}
	p.request = messageName(req)

	h, ok := a.disp.asks[typeOf(req)]
	if !ok {
		if _, ok := req.(DescribeRequest); ok {
			return p.Reply(a.describe())
		}
		return p.Refuse(NoHandlerError{EntityID: a.id, AskType: p.request, ActorType: a.cfg.ActorType})
	}

	ctx, span := a.startSpan(m.span, "entity.ask", req)
	defer span.End()
	c := a.contextFor(ctx)
	a.trackPending(p)
	err = invoke(func() error { return h.ask(c, req, p) })
	if err == nil {
		return nil
	}
	crash := a.answerFailure(err, h.name, p.Refuse, p.fail)
	if crash != nil {
		span.RecordError(crash)
		span.SetStatus(codes.Error, crash.Error())
	}
	return crash
}

// answerFailure classifies a handler error. A fresh refusal is passed to
// refuse and nil is returned. An already stamped refusal or any other error
// is reported through fail and returned so the actor crashes.
func (a *Actor) answerFailure(err error, method string, refuse func(Refusal) error, fail func(error)) error {
	var stamped *RefusedError
	if !errors.As(err, &stamped) {
		var r Refusal
		if errors.As(err, &r) {
			if rerr := refuse(r); rerr != nil {
				fail(a.unexpected(rerr, method))
				return rerr
			}
			return nil
		}
	}
	fail(a.unexpected(err, method))
	return fmt.Errorf("entity: %s: %w", method, err)
}

func (a *Actor) unexpected(err error, method string) *UnexpectedAskError {
	return &UnexpectedAskError{
		ExceptionType: errorType(err),
		Message:       err.Error(),
		CrashedEntity: a.id,
		HandlerMethod: method,
	}
}

func (a *Actor) describe() DescribeResponse {
	resp := DescribeResponse{
		EntityID:      a.name,
		ActorType:     a.cfg.ActorType,
		IncarnationID: a.incarnation,
		Subscribers:   len(a.pubsub.subscriberOrder),
		Subscriptions: len(a.pubsub.subscriptionOrder),
		Timers:        a.timers.Len(),
	}
	if d, ok := hookOf[Describer](a.behavior); ok {
		resp.Details = d.Describe()
	}
	return resp
}

func (a *Actor) scheduleLingerCheck() {
	if !a.policy.noSubscribers || len(a.pubsub.subscriberOrder) > 0 || a.timersCancelled {
		return
	}
	a.lingerGen++
	gen := a.lingerGen
	a.scheduleSelf(a.policy.linger, lingerMail{gen: gen})
}

func (a *Actor) handleLinger(gen uint64) {
	if gen != a.lingerGen || a.timersCancelled || len(a.pubsub.subscriberOrder) > 0 {
		return
	}
	a.log.Debug("no subscribers left, shutting down", "linger", a.policy.linger)
	a.requestShutdown()
}

// scheduleSelf posts m after delay unless timers have been cancelled by
// then.
func (a *Actor) scheduleSelf(delay time.Duration, m mail) {
	ctx := a.timersCtx
	go func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
			_ = a.mbox.push(m)
		}
	}()
}

// panicError is a recovered handler panic.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

// invoke runs fn, converting a panic into an error.
func invoke(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return fn()
}

func errorType(err error) string {
	var pe *panicError
	if errors.As(err, &pe) {
		return "panic"
	}
	for {
		u := errors.Unwrap(err)
		if u == nil {
			break
		}
		err = u
	}
	return fmt.Sprintf("%T", err)
}

func typeOf(m Message) reflect.Type { return reflect.TypeOf(m) }
