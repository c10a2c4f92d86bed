package entity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/entitymesh/internal/observe"
	"github.com/MrWong99/entitymesh/pkg/entityid"
)

// ErrSyncOpenTimeout is returned when the target's synchronize handler does
// not start within [SyncOpenTimeout].
var ErrSyncOpenTimeout = errors.New("entity: synchronize open timed out")

const (
	peerSender   = "sender"
	peerReceiver = "receiver"
)

// syncFrame is one item on a synchronize queue. At most one of eos and
// abort is set, and only on the last frame.
type syncFrame struct {
	env   Envelope
	eos   bool
	abort error
}

// SyncChannel is one end of a bidirectional synchronize stream. Each end
// has a single reader and a single writer.
type SyncChannel struct {
	rt      *Runtime
	message string
	peer    string
	in      *queue[syncFrame]
	out     *queue[syncFrame]
	started time.Time

	mu       sync.Mutex
	closed   bool
	ended    error
	recorded bool
}

// newSyncPair returns the caller and target ends of one stream.
func newSyncPair(rt *Runtime, message string) (caller, target *SyncChannel) {
	toTarget, toCaller := newQueue[syncFrame](), newQueue[syncFrame]()
	now := time.Now()
	caller = &SyncChannel{rt: rt, message: message, peer: peerSender, in: toCaller, out: toTarget, started: now}
	target = &SyncChannel{rt: rt, message: message, peer: peerReceiver, in: toTarget, out: toCaller, started: now}
	return caller, target
}

// Send queues msg for the peer. It never blocks and fails with
// [ErrSyncClosed] after [SyncChannel.Close].
func (s *SyncChannel) Send(msg Message) error {
	if msg == nil {
		return fmt.Errorf("entity: cannot send a nil message on a synchronize channel")
	}
	env, err := s.rt.encode(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSyncClosed
	}
	s.out.push(syncFrame{env: env})
	return nil
}

// Receive blocks for the next message from the peer. It returns [io.EOF]
// once the peer closed its end, an error wrapping [ErrSyncAborted] when the
// peer's handler failed, and ctx.Err() when ctx is done first.
func (s *SyncChannel) Receive(ctx context.Context) (Message, error) {
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if ended != nil {
		return nil, ended
	}

	f, ok := s.in.pop(ctx)
	if !ok {
		return nil, ctx.Err()
	}
	switch {
	case f.eos:
		s.finish(io.EOF)
		return nil, io.EOF
	case f.abort != nil:
		s.finish(f.abort)
		return nil, f.abort
	}
	return s.rt.decode(f.env)
}

// ReceiveAs receives the next message and asserts its type.
func ReceiveAs[M Message](ctx context.Context, s *SyncChannel) (M, error) {
	var zero M
	msg, err := s.Receive(ctx)
	if err != nil {
		return zero, err
	}
	m, ok := msg.(M)
	if !ok {
		return zero, fmt.Errorf("%w: received %s, want %s", ErrInvalidResponse, messageName(msg), reflect.TypeFor[M]())
	}
	return m, nil
}

// Close sends end-of-stream to the peer. Only the first call has an effect.
func (s *SyncChannel) Close() error {
	s.end(syncFrame{eos: true})
	return nil
}

func (s *SyncChannel) abort(err error) {
	s.end(syncFrame{abort: err})
}

func (s *SyncChannel) end(f syncFrame) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.out.push(f)
	s.mu.Unlock()
	s.record()
}

// finish remembers the terminal frame received from the peer.
func (s *SyncChannel) finish(err error) {
	s.mu.Lock()
	s.ended = err
	s.mu.Unlock()
	s.record()
}

// record observes the channel's lifetime once, at whichever end of the
// stream this side sees first.
func (s *SyncChannel) record() {
	s.mu.Lock()
	done := s.recorded
	s.recorded = true
	s.mu.Unlock()
	if !done {
		s.rt.metrics().RecordSyncDuration(context.Background(), s.message, s.peer, time.Since(s.started).Seconds())
	}
}

// Synchronize opens a stream to target. It returns once the target's
// handler for req has started, or fails with a [*RefusedError] when the
// target has no handler, [ErrSyncOpenTimeout] when it did not start in time
// and an [*EntityCrashedError] when the target crashed first.
func Synchronize(ctx context.Context, caller Caller, target entityid.ID, req Message) (*SyncChannel, error) {
	from := caller.endpoint()
	rt := from.rt
	if err := rt.checkTarget(target); err != nil {
		return nil, err
	}
	if from.actor != nil && from.actor.id == target {
		return nil, ErrAskSelf
	}

	name := messageName(req)
	m := rt.metrics()
	m.Syncs.Add(ctx, 1, metric.WithAttributes(observe.Attr("message", name)))

	env, err := rt.encode(req)
	if err != nil {
		return nil, err
	}
	mine, theirs := newSyncPair(rt, name)
	opened := make(chan error, 1)
	start := time.Now()
	letter := &syncMail{from: from.id, env: env, ch: theirs, opened: opened, sentAt: start, span: trace.SpanContextFromContext(ctx)}
	if err := deliver(ctx, rt, target, letter); err != nil {
		return nil, err
	}

	timer := time.NewTimer(rt.syncOpenTimeout())
	defer timer.Stop()
	select {
	case err := <-opened:
		if err != nil {
			var refused *RefusedError
			if !errors.As(err, &refused) {
				m.RecordSyncError(ctx, name, observe.ReasonException)
			}
			return nil, err
		}
	case <-timer.C:
		mine.Close()
		m.RecordSyncError(ctx, name, observe.ReasonTimeout)
		return nil, fmt.Errorf("%w: %s to %s after %s", ErrSyncOpenTimeout, name, rt.Format(target), rt.syncOpenTimeout())
	case <-ctx.Done():
		mine.Close()
		return nil, ctx.Err()
	}
	m.RecordSyncOpen(ctx, name, observe.PeerSender, time.Since(start).Seconds())
	return mine, nil
}

func (a *Actor) handleSync(m *syncMail) error {
	req, err := a.rt.decode(m.env)
	if err != nil {
		m.opened <- a.unexpected(err, "decode synchronize")
		return nil
	}
	h, ok := a.disp.syncs[typeOf(req)]
	if !ok {
		m.opened <- &RefusedError{
			Origin:  a.id,
			Refusal: NoHandlerError{EntityID: a.id, AskType: messageName(req), ActorType: a.cfg.ActorType},
		}
		return nil
	}

	ctx, span := a.startSpan(m.span, "entity.synchronize", req)
	defer span.End()
	c := a.contextFor(ctx)
	a.rt.metrics().RecordSyncOpen(ctx, messageName(req), observe.PeerReceiver, time.Since(m.sentAt).Seconds())
	m.opened <- nil

	err = invoke(func() error { return h.sync(c, req, m.ch) })
	if err == nil {
		m.ch.Close()
		return nil
	}
	refuse := func(r Refusal) error {
		m.ch.abort(fmt.Errorf("%w: %w", ErrSyncAborted, &RefusedError{Origin: a.id, Refusal: r}))
		return nil
	}
	fail := func(e error) { m.ch.abort(fmt.Errorf("%w: %w", ErrSyncAborted, e)) }
	crash := a.answerFailure(err, h.name, refuse, fail)
	if crash != nil {
		span.RecordError(crash)
		span.SetStatus(codes.Error, crash.Error())
	}
	return crash
}
