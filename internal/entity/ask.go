package entity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/entitymesh/internal/observe"
	"github.com/MrWong99/entitymesh/pkg/entityid"
)

// PendingAsk is the reply side of one ask. Only the first Reply, Refuse or
// failure reaches the caller; later calls are ignored.
type PendingAsk struct {
	a       *Actor
	reply   chan<- askReply
	request string
	once    sync.Once
}

func (a *Actor) newPendingAsk(reply chan<- askReply) *PendingAsk {
	return &PendingAsk{a: a, reply: reply}
}

func (a *Actor) trackPending(p *PendingAsk) {
	a.pendingMu.Lock()
	if a.pending != nil {
		a.pending[p] = struct{}{}
	}
	a.pendingMu.Unlock()
}

func (a *Actor) untrackPending(p *PendingAsk) {
	a.pendingMu.Lock()
	delete(a.pending, p)
	a.pendingMu.Unlock()
}

// Request names the message type being answered.
func (p *PendingAsk) Request() string { return p.request }

// Reply answers the ask with resp.
func (p *PendingAsk) Reply(resp Message) error {
	env, err := p.a.rt.encode(resp)
	if err != nil {
		p.fail(p.a.unexpected(err, "reply "+p.request))
		return err
	}
	p.send(askReply{env: env})
	return nil
}

// Refuse answers the ask with refusal r, stamped with this entity's id.
func (p *PendingAsk) Refuse(r Refusal) error {
	env, err := p.a.rt.encode(r)
	if err != nil {
		p.fail(p.a.unexpected(err, "refuse "+p.request))
		return err
	}
	p.send(askReply{env: env, refused: true, origin: p.a.id})
	return nil
}

func (p *PendingAsk) fail(err error) {
	p.send(askReply{err: err})
}

func (p *PendingAsk) send(r askReply) {
	p.once.Do(func() {
		p.reply <- r
		p.a.untrackPending(p)
	})
}

// Ask sends req to target and waits for a response of type Resp. It returns
// a [*RefusedError] when the target refused, an [*UnexpectedAskError] when
// the target's handler failed, [ErrInvalidResponse] for a response of
// another type and [ErrAskTimeout] when no reply arrives in time. Asks are
// never retried.
func Ask[Resp Message](ctx context.Context, caller Caller, target entityid.ID, req Message) (Resp, error) {
	var zero Resp
	from := caller.endpoint()
	rt := from.rt
	if err := rt.checkTarget(target); err != nil {
		return zero, err
	}
	if from.actor != nil && from.actor.id == target {
		return zero, ErrAskSelf
	}

	name := messageName(req)
	m := rt.metrics()
	m.RecordAsk(ctx, name)

	env, err := rt.encode(req)
	if err != nil {
		return zero, err
	}
	reply := make(chan askReply, 1)
	letter := &askMail{from: from.id, env: env, reply: reply, span: trace.SpanContextFromContext(ctx)}
	if err := deliver(ctx, rt, target, letter); err != nil {
		return zero, err
	}

	start := time.Now()
	timer := time.NewTimer(rt.askTimeout())
	defer timer.Stop()
	select {
	case r := <-reply:
		m.AskDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(observe.Attr("message", name)))
		return decodeReply[Resp](ctx, rt, name, r)
	case <-timer.C:
		m.RecordAskError(ctx, name, observe.ReasonTimeout)
		return zero, fmt.Errorf("%w: %s to %s after %s", ErrAskTimeout, name, rt.Format(target), rt.askTimeout())
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func decodeReply[Resp Message](ctx context.Context, rt *Runtime, name string, r askReply) (Resp, error) {
	var zero Resp
	m := rt.metrics()
	if r.err != nil {
		m.RecordAskError(ctx, name, observe.ReasonException)
		return zero, r.err
	}
	msg, err := rt.decode(r.env)
	if err != nil {
		m.RecordAskError(ctx, name, observe.ReasonInvalidResponse)
		return zero, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	if r.refused {
		ref, ok := msg.(Refusal)
		if !ok {
			m.RecordAskError(ctx, name, observe.ReasonInvalidResponse)
			return zero, fmt.Errorf("%w: refusal %s is not an error", ErrInvalidResponse, messageName(msg))
		}
		return zero, &RefusedError{Origin: r.origin, Refusal: ref}
	}
	resp, ok := msg.(Resp)
	if !ok {
		m.RecordAskError(ctx, name, observe.ReasonInvalidResponse)
		return zero, fmt.Errorf("%w: %s answered with %s, want %s", ErrInvalidResponse, name, messageName(msg), reflect.TypeFor[Resp]())
	}
	return resp, nil
}

// deliver routes to target and posts m. An actor that stopped between
// routing and posting has left its host once Done is closed, so the id is
// routed once more after that.
func deliver(ctx context.Context, rt *Runtime, target entityid.ID, m mail) error {
	var err error
	for range 2 {
		var a *Actor
		a, err = rt.Router.Route(ctx, target)
		if err != nil {
			return &EntityUnreachableError{EntityID: target, Err: err}
		}
		if err = a.post(m); !errors.Is(err, ErrEntityStopped) {
			break
		}
		if werr := a.Wait(ctx); werr != nil {
			return werr
		}
	}
	if err != nil {
		return &EntityUnreachableError{EntityID: target, Err: err}
	}
	return nil
}

func castFrom(ctx context.Context, from endpoint, target entityid.ID, msg Message) error {
	rt := from.rt
	if err := rt.checkTarget(target); err != nil {
		return err
	}
	env, err := rt.encode(msg)
	if err != nil {
		return err
	}
	name := messageName(msg)
	rt.metrics().Casts.Add(ctx, 1, metric.WithAttributes(observe.Attr("message", name)))
	letter := &castMail{from: from.id, env: env, span: trace.SpanContextFromContext(ctx)}
	if err := deliver(ctx, rt, target, letter); err != nil {
		rt.logger().LogAttrs(ctx, slog.LevelDebug, "cast not delivered",
			slog.String("message", name),
			slog.String("target", rt.Format(target)),
			slog.Any("error", err),
		)
	}
	return nil
}
