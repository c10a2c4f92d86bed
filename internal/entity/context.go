package entity

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/entitymesh/internal/observe"
	"github.com/MrWong99/entitymesh/pkg/entityid"
)

// Context is handed to every handler and hook. It is a [context.Context]
// scoped to the current message and gives access to the entity's runtime
// services. A Context must only be used from the handler it was passed to.
type Context struct {
	context.Context
	a *Actor
}

func (c *Context) endpoint() endpoint {
	return endpoint{rt: c.a.rt, id: c.a.id, actor: c.a}
}

// ID returns the entity's id.
func (c *Context) ID() entityid.ID { return c.a.id }

// Incarnation returns the id of the running incarnation.
func (c *Context) Incarnation() uint64 { return c.a.incarnation }

// Behavior returns the entity's behavior.
func (c *Context) Behavior() Behavior { return c.a.behavior }

// Runtime returns the shared runtime.
func (c *Context) Runtime() *Runtime { return c.a.rt }

// Logger returns the entity logger, tagged with the current trace if any.
func (c *Context) Logger() *slog.Logger { return observe.WithTrace(c, c.a.log) }

// Now returns the runtime clock's current time.
func (c *Context) Now() time.Time { return c.a.rt.clock().Now() }

// Cast sends msg to target without waiting for it to be handled. Only an
// invalid target or an unencodable message is reported.
func (c *Context) Cast(target entityid.ID, msg Message) error {
	return castFrom(c, c.endpoint(), target, msg)
}

// TellSelf queues msg for this entity. It bypasses the mailbox limit.
func (c *Context) TellSelf(msg Message) {
	_ = c.a.mbox.push(selfMail{msg: msg})
}

// ScheduleSelf queues msg for this entity after delay. The message is
// dropped if the entity starts shutting down first.
func (c *Context) ScheduleSelf(delay time.Duration, msg Message) {
	c.a.scheduleSelf(delay, selfMail{msg: msg, scheduled: true})
}

// StartPeriodicTimer delivers msg to this entity's message handler every
// interval after initialDelay. The timer stops when the entity shuts down.
func (c *Context) StartPeriodicTimer(initialDelay, interval time.Duration, msg Message) (TimerID, error) {
	return c.a.startTimer(initialDelay, interval, msg)
}

// StartRandomizedPeriodicTimer is like [Context.StartPeriodicTimer] with an
// initial delay of interval times a random factor in [0.5, 1.5).
func (c *Context) StartRandomizedPeriodicTimer(interval time.Duration, msg Message) (TimerID, error) {
	return c.a.startTimer(RandomizedInitialDelay(interval), interval, msg)
}

// CancelTimer stops a periodic timer. Unknown ids are ignored.
func (c *Context) CancelTimer(id TimerID) { c.a.cancelTimer(id) }

// RequestShutdown queues a graceful shutdown. Only the first request is
// queued; messages already queued before it are still handled.
func (c *Context) RequestShutdown() { c.a.requestShutdown() }

// ShutdownRequested reports whether a shutdown is already queued.
func (c *Context) ShutdownRequested() bool { return c.a.shutdownQueued.Load() }

// ShutdownPolicy returns the entity's policy.
func (c *Context) ShutdownPolicy() ShutdownPolicy { return c.a.policy }
