// Package entity implements the single-entity endpoint of the cluster: the
// per-entity actor loop, typed message dispatch, ask/refuse, cast,
// publish/subscribe, synchronize channels, periodic timers and the static
// entity configuration registry.
//
// Each live entity is an [Actor] running one goroutine that handles its
// mailbox strictly in order. Behaviors never share memory with other
// entities; every message crossing an entity boundary is encoded with the
// runtime's [codec.Codec].
package entity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/entitymesh/internal/observe"
	"github.com/MrWong99/entitymesh/pkg/codec"
	"github.com/MrWong99/entitymesh/pkg/entityid"
)

const (
	// AskTimeout is the default time a caller waits for an ask reply.
	AskTimeout = 10 * time.Second

	// SyncOpenTimeout is the default time a caller waits for a synchronize
	// handler to start.
	SyncOpenTimeout = 10 * time.Second
)

// Clock supplies the current time to timers and persistence.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// Router resolves an entity id to its live actor, spawning it when the
// owning shard allows it.
type Router interface {
	Route(ctx context.Context, id entityid.ID) (*Actor, error)
}

// Host owns actors and is told when one stops. Leftovers are the messages
// still queued at a graceful stop that should reach the next incarnation.
type Host interface {
	ActorStopped(a *Actor, err error, leftovers []Letter)
}

// Runtime holds the collaborators shared by every actor in a process.
type Runtime struct {
	Kinds    *entityid.KindRegistry
	Messages *MessageRegistry
	Codec    codec.Codec
	Router   Router
	Metrics  *observe.Metrics
	Clock    Clock
	Logger   *slog.Logger

	// MailboxLimit bounds external posts per actor. Zero means unbounded.
	MailboxLimit int

	// AskTimeout overrides [AskTimeout] when positive.
	AskTimeout time.Duration

	// SyncOpenTimeout overrides [SyncOpenTimeout] when positive.
	SyncOpenTimeout time.Duration
}

// Validate reports missing collaborators.
func (rt *Runtime) Validate() error {
	switch {
	case rt.Kinds == nil:
		return fmt.Errorf("entity: runtime has no kind registry")
	case rt.Messages == nil:
		return fmt.Errorf("entity: runtime has no message registry")
	case rt.Codec == nil:
		return fmt.Errorf("entity: runtime has no codec")
	case rt.Router == nil:
		return fmt.Errorf("entity: runtime has no router")
	}
	return nil
}

func (rt *Runtime) metrics() *observe.Metrics {
	if rt.Metrics != nil {
		return rt.Metrics
	}
	return observe.DefaultMetrics()
}

func (rt *Runtime) clock() Clock {
	if rt.Clock != nil {
		return rt.Clock
	}
	return SystemClock{}
}

func (rt *Runtime) logger() *slog.Logger {
	if rt.Logger != nil {
		return rt.Logger
	}
	return slog.Default()
}

func (rt *Runtime) askTimeout() time.Duration {
	if rt.AskTimeout > 0 {
		return rt.AskTimeout
	}
	return AskTimeout
}

func (rt *Runtime) syncOpenTimeout() time.Duration {
	if rt.SyncOpenTimeout > 0 {
		return rt.SyncOpenTimeout
	}
	return SyncOpenTimeout
}

func (rt *Runtime) encode(m Message) (Envelope, error) {
	return rt.Messages.Encode(rt.Codec, m)
}

func (rt *Runtime) decode(env Envelope) (Message, error) {
	return rt.Messages.Decode(rt.Codec, env)
}

// Format renders id with the runtime's kind registry.
func (rt *Runtime) Format(id entityid.ID) string {
	return rt.Kinds.Format(id)
}

func (rt *Runtime) checkTarget(id entityid.ID) error {
	if id.IsNone() || !rt.Kinds.IsValidID(id) {
		return fmt.Errorf("%w: %v", ErrInvalidTarget, id)
	}
	return nil
}

// endpoint identifies the sending side of a message.
type endpoint struct {
	rt    *Runtime
	id    entityid.ID
	actor *Actor
}

// Caller is the sending side of an ask or synchronize: an entity's
// [*Context] or an external [*Client].
type Caller interface {
	endpoint() endpoint
}

// Client sends messages to entities from outside any entity, for example an
// HTTP admin surface.
type Client struct {
	rt *Runtime
}

// NewClient returns a client bound to rt.
func NewClient(rt *Runtime) *Client {
	return &Client{rt: rt}
}

func (c *Client) endpoint() endpoint { return endpoint{rt: c.rt} }

// Cast sends msg to target without waiting. Delivery failures are logged,
// not returned.
func (c *Client) Cast(ctx context.Context, target entityid.ID, msg Message) error {
	return castFrom(ctx, c.endpoint(), target, msg)
}

// Runtime returns the runtime the client is bound to.
func (c *Client) Runtime() *Runtime { return c.rt }
