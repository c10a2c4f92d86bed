package entity

import (
	"reflect"
	"time"
)

// Behavior is the application logic of one entity kind. A new Behavior is
// created for every incarnation and only ever used from its actor's
// goroutine.
type Behavior interface {
	Register(d *Dispatcher)
}

// Wrapper is implemented by behaviors that decorate another behavior, such
// as the persisted-entity lifecycle. Hooks the wrapper does not implement
// itself are looked up on the wrapped behavior.
type Wrapper interface {
	Behavior
	Unwrap() Behavior
}

// hookOf returns the outermost behavior in the wrapper chain of b that
// implements T.
func hookOf[T any](b Behavior) (T, bool) {
	for b != nil {
		if h, ok := b.(T); ok {
			return h, true
		}
		w, ok := b.(Wrapper)
		if !ok {
			break
		}
		b = w.Unwrap()
	}
	var zero T
	return zero, false
}

func innermost(b Behavior) Behavior {
	for {
		w, ok := b.(Wrapper)
		if !ok {
			return b
		}
		inner := w.Unwrap()
		if inner == nil {
			return b
		}
		b = inner
	}
}

// Initializer is implemented by behaviors that need to run before the first
// message is handled. An error crashes the entity.
type Initializer interface {
	Initialize(c *Context) error
}

// ShutdownHook is implemented by behaviors that act on graceful shutdown.
// It runs after all timers are cancelled and is not called after a crash.
type ShutdownHook interface {
	OnShutdown(c *Context) error
}

// Persisted marks behaviors whose state survives restarts.
type Persisted interface {
	Behavior
	PersistedPayloadType() reflect.Type
}

// SubscriberAcceptor is implemented by entities that accept subscribers.
// Returning a [Refusal] refuses the subscription; other errors crash the
// entity.
type SubscriberAcceptor interface {
	OnNewSubscriber(c *Context, s *Subscriber, req Message) (Message, error)
}

// SubscriberLostHook is called when a subscriber's incarnation terminates
// or stops recognising the channel.
type SubscriberLostHook interface {
	OnSubscriberLost(c *Context, s *Subscriber) error
}

// SubscriberUnsubscribedHook is called when a subscriber unsubscribes.
type SubscriberUnsubscribedHook interface {
	OnSubscriberUnsubscribed(c *Context, s *Subscriber, goodbye Message) error
}

// SubscriptionLostHook is called when the target of a subscription
// terminates or stops recognising the channel.
type SubscriptionLostHook interface {
	OnSubscriptionLost(c *Context, s *Subscription) error
}

// SubscriptionKickedHook is called when the target kicks this subscriber.
type SubscriptionKickedHook interface {
	OnSubscriptionKicked(c *Context, s *Subscription, goodbye Message) error
}

// ShutdownPolicy decides whether an entity stops on its own.
type ShutdownPolicy struct {
	linger        time.Duration
	noSubscribers bool
}

// NeverShutdown keeps the entity alive until its shard stops it.
func NeverShutdown() ShutdownPolicy { return ShutdownPolicy{} }

// ShutdownWithoutSubscribers stops the entity once it has had no
// subscribers for linger, including right after it starts.
func ShutdownWithoutSubscribers(linger time.Duration) ShutdownPolicy {
	return ShutdownPolicy{linger: linger, noSubscribers: true}
}

// AllowsIdleShutdown reports whether the policy lets an entity without
// subscribers stop.
func (p ShutdownPolicy) AllowsIdleShutdown() bool { return p.noSubscribers }

// ShutdownPolicyProvider is implemented by behaviors that choose a policy
// other than [NeverShutdown].
type ShutdownPolicyProvider interface {
	ShutdownPolicy() ShutdownPolicy
}
