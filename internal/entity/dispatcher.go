package entity

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

// Dispatcher maps message types to the handlers of one behavior. Behaviors
// fill it in [Behavior.Register] using the Handle* functions.
type Dispatcher struct {
	actorType      string
	casts          map[reflect.Type]handler
	asks           map[reflect.Type]handler
	syncs          map[reflect.Type]handler
	fromSubscriber map[reflect.Type]handler
	fromTarget     map[reflect.Type]handler
	errs           []error
}

type handler struct {
	name         string
	cast         func(c *Context, m Message) error
	ask          func(c *Context, m Message, p *PendingAsk) error
	sync         func(c *Context, m Message, ch *SyncChannel) error
	subscriber   func(c *Context, s *Subscriber, m Message) error
	subscription func(c *Context, s *Subscription, m Message) error
}

func newDispatcher(actorType string) *Dispatcher {
	return &Dispatcher{
		actorType:      actorType,
		casts:          make(map[reflect.Type]handler),
		asks:           make(map[reflect.Type]handler),
		syncs:          make(map[reflect.Type]handler),
		fromSubscriber: make(map[reflect.Type]handler),
		fromTarget:     make(map[reflect.Type]handler),
	}
}

// ActorType is the name of the behavior being registered.
func (d *Dispatcher) ActorType() string { return d.actorType }

// Err returns every registration problem found so far.
func (d *Dispatcher) Err() error { return errors.Join(d.errs...) }

func (d *Dispatcher) add(table map[reflect.Type]handler, kind string, t reflect.Type, h handler) {
	if t.Kind() == reflect.Interface || t.Kind() == reflect.Pointer {
		d.errs = append(d.errs, fmt.Errorf("entity: %s: %s handler %s must take a concrete value type, got %s", d.actorType, kind, h.name, t))
		return
	}
	if prev, ok := table[t]; ok {
		d.errs = append(d.errs, fmt.Errorf("entity: %s: duplicate %s handler for %s (%s and %s)", d.actorType, kind, t, prev.name, h.name))
		return
	}
	table[t] = h
}

// HandleMessage registers fn for casts, self-sends and timer ticks of type M.
func HandleMessage[M Message](d *Dispatcher, fn func(c *Context, msg M) error) {
	d.add(d.casts, "message", reflect.TypeFor[M](), handler{
		name: funcName(fn),
		cast: func(c *Context, m Message) error { return fn(c, m.(M)) },
	})
}

// HandleAsk registers fn for asks of type Req. The returned response is sent
// to the caller; a returned [Refusal] refuses the ask; any other error
// crashes the entity.
func HandleAsk[Req, Resp Message](d *Dispatcher, fn func(c *Context, req Req) (Resp, error)) {
	d.add(d.asks, "ask", reflect.TypeFor[Req](), handler{
		name: funcName(fn),
		ask: func(c *Context, m Message, p *PendingAsk) error {
			resp, err := fn(c, m.(Req))
			if err != nil {
				return err
			}
			return p.Reply(resp)
		},
	})
}

// HandleAskDeferred registers fn for asks of type Req that are answered
// later through p, for example after the next persist. Returning an error
// before replying behaves as for [HandleAsk].
func HandleAskDeferred[Req Message](d *Dispatcher, fn func(c *Context, req Req, p *PendingAsk) error) {
	d.add(d.asks, "ask", reflect.TypeFor[Req](), handler{
		name: funcName(fn),
		ask:  func(c *Context, m Message, p *PendingAsk) error { return fn(c, m.(Req), p) },
	})
}

// HandleSynchronize registers fn as the target side of synchronize
// operations opened with a Req. The channel is closed when fn returns nil.
func HandleSynchronize[Req Message](d *Dispatcher, fn func(c *Context, req Req, ch *SyncChannel) error) {
	d.add(d.syncs, "synchronize", reflect.TypeFor[Req](), handler{
		name: funcName(fn),
		sync: func(c *Context, m Message, ch *SyncChannel) error { return fn(c, m.(Req), ch) },
	})
}

// HandleSubscriberMessage registers fn for messages of type M sent by a
// subscriber to this entity.
func HandleSubscriberMessage[M Message](d *Dispatcher, fn func(c *Context, s *Subscriber, msg M) error) {
	d.add(d.fromSubscriber, "subscriber message", reflect.TypeFor[M](), handler{
		name:       funcName(fn),
		subscriber: func(c *Context, s *Subscriber, m Message) error { return fn(c, s, m.(M)) },
	})
}

// HandleSubscriptionMessage registers fn for messages of type M published
// by an entity this entity subscribed to.
func HandleSubscriptionMessage[M Message](d *Dispatcher, fn func(c *Context, s *Subscription, msg M) error) {
	d.add(d.fromTarget, "subscription message", reflect.TypeFor[M](), handler{
		name:         funcName(fn),
		subscription: func(c *Context, s *Subscription, m Message) error { return fn(c, s, m.(M)) },
	})
}

// funcName returns the unqualified name of the function value fn.
func funcName(fn any) string {
	f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer())
	if f == nil {
		return "unknown"
	}
	name := f.Name()
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSuffix(name, "-fm")
}
