package entity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/entitymesh/pkg/codec"
	"github.com/MrWong99/entitymesh/pkg/entityid"
)

type greet struct{ Name string }

func (greet) MessageCode() uint32 { return 100 }

type greeting struct{ Text string }

func (greeting) MessageCode() uint32 { return 101 }

type notAllowed struct{ Reason string }

func (notAllowed) MessageCode() uint32 { return 102 }
func (e notAllowed) Error() string { return "not allowed: " + e.Reason }

type boom struct{}

func (boom) MessageCode() uint32 { return 103 }

type relay struct{ Target entityid.ID }

func (relay) MessageCode() uint32 { return 104 }

type tick struct{}

func (tick) MessageCode() uint32 { return 105 }

type hang struct{}

func (hang) MessageCode() uint32 { return 106 }

type block struct{ Fail bool }

func (block) MessageCode() uint32 { return 107 }

type num struct{ N int }

func (num) MessageCode() uint32 { return 108 }

type sumReq struct{ Mode string }

func (sumReq) MessageCode() uint32 { return 109 }

type subscribeTo struct {
	Target entityid.ID
	Topic  string
}

func (subscribeTo) MessageCode() uint32 { return 110 }

type subscribed struct {
	Welcome string
	Refused bool
}

func (subscribed) MessageCode() uint32 { return 111 }

type publish struct {
	Topic string
	Text  string
}

func (publish) MessageCode() uint32 { return 112 }

type news struct{ Text string }

func (news) MessageCode() uint32 { return 113 }

type unsubscribeAll struct{}

func (unsubscribeAll) MessageCode() uint32 { return 114 }

type unsubscribed struct{ Results []UnsubscribeResult }

func (unsubscribed) MessageCode() uint32 { return 115 }

type startTicking struct{ Interval time.Duration }

func (startTicking) MessageCode() uint32 { return 116 }

var testMessages = []Message{
	greet{}, greeting{}, notAllowed{}, boom{}, relay{}, tick{}, hang{}, block{},
	num{}, sumReq{}, subscribeTo{}, subscribed{}, publish{}, news{}, unsubscribeAll{}, unsubscribed{},
	startTicking{},
}

// recorder lets tests observe and steer a behavior from outside its goroutine.
type recorder struct {
	ticks     chan struct{}
	started   chan struct{}
	release   chan struct{}
	news      chan string
	lost      chan entityid.ID
	kicked    chan string
	goodbyes  chan entityid.ID
	shutdowns chan entityid.ID
}

func newRecorder() *recorder {
	return &recorder{
		ticks:     make(chan struct{}, 64),
		started:   make(chan struct{}, 8),
		release:   make(chan struct{}),
		news:      make(chan string, 16),
		lost:      make(chan entityid.ID, 8),
		kicked:    make(chan string, 8),
		goodbyes:  make(chan entityid.ID, 8),
		shutdowns: make(chan entityid.ID, 8),
	}
}

// player is the target-side behavior used by most tests.
type player struct {
	p      *recorder
	linger time.Duration
}

func (b *player) Register(d *Dispatcher) {
	HandleAsk(d, b.onGreet)
	HandleAsk(d, b.onBoom)
	HandleAsk(d, b.onRelay)
	HandleAsk(d, b.onPublish)
	HandleAsk(d, b.onStartTicking)
	HandleAskDeferred(d, b.onHang)
	HandleMessage(d, b.onTick)
	HandleMessage(d, b.onBlock)
	HandleSynchronize(d, b.onSum)
}

func (b *player) onGreet(_ *Context, req greet) (greeting, error) {
	if req.Name == "" {
		return greeting{}, notAllowed{Reason: "empty name"}
	}
	return greeting{Text: "hello " + req.Name}, nil
}

func (b *player) onBoom(*Context, boom) (greeting, error) {
	panic("boom")
}

// onRelay returns the refusal it receives, which is not a fresh refusal.
func (b *player) onRelay(c *Context, req relay) (greeting, error) {
	return Ask[greeting](c, c, req.Target, greet{})
}

func (b *player) onPublish(c *Context, req publish) (greeting, error) {
	if err := c.Publish(req.Topic, news{Text: req.Text}); err != nil {
		return greeting{}, err
	}
	return greeting{Text: fmt.Sprint(len(c.Subscribers()))}, nil
}

func (b *player) onStartTicking(c *Context, req startTicking) (greeting, error) {
	id, err := c.StartPeriodicTimer(0, req.Interval, tick{})
	if err != nil {
		return greeting{}, err
	}
	return greeting{Text: fmt.Sprint(id)}, nil
}

func (b *player) onHang(*Context, hang, *PendingAsk) error { return nil }

func (b *player) onTick(*Context, tick) error {
	offer(b.p.ticks, struct{}{})
	return nil
}

func (b *player) onBlock(_ *Context, m block) error {
	b.p.started <- struct{}{}
	<-b.p.release
	if m.Fail {
		return errors.New("blocked handler failed")
	}
	return nil
}

func (b *player) onSum(c *Context, req sumReq, ch *SyncChannel) error {
	switch req.Mode {
	case "fail":
		return errors.New("cannot sum")
	case "refuse":
		return notAllowed{Reason: "no sums today"}
	}
	total := 0
	for {
		n, err := ReceiveAs[num](c, ch)
		if err != nil {
			break
		}
		total += n.N
	}
	return ch.Send(num{N: total})
}

func (b *player) OnNewSubscriber(_ *Context, s *Subscriber, req Message) (Message, error) {
	if s.Topic() == "closed" {
		return nil, notAllowed{Reason: "topic closed"}
	}
	return greeting{Text: "welcome to " + s.Topic()}, nil
}

func (b *player) OnSubscriberUnsubscribed(_ *Context, s *Subscriber, _ Message) error {
	b.p.goodbyes <- s.EntityID
	return nil
}

func (b *player) OnShutdown(c *Context) error {
	offer(b.p.shutdowns, c.ID())
	return nil
}

func (b *player) ShutdownPolicy() ShutdownPolicy {
	if b.linger > 0 {
		return ShutdownWithoutSubscribers(b.linger)
	}
	return NeverShutdown()
}

// session subscribes to players on request.
type session struct {
	p    *recorder
	subs []*Subscription
}

func (b *session) Register(d *Dispatcher) {
	HandleAsk(d, b.onSubscribeTo)
	HandleAsk(d, b.onUnsubscribeAll)
	HandleSubscriptionMessage(d, b.onNews)
}

func (b *session) onSubscribeTo(c *Context, req subscribeTo) (subscribed, error) {
	sub, welcome, err := c.Subscribe(req.Target, req.Topic, greet{Name: "session"})
	var refused *RefusedError
	if errors.As(err, &refused) {
		return subscribed{Refused: true}, nil
	}
	if err != nil {
		return subscribed{}, err
	}
	b.subs = append(b.subs, sub)
	return subscribed{Welcome: welcome.(greeting).Text}, nil
}

func (b *session) onUnsubscribeAll(c *Context, _ unsubscribeAll) (unsubscribed, error) {
	var out unsubscribed
	for _, sub := range b.subs {
		r, err := c.Unsubscribe(sub, nil)
		if err != nil {
			return unsubscribed{}, err
		}
		out.Results = append(out.Results, r)
	}
	b.subs = nil
	return out, nil
}

func (b *session) onNews(_ *Context, _ *Subscription, m news) error {
	b.p.news <- m.Text
	return nil
}

func (b *session) OnSubscriptionLost(_ *Context, s *Subscription) error {
	b.p.lost <- s.Target
	return nil
}

func (b *session) OnSubscriptionKicked(_ *Context, s *Subscription, _ Message) error {
	b.p.kicked <- s.Topic()
	return nil
}

// testCluster routes to a single in-process actor per id and respawns ids
// whose actor stopped.
type testCluster struct {
	rt   *Runtime
	cfgs map[entityid.Kind]*Config
	p    *recorder

	mu     sync.Mutex
	actors map[entityid.ID]*Actor
	stops  chan error
}

type clusterOption func(*testCluster)

func withMailboxLimit(n int) clusterOption {
	return func(c *testCluster) { c.rt.MailboxLimit = n }
}

func withAskTimeout(d time.Duration) clusterOption {
	return func(c *testCluster) { c.rt.AskTimeout = d }
}

func withLinger(d time.Duration) clusterOption {
	return func(c *testCluster) {
		cfg := c.cfgs[entityid.KindPlayer]
		cfg.New = func(entityid.ID) Behavior { return &player{p: c.p, linger: d} }
	}
}

func newTestCluster(t *testing.T, opts ...clusterOption) *testCluster {
	t.Helper()
	kinds, err := entityid.NewDefaultRegistry()
	if err != nil {
		t.Fatalf("NewDefaultRegistry: %v", err)
	}
	cbor, err := codec.CBOR()
	if err != nil {
		t.Fatalf("CBOR: %v", err)
	}
	msgs := NewMessageRegistry()
	if err := msgs.Add(testMessages...); err != nil {
		t.Fatalf("Add messages: %v", err)
	}

	c := &testCluster{
		p:      newRecorder(),
		actors: make(map[entityid.ID]*Actor),
		stops:  make(chan error, 64),
	}
	c.rt = &Runtime{
		Kinds:    kinds,
		Messages: msgs,
		Codec:    cbor,
		Router:   c,
		Logger:   slog.New(slog.DiscardHandler),
	}
	c.cfgs = map[entityid.Kind]*Config{
		entityid.KindPlayer: {
			Kind:      entityid.KindPlayer,
			ActorType: "player",
			New:       func(entityid.ID) Behavior { return &player{p: c.p} },
		},
		entityid.KindSession: {
			Kind:      entityid.KindSession,
			ActorType: "session",
			New:       func(entityid.ID) Behavior { return &session{p: c.p} },
		},
	}
	for _, o := range opts {
		o(c)
	}
	if err := c.rt.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	t.Cleanup(c.stopAll)
	return c
}

func (c *testCluster) Route(_ context.Context, id entityid.ID) (*Actor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.actors[id]; ok {
		return a, nil
	}
	cfg, ok := c.cfgs[id.Kind()]
	if !ok {
		return nil, fmt.Errorf("no config for kind %d", id.Kind())
	}
	a, err := Spawn(context.Background(), c.rt, cfg, id, c)
	if err != nil {
		return nil, err
	}
	c.actors[id] = a
	return a, nil
}

func (c *testCluster) ActorStopped(a *Actor, err error, leftovers []Letter) {
	c.mu.Lock()
	if c.actors[a.ID()] == a {
		delete(c.actors, a.ID())
	}
	c.mu.Unlock()
	for _, l := range leftovers {
		l.Fail(ErrEntityStopped)
	}
	offer(c.stops, err)
}

// actor returns the live actor of id, spawning it if needed.
func (c *testCluster) actor(t *testing.T, id entityid.ID) *Actor {
	t.Helper()
	a, err := c.Route(context.Background(), id)
	if err != nil {
		t.Fatalf("Route(%v): %v", id, err)
	}
	return a
}

func (c *testCluster) stopAll() {
	close(c.p.release)
	c.mu.Lock()
	actors := make([]*Actor, 0, len(c.actors))
	for _, a := range c.actors {
		actors = append(actors, a)
	}
	c.mu.Unlock()
	for _, a := range actors {
		a.cancel()
		<-a.Done()
	}
}

func (c *testCluster) client() *Client { return NewClient(c.rt) }

func playerID(v uint64) entityid.ID  { return entityid.MustNew(entityid.KindPlayer, v) }
func sessionID(v uint64) entityid.ID { return entityid.MustNew(entityid.KindSession, v) }

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %T", *new(T))
		panic("unreachable")
	}
}

// offer sends v unless ch is full.
func offer[T any](ch chan<- T, v T) {
	select {
	case ch <- v:
	default:
	}
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}
