package entity

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/kamstrup/intmap"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/entitymesh/internal/observe"
	"github.com/MrWong99/entitymesh/pkg/entityid"
)

// UnsubscribeResult is the target's answer to an unsubscribe.
type UnsubscribeResult int

const (
	// UnsubscribeSuccess means the target removed the subscriber.
	UnsubscribeSuccess UnsubscribeResult = iota
	// UnsubscribeUnknown means the target did not know the channel, for
	// example because it restarted.
	UnsubscribeUnknown
)

func (r UnsubscribeResult) String() string {
	if r == UnsubscribeSuccess {
		return "success"
	}
	return "unknown"
}

// channelEnd is the state shared by both views of a pub/sub channel.
type channelEnd struct {
	topic           string
	channelID       uint64
	peerChannel     uint64
	peerIncarnation uint64
	peer            *Actor
}

// Topic returns the channel's topic.
func (e *channelEnd) Topic() string { return e.topic }

// ChannelID returns the local id of the channel.
func (e *channelEnd) ChannelID() uint64 { return e.channelID }

// PeerIncarnation returns the incarnation of the entity on the other end.
func (e *channelEnd) PeerIncarnation() uint64 { return e.peerIncarnation }

// Subscriber is the target's view of one subscriber.
type Subscriber struct {
	channelEnd
	EntityID entityid.ID
}

// Subscription is the subscriber's view of one subscription.
type Subscription struct {
	channelEnd
	Target entityid.ID
}

// pubsubState is owned by the actor goroutine.
type pubsubState struct {
	nextChannel       uint64
	subscribers       *intmap.Map[uint64, *Subscriber]
	subscriptions     *intmap.Map[uint64, *Subscription]
	subscriberOrder   []*Subscriber
	subscriptionOrder []*Subscription
}

func (s *pubsubState) init() {
	s.subscribers = intmap.New[uint64, *Subscriber](4)
	s.subscriptions = intmap.New[uint64, *Subscription](4)
}

func (s *pubsubState) newChannel() uint64 {
	s.nextChannel++
	return s.nextChannel
}

func (s *pubsubState) addSubscriber(sub *Subscriber) {
	s.subscribers.Put(sub.channelID, sub)
	s.subscriberOrder = append(s.subscriberOrder, sub)
}

func (s *pubsubState) removeSubscriber(sub *Subscriber) {
	s.subscribers.Del(sub.channelID)
	s.subscriberOrder = slices.DeleteFunc(s.subscriberOrder, func(x *Subscriber) bool { return x == sub })
}

func (s *pubsubState) addSubscription(sub *Subscription) {
	s.subscriptions.Put(sub.channelID, sub)
	s.subscriptionOrder = append(s.subscriptionOrder, sub)
}

func (s *pubsubState) removeSubscription(sub *Subscription) {
	s.subscriptions.Del(sub.channelID)
	s.subscriptionOrder = slices.DeleteFunc(s.subscriptionOrder, func(x *Subscription) bool { return x == sub })
}

// dropSubscriber forgets s and stops watching its entity.
func (a *Actor) dropSubscriber(s *Subscriber) {
	a.pubsub.removeSubscriber(s)
	s.peer.removeWatcher(a)
}

// dropSubscription forgets sub and stops watching its target.
func (a *Actor) dropSubscription(sub *Subscription) {
	a.pubsub.removeSubscription(sub)
	sub.peer.removeWatcher(a)
}

// releaseWatches stops watching every peer this actor still has a channel
// to. It runs once the actor goroutine is done handling mail.
func (a *Actor) releaseWatches() {
	for _, sub := range a.pubsub.subscriptionOrder {
		sub.peer.removeWatcher(a)
	}
	for _, s := range a.pubsub.subscriberOrder {
		s.peer.removeWatcher(a)
	}
}

// Subscribers returns the current subscribers, oldest first.
func (c *Context) Subscribers() []*Subscriber {
	return slices.Clone(c.a.pubsub.subscriberOrder)
}

// HasSubscribers reports whether any entity is subscribed to this one.
func (c *Context) HasSubscribers() bool { return len(c.a.pubsub.subscriberOrder) > 0 }

// Subscriptions returns this entity's subscriptions, oldest first.
func (c *Context) Subscriptions() []*Subscription {
	return slices.Clone(c.a.pubsub.subscriptionOrder)
}

// Subscribe opens a subscription to target on topic. The target's
// [SubscriberAcceptor] answers req with the returned initial reply, or
// refuses with a [*RefusedError].
func (c *Context) Subscribe(target entityid.ID, topic string, req Message) (*Subscription, Message, error) {
	a := c.a
	rt := a.rt
	if err := rt.checkTarget(target); err != nil {
		return nil, nil, err
	}
	if target == a.id {
		return nil, nil, ErrAskSelf
	}

	m := rt.metrics()
	topicAttr := observe.Attr("topic", topic)
	m.Subscribes.Add(c, 1, metric.WithAttributes(topicAttr))
	subscribeErr := func(reason string) {
		m.SubscribeErrors.Add(c, 1, metric.WithAttributes(topicAttr, observe.Attr("reason", reason)))
	}

	env, err := rt.encode(req)
	if err != nil {
		return nil, nil, err
	}
	channel := a.pubsub.newChannel()
	reply := make(chan subscribeReply, 1)
	letter := &subscribeMail{
		from:            a.id,
		fromIncarnation: a.incarnation,
		peer:            a,
		peerChannel:     channel,
		topic:           topic,
		env:             env,
		reply:           reply,
		span:            trace.SpanContextFromContext(c),
	}
	if err := deliver(c, rt, target, letter); err != nil {
		return nil, nil, err
	}

	timer := time.NewTimer(rt.askTimeout())
	defer timer.Stop()
	var r subscribeReply
	select {
	case r = <-reply:
	case <-timer.C:
		subscribeErr(observe.ReasonTimeout)
		return nil, nil, fmt.Errorf("%w: subscribe %s on %s", ErrAskTimeout, topic, rt.Format(target))
	case <-c.Done():
		return nil, nil, c.Err()
	}

	if r.err != nil {
		subscribeErr(observe.ReasonException)
		return nil, nil, r.err
	}
	msg, err := rt.decode(r.env)
	if err != nil {
		subscribeErr(observe.ReasonInvalidResponse)
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	if r.refused {
		ref, ok := msg.(Refusal)
		if !ok {
			subscribeErr(observe.ReasonInvalidResponse)
			return nil, nil, fmt.Errorf("%w: refusal %s is not an error", ErrInvalidResponse, messageName(msg))
		}
		return nil, nil, &RefusedError{Origin: r.origin, Refusal: ref}
	}

	sub := &Subscription{
		channelEnd: channelEnd{
			topic:           topic,
			channelID:       channel,
			peerChannel:     r.channel,
			peerIncarnation: r.incarnation,
			peer:            r.peer,
		},
		Target: target,
	}
	a.pubsub.addSubscription(sub)
	r.peer.addWatcher(a)
	return sub, msg, nil
}

// Unsubscribe ends sub, handing goodbye (which may be nil) to the target.
// The subscription is removed locally regardless of the result.
func (c *Context) Unsubscribe(sub *Subscription, goodbye Message) (UnsubscribeResult, error) {
	a := c.a
	if _, ok := a.pubsub.subscriptions.Get(sub.channelID); !ok {
		return UnsubscribeUnknown, nil
	}
	a.dropSubscription(sub)

	env, err := a.rt.encode(goodbye)
	if err != nil {
		return UnsubscribeUnknown, err
	}
	reply := make(chan UnsubscribeResult, 1)
	if err := sub.peer.post(&unsubscribeMail{
		channel:           sub.peerChannel,
		senderIncarnation: a.incarnation,
		env:               env,
		reply:             reply,
	}); err != nil {
		return UnsubscribeUnknown, nil
	}

	timer := time.NewTimer(a.rt.askTimeout())
	defer timer.Stop()
	select {
	case r := <-reply:
		return r, nil
	case <-timer.C:
		return UnsubscribeUnknown, fmt.Errorf("%w: unsubscribe from %s", ErrAskTimeout, a.rt.Format(sub.Target))
	case <-c.Done():
		return UnsubscribeUnknown, c.Err()
	}
}

// Kick removes subscriber s and hands goodbye (which may be nil) to it.
func (c *Context) Kick(s *Subscriber, goodbye Message) error {
	a := c.a
	if _, ok := a.pubsub.subscribers.Get(s.channelID); !ok {
		return nil
	}
	env, err := a.rt.encode(goodbye)
	if err != nil {
		return err
	}
	a.dropSubscriber(s)
	_ = s.peer.post(&kickMail{channel: s.peerChannel, senderIncarnation: a.incarnation, env: env})
	a.scheduleLingerCheck()
	return nil
}

// Publish sends msg to every subscriber on topic.
func (c *Context) Publish(topic string, msg Message) error {
	a := c.a
	env, err := a.rt.encode(msg)
	if err != nil {
		return err
	}
	for _, s := range a.pubsub.subscriberOrder {
		if s.topic == topic {
			a.sendToSubscriber(s, env)
		}
	}
	return nil
}

// SendToSubscriber sends msg to one subscriber.
func (c *Context) SendToSubscriber(s *Subscriber, msg Message) error {
	env, err := c.a.rt.encode(msg)
	if err != nil {
		return err
	}
	c.a.sendToSubscriber(s, env)
	return nil
}

// SendToTarget sends msg to the target of sub.
func (c *Context) SendToTarget(sub *Subscription, msg Message) error {
	a := c.a
	env, err := a.rt.encode(msg)
	if err != nil {
		return err
	}
	_ = sub.peer.post(&pubsubMail{
		toTarget:            true,
		channel:             sub.peerChannel,
		senderChannel:       sub.channelID,
		senderIncarnation:   a.incarnation,
		receiverIncarnation: sub.peerIncarnation,
		sender:              a,
		env:                 env,
	})
	return nil
}

func (a *Actor) sendToSubscriber(s *Subscriber, env Envelope) {
	_ = s.peer.post(&pubsubMail{
		channel:             s.peerChannel,
		senderChannel:       s.channelID,
		senderIncarnation:   a.incarnation,
		receiverIncarnation: s.peerIncarnation,
		sender:              a,
		env:                 env,
	})
}

func (a *Actor) handleSubscribe(m *subscribeMail) error {
	refuse := func(r Refusal) error {
		env, err := a.rt.encode(r)
		if err != nil {
			return err
		}
		m.reply <- subscribeReply{env: env, refused: true, origin: a.id}
		return nil
	}
	fail := func(err error) { m.reply <- subscribeReply{err: err} }

	acc, ok := hookOf[SubscriberAcceptor](a.behavior)
	if !ok {
		return refuse(NoHandlerError{EntityID: a.id, AskType: "subscribe " + m.topic, ActorType: a.cfg.ActorType})
	}
	req, err := a.rt.decode(m.env)
	if err != nil {
		fail(a.unexpected(err, "decode subscribe"))
		return nil
	}

	s := &Subscriber{
		channelEnd: channelEnd{
			topic:           m.topic,
			channelID:       a.pubsub.newChannel(),
			peerChannel:     m.peerChannel,
			peerIncarnation: m.fromIncarnation,
			peer:            m.peer,
		},
		EntityID: m.from,
	}
	ctx, span := a.startSpan(m.span, "entity.subscribe", req)
	defer span.End()
	c := a.contextFor(ctx)

	var resp Message
	err = invoke(func() (err error) {
		resp, err = acc.OnNewSubscriber(c, s, req)
		return err
	})
	if err != nil {
		return a.answerFailure(err, "OnNewSubscriber", refuse, fail)
	}
	env, err := a.rt.encode(resp)
	if err != nil {
		fail(a.unexpected(err, "OnNewSubscriber"))
		return err
	}

	a.pubsub.addSubscriber(s)
	a.lingerGen++
	m.peer.addWatcher(a)
	m.reply <- subscribeReply{channel: s.channelID, incarnation: a.incarnation, peer: a, env: env}
	return nil
}

func (a *Actor) replyUnknown(m *pubsubMail) {
	_ = m.sender.post(unknownChannelMail{
		channel:      m.senderChannel,
		subscription: m.toTarget,
		incarnation:  m.senderIncarnation,
	})
}

func (a *Actor) handlePubSub(m *pubsubMail) error {
	if m.receiverIncarnation != a.incarnation {
		a.replyUnknown(m)
		return nil
	}
	c := a.contextFor(a.ctx)

	if m.toTarget {
		s, ok := a.pubsub.subscribers.Get(m.channel)
		if !ok || s.peerIncarnation != m.senderIncarnation {
			a.replyUnknown(m)
			return nil
		}
		msg, err := a.rt.decode(m.env)
		if err != nil {
			a.log.Warn("dropping undecodable subscriber message", "error", err)
			return nil
		}
		h, ok := a.disp.fromSubscriber[typeOf(msg)]
		if !ok {
			a.log.Warn("no handler for subscriber message", "message", messageName(msg), "topic", s.topic)
			return nil
		}
		return wrapHandler(h.name, invoke(func() error { return h.subscriber(c, s, msg) }))
	}

	sub, ok := a.pubsub.subscriptions.Get(m.channel)
	if !ok || sub.peerIncarnation != m.senderIncarnation {
		a.replyUnknown(m)
		return nil
	}
	msg, err := a.rt.decode(m.env)
	if err != nil {
		a.log.Warn("dropping undecodable subscription message", "error", err)
		return nil
	}
	h, ok := a.disp.fromTarget[typeOf(msg)]
	if !ok {
		a.log.Warn("no handler for subscription message", "message", messageName(msg), "topic", sub.topic)
		return nil
	}
	return wrapHandler(h.name, invoke(func() error { return h.subscription(c, sub, msg) }))
}

func (a *Actor) handleUnsubscribe(m *unsubscribeMail) error {
	s, ok := a.pubsub.subscribers.Get(m.channel)
	if !ok || s.peerIncarnation != m.senderIncarnation {
		m.reply <- UnsubscribeUnknown
		return nil
	}
	a.dropSubscriber(s)
	m.reply <- UnsubscribeSuccess

	goodbye, err := a.rt.decode(m.env)
	if err != nil {
		a.log.Warn("dropping undecodable goodbye", "error", err)
	}
	if h, ok := hookOf[SubscriberUnsubscribedHook](a.behavior); ok {
		c := a.contextFor(a.ctx)
		if err := invoke(func() error { return h.OnSubscriberUnsubscribed(c, s, goodbye) }); err != nil {
			return wrapHandler("OnSubscriberUnsubscribed", err)
		}
	}
	a.scheduleLingerCheck()
	return nil
}

func (a *Actor) handleKick(m *kickMail) error {
	sub, ok := a.pubsub.subscriptions.Get(m.channel)
	if !ok || sub.peerIncarnation != m.senderIncarnation {
		return nil
	}
	a.dropSubscription(sub)

	goodbye, err := a.rt.decode(m.env)
	if err != nil {
		a.log.Warn("dropping undecodable goodbye", "error", err)
	}
	if h, ok := hookOf[SubscriptionKickedHook](a.behavior); ok {
		c := a.contextFor(a.ctx)
		if err := invoke(func() error { return h.OnSubscriptionKicked(c, sub, goodbye) }); err != nil {
			return wrapHandler("OnSubscriptionKicked", err)
		}
	}
	return nil
}

func (a *Actor) handleUnknownChannel(m unknownChannelMail) error {
	if m.incarnation != a.incarnation {
		return nil
	}
	if m.subscription {
		if sub, ok := a.pubsub.subscriptions.Get(m.channel); ok {
			return a.loseSubscription(sub)
		}
		return nil
	}
	if s, ok := a.pubsub.subscribers.Get(m.channel); ok {
		return a.loseSubscriber(s)
	}
	return nil
}

func (a *Actor) loseSubscription(sub *Subscription) error {
	a.dropSubscription(sub)
	if h, ok := hookOf[SubscriptionLostHook](a.behavior); ok {
		c := a.contextFor(a.ctx)
		if err := invoke(func() error { return h.OnSubscriptionLost(c, sub) }); err != nil {
			return wrapHandler("OnSubscriptionLost", err)
		}
	}
	return nil
}

func (a *Actor) loseSubscriber(s *Subscriber) error {
	a.dropSubscriber(s)
	if h, ok := hookOf[SubscriberLostHook](a.behavior); ok {
		c := a.contextFor(a.ctx)
		if err := invoke(func() error { return h.OnSubscriberLost(c, s) }); err != nil {
			return wrapHandler("OnSubscriberLost", err)
		}
	}
	a.scheduleLingerCheck()
	return nil
}

// handleTerminated drops every channel bound to the stopped incarnation,
// then hands the notification to the behavior if it handles it.
func (a *Actor) handleTerminated(ev WatchedEntityTerminated) error {
	var errs []error
	for _, sub := range slices.Clone(a.pubsub.subscriptionOrder) {
		if sub.Target == ev.EntityID && sub.peerIncarnation == ev.IncarnationID {
			errs = append(errs, a.loseSubscription(sub))
		}
	}
	for _, s := range slices.Clone(a.pubsub.subscriberOrder) {
		if s.EntityID == ev.EntityID && s.peerIncarnation == ev.IncarnationID {
			errs = append(errs, a.loseSubscriber(s))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	if _, ok := a.disp.casts[typeOf(ev)]; ok {
		return a.dispatchMessage(a.ctx, ev, nil)
	}
	return nil
}

func wrapHandler(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("entity: %s: %w", name, err)
}
