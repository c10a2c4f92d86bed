package entity

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/entitymesh/pkg/entityid"
)

// mail is one item in an actor's mailbox.
type mail interface {
	// external reports whether the item was posted by another party and
	// therefore counts against the mailbox limit and may be re-routed to
	// the next incarnation.
	external() bool

	// fail answers the item's sender, if it waits for an answer.
	fail(err error)
}

type castMail struct {
	from entityid.ID
	env  Envelope
	span trace.SpanContext
}

type askMail struct {
	from  entityid.ID
	env   Envelope
	reply chan askReply
	span  trace.SpanContext
}

type askReply struct {
	env     Envelope
	refused bool
	origin  entityid.ID
	err     error
}

// selfMail carries an undecoded message from the actor to itself.
type selfMail struct {
	msg       Message
	scheduled bool
}

type timerTick struct{ id TimerID }

type timerReset struct{ id TimerID }

type shutdownMail struct{}

type terminatedMail struct{ ev WatchedEntityTerminated }

type lingerMail struct{ gen uint64 }

type subscribeMail struct {
	from            entityid.ID
	fromIncarnation uint64
	peer            *Actor
	peerChannel     uint64
	topic           string
	env             Envelope
	reply           chan subscribeReply
	span            trace.SpanContext
}

type subscribeReply struct {
	channel     uint64
	incarnation uint64
	peer        *Actor
	env         Envelope
	refused     bool
	origin      entityid.ID
	err         error
}

type pubsubMail struct {
	toTarget            bool
	channel             uint64
	senderChannel       uint64
	senderIncarnation   uint64
	receiverIncarnation uint64
	sender              *Actor
	env                 Envelope
}

type unsubscribeMail struct {
	channel           uint64
	senderIncarnation uint64
	env               Envelope
	reply             chan UnsubscribeResult
}

type kickMail struct {
	channel           uint64
	senderIncarnation uint64
	env               Envelope
}

// unknownChannelMail tells the receiver that its peer no longer recognises
// channel. subscription is true when channel is in the receiver's
// subscription table.
type unknownChannelMail struct {
	channel      uint64
	subscription bool
	incarnation  uint64
}

type syncMail struct {
	from   entityid.ID
	env    Envelope
	ch     *SyncChannel
	opened chan error
	sentAt time.Time
	span   trace.SpanContext
}

func (*castMail) external() bool { return true }
func (*askMail) external() bool { return true }
func (*subscribeMail) external() bool { return true }
func (*syncMail) external() bool { return true }
func (selfMail) external() bool { return false }
func (timerTick) external() bool { return false }
func (timerReset) external() bool { return false }
func (shutdownMail) external() bool { return false }
func (terminatedMail) external() bool { return false }
func (lingerMail) external() bool { return false }
func (*pubsubMail) external() bool { return false }
func (*unsubscribeMail) external() bool { return false }
func (*kickMail) external() bool { return false }
func (unknownChannelMail) external() bool { return false }

func (m *askMail) fail(err error) { m.reply <- askReply{err: err} }
func (m *subscribeMail) fail(err error) { m.reply <- subscribeReply{err: err} }
func (m *syncMail) fail(err error) { m.opened <- err }
func (m *unsubscribeMail) fail(error) { m.reply <- UnsubscribeUnknown }
func (*castMail) fail(error) {}
func (selfMail) fail(error) {}
func (timerTick) fail(error) {}
func (timerReset) fail(error) {}
func (shutdownMail) fail(error) {}
func (terminatedMail) fail(error) {}
func (lingerMail) fail(error) {}
func (*pubsubMail) fail(error) {}
func (*kickMail) fail(error) {}
func (unknownChannelMail) fail(error) {}

// Letter is a message left in a stopped actor's mailbox. Hosts hand it to
// the next incarnation with [Actor.Deliver] or answer it with [Letter.Fail].
type Letter struct {
	m mail
}

// Fail answers the letter's sender with err.
func (l Letter) Fail(err error) { l.m.fail(err) }

// mailbox is an actor's inbox. Only external mail counts against limit.
type mailbox struct {
	q        *queue[mail]
	limit    int
	external atomic.Int64
}

func newMailbox(limit int) *mailbox {
	return &mailbox{q: newQueue[mail](), limit: limit}
}

func (mb *mailbox) push(m mail) error {
	counted := mb.limit > 0 && m.external()
	if counted && mb.external.Add(1) > int64(mb.limit) {
		mb.external.Add(-1)
		return ErrMailboxFull
	}
	if !mb.q.push(m) {
		if counted {
			mb.external.Add(-1)
		}
		return ErrEntityStopped
	}
	return nil
}

func (mb *mailbox) pop(ctx context.Context) (mail, bool) {
	m, ok := mb.q.pop(ctx)
	if ok && mb.limit > 0 && m.external() {
		mb.external.Add(-1)
	}
	return m, ok
}
