package entity

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// maxTicksPerCycle is the number of timer deliveries handled within one
// interval before further deliveries in that interval are dropped. Scheduler
// drift normally yields up to two.
const maxTicksPerCycle = 4

// TimerID identifies a periodic timer of one actor.
type TimerID uint64

// periodicTimer holds the pileup state of one periodic timer. It is only
// touched from the actor's goroutine.
type periodicTimer struct {
	id       TimerID
	msg      Message
	firstAt  time.Time
	interval time.Duration
	stop     context.CancelFunc

	flushing  bool
	ignored   int
	lastCycle int64
	inCycle   int
}

// tickOutcome is the decision for one delivery.
type tickOutcome struct {
	dispatch bool
	cycle    int64

	// flushDropped is set on the first delivery after a flush completed.
	flushDropped int

	// cycleDropped is set on the first delivery of a cycle following one
	// that exceeded maxTicksPerCycle.
	cycleDropped int
}

func (t *periodicTimer) cycleAt(now time.Time) int64 {
	return int64(now.Sub(t.firstAt) / t.interval)
}

// onTick applies the pileup rules to a delivery at now.
func (t *periodicTimer) onTick(now time.Time) tickOutcome {
	var out tickOutcome
	if t.flushing {
		t.ignored++
		return out
	}
	if t.ignored > 0 {
		out.flushDropped = t.ignored
		t.ignored = 0
	}

	out.cycle = t.cycleAt(now)
	if t.lastCycle == out.cycle {
		t.inCycle++
		if t.inCycle > maxTicksPerCycle {
			return out
		}
	} else {
		if t.inCycle > maxTicksPerCycle {
			out.cycleDropped = t.inCycle - maxTicksPerCycle
		}
		t.lastCycle = out.cycle
		t.inCycle = 1
	}
	out.dispatch = true
	return out
}

// afterDispatch reports whether the handler ran past the end of its cycle,
// in which case the timer starts flushing until its reset marker arrives.
func (t *periodicTimer) afterDispatch(cycle int64, now time.Time) bool {
	if t.cycleAt(now) == cycle {
		return false
	}
	t.flushing = true
	return true
}

// RandomizedInitialDelay returns interval scaled by a factor in [0.5, 1.5).
func RandomizedInitialDelay(interval time.Duration) time.Duration {
	return time.Duration((0.5 + rand.Float64()) * float64(interval))
}

func (a *Actor) startTimer(initialDelay, interval time.Duration, msg Message) (TimerID, error) {
	if interval <= 0 {
		return 0, fmt.Errorf("entity: periodic timer interval must be positive, got %s", interval)
	}
	if msg == nil {
		return 0, fmt.Errorf("entity: periodic timer needs a message")
	}
	if _, ok := a.disp.casts[typeOf(msg)]; !ok {
		return 0, fmt.Errorf("entity: %s has no handler for timer message %s", a.cfg.ActorType, messageName(msg))
	}
	if a.timersCancelled {
		return 0, ErrEntityStopped
	}

	a.nextTimerID++
	ctx, cancel := context.WithCancel(a.timersCtx)
	t := &periodicTimer{
		id:       a.nextTimerID,
		msg:      msg,
		firstAt:  a.rt.clock().Now().Add(initialDelay),
		interval: interval,
		stop:     cancel,
	}
	a.timers.Put(uint64(t.id), t)
	go runTicker(ctx, initialDelay, interval, func() bool {
		return a.mbox.push(timerTick{id: t.id}) == nil
	})
	return t.id, nil
}

func runTicker(ctx context.Context, initialDelay, interval time.Duration, tick func() bool) {
	first := time.NewTimer(initialDelay)
	defer first.Stop()
	select {
	case <-ctx.Done():
		return
	case <-first.C:
	}
	if !tick() {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !tick() {
				return
			}
		}
	}
}

func (a *Actor) cancelTimer(id TimerID) {
	if t, ok := a.timers.Get(uint64(id)); ok {
		t.stop()
		a.timers.Del(uint64(id))
	}
}

// cancelAllTimers stops every timer and makes late deliveries, including
// scheduled self-messages, no-ops.
func (a *Actor) cancelAllTimers() {
	if a.timersCancelled {
		return
	}
	a.timersCancelled = true
	a.stopTimers()
	a.timers.Clear()
}

func (a *Actor) handleTimerTick(id TimerID) error {
	if a.timersCancelled {
		return nil
	}
	t, ok := a.timers.Get(uint64(id))
	if !ok {
		return nil
	}

	out := t.onTick(a.rt.clock().Now())
	name := messageName(t.msg)
	if out.flushDropped > 0 {
		a.log.Warn("periodic timer handler took longer than its interval, dropped piled up invocations",
			"timer", name, "dropped", out.flushDropped)
	}
	if out.cycleDropped > 0 {
		a.log.Warn("periodic timer had too many pending invocations, process may have been paused or starved",
			"timer", name, "dropped", out.cycleDropped)
	}
	if !out.dispatch {
		a.rt.metrics().TimerTicksDropped.Add(a.ctx, 1, a.kindAttr)
		return nil
	}

	if err := a.dispatchMessage(a.ctx, t.msg, nil); err != nil {
		return err
	}
	if t.afterDispatch(out.cycle, a.rt.clock().Now()) {
		_ = a.mbox.push(timerReset{id: id})
	}
	return nil
}

func (a *Actor) handleTimerReset(id TimerID) {
	if t, ok := a.timers.Get(uint64(id)); ok {
		t.flushing = false
	}
}
