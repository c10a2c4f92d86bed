package persist

import (
	"time"

	"github.com/MrWong99/entitymesh/internal/entity"
)

// snapshotTick drives periodic snapshots. It never leaves its entity.
type snapshotTick struct{}

func (snapshotTick) MessageCode() uint32 { return 0 }

// scheduledPersist carries the running id of the scheduled persist it was
// sent for; older ids are stale.
type scheduledPersist struct{ RunningID uint64 }

func (scheduledPersist) MessageCode() uint32 { return 0 }

// lifecycle is the payload-independent persist bookkeeping of one
// incarnation.
type lifecycle struct {
	persist      func(c *entity.Context, final bool) error
	minScheduled time.Duration

	lastPersistedAt   time.Time
	lastWrite         time.Time
	earliestScheduled time.Time
	pendingScheduled  bool
	runningID         uint64
	afterPersist      []func()
	persists          int
	loadedVersion     int
	version           int
	restoredNonFinal  bool
}

func (l *lifecycle) persisted(now time.Time, version int) {
	l.lastPersistedAt = now
	l.lastWrite = now
	l.version = version
	l.persists++
	l.pendingScheduled = false
	l.earliestScheduled = now.Add(l.minScheduled)

	actions := l.afterPersist
	l.afterPersist = nil
	for _, fn := range actions {
		fn()
	}
}

func (l *lifecycle) writtenVersion() int {
	if l.persists == 0 {
		return l.loadedVersion
	}
	return l.version
}

func (l *lifecycle) runAfterNextPersist(fn func()) {
	l.afterPersist = append(l.afterPersist, fn)
}

// intermediate writes a non-final snapshot. Only validation failures are
// returned; a failed write is logged and retried by the next snapshot.
func (l *lifecycle) intermediate(c *entity.Context) error {
	err := l.persist(c, false)
	if err == nil || isFatal(err) {
		return err
	}
	c.Logger().Warn("intermediate persist failed", "error", err)
	l.pendingScheduled = false
	return nil
}

func (l *lifecycle) schedule(c *entity.Context) {
	if l.pendingScheduled {
		return
	}
	l.pendingScheduled = true
	l.runningID++
	c.ScheduleSelf(max(0, l.earliestScheduled.Sub(c.Now())), scheduledPersist{RunningID: l.runningID})
}

// Handle gives logic access to the persisted lifecycle from inside a
// handler. Like the [entity.Context] it is bound to, a Handle must not be
// kept beyond the handler call.
type Handle struct {
	c *entity.Context
	l *lifecycle
}

type core interface {
	persistCore() *lifecycle
}

// From returns the persist handle of the entity handling c. It panics when
// the entity's behavior was not created by [New].
func From(c *entity.Context) Handle {
	b, ok := c.Behavior().(core)
	if !ok {
		panic("persist: " + c.Runtime().Format(c.ID()) + " is not a persisted entity")
	}
	return Handle{c: c, l: b.persistCore()}
}

// SchedulePersist requests a non-final persist soon. Bursts of requests
// coalesce into one persist, at most one per MinScheduledPersistInterval.
func (h Handle) SchedulePersist() { h.l.schedule(h.c) }

// PersistNow writes a non-final snapshot immediately.
func (h Handle) PersistNow() error { return h.l.persist(h.c, false) }

// RunAfterNextPersist calls fn once, right after the next successful
// persist of any kind, including the final one.
func (h Handle) RunAfterNextPersist(fn func()) { h.l.runAfterNextPersist(fn) }

// LastPersistedAt returns the time of the last persist, or the zero time if
// this incarnation has not persisted yet.
func (h Handle) LastPersistedAt() time.Time { return h.l.lastWrite }

// RestoredNonFinal reports whether the entity was loaded from a record that
// was not written by a graceful shutdown.
func (h Handle) RestoredNonFinal() bool { return h.l.restoredNonFinal }
