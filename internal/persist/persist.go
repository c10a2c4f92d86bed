// Package persist runs the lifecycle of entities whose state survives
// restarts.
//
// [New] wraps application [Logic] in an [entity.Behavior] that loads the
// entity's record before the first message is handled, migrates it to the
// newest schema version, snapshots it periodically and writes a final record
// on graceful shutdown. Logic reaches the lifecycle through [From].
package persist

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand/v2"
	"reflect"
	"strings"
	"time"

	"github.com/MrWong99/entitymesh/internal/entity"
	"github.com/MrWong99/entitymesh/internal/observe"
	"github.com/MrWong99/entitymesh/internal/storage"
	"github.com/MrWong99/entitymesh/pkg/codec"
	"github.com/MrWong99/entitymesh/pkg/schema"
)

// Defaults for [Options].
const (
	DefaultSnapshotInterval            = 30 * time.Second
	DefaultMinScheduledPersistInterval = 10 * time.Second
)

// ErrPersistValidation is returned when freshly serialized state does not
// read back. Nothing is written and the entity crashes.
var ErrPersistValidation = errors.New("persist: persisted state failed validation")

func isFatal(err error) bool { return errors.Is(err, ErrPersistValidation) }

// Logic is the application side of a persisted entity with payload type P.
type Logic[P any] interface {
	entity.Behavior

	// InitializeNew returns the state of an entity that has no usable
	// record.
	InitializeNew(c *entity.Context) (*P, error)

	// PostLoad takes ownership of the loaded or new payload. elapsed is the
	// time since the record was written, zero for new entities.
	PostLoad(c *entity.Context, payload *P, persistedAt time.Time, elapsed time.Duration) error

	// Snapshot returns the state to persist.
	Snapshot(c *entity.Context) (*P, error)
}

// MigrationHooks is implemented by logic with side effects around schema
// migration of its payload.
type MigrationHooks[P any] interface {
	BeforeMigration(c *entity.Context, payload *P, from, to int)
	AfterMigration(c *entity.Context, payload *P, from, to int)
}

// Options configures the persisted lifecycle.
type Options[P any] struct {
	Store storage.Store
	Codec codec.Codec

	// Compression defaults to none.
	Compression codec.Compression

	// Migrations defaults to a registry supporting only schema version 1.
	Migrations *schema.Registry[P]

	// SnapshotInterval is both the snapshot timer period and the minimum
	// time between periodic snapshots.
	SnapshotInterval time.Duration

	// MinScheduledPersistInterval rate-limits [Handle.SchedulePersist].
	MinScheduledPersistInterval time.Duration

	// ExtraPersistenceChecks reads every serialized payload back before it
	// is written.
	ExtraPersistenceChecks bool

	// ShutdownPolicy applies when the logic does not choose its own.
	ShutdownPolicy entity.ShutdownPolicy
}

// Validate reports missing collaborators and inconsistent settings.
func (o *Options[P]) Validate() error {
	var errs []error
	if o.Store == nil {
		errs = append(errs, errors.New("persist: no store"))
	}
	if o.Codec == nil {
		errs = append(errs, errors.New("persist: no codec"))
	}
	if o.Compression != "" && !o.Compression.IsValid() {
		errs = append(errs, fmt.Errorf("persist: unknown compression %q", o.Compression))
	}
	if o.Migrations != nil {
		if err := o.Migrations.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if o.SnapshotInterval < 0 || o.MinScheduledPersistInterval < 0 {
		errs = append(errs, errors.New("persist: intervals must not be negative"))
	}
	return errors.Join(errs...)
}

func (o *Options[P]) applyDefaults() {
	if o.Compression == "" {
		o.Compression = codec.CompressionNone
	}
	if o.Migrations == nil {
		o.Migrations = schema.New[P](1, 1)
	}
	if o.SnapshotInterval == 0 {
		o.SnapshotInterval = DefaultSnapshotInterval
	}
	if o.MinScheduledPersistInterval == 0 {
		o.MinScheduledPersistInterval = DefaultMinScheduledPersistInterval
	}
}

// Entity is the [entity.Behavior] of a persisted entity. It is created by
// [New] and used only from its actor goroutine.
type Entity[P any] struct {
	logic Logic[P]
	opts  Options[P]
	state lifecycle
}

var (
	_ entity.Wrapper                = (*Entity[struct{}])(nil)
	_ entity.Persisted              = (*Entity[struct{}])(nil)
	_ entity.Initializer            = (*Entity[struct{}])(nil)
	_ entity.ShutdownHook           = (*Entity[struct{}])(nil)
	_ entity.ShutdownPolicyProvider = (*Entity[struct{}])(nil)
	_ entity.Describer              = (*Entity[struct{}])(nil)
)

// New returns the behavior running logic with the persisted lifecycle.
func New[P any](logic Logic[P], opts Options[P]) *Entity[P] {
	opts.applyDefaults()
	e := &Entity[P]{logic: logic, opts: opts}
	e.state.persist = e.persist
	e.state.minScheduled = opts.MinScheduledPersistInterval
	return e
}

// Unwrap implements [entity.Wrapper].
func (e *Entity[P]) Unwrap() entity.Behavior { return e.logic }

// Logic returns the wrapped logic.
func (e *Entity[P]) Logic() Logic[P] { return e.logic }

// PersistedPayloadType implements [entity.Persisted].
func (e *Entity[P]) PersistedPayloadType() reflect.Type { return reflect.TypeFor[P]() }

// ShutdownPolicy implements [entity.ShutdownPolicyProvider].
func (e *Entity[P]) ShutdownPolicy() entity.ShutdownPolicy {
	if p, ok := e.logic.(entity.ShutdownPolicyProvider); ok {
		return p.ShutdownPolicy()
	}
	return e.opts.ShutdownPolicy
}

// Register implements [entity.Behavior].
func (e *Entity[P]) Register(d *entity.Dispatcher) {
	e.logic.Register(d)
	entity.HandleMessage(d, e.onSnapshotTick)
	entity.HandleMessage(d, e.onScheduledPersist)
	entity.HandleAskDeferred(d, e.onRefresh)
	entity.HandleAskDeferred(d, e.onEnsureLatest)
}

func kindName(c *entity.Context) string {
	return c.Runtime().Kinds.Name(c.ID().Kind())
}

func metricsOf(c *entity.Context) *observe.Metrics {
	if m := c.Runtime().Metrics; m != nil {
		return m
	}
	return observe.DefaultMetrics()
}

// Initialize implements [entity.Initializer]. It loads or creates the
// payload and hands it to the logic before any message is handled.
func (e *Entity[P]) Initialize(c *entity.Context) error {
	if err := e.opts.Validate(); err != nil {
		return err
	}
	now := c.Now()
	jitter := time.Duration((rand.Float64() - 0.5) * float64(e.opts.SnapshotInterval))
	e.state.lastPersistedAt = now.Add(jitter)
	e.state.earliestScheduled = now
	if _, err := c.StartRandomizedPeriodicTimer(e.opts.SnapshotInterval, snapshotTick{}); err != nil {
		return err
	}

	rec, err := e.opts.Store.Get(c, c.ID())
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return e.initializeNew(c, true)
	case err != nil:
		return fmt.Errorf("persist: load %s: %w", c.Runtime().Format(c.ID()), err)
	}

	oldest, newest := e.opts.Migrations.SupportedVersions()
	log := c.Logger()
	log.Debug("restoring from snapshot",
		"persisted_at", rec.PersistedAt,
		"schema_version", rec.SchemaVersion,
		"is_final", rec.IsFinal,
		"bytes", len(rec.Payload))
	if rec.SchemaVersion < oldest {
		log.Warn("persisted schema version too old, resetting state",
			"schema_version", rec.SchemaVersion, "oldest_supported", oldest)
		return e.initializeNew(c, false)
	}
	if rec.SchemaVersion > newest {
		return fmt.Errorf("%w: %s v%d is newer than v%d", schema.ErrUnsupportedVersion,
			e.opts.Migrations.PayloadType(), rec.SchemaVersion, newest)
	}
	if !rec.IsFinal {
		e.state.restoredNonFinal = true
		metricsOf(c).RecordNonFinalRestored(c, kindName(c))
		log.Info("restoring from non-final snapshot")
	}

	payload, err := e.decode(rec.Payload)
	if err != nil {
		log.Error("cannot deserialize persisted payload", "type", e.opts.Migrations.PayloadType(), "error", err)
		log.Debug("persisted payload", "bytes", len(rec.Payload), "payload", base64.StdEncoding.EncodeToString(rec.Payload))
		return fmt.Errorf("persist: restore %s: %w", c.Runtime().Format(c.ID()), err)
	}
	if err := e.migrate(c, payload, rec.SchemaVersion); err != nil {
		return err
	}
	if err := e.logic.PostLoad(c, payload, rec.PersistedAt, now.Sub(rec.PersistedAt)); err != nil {
		return fmt.Errorf("persist: post-load: %w", err)
	}
	e.state.loadedVersion = rec.SchemaVersion
	return nil
}

// initializeNew creates fresh state. A brand new entity persists it right
// away; one whose record was too old is written by its next persist.
func (e *Entity[P]) initializeNew(c *entity.Context, persist bool) error {
	payload, err := e.logic.InitializeNew(c)
	if err != nil {
		return fmt.Errorf("persist: initialize new: %w", err)
	}
	if err := e.logic.PostLoad(c, payload, c.Now(), 0); err != nil {
		return fmt.Errorf("persist: post-load: %w", err)
	}
	_, e.state.loadedVersion = e.opts.Migrations.SupportedVersions()
	if !persist {
		return nil
	}
	return e.persist(c, false)
}

func (e *Entity[P]) migrate(c *entity.Context, payload *P, from int) error {
	_, to := e.opts.Migrations.SupportedVersions()
	if from == to {
		return nil
	}
	log := c.Logger()
	log.Info("migrating payload", "from", from, "to", to)
	hooks, _ := e.logic.(MigrationHooks[P])
	if hooks != nil {
		hooks.BeforeMigration(c, payload, from, to)
	}
	if _, err := e.opts.Migrations.Migrate(payload, from); err != nil {
		failedFrom, failedTo := from, from+1
		var merr *schema.MigrationError
		if errors.As(err, &merr) {
			failedFrom, failedTo = merr.FromVersion, merr.ToVersion
		}
		metricsOf(c).RecordMigrationFailed(c, kindName(c), failedFrom, failedTo)
		log.Error("schema migration failed", "from", failedFrom, "to", failedTo, "error", err)
		return fmt.Errorf("persist: migrate: %w", err)
	}
	metricsOf(c).RecordSchemaMigrated(c, kindName(c), from, to)
	if hooks != nil {
		hooks.AfterMigration(c, payload, from, to)
	}
	return nil
}

func (e *Entity[P]) decode(blob []byte) (*P, error) {
	data, err := codec.Decompress(blob)
	if err != nil {
		return nil, err
	}
	p := new(P)
	if err := e.opts.Codec.Unmarshal(data, p); err != nil {
		return nil, err
	}
	return p, nil
}

// persist writes the current snapshot. It runs the after-persist
// continuations once the record is stored.
func (e *Entity[P]) persist(c *entity.Context, final bool) error {
	start := time.Now()
	ctx, span := observe.StartEntitySpan(c, "entity.persist", c.Runtime().Format(c.ID()), "")
	defer span.End()

	payload, err := e.logic.Snapshot(c)
	if err != nil {
		return fmt.Errorf("persist: snapshot: %w", err)
	}
	data, err := e.opts.Codec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("persist: serialize: %w", err)
	}
	blob, err := codec.Compress(e.opts.Compression, data)
	if err != nil {
		return fmt.Errorf("persist: compress: %w", err)
	}
	compressed := len(blob)
	if e.opts.Compression == codec.CompressionNone {
		compressed = len(data)
	}
	if e.opts.ExtraPersistenceChecks {
		if err := e.validate(blob); err != nil {
			span.RecordError(err)
			return err
		}
	}

	_, version := e.opts.Migrations.SupportedVersions()
	now := c.Now()
	rec := storage.Record{
		EntityID:      c.ID(),
		PersistedAt:   now,
		SchemaVersion: version,
		IsFinal:       final,
		Payload:       blob,
	}
	if err := e.opts.Store.Put(ctx, rec); err != nil {
		span.RecordError(err)
		return fmt.Errorf("persist: write: %w", err)
	}

	m := metricsOf(c)
	m.RecordPersist(ctx, kindName(c), final, time.Since(start).Seconds())
	m.RecordPersistedSize(ctx, kindName(c), len(data), compressed)
	e.state.persisted(now, version)
	return nil
}

func (e *Entity[P]) validate(blob []byte) error {
	data, err := codec.Decompress(blob)
	if err != nil {
		return fmt.Errorf("%w: decompress: %w", ErrPersistValidation, err)
	}
	if err := e.opts.Codec.Validate(data); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistValidation, err)
	}
	if err := e.opts.Codec.Unmarshal(data, new(P)); err != nil {
		return fmt.Errorf("%w: deserialize: %w", ErrPersistValidation, err)
	}
	return nil
}

// OnShutdown implements [entity.ShutdownHook]: the logic's own hook runs
// first, then the final persist.
func (e *Entity[P]) OnShutdown(c *entity.Context) error {
	if h, ok := e.logic.(entity.ShutdownHook); ok {
		if err := h.OnShutdown(c); err != nil {
			return err
		}
	}
	c.Logger().Debug("entity shutdown, writing final snapshot")
	return e.persist(c, true)
}

// Describe implements [entity.Describer].
func (e *Entity[P]) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "schema=v%d persists=%d", e.state.writtenVersion(), e.state.persists)
	if !e.state.lastWrite.IsZero() {
		fmt.Fprintf(&b, " last_persist=%s", e.state.lastWrite.UTC().Format(time.RFC3339))
	}
	if e.state.restoredNonFinal {
		b.WriteString(" restored_non_final")
	}
	if d, ok := e.logic.(entity.Describer); ok {
		if details := d.Describe(); details != "" {
			b.WriteString(" ")
			b.WriteString(details)
		}
	}
	return b.String()
}

func (e *Entity[P]) persistCore() *lifecycle { return &e.state }

func (e *Entity[P]) onSnapshotTick(c *entity.Context, _ snapshotTick) error {
	if c.ShutdownRequested() {
		return nil
	}
	if c.Now().Before(e.state.lastPersistedAt.Add(e.opts.SnapshotInterval)) {
		return nil
	}
	return e.state.intermediate(c)
}

func (e *Entity[P]) onScheduledPersist(c *entity.Context, m scheduledPersist) error {
	if !e.state.pendingScheduled || m.RunningID != e.state.runningID {
		return nil
	}
	return e.state.intermediate(c)
}

func (e *Entity[P]) onRefresh(c *entity.Context, _ entity.RefreshRequest, p *entity.PendingAsk) error {
	e.state.runAfterNextPersist(func() { _ = p.Reply(entity.RefreshResponse{}) })
	return e.persistSoon(c)
}

func (e *Entity[P]) onEnsureLatest(c *entity.Context, _ entity.EnsureOnLatestSchemaVersionRequest, p *entity.PendingAsk) error {
	_, version := e.opts.Migrations.SupportedVersions()
	e.state.runAfterNextPersist(func() {
		_ = p.Reply(entity.EnsureOnLatestSchemaVersionResponse{CurrentSchemaVersion: version})
	})
	return e.persistSoon(c)
}

// persistSoon gets the pending continuations run promptly. An entity that
// would shut down once idle anyway stops now and relies on the final
// persist; others persist immediately.
func (e *Entity[P]) persistSoon(c *entity.Context) error {
	if c.ShutdownRequested() {
		return nil
	}
	if c.ShutdownPolicy().AllowsIdleShutdown() && !c.HasSubscribers() {
		c.RequestShutdown()
		return nil
	}
	return e.persist(c, false)
}
