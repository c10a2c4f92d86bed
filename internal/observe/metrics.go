// Package observe provides application-wide observability primitives for
// entitymesh: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all entitymesh metrics.
const meterName = "github.com/MrWong99/entitymesh"

// Ask and synchronize error reasons.
const (
	ReasonException       = "exception"
	ReasonInvalidResponse = "invalid_response"
	ReasonTimeout         = "timeout"
)

// Synchronize peer roles.
const (
	PeerSender   = "sender"
	PeerReceiver = "receiver"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use. The underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Entity messaging ---

	// Asks counts ask requests sent. Use with attribute:
	//   attribute.String("message", ...)
	Asks metric.Int64Counter

	// AskErrors counts failed asks, refusals excluded. Use with attributes:
	//   attribute.String("message", ...), attribute.String("reason", ...)
	AskErrors metric.Int64Counter

	// AskDuration tracks the round-trip time of successful and refused asks.
	AskDuration metric.Float64Histogram

	// Casts counts fire-and-forget messages sent.
	Casts metric.Int64Counter

	// Subscribes counts subscription attempts. Use with attribute:
	//   attribute.String("topic", ...)
	Subscribes metric.Int64Counter

	// SubscribeErrors counts failed subscription attempts, refusals excluded.
	SubscribeErrors metric.Int64Counter

	// Syncs counts synchronize operations opened by a sender.
	Syncs metric.Int64Counter

	// SyncErrors counts synchronize operations that failed to open.
	SyncErrors metric.Int64Counter

	// SyncOpenDuration tracks how long opening a synchronize channel took, by
	// "message" and "peer". The receiver observes the time the open waited
	// in its mailbox.
	SyncOpenDuration metric.Float64Histogram

	// SyncDuration tracks the lifetime of a synchronize channel. Use with
	// attributes: attribute.String("message", ...), attribute.String("peer", ...)
	SyncDuration metric.Float64Histogram

	// --- Entity lifecycle ---

	// ActiveEntities tracks live entity actors. Use with attribute:
	//   attribute.String("entity", ...)
	ActiveEntities metric.Int64UpDownCounter

	// EntityCrashes counts entity actors terminated by an unexpected error.
	EntityCrashes metric.Int64Counter

	// TimerTicksDropped counts periodic timer ticks dropped by pileup
	// mitigation.
	TimerTicksDropped metric.Int64Counter

	// --- Persistence ---

	// PersistDuration tracks the latency of a single persist.
	PersistDuration metric.Float64Histogram

	// PersistedUncompressedBytes counts serialized payload bytes before
	// compression, per entity kind.
	PersistedUncompressedBytes metric.Int64Counter

	// PersistedCompressedBytes counts payload bytes after compression.
	PersistedCompressedBytes metric.Int64Counter

	// NonFinalRestored counts entities restored from a non-final snapshot.
	NonFinalRestored metric.Int64Counter

	// SchemaMigrated counts successful payload migrations. Use with
	// attributes "entity", "from" and "to".
	SchemaMigrated metric.Int64Counter

	// MigrationFailed counts failed payload migrations by "entity" and the
	// "from" and "to" versions of the step that failed.
	MigrationFailed metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// in-process asks up to the ask timeout.
var latencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Messaging.
	if met.Asks, err = m.Int64Counter("entitymesh.entity.asks",
		metric.WithDescription("Total entity asks by request message."),
	); err != nil {
		return nil, err
	}
	if met.AskErrors, err = m.Int64Counter("entitymesh.entity.ask_errors",
		metric.WithDescription("Failed entity asks by request message and reason."),
	); err != nil {
		return nil, err
	}
	if met.AskDuration, err = m.Float64Histogram("entitymesh.entity.ask.duration",
		metric.WithDescription("Round-trip latency of entity asks."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Casts, err = m.Int64Counter("entitymesh.entity.casts",
		metric.WithDescription("Total fire-and-forget messages by message type."),
	); err != nil {
		return nil, err
	}
	if met.Subscribes, err = m.Int64Counter("entitymesh.entity.subscribes",
		metric.WithDescription("Total subscription attempts by topic."),
	); err != nil {
		return nil, err
	}
	if met.SubscribeErrors, err = m.Int64Counter("entitymesh.entity.subscribe_errors",
		metric.WithDescription("Failed subscription attempts by topic and reason."),
	); err != nil {
		return nil, err
	}
	if met.Syncs, err = m.Int64Counter("entitymesh.entity.syncs",
		metric.WithDescription("Total synchronize operations by opening message."),
	); err != nil {
		return nil, err
	}
	if met.SyncErrors, err = m.Int64Counter("entitymesh.entity.sync_errors",
		metric.WithDescription("Failed synchronize operations by opening message and reason."),
	); err != nil {
		return nil, err
	}
	if met.SyncOpenDuration, err = m.Float64Histogram("entitymesh.entity.sync.open_duration",
		metric.WithDescription("Latency of opening a synchronize channel."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SyncDuration, err = m.Float64Histogram("entitymesh.entity.sync.duration",
		metric.WithDescription("Lifetime of a synchronize channel by peer role."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Lifecycle.
	if met.ActiveEntities, err = m.Int64UpDownCounter("entitymesh.entity.active",
		metric.WithDescription("Number of live entity actors by kind."),
	); err != nil {
		return nil, err
	}
	if met.EntityCrashes, err = m.Int64Counter("entitymesh.entity.crashes",
		metric.WithDescription("Entity actors terminated by an unexpected error."),
	); err != nil {
		return nil, err
	}
	if met.TimerTicksDropped, err = m.Int64Counter("entitymesh.entity.timer_ticks_dropped",
		metric.WithDescription("Periodic timer ticks dropped due to pileup."),
	); err != nil {
		return nil, err
	}

	// Persistence.
	if met.PersistDuration, err = m.Float64Histogram("entitymesh.persist.duration",
		metric.WithDescription("Latency of persisting an entity snapshot."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PersistedUncompressedBytes, err = m.Int64Counter("entitymesh.persist.uncompressed_bytes",
		metric.WithDescription("Serialized payload bytes before compression."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.PersistedCompressedBytes, err = m.Int64Counter("entitymesh.persist.compressed_bytes",
		metric.WithDescription("Serialized payload bytes after compression."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.NonFinalRestored, err = m.Int64Counter("entitymesh.persist.non_final_restored",
		metric.WithDescription("Entities restored from a snapshot that was not the final persist."),
	); err != nil {
		return nil, err
	}
	if met.SchemaMigrated, err = m.Int64Counter("entitymesh.persist.schema_migrated",
		metric.WithDescription("Successful payload schema migrations."),
	); err != nil {
		return nil, err
	}
	if met.MigrationFailed, err = m.Int64Counter("entitymesh.persist.migration_failed",
		metric.WithDescription("Failed payload schema migrations."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("entitymesh.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordAsk records an ask being sent.
func (m *Metrics) RecordAsk(ctx context.Context, message string) {
	m.Asks.Add(ctx, 1, metric.WithAttributes(attribute.String("message", message)))
}

// RecordAskError records a failed ask with one of the Reason* constants.
func (m *Metrics) RecordAskError(ctx context.Context, message, reason string) {
	m.AskErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("message", message),
			attribute.String("reason", reason),
		),
	)
}

// RecordSyncError records a synchronize operation that failed to open.
func (m *Metrics) RecordSyncError(ctx context.Context, message, reason string) {
	m.SyncErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("message", message),
			attribute.String("reason", reason),
		),
	)
}

// RecordSyncOpen records how long opening a synchronize channel took for
// one peer.
func (m *Metrics) RecordSyncOpen(ctx context.Context, message, peer string, seconds float64) {
	m.SyncOpenDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("message", message),
			attribute.String("peer", peer),
		),
	)
}

// RecordSyncDuration records the lifetime of a synchronize channel as seen
// by one peer.
func (m *Metrics) RecordSyncDuration(ctx context.Context, message, peer string, seconds float64) {
	m.SyncDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("message", message),
			attribute.String("peer", peer),
		),
	)
}

// RecordPersistedSize records the size of one persisted payload.
func (m *Metrics) RecordPersistedSize(ctx context.Context, entity string, uncompressed, compressed int) {
	attrs := metric.WithAttributes(attribute.String("entity", entity))
	m.PersistedUncompressedBytes.Add(ctx, int64(uncompressed), attrs)
	m.PersistedCompressedBytes.Add(ctx, int64(compressed), attrs)
}

// RecordSchemaMigrated records a successful migration of one payload.
func (m *Metrics) RecordSchemaMigrated(ctx context.Context, entity string, from, to int) {
	m.SchemaMigrated.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("entity", entity),
			attribute.String("from", strconv.Itoa(from)),
			attribute.String("to", strconv.Itoa(to)),
		),
	)
}

// RecordMigrationFailed records a failed migration step of one payload.
func (m *Metrics) RecordMigrationFailed(ctx context.Context, entity string, from, to int) {
	m.MigrationFailed.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("entity", entity),
			attribute.String("from", strconv.Itoa(from)),
			attribute.String("to", strconv.Itoa(to)),
		),
	)
}

// RecordPersist records the latency of one persist.
func (m *Metrics) RecordPersist(ctx context.Context, entity string, final bool, seconds float64) {
	m.PersistDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("entity", entity),
			attribute.Bool("final", final),
		),
	)
}

// RecordNonFinalRestored records an entity restored from a snapshot that was
// not written by a graceful shutdown.
func (m *Metrics) RecordNonFinalRestored(ctx context.Context, entity string) {
	m.NonFinalRestored.Add(ctx, 1, metric.WithAttributes(attribute.String("entity", entity)))
}
