package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumPoints returns the int64 sum data points of the named metric.
func sumPoints(t *testing.T, rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	return sum.DataPoints
}

func hasAttr(set attribute.Set, key, want string) bool {
	v, ok := set.Value(attribute.Key(key))
	return ok && v.AsString() == want
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordAskError_Reasons(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordAsk(ctx, "GetStats")
	m.RecordAsk(ctx, "GetStats")
	m.RecordAskError(ctx, "GetStats", ReasonTimeout)
	m.RecordAskError(ctx, "GetStats", ReasonException)
	m.RecordAskError(ctx, "GetStats", ReasonException)

	rm := collect(t, reader)

	asks := sumPoints(t, rm, "entitymesh.entity.asks")
	if len(asks) != 1 || asks[0].Value != 2 {
		t.Fatalf("asks = %+v, want one point with value 2", asks)
	}

	got := map[string]int64{}
	for _, dp := range sumPoints(t, rm, "entitymesh.entity.ask_errors") {
		if !hasAttr(dp.Attributes, "message", "GetStats") {
			t.Errorf("ask error point missing message attribute: %v", dp.Attributes)
		}
		v, _ := dp.Attributes.Value("reason")
		got[v.AsString()] = dp.Value
	}
	if got[ReasonTimeout] != 1 || got[ReasonException] != 2 {
		t.Errorf("ask errors by reason = %v", got)
	}
	if _, ok := got[ReasonInvalidResponse]; ok {
		t.Error("unexpected invalid_response point")
	}
}

func TestRecordSync_Peers(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSyncOpen(ctx, "Trade", PeerSender, 0.02)
	m.RecordSyncOpen(ctx, "Trade", PeerReceiver, 0.01)
	m.RecordSyncDuration(ctx, "Trade", PeerSender, 0.2)
	m.RecordSyncDuration(ctx, "Trade", PeerReceiver, 0.3)

	rm := collect(t, reader)
	for _, name := range []string{"entitymesh.entity.sync.open_duration", "entitymesh.entity.sync.duration"} {
		met := findMetric(rm, name)
		if met == nil {
			t.Fatalf("%s not found", name)
		}
		hist, ok := met.Data.(metricdata.Histogram[float64])
		if !ok {
			t.Fatalf("%s is not a histogram", name)
		}
		peers := map[string]uint64{}
		for _, dp := range hist.DataPoints {
			if !hasAttr(dp.Attributes, "message", "Trade") {
				t.Errorf("%s: missing message attribute: %v", name, dp.Attributes)
			}
			peer, _ := dp.Attributes.Value("peer")
			peers[peer.AsString()] += dp.Count
		}
		if peers[PeerSender] != 1 || peers[PeerReceiver] != 1 || len(peers) != 2 {
			t.Errorf("%s samples by peer = %v", name, peers)
		}
	}
}

func TestRecordPersistedSize(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordPersistedSize(ctx, "Player", 400, 120)
	m.RecordPersistedSize(ctx, "Player", 100, 100)

	rm := collect(t, reader)
	unc := sumPoints(t, rm, "entitymesh.persist.uncompressed_bytes")
	cmp := sumPoints(t, rm, "entitymesh.persist.compressed_bytes")
	if len(unc) != 1 || unc[0].Value != 500 {
		t.Errorf("uncompressed = %+v, want 500", unc)
	}
	if len(cmp) != 1 || cmp[0].Value != 220 {
		t.Errorf("compressed = %+v, want 220", cmp)
	}
	if !hasAttr(unc[0].Attributes, "entity", "Player") {
		t.Errorf("missing entity attribute: %v", unc[0].Attributes)
	}
}

func TestRecordSchemaMigrated(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSchemaMigrated(ctx, "Player", 2, 4)
	m.RecordMigrationFailed(ctx, "Player", 3, 4)

	rm := collect(t, reader)
	migrated := sumPoints(t, rm, "entitymesh.persist.schema_migrated")
	if len(migrated) != 1 {
		t.Fatalf("schema_migrated points = %d, want 1", len(migrated))
	}
	if !hasAttr(migrated[0].Attributes, "from", "2") || !hasAttr(migrated[0].Attributes, "to", "4") {
		t.Errorf("schema_migrated attributes = %v", migrated[0].Attributes)
	}
	failed := sumPoints(t, rm, "entitymesh.persist.migration_failed")
	if len(failed) != 1 || !hasAttr(failed[0].Attributes, "from", "3") || !hasAttr(failed[0].Attributes, "to", "4") {
		t.Errorf("migration_failed = %+v", failed)
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"entitymesh.entity.ask.duration", m.AskDuration},
		{"entitymesh.entity.sync.open_duration", m.SyncOpenDuration},
		{"entitymesh.persist.duration", m.PersistDuration},
		{"entitymesh.http.request.duration", m.HTTPRequestDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.004)
		tc.h.Record(ctx, 0.04)
	}

	rm := collect(t, reader)
	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestActiveEntities_UpDown(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	attrs := metric.WithAttributes(Attr("entity", "Session"))

	m.ActiveEntities.Add(ctx, 1, attrs)
	m.ActiveEntities.Add(ctx, 1, attrs)
	m.ActiveEntities.Add(ctx, -1, attrs)

	pts := sumPoints(t, collect(t, reader), "entitymesh.entity.active")
	if len(pts) != 1 || pts[0].Value != 1 {
		t.Errorf("active entities = %+v, want 1", pts)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
