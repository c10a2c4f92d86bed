package shard

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/entitymesh/internal/entity"
	"github.com/MrWong99/entitymesh/pkg/codec"
	"github.com/MrWong99/entitymesh/pkg/entityid"
	"github.com/MrWong99/entitymesh/pkg/sharding"
)

type whoAreYou struct{}

func (whoAreYou) MessageCode() uint32 { return 100 }

type iAm struct{ Incarnation uint64 }

func (iAm) MessageCode() uint32 { return 101 }

type hold struct{}

func (hold) MessageCode() uint32 { return 102 }

type crash struct{}

func (crash) MessageCode() uint32 { return 103 }

type recorder struct {
	events      chan string
	held        chan struct{}
	release     chan struct{}
	stopping    atomic.Int32
	maxStopping atomic.Int32
	stopDelay   time.Duration
	stuck       bool
}

func newRecorder() *recorder {
	return &recorder{
		events:  make(chan string, 256),
		held:    make(chan struct{}, 8),
		release: make(chan struct{}),
	}
}

func (r *recorder) event(s string) {
	select {
	case r.events <- s:
	default:
	}
}

// worker is a test behavior recording its lifecycle.
type worker struct{ r *recorder }

func (w *worker) Register(d *entity.Dispatcher) {
	entity.HandleAsk(d, w.onWhoAreYou)
	entity.HandleMessage(d, w.onHold)
	entity.HandleMessage(d, w.onCrash)
}

func (w *worker) Initialize(c *entity.Context) error {
	w.r.event("init " + c.Runtime().Format(c.ID()))
	return nil
}

func (w *worker) onWhoAreYou(c *entity.Context, _ whoAreYou) (iAm, error) {
	return iAm{Incarnation: c.Incarnation()}, nil
}

func (w *worker) onHold(*entity.Context, hold) error {
	w.r.held <- struct{}{}
	<-w.r.release
	return nil
}

func (w *worker) onCrash(*entity.Context, crash) error {
	return errors.New("crash requested")
}

func (w *worker) OnShutdown(c *entity.Context) error {
	n := w.r.stopping.Add(1)
	for {
		m := w.r.maxStopping.Load()
		if n <= m || w.r.maxStopping.CompareAndSwap(m, n) {
			break
		}
	}
	if w.r.stuck {
		<-c.Done()
	}
	time.Sleep(w.r.stopDelay)
	w.r.stopping.Add(-1)
	w.r.event("stop " + c.Runtime().Format(c.ID()))
	return nil
}

type fixture struct {
	cluster *Cluster
	r       *recorder
}

func newFixture(t *testing.T, mutate func(cfgs []entity.Config)) *fixture {
	t.Helper()
	kinds, err := entityid.NewDefaultRegistry()
	if err != nil {
		t.Fatalf("NewDefaultRegistry: %v", err)
	}
	cbor, err := codec.CBOR()
	if err != nil {
		t.Fatalf("CBOR: %v", err)
	}
	msgs := entity.NewMessageRegistry().MustAdd(whoAreYou{}, iAm{}, hold{}, crash{})
	r := newRecorder()
	newWorker := func(entityid.ID) entity.Behavior { return &worker{r: r} }

	cfgs := []entity.Config{
		{Kind: entityid.KindPlayer, ActorType: "player", AllowEntitySpawn: true, New: newWorker},
		{Kind: entityid.KindSession, ActorType: "session", New: newWorker},
		{
			Kind:       entityid.KindGlobalStateManager,
			ActorType:  "global-state",
			ShardGroup: entity.ShardGroupBaseServices,
			Strategy:   sharding.StaticService{Singleton: true},
			New:        newWorker,
		},
	}
	if mutate != nil {
		mutate(cfgs)
	}
	reg, err := entity.NewConfigRegistry(kinds, cfgs...)
	if err != nil {
		t.Fatalf("NewConfigRegistry: %v", err)
	}

	topo := sharding.Topology{NodeSets: []sharding.NodeSet{
		{Name: "service", Placement: entityid.MaskOf(entityid.KindGlobalStateManager, entityid.KindPlayer), NodeCount: 1},
		{Name: "logic", Placement: entityid.MaskOf(entityid.KindPlayer, entityid.KindSession), NodeCount: 2},
	}}
	rt := &entity.Runtime{
		Kinds:    kinds,
		Messages: msgs,
		Codec:    cbor,
		Logger:   slog.New(slog.DiscardHandler),
	}
	c, err := New(Options{Topology: topo, Configs: reg, Runtime: rt})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	})
	return &fixture{cluster: c, r: r}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.cluster.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitEvent(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-timeout:
			t.Fatalf("event %q not seen", want)
		}
	}
}

func TestCluster_ShardsFollowTopology(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	counts := map[entityid.Kind]int{}
	for _, s := range f.cluster.Shards() {
		counts[s.ID().Kind]++
	}
	want := map[entityid.Kind]int{
		entityid.KindPlayer:             3,
		entityid.KindSession:            2,
		entityid.KindGlobalStateManager: 1,
	}
	for k, n := range want {
		if counts[k] != n {
			t.Errorf("kind %d has %d shards, want %d", k, counts[k], n)
		}
	}
}

func TestCluster_RouteBeforeStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	_, err := f.cluster.Route(context.Background(), entityid.MustNew(entityid.KindPlayer, 1))
	if !errors.Is(err, ErrShardNotRunning) {
		t.Fatalf("Route = %v, want ErrShardNotRunning", err)
	}
}

func TestCluster_Route(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.start(t)

	tests := []struct {
		name    string
		id      entityid.ID
		wantErr error
	}{
		{"spawn on demand", entityid.MustNew(entityid.KindPlayer, 7), nil},
		{"spawn not allowed", entityid.MustNew(entityid.KindSession, 7), ErrSpawnNotAllowed},
		{"auto-spawned singleton", entityid.MustNew(entityid.KindGlobalStateManager, 0), nil},
		{"unknown kind", entityid.MustNew(entityid.KindGuild, 1), ErrUnknownKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := entity.Ask[iAm](testContext(t), f.cluster.Client(), tt.id, whoAreYou{})
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Ask: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Ask = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCluster_ResolveSpreadsByValue(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	seen := map[sharding.ShardID]bool{}
	for v := range uint64(6) {
		s, err := f.cluster.Resolve(entityid.MustNew(entityid.KindPlayer, v))
		if err != nil {
			t.Fatalf("Resolve(%d): %v", v, err)
		}
		seen[s.ID()] = true
	}
	if len(seen) != 3 {
		t.Errorf("player ids landed on %d shards, want 3", len(seen))
	}
}

func TestCluster_StartAutoSpawnsBaseServicesFirst(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.start(t)

	waitEvent(t, f.r.events, "init GlobalStateManager:0000000000")
	info := f.cluster.Info()
	var singletons int
	for _, i := range info {
		if i.Shard.Kind == entityid.KindGlobalStateManager {
			singletons += i.Entities
			if i.State != "running" {
				t.Errorf("shard %s state = %s", i.Shard, i.State)
			}
		}
	}
	if singletons != 1 {
		t.Errorf("singleton entities = %d, want 1", singletons)
	}
	if !f.cluster.Started() {
		t.Error("Started() = false after Start")
	}
}

func TestCluster_StopRunsShutdownHooks(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.start(t)
	id := entityid.MustNew(entityid.KindPlayer, 3)
	if _, err := entity.Ask[iAm](testContext(t), f.cluster.Client(), id, whoAreYou{}); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	if err := f.cluster.Stop(testContext(t)); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitEvent(t, f.r.events, "stop "+f.cluster.Runtime().Format(id))

	_, err := f.cluster.Route(context.Background(), id)
	if !errors.Is(err, ErrShardStopping) {
		t.Errorf("Route after Stop = %v, want ErrShardStopping", err)
	}
}

func TestCluster_ShutdownThrottled(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(cfgs []entity.Config) {
		cfgs[0].MaxConcurrentShutdowns = 2
	})
	f.r.stopDelay = 10 * time.Millisecond
	f.start(t)

	// Values 0, 3, 6, ... all land on the same player shard.
	for v := range 8 {
		id := entityid.MustNew(entityid.KindPlayer, uint64(v*3))
		if _, err := entity.Ask[iAm](testContext(t), f.cluster.Client(), id, whoAreYou{}); err != nil {
			t.Fatalf("Ask: %v", err)
		}
	}
	if err := f.cluster.Stop(testContext(t)); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := f.r.maxStopping.Load(); got > 2 {
		t.Errorf("%d entities stopped concurrently, want at most 2", got)
	}
}

func TestCluster_ShutdownTimeoutAborts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(cfgs []entity.Config) {
		cfgs[0].ShardShutdownTimeout = 30 * time.Millisecond
	})
	f.r.stuck = true
	f.start(t)
	id := entityid.MustNew(entityid.KindPlayer, 1)
	if _, err := entity.Ask[iAm](testContext(t), f.cluster.Client(), id, whoAreYou{}); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	err := f.cluster.Stop(testContext(t))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop = %v, want context.DeadlineExceeded", err)
	}
}

func TestShard_LeftoversReachNextIncarnation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.start(t)
	client := f.cluster.Client()
	id := entityid.MustNew(entityid.KindPlayer, 4)
	ctx := testContext(t)

	first, err := f.cluster.Route(ctx, id)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if err := client.Cast(ctx, id, hold{}); err != nil {
		t.Fatalf("Cast: %v", err)
	}
	<-f.r.held
	first.Stop()

	errc := make(chan error, 1)
	var got iAm
	go func() {
		var err error
		got, err = entity.Ask[iAm](ctx, client, id, whoAreYou{})
		errc <- err
	}()
	// Give the ask time to queue behind the shutdown. If it arrives late it
	// is re-routed after the stop instead, which ends at the same place.
	time.Sleep(20 * time.Millisecond)
	close(f.r.release)

	if err := <-errc; err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if got.Incarnation == first.Incarnation() {
		t.Error("leftover ask was answered by the stopped incarnation")
	}
}

func TestShard_CrashedServiceRestarts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.start(t)
	id := entityid.MustNew(entityid.KindGlobalStateManager, 0)
	waitEvent(t, f.r.events, "init GlobalStateManager:0000000000")

	if err := f.cluster.Client().Cast(testContext(t), id, crash{}); err != nil {
		t.Fatalf("Cast: %v", err)
	}
	waitEvent(t, f.r.events, "init GlobalStateManager:0000000000")

	s, err := f.cluster.Resolve(id)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if info := s.Info(); info.Crashed != 1 || info.Spawned != 2 {
		t.Errorf("info = %+v, want 1 crash and 2 spawns", info)
	}
}
