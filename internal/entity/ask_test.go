package entity

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/entitymesh/pkg/entityid"
)

func TestAsk_Reply(t *testing.T) {
	t.Parallel()
	c := newTestCluster(t)

	got, err := Ask[greeting](testContext(t), c.client(), playerID(1), greet{Name: "ada"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if got.Text != "hello ada" {
		t.Errorf("Text = %q, want %q", got.Text, "hello ada")
	}
}

func TestAsk_FreshRefusalKeepsEntityAlive(t *testing.T) {
	t.Parallel()
	c := newTestCluster(t)
	id := playerID(1)
	ctx := testContext(t)
	before := c.actor(t, id).Incarnation()

	_, err := Ask[greeting](ctx, c.client(), id, greet{})
	var refused *RefusedError
	if !errors.As(err, &refused) {
		t.Fatalf("err = %v, want *RefusedError", err)
	}
	if refused.Origin != id {
		t.Errorf("Origin = %v, want %v", refused.Origin, id)
	}
	var na notAllowed
	if !errors.As(err, &na) || na.Reason != "empty name" {
		t.Errorf("refusal = %#v, want notAllowed{empty name}", refused.Refusal)
	}

	desc, err := Ask[DescribeResponse](ctx, c.client(), id, DescribeRequest{})
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if desc.IncarnationID != before {
		t.Errorf("incarnation changed from %d to %d after a refusal", before, desc.IncarnationID)
	}
}

func TestAsk_NoHandler(t *testing.T) {
	t.Parallel()
	c := newTestCluster(t)
	id := sessionID(1)

	_, err := Ask[greeting](testContext(t), c.client(), id, greet{Name: "x"})
	var nh NoHandlerError
	if !errors.As(err, &nh) {
		t.Fatalf("err = %v, want NoHandlerError", err)
	}
	if nh.EntityID != id || nh.AskType != "greet" || nh.ActorType != "session" {
		t.Errorf("NoHandlerError = %+v", nh)
	}
}

func TestAsk_PanicCrashesTarget(t *testing.T) {
	t.Parallel()
	c := newTestCluster(t)
	id := playerID(1)
	ctx := testContext(t)
	before := c.actor(t, id).Incarnation()

	_, err := Ask[greeting](ctx, c.client(), id, boom{})
	var ue *UnexpectedAskError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want *UnexpectedAskError", err)
	}
	if ue.ExceptionType != "panic" || ue.CrashedEntity != id || ue.HandlerMethod == "" {
		t.Errorf("UnexpectedAskError = %+v", ue)
	}
	if stopErr := receive(t, c.stops); stopErr == nil {
		t.Fatal("actor stopped without an error")
	}

	desc, err := Ask[DescribeResponse](ctx, c.client(), id, DescribeRequest{})
	if err != nil {
		t.Fatalf("Describe after crash: %v", err)
	}
	if desc.IncarnationID == before {
		t.Error("crashed entity kept its incarnation")
	}
}

func TestAsk_RethrownRefusalIsUnexpected(t *testing.T) {
	t.Parallel()
	c := newTestCluster(t)
	relayer, target := playerID(1), playerID(2)

	_, err := Ask[greeting](testContext(t), c.client(), relayer, relay{Target: target})
	var ue *UnexpectedAskError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want *UnexpectedAskError", err)
	}
	if ue.CrashedEntity != relayer {
		t.Errorf("CrashedEntity = %v, want %v", ue.CrashedEntity, relayer)
	}
	var refused *RefusedError
	if errors.As(err, &refused) {
		t.Error("caller saw the inner refusal, want it hidden behind the crash")
	}
}

func TestAsk_InvalidResponse(t *testing.T) {
	t.Parallel()
	c := newTestCluster(t)

	_, err := Ask[num](testContext(t), c.client(), playerID(1), greet{Name: "x"})
	if !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("err = %v, want ErrInvalidResponse", err)
	}
}

func TestAsk_Timeout(t *testing.T) {
	t.Parallel()
	c := newTestCluster(t, withAskTimeout(30*time.Millisecond))

	_, err := Ask[greeting](testContext(t), c.client(), playerID(1), hang{})
	if !errors.Is(err, ErrAskTimeout) {
		t.Fatalf("err = %v, want ErrAskTimeout", err)
	}
}

func TestAsk_InvalidTarget(t *testing.T) {
	t.Parallel()
	c := newTestCluster(t)

	_, err := Ask[greeting](testContext(t), c.client(), entityid.None, greet{})
	if !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("err = %v, want ErrInvalidTarget", err)
	}
}

func TestAsk_DeferredPendingFailsOnGracefulStop(t *testing.T) {
	t.Parallel()
	c := newTestCluster(t)
	id := playerID(1)
	a := c.actor(t, id)
	ctx := testContext(t)

	errc := make(chan error, 1)
	go func() {
		_, err := Ask[greeting](ctx, c.client(), id, hang{})
		errc <- err
	}()
	waitFor(t, func() bool {
		a.pendingMu.Lock()
		defer a.pendingMu.Unlock()
		return len(a.pending) == 1
	})
	a.Stop()

	if err := receive(t, errc); !errors.Is(err, ErrEntityStopped) {
		t.Fatalf("err = %v, want ErrEntityStopped", err)
	}
}
