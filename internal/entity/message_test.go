package entity

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/entitymesh/pkg/codec"
	"github.com/MrWong99/entitymesh/pkg/entityid"
)

type reservedMsg struct{}

func (reservedMsg) MessageCode() uint32 { return 42 }

type clashingMsg struct{}

func (clashingMsg) MessageCode() uint32 { return 100 }

type pointerMsg struct{}

func (*pointerMsg) MessageCode() uint32 { return 200 }

func TestMessageRegistry_Add(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		samples []Message
		wantErr error
	}{
		{"user messages", []Message{greet{}, greeting{}}, nil},
		{"same type twice", []Message{greet{}, greet{}}, nil},
		{"reserved code", []Message{reservedMsg{}}, ErrReservedCode},
		{"clashing code", []Message{greet{}, clashingMsg{}}, ErrDuplicateCode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := NewMessageRegistry().Add(tt.samples...)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Add = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMessageRegistry_RejectsPointerMessages(t *testing.T) {
	t.Parallel()
	if err := NewMessageRegistry().Add(&pointerMsg{}); err == nil {
		t.Fatal("Add accepted a pointer message")
	}
}

func TestMessageRegistry_EncodeDecode(t *testing.T) {
	t.Parallel()
	cbor, err := codec.CBOR()
	if err != nil {
		t.Fatalf("CBOR: %v", err)
	}
	r := NewMessageRegistry().MustAdd(testMessages...)
	in := WatchedEntityTerminated{EntityID: entityid.MustNew(entityid.KindPlayer, 7), IncarnationID: 99}

	env, err := r.Encode(cbor, in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if env.Code != codeWatchedEntityTerminated {
		t.Errorf("Code = %d, want %d", env.Code, codeWatchedEntityTerminated)
	}
	out, err := r.Decode(cbor, env)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out != in {
		t.Errorf("Decode = %+v, want %+v", out, in)
	}

	nilEnv, err := r.Encode(cbor, nil)
	if err != nil || !nilEnv.IsNil() {
		t.Fatalf("Encode(nil) = %+v, %v", nilEnv, err)
	}
	if m, err := r.Decode(cbor, nilEnv); m != nil || err != nil {
		t.Errorf("Decode(nil envelope) = %v, %v", m, err)
	}

	if _, err := r.Encode(cbor, reservedMsg{}); !errors.Is(err, ErrUnregisteredMessage) {
		t.Errorf("Encode(unregistered) = %v, want ErrUnregisteredMessage", err)
	}
	if _, err := r.Decode(cbor, Envelope{Code: 999}); !errors.Is(err, ErrUnregisteredMessage) {
		t.Errorf("Decode(unknown code) = %v, want ErrUnregisteredMessage", err)
	}
}

func TestDispatcher_RegistrationErrors(t *testing.T) {
	t.Parallel()
	d := newDispatcher("test")
	noop := func(*Context, greet) error { return nil }
	HandleMessage(d, noop)
	HandleMessage(d, noop)
	HandleMessage(d, func(*Context, Message) error { return nil })

	if err := d.Err(); err == nil {
		t.Fatal("duplicate and interface handlers were accepted")
	}
	if d.ActorType() != "test" {
		t.Errorf("ActorType = %q", d.ActorType())
	}
}

func TestQueue(t *testing.T) {
	t.Parallel()
	q := newQueue[int]()
	for i := range 5 {
		q.push(i)
	}
	for want := range 3 {
		got, ok := q.pop(context.Background())
		if !ok || got != want {
			t.Fatalf("pop = %d, %v, want %d", got, ok, want)
		}
	}

	rest := q.close()
	if !slices.Equal(rest, []int{3, 4}) {
		t.Errorf("close returned %v, want [3 4]", rest)
	}
	if q.push(9) {
		t.Error("push succeeded on a closed queue")
	}
	if _, ok := q.pop(context.Background()); ok {
		t.Error("pop succeeded on a closed queue")
	}
}

func TestQueue_PopWaits(t *testing.T) {
	t.Parallel()
	q := newQueue[string]()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, ok := q.pop(ctx); ok {
		t.Fatal("pop returned an item from an empty queue")
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		q.push("late")
	}()
	got, ok := q.pop(testContext(t))
	if !ok || got != "late" {
		t.Errorf("pop = %q, %v, want late", got, ok)
	}
}
