package entity

import (
	"testing"
	"time"
)

type plainBehavior struct{}

func (plainBehavior) Register(*Dispatcher) {}

type lingeringBehavior struct{ plainBehavior }

func (lingeringBehavior) ShutdownPolicy() ShutdownPolicy {
	return ShutdownWithoutSubscribers(time.Minute)
}

type wrapping struct {
	inner Behavior
}

func (w *wrapping) Register(d *Dispatcher) { w.inner.Register(d) }
func (w *wrapping) Unwrap() Behavior      { return w.inner }

type policyWrapping struct{ wrapping }

func (*policyWrapping) ShutdownPolicy() ShutdownPolicy { return NeverShutdown() }

func TestHookOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		b         Behavior
		wantFound bool
		wantIdle  bool
	}{
		{"plain", plainBehavior{}, false, false},
		{"direct", lingeringBehavior{}, true, true},
		{"through wrapper", &wrapping{inner: lingeringBehavior{}}, true, true},
		{"through two wrappers", &wrapping{inner: &wrapping{inner: lingeringBehavior{}}}, true, true},
		{"outermost wins", &policyWrapping{wrapping{inner: lingeringBehavior{}}}, true, false},
		{"wrapper of nothing", &wrapping{}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := hookOf[ShutdownPolicyProvider](tt.b)
			if ok != tt.wantFound {
				t.Fatalf("found = %v, want %v", ok, tt.wantFound)
			}
			if ok && p.ShutdownPolicy().AllowsIdleShutdown() != tt.wantIdle {
				t.Errorf("AllowsIdleShutdown = %v, want %v", !tt.wantIdle, tt.wantIdle)
			}
		})
	}
}

func TestInnermost(t *testing.T) {
	t.Parallel()
	leaf := lingeringBehavior{}
	if got := innermost(&wrapping{inner: &wrapping{inner: leaf}}); got != Behavior(leaf) {
		t.Errorf("innermost = %T, want the leaf", got)
	}
	w := &wrapping{}
	if got := innermost(w); got != Behavior(w) {
		t.Errorf("innermost of an empty wrapper = %T, want the wrapper", got)
	}
}
