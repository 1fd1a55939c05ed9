package router_test

import (
	"errors"
	"testing"

	"github.com/momentics/hioload-xgq/api"
	"github.com/momentics/hioload-xgq/router"
)

func TestAssignBalance(t *testing.T) {
	for _, tc := range []struct{ queues, units int }{{1, 5}, {3, 7}, {4, 4}, {4, 17}} {
		r := router.New(tc.queues)
		for i := 0; i < tc.units; i++ {
			if _, err := r.Assign(router.Unit{Index: uint16(i)}); err != nil {
				t.Fatal(err)
			}
		}
		bound := (tc.units+tc.queues-1)/tc.queues + 1
		for q := 0; q < tc.queues; q++ {
			if got := r.Served(q); got > bound {
				t.Errorf("%d units on %d queues: queue %d serves %d > %d", tc.units, tc.queues, q, got, bound)
			}
		}
	}
}

func TestAssignRoundRobinTieBreak(t *testing.T) {
	r := router.New(3)
	for i, want := range []int{0, 1, 2, 0} {
		q, _ := r.Assign(router.Unit{Index: uint16(i)})
		if q != want {
			t.Errorf("unit %d -> queue %d, want %d", i, q, want)
		}
	}
	q, _ := r.Assign(router.Unit{Index: 0})
	if q != 0 {
		t.Errorf("re-assign moved unit to %d", q)
	}
}

func TestModeSwitching(t *testing.T) {
	r := router.New(1)
	a := router.Unit{Index: 1}
	b := router.Unit{Index: 2, Domain: router.DomainPS}
	r.Assign(a)
	if r.Mode(0) != router.ModeSingle {
		t.Fatal("one unit should run single mode")
	}
	if got, ok := r.Resolve(0, a); !ok || got != a {
		t.Errorf("single mode resolved %v %v", got, ok)
	}
	if got, ok := r.Resolve(0, router.Unit{Index: 9}); ok {
		t.Errorf("single mode accepted unconfigured unit %v", got)
	}
	r.Assign(b)
	if r.Mode(0) != router.ModeMulti {
		t.Fatal("two units should run multi mode")
	}
	if got, ok := r.Resolve(0, b); !ok || got != b {
		t.Errorf("multi mode resolved %v %v", got, ok)
	}
	if _, idle, _ := r.Unassign(a); idle {
		t.Error("queue idle with one unit left")
	}
	if r.Mode(0) != router.ModeSingle {
		t.Error("unassign did not switch back to single mode")
	}
	if _, ok := r.Resolve(0, a); ok {
		t.Error("removed unit still resolves")
	}
	if _, ok := r.Resolve(0, b); !ok {
		t.Error("remaining unit does not resolve")
	}
	if _, idle, _ := r.Unassign(b); !idle {
		t.Error("queue not idle after last unassign")
	}
	if _, _, err := r.Unassign(b); !errors.Is(err, api.ErrInvalidArgument) {
		t.Errorf("unassign unknown unit: %v", err)
	}
}

func TestNoEnabledQueue(t *testing.T) {
	r := router.New(2)
	r.Disable(0)
	r.Disable(1)
	if _, err := r.Assign(router.Unit{}); !errors.Is(err, api.ErrNoQueue) {
		t.Fatalf("got %v, want ErrNoQueue", err)
	}
	r.Enable(1)
	if q, err := r.Assign(router.Unit{}); err != nil || q != 1 {
		t.Errorf("assign after enable: %d %v", q, err)
	}
}

func TestTeardown(t *testing.T) {
	r := router.New(2)
	for i := 0; i < 4; i++ {
		r.Assign(router.Unit{Index: uint16(i)})
	}
	units := r.Teardown(0)
	if len(units) != 2 || units[0].Index != 0 || units[1].Index != 2 {
		t.Errorf("torn down units = %v", units)
	}
	if _, ok := r.Route(router.Unit{Index: 0}); ok {
		t.Error("unit still routed after teardown")
	}
	r.Enable(0)
	if q, _ := r.Assign(router.Unit{Index: 9}); q != 1 {
		t.Errorf("torn down queue received assignment")
	}
	r.Reset()
	if q, _ := r.Assign(router.Unit{Index: 9}); q != 0 {
		t.Errorf("reset did not restore queue 0: %d", q)
	}
}
