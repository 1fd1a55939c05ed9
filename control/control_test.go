// control/control_test.go
// Author: momentics <momentics@gmail.com>

package control_test

import (
	"errors"
	"testing"
	"time"

	"github.com/momentics/hioload-xgq/api"
	"github.com/momentics/hioload-xgq/control"
)

func TestConfigStoreChangedKeys(t *testing.T) {
	cs := control.NewConfigStore(map[string]any{"a": 1, "b": true})
	var got []map[string]any
	cs.OnChange(func(changed map[string]any) { got = append(got, changed) })

	if err := cs.SetConfig(map[string]any{"a": 1}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 || cs.Version() != 0 {
		t.Fatal("unchanged value triggered a reload")
	}
	if err := cs.SetConfig(map[string]any{"a": 2, "b": true, "c": []int{1}}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || len(got[0]) != 2 || got[0]["a"] != 2 {
		t.Fatalf("listener saw %v", got)
	}
	if v, _ := cs.Get("a"); v != 2 {
		t.Errorf("a = %v", v)
	}
}

func TestConfigStoreValidator(t *testing.T) {
	cs := control.NewConfigStore(nil)
	cs.SetValidator(func(u map[string]any) error {
		if _, ok := u["bad"]; ok {
			return api.ErrInvalidConfig
		}
		return nil
	})
	reloaded := false
	cs.OnReload(func() { reloaded = true })
	if err := cs.SetConfig(map[string]any{"bad": 1, "good": 2}); !errors.Is(err, api.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if len(cs.GetSnapshot()) != 0 || reloaded {
		t.Error("rejected update was applied")
	}
}

func TestConversions(t *testing.T) {
	for _, v := range []any{250 * time.Millisecond, "250ms", 250, int64(250), 250.0} {
		d, err := control.AsDuration(v)
		if err != nil || d != 250*time.Millisecond {
			t.Errorf("AsDuration(%#v) = %v, %v", v, d, err)
		}
	}
	if _, err := control.AsDuration(true); !errors.Is(err, api.ErrInvalidConfig) {
		t.Errorf("AsDuration(true) error %v", err)
	}
	if b, err := control.AsBool("true"); err != nil || !b {
		t.Errorf("AsBool(\"true\") = %v, %v", b, err)
	}
	if _, err := control.AsBool(1); err == nil {
		t.Error("AsBool(1) accepted")
	}
}

func TestHotReloadUnregister(t *testing.T) {
	h := control.NewHotReload()
	n := 0
	off := h.Register(func() { n++ })
	h.TriggerSync()
	off()
	h.TriggerSync()
	if n != 1 {
		t.Errorf("hook ran %d times", n)
	}
}

func TestMetricsAndProbes(t *testing.T) {
	mr := control.NewMetricsRegistry()
	mr.SetMetric("sched.submitted", uint64(3))
	mr.Add("peer.restarts", 2)
	mr.Add("peer.restarts", 1)
	snap := mr.GetSnapshot()
	if snap["sched.submitted"] != uint64(3) || snap["peer.restarts"] != int64(3) {
		t.Errorf("snapshot %v", snap)
	}

	dp := control.NewDebugProbes()
	control.RegisterPlatformProbes(dp)
	dp.RegisterProbe("boom", func() any { panic("x") })
	state := dp.DumpState()
	if n, ok := state["platform.cpus"].(int); !ok || n < 1 {
		t.Errorf("platform.cpus = %v", state["platform.cpus"])
	}
	if _, ok := state["boom"].(string); !ok {
		t.Error("panicking probe not reported")
	}
	dp.UnregisterProbe("boom")
	if _, ok := dp.DumpState()["boom"]; ok {
		t.Error("probe still registered")
	}
}
