//go:build linux

package facade_test

import (
	"testing"
)

func TestDeviceSharedMemoryAndEventfd(t *testing.T) {
	cfg := testConfig()
	cfg.SharedMemory = true
	cfg.Eventfd = true
	d := newDevice(t, cfg)
	ctx := testCtx(t)
	c := d.NewClient("app")
	if err := d.Configure(ctx, c, units); err != nil {
		t.Fatal(err)
	}
	runExec(t, ctx, d, c)
	if err := d.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}
	runExec(t, ctx, d, c)
}
