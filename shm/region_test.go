package shm_test

import (
	"runtime"
	"testing"

	"github.com/momentics/hioload-xgq/shm"
)

func TestHeapRegionWords(t *testing.T) {
	r := shm.NewHeap(64)
	defer r.Close()
	if r.Size() != 64 {
		t.Fatalf("size = %d", r.Size())
	}
	r.Store32(8, 0xdeadbeef)
	if got := r.Load32(8); got != 0xdeadbeef {
		t.Errorf("Load32 = %#x", got)
	}
	r.WriteAt([]byte{1, 2, 3, 4, 5}, 16)
	out := make([]byte, 5)
	r.ReadAt(out, 16)
	if out[4] != 5 {
		t.Errorf("ReadAt = %v", out)
	}
	r.Zero(16, 8)
	if r.Load32(16) != 0 || r.Load32(20) != 0 {
		t.Error("Zero did not clear")
	}
}

func TestHeapRegionUnalignedPanics(t *testing.T) {
	r := shm.NewHeap(16)
	defer func() {
		if recover() == nil {
			t.Error("expected panic on unaligned word access")
		}
	}()
	r.Load32(2)
}

func TestSharedRegionTwoMappings(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("memfd regions are linux only")
	}
	a, err := shm.NewShared("xgq-test", 4096)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := shm.Map(a.Fd(), 4096)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	a.Store32(128, 42)
	if got := b.Load32(128); got != 42 {
		t.Errorf("second mapping saw %d", got)
	}
}
