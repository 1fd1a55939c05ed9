package notify_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/momentics/hioload-xgq/notify"
)

func TestChannelCoalesces(t *testing.T) {
	ch := notify.NewChannel()
	for i := 0; i < 10; i++ {
		ch.Notify()
	}
	if ch.Raised() != 10 {
		t.Errorf("raised = %d", ch.Raised())
	}
	if err := ch.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ch.Pending() {
		t.Error("ten notifications produced more than one wake")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := ch.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("wait without signal: %v", err)
	}
}

func TestChannelNotifyNeverBlocks(t *testing.T) {
	ch := notify.NewChannel()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				ch.Notify()
			}
		}()
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Notify blocked")
	}
}

func TestLineMasking(t *testing.T) {
	ch := notify.NewChannel()
	l := notify.NewLine(ch)
	l.Enable(false)
	l.Raise()
	if ch.Pending() {
		t.Error("masked line delivered a wake")
	}
	l.Enable(true)
	l.Signal()
	if !ch.Pending() {
		t.Error("enabled line did not deliver")
	}
	if raised, masked := l.Stats(); raised != 2 || masked != 1 {
		t.Errorf("stats = %d/%d", raised, masked)
	}
}

func TestTicker(t *testing.T) {
	ch := notify.NewChannel()
	tk := notify.StartTicker(ch, time.Millisecond)
	defer tk.Stop()
	select {
	case <-ch.C():
	case <-time.After(time.Second):
		t.Fatal("ticker never fired")
	}
	tk.Stop()
	tk.Stop()
}
