//go:build linux
// +build linux

package notify_test

import (
	"context"
	"testing"
	"time"

	"github.com/momentics/hioload-xgq/notify"
)

func TestEventfdListener(t *testing.T) {
	efd, err := notify.NewEventfd()
	if err != nil {
		t.Fatal(err)
	}
	defer efd.Close()
	l, err := notify.NewListener()
	if err != nil {
		t.Fatal(err)
	}
	ch := notify.NewChannel()
	if err := l.Watch(efd, ch); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()

	efd.Signal()
	efd.Signal()
	select {
	case <-ch.C():
	case <-time.After(time.Second):
		t.Fatal("eventfd signal not forwarded")
	}
	cancel()
	select {
	case err := <-errc:
		if err != context.Canceled {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}
	l.Close()
}

func TestEventfdDrain(t *testing.T) {
	efd, err := notify.NewEventfd()
	if err != nil {
		t.Fatal(err)
	}
	defer efd.Close()
	efd.Signal()
	efd.Signal()
	if n, err := efd.Drain(); err != nil || n != 2 {
		t.Errorf("drain = %d %v", n, err)
	}
	if n, _ := efd.Drain(); n != 0 {
		t.Errorf("second drain = %d", n)
	}
}
