// File: notify/ticker.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package notify

import (
	"sync"
	"time"
)

// Ticker notifies a Channel periodically. It backs polling mode, where
// completions are not signalled by the peer.
type Ticker struct {
	target *Channel
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// StartTicker begins notifying target every interval.
func StartTicker(target *Channel, interval time.Duration) *Ticker {
	t := &Ticker{target: target, stop: make(chan struct{})}
	t.wg.Add(1)
	go t.run(interval)
	return t
}

func (t *Ticker) run(interval time.Duration) {
	defer t.wg.Done()
	tk := time.NewTicker(interval)
	defer tk.Stop()
	for {
		select {
		case <-tk.C:
			t.target.Notify()
		case <-t.stop:
			return
		}
	}
}

// Stop halts the ticker and waits for its goroutine.
func (t *Ticker) Stop() {
	t.once.Do(func() { close(t.stop) })
	t.wg.Wait()
}
