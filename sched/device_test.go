package sched_test

import (
	"sync"
	"testing"
	"time"

	"github.com/momentics/hioload-xgq/protocol"
	"github.com/momentics/hioload-xgq/router"
	"github.com/momentics/hioload-xgq/sched"
	"github.com/momentics/hioload-xgq/shm"
	"github.com/momentics/hioload-xgq/xgq"
)

type seenEntry struct {
	queue int
	hdr   protocol.SQHeader
}

type heldEntry struct {
	queue int
	entry protocol.CQEntry
}

// fakeDevice serves the server side of every ring. By default it completes
// each command at once; hold parks completions until release.
type fakeDevice struct {
	t      *testing.T
	queues []*xgq.Queue
	sched  *sched.Scheduler

	mu      sync.Mutex
	hold    bool
	held    []heldEntry
	seen    []seenEntry
	respond func(q int, hdr protocol.SQHeader, payload []byte) protocol.CQEntry

	stop chan struct{}
	wg   sync.WaitGroup
}

func newRig(t *testing.T, cuQueues, slotSize, slotCount int) (*sched.Scheduler, *fakeDevice) {
	t.Helper()
	dev := &fakeDevice{t: t, stop: make(chan struct{})}
	var hosts []*xgq.Queue
	for i := 0; i <= cuQueues; i++ {
		region := shm.NewHeap(xgq.HeaderSize + slotCount*(slotSize+protocol.CQEntrySize))
		srv, err := xgq.Alloc(region, xgq.RoleServer, slotSize, slotCount)
		if err != nil {
			t.Fatal(err)
		}
		host, err := xgq.Attach(region, xgq.RoleClient)
		if err != nil {
			t.Fatal(err)
		}
		dev.queues = append(dev.queues, srv)
		hosts = append(hosts, host)
	}
	s, err := sched.New(hosts, router.New(cuQueues))
	if err != nil {
		t.Fatal(err)
	}
	dev.sched = s
	dev.wg.Add(1)
	go dev.run()
	s.Start()
	t.Cleanup(func() {
		s.Stop()
		close(dev.stop)
		dev.wg.Wait()
	})
	return s, dev
}

func (d *fakeDevice) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		default:
		}
		idle := true
		for qi, q := range d.queues {
			sl, err := q.Consume()
			if err != nil {
				continue
			}
			idle = false
			hdr, payload := q.ReadSQ(sl, nil)
			q.NotifyConsumed()
			e := protocol.CQEntry{CID: hdr.CID, CState: protocol.CStateCompleted, Result: uint32(hdr.CID)}
			d.mu.Lock()
			d.seen = append(d.seen, seenEntry{queue: qi, hdr: hdr})
			if d.respond != nil {
				e = d.respond(qi, hdr, payload)
				e.CID = hdr.CID
			}
			hold := d.hold
			if hold {
				d.held = append(d.held, heldEntry{queue: qi, entry: e})
			}
			d.mu.Unlock()
			if !hold {
				d.post(qi, e)
			}
		}
		if idle {
			time.Sleep(50 * time.Microsecond)
		}
	}
}

func (d *fakeDevice) post(qi int, e protocol.CQEntry) {
	q := d.queues[qi]
	for {
		sl, err := q.Produce()
		if err == nil {
			q.WriteCQ(sl, e)
			q.NotifyProduced()
			d.sched.IRQ().Raise()
			return
		}
		time.Sleep(50 * time.Microsecond)
	}
}

func (d *fakeDevice) setRespond(fn func(q int, hdr protocol.SQHeader, payload []byte) protocol.CQEntry) {
	d.mu.Lock()
	d.respond = fn
	d.mu.Unlock()
}

func (d *fakeDevice) setHold(on bool) {
	d.mu.Lock()
	d.hold = on
	d.mu.Unlock()
}

// release posts every held completion, most recent first when reverse is set.
func (d *fakeDevice) release(reverse bool) {
	d.mu.Lock()
	held := d.held
	d.held = nil
	d.mu.Unlock()
	if reverse {
		for i, j := 0, len(held)-1; i < j; i, j = i+1, j-1 {
			held[i], held[j] = held[j], held[i]
		}
	}
	for _, h := range held {
		d.post(h.queue, h.entry)
	}
}

func (d *fakeDevice) seenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *fakeDevice) heldCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.held)
}

func (d *fakeDevice) seenAt(i int) seenEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[i]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitDone(t *testing.T, cmd *sched.Command) {
	t.Helper()
	select {
	case <-cmd.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("%v command did not finish (state %v)", cmd.Opcode, cmd.State())
	}
}
