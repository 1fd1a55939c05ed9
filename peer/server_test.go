// File: peer/server_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package peer_test

import (
	"context"
	"hash/crc32"
	"sync"
	"testing"
	"time"

	"github.com/momentics/hioload-xgq/internal/concurrency"
	"github.com/momentics/hioload-xgq/peer"
	"github.com/momentics/hioload-xgq/protocol"
	"github.com/momentics/hioload-xgq/router"
	"github.com/momentics/hioload-xgq/shm"
	"github.com/momentics/hioload-xgq/xgq"
)

const (
	testSlotSize  = 128
	testSlotCount = 8
)

type rig struct {
	srv   *peer.Server
	hosts []*xgq.Queue // hosts[0] is the control queue
	rt    *router.Router
}

func newRig(t *testing.T, cuQueues int, opts ...peer.Option) *rig {
	t.Helper()
	r := &rig{rt: router.New(cuQueues)}
	var servers []*xgq.Queue
	for i := 0; i <= cuQueues; i++ {
		region := shm.NewHeap(xgq.HeaderSize + testSlotCount*(testSlotSize+protocol.CQEntrySize))
		srv, err := xgq.Alloc(region, xgq.RoleServer, testSlotSize, testSlotCount)
		if err != nil {
			t.Fatal(err)
		}
		host, err := xgq.Attach(region, xgq.RoleClient)
		if err != nil {
			t.Fatal(err)
		}
		servers = append(servers, srv)
		r.hosts = append(r.hosts, host)
	}
	srv, err := peer.New(servers[0], servers[1:], r.rt, opts...)
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	r.srv = srv
	t.Cleanup(func() { _ = srv.Close() })
	return r
}

func (r *rig) send(t *testing.T, q int, hdr protocol.SQHeader, payload []byte) {
	t.Helper()
	host := r.hosts[q]
	slot, err := host.Produce()
	if err != nil {
		t.Fatalf("produce on queue %d: %v", q, err)
	}
	if err := host.WriteSQ(slot, hdr, payload); err != nil {
		t.Fatal(err)
	}
	if err := host.NotifyProduced(); err != nil {
		t.Fatal(err)
	}
	_ = r.srv.Doorbell().Signal()
}

func (r *rig) recv(t *testing.T, q int) protocol.CQEntry {
	t.Helper()
	host := r.hosts[q]
	deadline := time.Now().Add(5 * time.Second)
	for {
		slot, err := host.Consume()
		if err == nil {
			e := host.ReadCQ(slot)
			if err := host.NotifyConsumed(); err != nil {
				t.Fatal(err)
			}
			return e
		}
		if time.Now().After(deadline) {
			t.Fatalf("no completion on queue %d", q)
		}
		time.Sleep(100 * time.Microsecond)
	}
}

func (r *rig) call(t *testing.T, op protocol.Opcode, cid uint16, payload []byte) protocol.CQEntry {
	t.Helper()
	r.send(t, 0, protocol.SQHeader{Opcode: op, CID: cid}, payload)
	e := r.recv(t, 0)
	if e.CID != cid {
		t.Fatalf("%v: completion for cid %d, want %d", op, e.CID, cid)
	}
	return e
}

func marshal(t *testing.T, m interface{ MarshalBinary() ([]byte, error) }) []byte {
	t.Helper()
	b, err := m.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func configure(t *testing.T, r *rig, argSize uint32, units ...uint16) {
	t.Helper()
	if e := r.call(t, protocol.OpCfgStart, 100, marshal(t, protocol.CfgStart{NumCUs: uint32(len(units))})); e.Rcode != protocol.RcodeOK {
		t.Fatalf("CFG_START rcode %d", e.Rcode)
	}
	for i, u := range units {
		e := r.call(t, protocol.OpCfgCU, uint16(101+i), marshal(t, protocol.CfgCU{CUIndex: u, ArgSize: argSize, Name: "k"}))
		if e.Rcode != protocol.RcodeOK {
			t.Fatalf("CFG_CU %d rcode %d", u, e.Rcode)
		}
	}
	if e := r.call(t, protocol.OpCfgEnd, 200, nil); e.Rcode != protocol.RcodeOK {
		t.Fatalf("CFG_END rcode %d", e.Rcode)
	}
}

func TestNewValidatesQueues(t *testing.T) {
	region := shm.NewHeap(xgq.HeaderSize + 2*(64+protocol.CQEntrySize))
	srv, err := xgq.Alloc(region, xgq.RoleServer, 64, 2)
	if err != nil {
		t.Fatal(err)
	}
	host, err := xgq.Attach(region, xgq.RoleClient)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := peer.New(srv, nil, router.New(1)); err == nil {
		t.Error("expected error without CU queues")
	}
	if _, err := peer.New(srv, []*xgq.Queue{srv}, router.New(2)); err == nil {
		t.Error("expected error on router size mismatch")
	}
	if _, err := peer.New(host, []*xgq.Queue{srv}, router.New(1)); err == nil {
		t.Error("expected error on client endpoint")
	}
}

func TestControlSession(t *testing.T) {
	r := newRig(t, 2)

	if e := r.call(t, protocol.OpIdentify, 1, nil); e.Result != protocol.IdentifyResult(xgq.VersionMajor, xgq.VersionMinor) {
		t.Errorf("IDENTIFY result %#x", e.Result)
	}
	if e := r.call(t, protocol.OpCfgEnd, 2, nil); e.Rcode != protocol.RcodeInval {
		t.Errorf("CFG_END outside session: rcode %d", e.Rcode)
	}
	if e := r.call(t, protocol.OpCfgCU, 3, marshal(t, protocol.CfgCU{CUIndex: 1})); e.Rcode != protocol.RcodeInval {
		t.Errorf("CFG_CU outside session: rcode %d", e.Rcode)
	}
	if e := r.call(t, protocol.OpCfgStart, 4, marshal(t, protocol.CfgStart{NumCUs: 2})); e.Rcode != protocol.RcodeOK {
		t.Fatalf("CFG_START rcode %d", e.Rcode)
	}
	if e := r.call(t, protocol.OpCfgStart, 5, marshal(t, protocol.CfgStart{NumCUs: 2})); e.Rcode != protocol.RcodeInval {
		t.Errorf("nested CFG_START: rcode %d", e.Rcode)
	}
	a := r.call(t, protocol.OpCfgCU, 6, marshal(t, protocol.CfgCU{CUIndex: 3, ArgSize: 16, Name: "vadd"}))
	b := r.call(t, protocol.OpCfgCU, 7, marshal(t, protocol.CfgCU{CUIndex: 4, ArgSize: 16, Name: "vmul"}))
	if a.Rcode != protocol.RcodeOK || b.Rcode != protocol.RcodeOK || a.Result == b.Result {
		t.Errorf("CFG_CU placed both units on queue %d/%d", a.Result, b.Result)
	}
	if e := r.call(t, protocol.OpUncfgCU, 8, marshal(t, protocol.UncfgCU{CUIndex: 9})); e.Rcode != protocol.RcodeNoEnt {
		t.Errorf("UNCFG_CU of unknown unit: rcode %d", e.Rcode)
	}
	if e := r.call(t, protocol.OpCfgEnd, 9, nil); e.Rcode != protocol.RcodeOK || e.Result != 2 {
		t.Errorf("CFG_END: rcode %d result %d", e.Rcode, e.Result)
	}
	if !r.srv.Configured() {
		t.Error("server not configured after CFG_END")
	}

	e := r.call(t, protocol.OpQueryCU, 10, marshal(t, protocol.QueryCU{CUIndex: 3, Kind: protocol.QueryCUConfig}))
	if e.Rcode != protocol.RcodeOK || e.Result != a.Result || e.Reserved != 16 {
		t.Errorf("QUERY_CU config: %+v", e)
	}
	if q, _ := r.rt.Route(router.Unit{Index: 3}); uint32(q) != e.Result {
		t.Errorf("router has unit on queue %d, device reports %d", q, e.Result)
	}
	if e := r.call(t, protocol.OpQueryCU, 11, marshal(t, protocol.QueryCU{CUIndex: 9, Kind: protocol.QueryCUStatus})); e.Result != 0 {
		t.Errorf("QUERY_CU status of unknown unit: %d", e.Result)
	}
	if e := r.call(t, protocol.OpQueryCU, 12, marshal(t, protocol.QueryCU{CUIndex: 9, Kind: protocol.QueryCUConfig})); e.Rcode != protocol.RcodeNoEnt {
		t.Errorf("QUERY_CU config of unknown unit: rcode %d", e.Rcode)
	}
}

func TestDiagnostics(t *testing.T) {
	r := newRig(t, 1, peer.WithScratch(64))

	if e := r.call(t, protocol.OpQueryMem, 1, marshal(t, protocol.QueryMem{Kind: protocol.QueryMemSize})); e.Result != 64 {
		t.Errorf("QUERY_MEM size %d", e.Result)
	}
	if e := r.call(t, protocol.OpQueryMem, 2, marshal(t, protocol.QueryMem{Kind: protocol.QueryMemAddr})); uint64(e.Reserved)<<32|uint64(e.Result) != peer.ScratchBase {
		t.Errorf("QUERY_MEM addr %#x:%#x", e.Reserved, e.Result)
	}
	if e := r.call(t, protocol.OpAccessTest, 3, marshal(t, protocol.AccessTest{Offset: 8, Pattern: 0xA5A5F00D})); e.Result != 0xA5A5F00D {
		t.Errorf("ACCESS_TEST read back %#x", e.Result)
	}
	if e := r.call(t, protocol.OpAccessTest, 4, marshal(t, protocol.AccessTest{Offset: 62})); e.Rcode != protocol.RcodeInval {
		t.Errorf("ACCESS_TEST out of window: rcode %d", e.Rcode)
	}
	data := []byte("integrity check payload")
	if e := r.call(t, protocol.OpDataIntegrity, 5, data); e.Result != crc32.ChecksumIEEE(data) || e.Reserved != uint32(len(data)) {
		t.Errorf("DATA_INTEGRITY %+v", e)
	}
	future := time.Now().Add(time.Hour)
	if e := r.call(t, protocol.OpTimeset, 6, marshal(t, protocol.Timeset{UnixNano: uint64(future.UnixNano())})); e.Rcode != protocol.RcodeOK {
		t.Fatalf("TIMESET rcode %d", e.Rcode)
	}
	if d := r.srv.Now().Sub(future); d < -time.Second || d > time.Second {
		t.Errorf("device clock off by %v", d)
	}
	e := r.call(t, protocol.Opcode(0x55), 7, nil)
	if e.CState != protocol.CStateInvalid || e.Rcode != protocol.RcodeNotTTY {
		t.Errorf("unknown opcode answered with %v/%d", e.CState, e.Rcode)
	}
}

// gate is a kernel whose commands finish when released by cid.
type gate struct {
	mu      sync.Mutex
	release map[uint16]chan struct{}
	started chan uint16
}

func newGate() *gate {
	return &gate{release: make(map[uint16]chan struct{}), started: make(chan uint16, 16)}
}

func (g *gate) ch(cid uint16) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.release[cid]
	if !ok {
		c = make(chan struct{})
		g.release[cid] = c
	}
	return c
}

func (g *gate) Execute(ctx context.Context, req peer.Request) (uint32, int32) {
	g.started <- req.CID
	select {
	case <-g.ch(req.CID):
	case <-ctx.Done():
		return 0, protocol.RcodeCanceled
	}
	return uint32(req.CID) * 10, protocol.RcodeOK
}

func (g *gate) waitStarted(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-g.started:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d kernels started", i)
		}
	}
}

func TestOutOfOrderCompletion(t *testing.T) {
	g := newGate()
	ex := concurrency.NewExecutor(2)
	t.Cleanup(ex.Close)
	r := newRig(t, 1, peer.WithKernel(g), peer.WithExecutor(ex))
	configure(t, r, 0, 0, 1)

	r.send(t, 1, protocol.SQHeader{Opcode: protocol.OpStartCU, CID: 1, CUIndex: 0}, []byte{1, 2, 3, 4})
	r.send(t, 1, protocol.SQHeader{Opcode: protocol.OpStartCU, CID: 2, CUIndex: 1}, []byte{5, 6, 7, 8})
	g.waitStarted(t, 2)

	close(g.ch(2))
	if e := r.recv(t, 1); e.CID != 2 || e.Result != 20 {
		t.Fatalf("first completion %+v, want cid 2", e)
	}
	close(g.ch(1))
	if e := r.recv(t, 1); e.CID != 1 || e.Result != 10 {
		t.Fatalf("second completion %+v, want cid 1", e)
	}
}

func TestConflictingCID(t *testing.T) {
	g := newGate()
	r := newRig(t, 1, peer.WithKernel(g))
	configure(t, r, 0, 0)

	r.send(t, 1, protocol.SQHeader{Opcode: protocol.OpStartCU, CID: 7}, nil)
	g.waitStarted(t, 1)
	r.send(t, 1, protocol.SQHeader{Opcode: protocol.OpStartCU, CID: 7}, nil)
	if e := r.recv(t, 1); e.CID != 7 || e.CState != protocol.CStateConflictID {
		t.Fatalf("duplicate cid answered with %+v", e)
	}
	close(g.ch(7))
	if e := r.recv(t, 1); e.CID != 7 || e.CState != protocol.CStateCompleted {
		t.Fatalf("original command answered with %+v", e)
	}
	if n := r.srv.Stats()["peer.conflicts"].(uint64); n != 1 {
		t.Errorf("conflicts = %d", n)
	}
}

func TestExecutionRejections(t *testing.T) {
	r := newRig(t, 1)
	configure(t, r, 8, 2, 3)

	r.send(t, 1, protocol.SQHeader{Opcode: protocol.OpStartCU, CID: 1, CUIndex: 9}, nil)
	if e := r.recv(t, 1); e.CState != protocol.CStateInvalid || e.Rcode != protocol.RcodeNoDev {
		t.Errorf("unconfigured unit answered with %+v", e)
	}
	r.send(t, 1, protocol.SQHeader{Opcode: protocol.OpIdentify, CID: 2}, nil)
	if e := r.recv(t, 1); e.CState != protocol.CStateInvalid || e.Rcode != protocol.RcodeNotTTY {
		t.Errorf("control opcode on CU queue answered with %+v", e)
	}
	r.send(t, 1, protocol.SQHeader{Opcode: protocol.OpStartCU, CID: 3, CUIndex: 2}, make([]byte, 12))
	if e := r.recv(t, 1); e.Rcode != protocol.RcodeInval {
		t.Errorf("oversized arguments answered with %+v", e)
	}
	kv := protocol.EncodeKV([]protocol.KV{{Offset: 0x10, Value: 1}})
	r.send(t, 1, protocol.SQHeader{Opcode: protocol.OpStartCUKV, CID: 4, CUIndex: 3}, kv)
	if e := r.recv(t, 1); e.Rcode != protocol.RcodeOK || e.Result != 1 {
		t.Errorf("START_CU_KV answered with %+v", e)
	}
	r.send(t, 1, protocol.SQHeader{Opcode: protocol.OpStartCUKV, CID: 5, CUIndex: 3}, kv[:4])
	if e := r.recv(t, 1); e.CState != protocol.CStateCompleted || e.Rcode != protocol.RcodeInval {
		t.Errorf("truncated START_CU_KV answered with %+v", e)
	}
}

func TestSingleModeChecksHeaderUnit(t *testing.T) {
	r := newRig(t, 2)
	configure(t, r, 0, 0, 5)
	q, ok := r.rt.Route(router.Unit{Index: 5})
	if !ok || r.rt.Mode(q) != router.ModeSingle {
		t.Fatalf("unit 5 not in single mode (queue %d)", q)
	}
	r.send(t, q+1, protocol.SQHeader{Opcode: protocol.OpStartCU, CID: 1, CUIndex: 5}, []byte{1, 2})
	if e := r.recv(t, q+1); e.Rcode != protocol.RcodeOK || e.Result != 2 {
		t.Fatalf("single mode dispatch answered with %+v", e)
	}
	r.send(t, q+1, protocol.SQHeader{Opcode: protocol.OpStartCU, CID: 2, CUIndex: 9}, []byte{1})
	if e := r.recv(t, q+1); e.CState != protocol.CStateInvalid || e.Rcode != protocol.RcodeNoDev {
		t.Fatalf("unconfigured unit answered with %+v", e)
	}
	r.send(t, q+1, protocol.SQHeader{Opcode: protocol.OpStartCU, CID: 3, CUIndex: 0}, []byte{1})
	if e := r.recv(t, q+1); e.CState != protocol.CStateInvalid || e.Rcode != protocol.RcodeNoDev {
		t.Fatalf("unit served by another queue answered with %+v", e)
	}
}

func TestEchoMode(t *testing.T) {
	called := make(chan struct{}, 1)
	k := peer.KernelFunc(func(context.Context, peer.Request) (uint32, int32) {
		called <- struct{}{}
		return 0, protocol.RcodeOK
	})
	r := newRig(t, 1, peer.WithEcho(), peer.WithKernel(k))
	if !r.srv.Echo() {
		t.Fatal("echo mode not active")
	}
	for cid := uint16(0); cid < testSlotCount; cid++ {
		r.send(t, 1, protocol.SQHeader{Opcode: protocol.OpStartCU, CID: cid, CUIndex: 42}, nil)
	}
	for cid := uint16(0); cid < testSlotCount; cid++ {
		if e := r.recv(t, 1); e.CID != cid || e.CState != protocol.CStateCompleted {
			t.Fatalf("echo completion %+v", e)
		}
	}
	select {
	case <-called:
		t.Fatal("kernel ran in echo mode")
	default:
	}
}

func TestStopRebindRestart(t *testing.T) {
	r := newRig(t, 1)
	if err := r.srv.Start(); err == nil {
		t.Fatal("second Start succeeded")
	}
	r.srv.Stop()
	if err := r.srv.Rebind(nil, nil); err == nil {
		t.Fatal("Rebind accepted nil queues")
	}
	if err := r.srv.Start(); err != nil {
		t.Fatal(err)
	}
	if e := r.call(t, protocol.OpIdentify, 9, nil); e.Rcode != protocol.RcodeOK {
		t.Fatalf("IDENTIFY after restart: rcode %d", e.Rcode)
	}
}

func TestRepeatedStartStop(t *testing.T) {
	r := newRig(t, 1)
	r.srv.Stop()
	for i := 0; i < 200; i++ {
		if err := r.srv.Start(); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		r.srv.Stop()
	}
	if err := r.srv.Start(); err != nil {
		t.Fatal(err)
	}
	if e := r.call(t, protocol.OpIdentify, 3, nil); e.Rcode != protocol.RcodeOK {
		t.Fatalf("IDENTIFY after restarts: rcode %d", e.Rcode)
	}
}
