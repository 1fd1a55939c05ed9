// File: peer/cu.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package peer

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-xgq/api"
	"github.com/momentics/hioload-xgq/protocol"
	"github.com/momentics/hioload-xgq/router"
)

// serveCU dispatches at most one command from a CU queue.
func (s *Server) serveCU(ctx context.Context, ep *endpoint) bool {
	hdr, bp, ok := s.take(ep)
	if !ok {
		return false
	}
	if hdr.Opcode.Class() != protocol.ClassExecution {
		s.bufs.Put(bp)
		s.nInvalid.Add(1)
		s.complete(ctx, ep, hdr.CID, invalid(protocol.RcodeNotTTY), false)
		return true
	}

	ep.mu.Lock()
	if _, busy := ep.inflight[hdr.CID]; busy {
		ep.mu.Unlock()
		s.bufs.Put(bp)
		s.nConflicts.Add(1)
		s.log.WithFields(logrus.Fields{"queue": ep.id, "cid": hdr.CID}).Error("cid already in flight")
		s.complete(ctx, ep, hdr.CID, protocol.CQEntry{CState: protocol.CStateConflictID, Rcode: protocol.RcodeProto}, false)
		return true
	}
	ep.mu.Unlock()

	if s.echo.Load() {
		s.bufs.Put(bp)
		s.nEchoed.Add(1)
		s.complete(ctx, ep, hdr.CID, completed(0), false)
		return true
	}

	unit, served := s.router.Resolve(ep.id, router.Unit{Index: hdr.CUIndex, Domain: router.Domain(hdr.CUDomain)})
	info, ok := s.lookup(unit)
	if !served || !ok {
		s.bufs.Put(bp)
		s.log.WithFields(logrus.Fields{"queue": ep.id, "cid": hdr.CID, "unit": unit.String()}).Warn("command for unconfigured unit")
		s.complete(ctx, ep, hdr.CID, invalid(protocol.RcodeNoDev), false)
		return true
	}
	if info.argSize > 0 && uint32(len(*bp)) > info.argSize {
		s.bufs.Put(bp)
		s.complete(ctx, ep, hdr.CID, failed(protocol.RcodeInval), false)
		return true
	}

	ep.mu.Lock()
	ep.inflight[hdr.CID] = struct{}{}
	ep.mu.Unlock()

	req := Request{Queue: ep.id, CID: hdr.CID, Unit: unit, Name: info.name, Opcode: hdr.Opcode, Args: *bp}
	task := func() {
		defer s.tasks.Done()
		defer s.bufs.Put(bp)
		e := s.execute(ctx, req)
		s.nExecuted.Add(1)
		s.complete(ctx, ep, req.CID, e, true)
	}
	s.tasks.Add(1)
	if err := s.exec.Submit(task); err != nil {
		if !errors.Is(err, api.ErrBusy) {
			s.log.WithError(err).Warn("executor unavailable, running inline")
		}
		task()
	}
	return true
}

// execute runs the kernel, turning a panic into a protocol error.
func (s *Server) execute(ctx context.Context, req Request) (e protocol.CQEntry) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithFields(logrus.Fields{"queue": req.Queue, "cid": req.CID, "unit": req.Unit.String(), "panic": r}).Error("kernel panicked")
			e = failed(protocol.RcodeProto)
		}
	}()
	result, rcode := s.kernel.Execute(ctx, req)
	if rcode != protocol.RcodeOK {
		return failed(rcode)
	}
	return completed(result)
}

// complete posts e for cid on ep. tracked commands leave the in-flight set
// in the same critical section as the post.
func (s *Server) complete(ctx context.Context, ep *endpoint, cid uint16, e protocol.CQEntry, tracked bool) {
	e.CID = cid
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if tracked {
		delete(ep.inflight, cid)
	}
	s.post(ctx, ep, e)
}
