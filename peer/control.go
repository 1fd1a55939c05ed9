// File: peer/control.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package peer

import (
	"context"
	"encoding/binary"
	"hash/crc32"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-xgq/protocol"
	"github.com/momentics/hioload-xgq/router"
	"github.com/momentics/hioload-xgq/xgq"
)

// ScratchBase is the address QUERY_MEM reports for the scratch window.
const ScratchBase uint64 = 0x1000_0000

type controlHandler func(s *Server, payload []byte) protocol.CQEntry

var controlTable = map[protocol.Opcode]controlHandler{
	protocol.OpCfgStart:      (*Server).cfgStart,
	protocol.OpCfgEnd:        (*Server).cfgEnd,
	protocol.OpCfgCU:         (*Server).cfgCU,
	protocol.OpUncfgCU:       (*Server).uncfgCU,
	protocol.OpQueryCU:       (*Server).queryCU,
	protocol.OpQueryMem:      (*Server).queryMem,
	protocol.OpIdentify:      (*Server).identify,
	protocol.OpTimeset:       (*Server).timeset,
	protocol.OpAccessTest:    (*Server).accessTest,
	protocol.OpDataIntegrity: (*Server).dataIntegrity,
}

// serveControl answers at most one control command.
func (s *Server) serveControl(ctx context.Context) bool {
	hdr, bp, ok := s.take(s.ctrl)
	if !ok {
		return false
	}
	s.nControl.Add(1)
	e := s.control(hdr.Opcode, *bp)
	s.bufs.Put(bp)
	e.CID = hdr.CID
	s.ctrl.mu.Lock()
	s.post(ctx, s.ctrl, e)
	s.ctrl.mu.Unlock()
	return true
}

func (s *Server) control(op protocol.Opcode, payload []byte) protocol.CQEntry {
	h, ok := controlTable[op]
	if !ok {
		s.nInvalid.Add(1)
		s.log.WithFields(logrus.Fields{"opcode": op.String()}).Warn("unsupported control opcode")
		return invalid(protocol.RcodeNotTTY)
	}
	e := h(s, payload)
	if e.Rcode != protocol.RcodeOK {
		s.log.WithFields(logrus.Fields{"opcode": op.String(), "rcode": e.Rcode}).Debug("control command failed")
	}
	return e
}

func (s *Server) cfgStart(payload []byte) protocol.CQEntry {
	var p protocol.CfgStart
	if err := p.UnmarshalBinary(payload); err != nil {
		return failed(protocol.RcodeInval)
	}
	if p.NumCUs > protocol.MaxCUIndex+1 {
		return failed(protocol.RcodeInval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.configuring {
		return failed(protocol.RcodeInval)
	}
	s.configuring = true
	s.configured = false
	s.units = make(map[router.Unit]unitInfo)
	s.router.Reset()
	s.echo.Store(s.echoOpt || p.Flags&protocol.CfgFlagEcho != 0)
	s.log.WithFields(logrus.Fields{"num_cus": p.NumCUs, "echo": s.echo.Load()}).Info("configuration started")
	return completed(0)
}

func (s *Server) cfgEnd(_ []byte) protocol.CQEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.configuring {
		return failed(protocol.RcodeInval)
	}
	s.configuring = false
	s.configured = true
	s.log.WithFields(logrus.Fields{"units": len(s.units)}).Info("configuration done")
	return completed(uint32(len(s.units)))
}

func (s *Server) cfgCU(payload []byte) protocol.CQEntry {
	var p protocol.CfgCU
	if err := p.UnmarshalBinary(payload); err != nil {
		return failed(protocol.RcodeInval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.configuring {
		return failed(protocol.RcodeInval)
	}
	u := router.Unit{Index: p.CUIndex, Domain: router.Domain(p.CUDomain)}
	q, err := s.router.Assign(u)
	if err != nil {
		return failed(protocol.RcodeNoDev)
	}
	s.units[u] = unitInfo{name: p.Name, argSize: p.ArgSize, queue: q}
	s.log.WithFields(logrus.Fields{"unit": u.String(), "name": p.Name, "queue": q}).Debug("unit configured")
	return completed(uint32(q))
}

func (s *Server) uncfgCU(payload []byte) protocol.CQEntry {
	var p protocol.UncfgCU
	if err := p.UnmarshalBinary(payload); err != nil {
		return failed(protocol.RcodeInval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.configuring {
		return failed(protocol.RcodeInval)
	}
	u := router.Unit{Index: p.CUIndex, Domain: router.Domain(p.CUDomain)}
	if _, ok := s.units[u]; !ok {
		return failed(protocol.RcodeNoEnt)
	}
	delete(s.units, u)
	q, idle, _ := s.router.Unassign(u)
	s.log.WithFields(logrus.Fields{"unit": u.String(), "queue": q, "idle": idle}).Debug("unit removed")
	return completed(uint32(q))
}

func (s *Server) queryCU(payload []byte) protocol.CQEntry {
	var p protocol.QueryCU
	if err := p.UnmarshalBinary(payload); err != nil {
		return failed(protocol.RcodeInval)
	}
	u := router.Unit{Index: p.CUIndex, Domain: router.Domain(p.CUDomain)}
	s.mu.Lock()
	info, ok := s.units[u]
	s.mu.Unlock()
	switch p.Kind {
	case protocol.QueryCUConfig:
		if !ok {
			return failed(protocol.RcodeNoEnt)
		}
		e := completed(uint32(info.queue))
		e.Reserved = info.argSize
		return e
	case protocol.QueryCUStatus:
		if ok {
			return completed(1)
		}
		return completed(0)
	default:
		return failed(protocol.RcodeInval)
	}
}

func (s *Server) queryMem(payload []byte) protocol.CQEntry {
	var p protocol.QueryMem
	if err := p.UnmarshalBinary(payload); err != nil {
		return failed(protocol.RcodeInval)
	}
	switch p.Kind {
	case protocol.QueryMemAddr:
		e := completed(uint32(ScratchBase))
		e.Reserved = uint32(ScratchBase >> 32)
		return e
	case protocol.QueryMemSize:
		s.scratchMu.Lock()
		defer s.scratchMu.Unlock()
		return completed(uint32(len(s.scratch)))
	default:
		return failed(protocol.RcodeInval)
	}
}

func (s *Server) identify(_ []byte) protocol.CQEntry {
	return completed(protocol.IdentifyResult(xgq.VersionMajor, xgq.VersionMinor))
}

func (s *Server) timeset(payload []byte) protocol.CQEntry {
	var p protocol.Timeset
	if err := p.UnmarshalBinary(payload); err != nil {
		return failed(protocol.RcodeInval)
	}
	skew := int64(p.UnixNano) - time.Now().UnixNano()
	s.skew.Store(skew)
	s.log.WithFields(logrus.Fields{"skew": time.Duration(skew)}).Debug("device clock set")
	return completed(0)
}

func (s *Server) accessTest(payload []byte) protocol.CQEntry {
	var p protocol.AccessTest
	if err := p.UnmarshalBinary(payload); err != nil {
		return failed(protocol.RcodeInval)
	}
	s.scratchMu.Lock()
	defer s.scratchMu.Unlock()
	off := int(p.Offset)
	if off%protocol.WordSize != 0 || off+protocol.WordSize > len(s.scratch) {
		return failed(protocol.RcodeInval)
	}
	binary.LittleEndian.PutUint32(s.scratch[off:], p.Pattern)
	return completed(binary.LittleEndian.Uint32(s.scratch[off:]))
}

func (s *Server) dataIntegrity(payload []byte) protocol.CQEntry {
	e := completed(crc32.ChecksumIEEE(payload))
	e.Reserved = uint32(len(payload))
	return e
}

// Configured reports whether a configuration session has completed.
func (s *Server) Configured() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configured
}

func (s *Server) lookup(u router.Unit) (unitInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.units[u]
	return info, ok
}
