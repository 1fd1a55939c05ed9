// File: protocol/entry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Submission header and completion entry codecs. Both are sequences of
// little-endian 32-bit words; word 0 carries the new-entry flag in its MSB and
// is always the last word a producer stores.

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// WordSize is the protocol word. Slot sizes are multiples of it.
	WordSize = 4
	// SQHeaderSize is the submission header length in bytes.
	SQHeaderSize = 8
	// CQEntrySize is the fixed completion slot size in bytes.
	CQEntrySize = 16
	// MaxPayload is the largest payload the 15-bit count field can describe.
	MaxPayload = 1<<15 - 1
	// MaxCUIndex is the largest unit index a header can address.
	MaxCUIndex = 1<<12 - 1
	// MaxCUDomain is the largest unit domain a header can address.
	MaxCUDomain = 1<<4 - 1

	// NewEntryFlag marks word 0 of an entry the consumer has not seen yet.
	NewEntryFlag uint32 = 1 << 31
)

var (
	errShortBuffer = errors.New("protocol: buffer too short")
	errFieldRange  = errors.New("protocol: field out of range")
)

// SQHeader is the 8-byte header at the start of every submission slot.
type SQHeader struct {
	Opcode   Opcode
	Count    uint16 // payload length in bytes
	New      bool
	CID      uint16
	CUIndex  uint16 // execution commands only
	CUDomain uint8  // execution commands only
}

// Validate checks field widths.
func (h SQHeader) Validate() error {
	if h.Count > MaxPayload {
		return fmt.Errorf("%w: count %d", errFieldRange, h.Count)
	}
	if h.CUIndex > MaxCUIndex || h.CUDomain > MaxCUDomain {
		return fmt.Errorf("%w: unit %d/%d", errFieldRange, h.CUDomain, h.CUIndex)
	}
	return nil
}

// Words packs the header. Unit fields are only encoded for execution opcodes;
// other classes carry zero in the reserved half-word.
func (h SQHeader) Words() (w0, w1 uint32) {
	w0 = uint32(h.Opcode) | uint32(h.Count&MaxPayload)<<16
	if h.New {
		w0 |= NewEntryFlag
	}
	w1 = uint32(h.CID)
	if h.Opcode.Class() == ClassExecution {
		w1 |= (uint32(h.CUIndex&MaxCUIndex) | uint32(h.CUDomain&MaxCUDomain)<<12) << 16
	}
	return w0, w1
}

// ParseSQHeader unpacks the two header words.
func ParseSQHeader(w0, w1 uint32) SQHeader {
	h := SQHeader{
		Opcode: Opcode(w0 & 0xFFFF),
		Count:  uint16(w0>>16) & MaxPayload,
		New:    w0&NewEntryFlag != 0,
		CID:    uint16(w1),
	}
	if h.Opcode.Class() == ClassExecution {
		unit := w1 >> 16
		h.CUIndex = uint16(unit & MaxCUIndex)
		h.CUDomain = uint8(unit >> 12)
	}
	return h
}

// Encode writes the header into b.
func (h SQHeader) Encode(b []byte) error {
	if len(b) < SQHeaderSize {
		return errShortBuffer
	}
	if err := h.Validate(); err != nil {
		return err
	}
	w0, w1 := h.Words()
	binary.LittleEndian.PutUint32(b[0:], w0)
	binary.LittleEndian.PutUint32(b[4:], w1)
	return nil
}

// DecodeSQHeader reads a header from b.
func DecodeSQHeader(b []byte) (SQHeader, error) {
	if len(b) < SQHeaderSize {
		return SQHeader{}, errShortBuffer
	}
	return ParseSQHeader(binary.LittleEndian.Uint32(b[0:]), binary.LittleEndian.Uint32(b[4:])), nil
}

// CState is the 14-bit completion state.
type CState uint16

const (
	CStateNone CState = iota
	CStateCompleted
	CStateAborted
	CStateTimeout
	CStateInvalid
	CStateConflictID
)

func (s CState) String() string {
	switch s {
	case CStateCompleted:
		return "completed"
	case CStateAborted:
		return "aborted"
	case CStateTimeout:
		return "timeout"
	case CStateInvalid:
		return "invalid"
	case CStateConflictID:
		return "conflict-id"
	default:
		return fmt.Sprintf("cstate(%d)", uint16(s))
	}
}

const maxCState = 1<<14 - 1

// CQEntry is a 16-byte completion entry.
//
// Reserved is carried verbatim; QUERY_CU and QUERY_MEM use it as a second
// result word.
type CQEntry struct {
	CID      uint16
	CState   CState
	Specific bool
	New      bool
	Result   uint32
	Reserved uint32
	Rcode    int32
}

// Words packs the entry.
func (e CQEntry) Words() [4]uint32 {
	w0 := uint32(e.CID) | uint32(e.CState&maxCState)<<16
	if e.Specific {
		w0 |= 1 << 30
	}
	if e.New {
		w0 |= NewEntryFlag
	}
	return [4]uint32{w0, e.Result, e.Reserved, uint32(e.Rcode)}
}

// ParseCQEntry unpacks four entry words.
func ParseCQEntry(w [4]uint32) CQEntry {
	return CQEntry{
		CID:      uint16(w[0]),
		CState:   CState(w[0]>>16) & maxCState,
		Specific: w[0]&(1<<30) != 0,
		New:      w[0]&NewEntryFlag != 0,
		Result:   w[1],
		Reserved: w[2],
		Rcode:    int32(w[3]),
	}
}

// Encode writes the entry into b.
func (e CQEntry) Encode(b []byte) error {
	if len(b) < CQEntrySize {
		return errShortBuffer
	}
	for i, w := range e.Words() {
		binary.LittleEndian.PutUint32(b[i*WordSize:], w)
	}
	return nil
}

// DecodeCQEntry reads an entry from b.
func DecodeCQEntry(b []byte) (CQEntry, error) {
	if len(b) < CQEntrySize {
		return CQEntry{}, errShortBuffer
	}
	var w [4]uint32
	for i := range w {
		w[i] = binary.LittleEndian.Uint32(b[i*WordSize:])
	}
	return ParseCQEntry(w), nil
}

// Rcodes are negated Linux errno values as carried in CQEntry.Rcode.
const (
	RcodeOK       int32 = 0
	RcodeNoEnt    int32 = -2
	RcodeBusy     int32 = -16
	RcodeNoDev    int32 = -19
	RcodeInval    int32 = -22
	RcodeNotTTY   int32 = -25
	RcodeTime     int32 = -62
	RcodeProto    int32 = -71
	RcodeCanceled int32 = -125
)
