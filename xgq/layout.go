// File: xgq/layout.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Ring header and geometry. The header occupies the first HeaderSize bytes of
// the region, followed by the submission ring and then the completion ring.

package xgq

import (
	"github.com/momentics/hioload-xgq/api"
	"github.com/momentics/hioload-xgq/protocol"
)

const (
	// MagicAlloc is written last by Alloc.
	MagicAlloc uint32 = 0x5847513F // "XGQ?"
	// MagicAttach is written by Attach once the client has joined.
	MagicAttach uint32 = 0x58475121 // "XGQ!"

	VersionMajor = 1
	VersionMinor = 0

	// HeaderSize is the reserved header length in bytes.
	HeaderSize = 64
	// MinSlots is the smallest usable ring.
	MinSlots = 2
	// MaxSlots bounds the ring so every slot maps to a 16-bit command id.
	MaxSlots = 1024
)

// header word offsets
const (
	offMagic      = 0
	offVersion    = 4
	offSlotNum    = 8
	offSQOffset   = 12
	offSQSlotSize = 16
	offCQOffset   = 20
	offSQConsumed = 24
	offCQConsumed = 28
	offSQProduced = 32
	offCQProduced = 36
)

// MaxSlotSize is the largest word-aligned slot whose payload the SQ count
// field can describe.
const MaxSlotSize = (protocol.SQHeaderSize + protocol.MaxPayload) &^ (protocol.WordSize - 1)

// Geometry is the computed layout of both rings inside a region.
type Geometry struct {
	SlotCount  int
	SQOffset   int
	SQSlotSize int
	CQOffset   int
	CQSlotSize int
}

// End returns the first byte past the completion ring.
func (g Geometry) End() int { return g.CQOffset + g.SlotCount*g.CQSlotSize }

// Configure validates slot parameters against a region of regionSize bytes and
// returns the layout. A zero slotCount selects the largest power of two that
// fits, capped at MaxSlots.
func Configure(regionSize, slotSize, slotCount int) (Geometry, error) {
	if slotSize < protocol.SQHeaderSize || slotSize%protocol.WordSize != 0 {
		return Geometry{}, invalid("slot size must be a word multiple holding a header").
			WithContext("slot_size", slotSize)
	}
	if slotSize > MaxSlotSize {
		return Geometry{}, invalid("slot payload exceeds the count field").
			WithContext("slot_size", slotSize).
			WithContext("max", MaxSlotSize)
	}
	per := slotSize + protocol.CQEntrySize
	avail := regionSize - HeaderSize
	if slotCount == 0 {
		slotCount = MaxSlots
		for slotCount >= MinSlots && slotCount*per > avail {
			slotCount >>= 1
		}
	}
	if slotCount < MinSlots || slotCount > MaxSlots || slotCount&(slotCount-1) != 0 {
		return Geometry{}, invalid("slot count must be a power of two in range").
			WithContext("slot_count", slotCount)
	}
	if slotCount*per > avail {
		return Geometry{}, invalid("rings do not fit in region").
			WithContext("slot_size", slotSize).
			WithContext("slot_count", slotCount).
			WithContext("region_size", regionSize)
	}
	return Geometry{
		SlotCount:  slotCount,
		SQOffset:   HeaderSize,
		SQSlotSize: slotSize,
		CQOffset:   HeaderSize + slotCount*slotSize,
		CQSlotSize: protocol.CQEntrySize,
	}, nil
}

func invalid(msg string) *api.Error {
	return api.Wrap(api.ErrCodeInvalidConfiguration, api.ErrInvalidConfig, "xgq: "+msg)
}
