// File: protocol/payload.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Payload layouts of control, lifecycle and diagnostic commands.

package protocol

import (
	"encoding/binary"
	"fmt"
)

// CfgStart flags.
const (
	CfgFlagEcho uint32 = 1 << 0
)

// CfgStart opens a configuration session.
type CfgStart struct {
	NumCUs uint32
	Flags  uint32
}

func (p CfgStart) MarshalBinary() ([]byte, error) {
	return putWords(p.NumCUs, p.Flags), nil
}

func (p *CfgStart) UnmarshalBinary(b []byte) error {
	w, err := getWords(b, 2)
	if err != nil {
		return err
	}
	p.NumCUs, p.Flags = w[0], w[1]
	return nil
}

// CUNameSize is the fixed width of the unit name field.
const CUNameSize = 32

// CfgCU configures one compute unit.
type CfgCU struct {
	CUIndex  uint16
	CUDomain uint8
	ArgSize  uint32 // bytes of kernel arguments the unit accepts
	Name     string
}

func (p CfgCU) MarshalBinary() ([]byte, error) {
	if len(p.Name) > CUNameSize {
		return nil, fmt.Errorf("%w: cu name %q", errFieldRange, p.Name)
	}
	b := putWords(unitWord(p.CUIndex, p.CUDomain), p.ArgSize)
	name := make([]byte, CUNameSize)
	copy(name, p.Name)
	return append(b, name...), nil
}

func (p *CfgCU) UnmarshalBinary(b []byte) error {
	w, err := getWords(b, 2)
	if err != nil {
		return err
	}
	if len(b) < 8+CUNameSize {
		return errShortBuffer
	}
	p.CUIndex, p.CUDomain = splitUnitWord(w[0])
	p.ArgSize = w[1]
	name := b[8 : 8+CUNameSize]
	n := 0
	for n < len(name) && name[n] != 0 {
		n++
	}
	p.Name = string(name[:n])
	return nil
}

// UncfgCU removes one compute unit.
type UncfgCU struct {
	CUIndex  uint16
	CUDomain uint8
	Reset    bool
}

func (p UncfgCU) MarshalBinary() ([]byte, error) {
	var reset uint32
	if p.Reset {
		reset = 1
	}
	return putWords(unitWord(p.CUIndex, p.CUDomain), reset), nil
}

func (p *UncfgCU) UnmarshalBinary(b []byte) error {
	w, err := getWords(b, 2)
	if err != nil {
		return err
	}
	p.CUIndex, p.CUDomain = splitUnitWord(w[0])
	p.Reset = w[1] != 0
	return nil
}

// QueryCU kinds.
const (
	QueryCUConfig uint32 = 0
	QueryCUStatus uint32 = 1
)

// QueryCU asks where a unit is served or whether it is configured.
type QueryCU struct {
	CUIndex  uint16
	CUDomain uint8
	Kind     uint32
}

func (p QueryCU) MarshalBinary() ([]byte, error) {
	return putWords(unitWord(p.CUIndex, p.CUDomain), p.Kind), nil
}

func (p *QueryCU) UnmarshalBinary(b []byte) error {
	w, err := getWords(b, 2)
	if err != nil {
		return err
	}
	p.CUIndex, p.CUDomain = splitUnitWord(w[0])
	p.Kind = w[1]
	return nil
}

// QueryMem kinds.
const (
	QueryMemAddr uint32 = 0
	QueryMemSize uint32 = 1
)

// QueryMem asks for the device scratch memory window.
type QueryMem struct {
	Kind uint32
}

func (p QueryMem) MarshalBinary() ([]byte, error) { return putWords(p.Kind), nil }

func (p *QueryMem) UnmarshalBinary(b []byte) error {
	w, err := getWords(b, 1)
	if err != nil {
		return err
	}
	p.Kind = w[0]
	return nil
}

// Timeset carries the host wall clock in nanoseconds.
type Timeset struct {
	UnixNano uint64
}

func (p Timeset) MarshalBinary() ([]byte, error) {
	return putWords(uint32(p.UnixNano), uint32(p.UnixNano>>32)), nil
}

func (p *Timeset) UnmarshalBinary(b []byte) error {
	w, err := getWords(b, 2)
	if err != nil {
		return err
	}
	p.UnixNano = uint64(w[0]) | uint64(w[1])<<32
	return nil
}

// AccessTest writes Pattern at Offset of the scratch window and reads it back.
type AccessTest struct {
	Offset  uint32
	Pattern uint32
}

func (p AccessTest) MarshalBinary() ([]byte, error) { return putWords(p.Offset, p.Pattern), nil }

func (p *AccessTest) UnmarshalBinary(b []byte) error {
	w, err := getWords(b, 2)
	if err != nil {
		return err
	}
	p.Offset, p.Pattern = w[0], w[1]
	return nil
}

// KV is one register write of a START_CUIDX_KV command.
type KV struct {
	Offset uint32
	Value  uint32
}

// EncodeKV packs register writes.
func EncodeKV(kvs []KV) []byte {
	b := make([]byte, 0, len(kvs)*8)
	for _, kv := range kvs {
		b = append(b, putWords(kv.Offset, kv.Value)...)
	}
	return b
}

// DecodeKV unpacks register writes. Trailing partial pairs are an error.
func DecodeKV(b []byte) ([]KV, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("%w: kv payload of %d bytes", errFieldRange, len(b))
	}
	kvs := make([]KV, len(b)/8)
	for i := range kvs {
		kvs[i].Offset = binary.LittleEndian.Uint32(b[i*8:])
		kvs[i].Value = binary.LittleEndian.Uint32(b[i*8+4:])
	}
	return kvs, nil
}

// IdentifyResult packs a protocol version into a completion result word.
func IdentifyResult(major, minor uint16) uint32 { return uint32(major)<<16 | uint32(minor) }

// SplitIdentify is the inverse of IdentifyResult.
func SplitIdentify(result uint32) (major, minor uint16) {
	return uint16(result >> 16), uint16(result)
}

func unitWord(idx uint16, domain uint8) uint32 {
	return uint32(idx&MaxCUIndex) | uint32(domain&MaxCUDomain)<<12
}

func splitUnitWord(w uint32) (uint16, uint8) {
	return uint16(w & MaxCUIndex), uint8(w>>12) & MaxCUDomain
}

func putWords(ws ...uint32) []byte {
	b := make([]byte, len(ws)*WordSize)
	for i, w := range ws {
		binary.LittleEndian.PutUint32(b[i*WordSize:], w)
	}
	return b
}

func getWords(b []byte, n int) ([]uint32, error) {
	if len(b) < n*WordSize {
		return nil, errShortBuffer
	}
	w := make([]uint32, n)
	for i := range w {
		w[i] = binary.LittleEndian.Uint32(b[i*WordSize:])
	}
	return w, nil
}
