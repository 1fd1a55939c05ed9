// File: protocol/opcode.go
// Package protocol defines the command wire format shared by the host
// scheduler and the executing domain.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Opcodes are grouped into classes. The class decides which queue a command
// travels on and whether it needs the exclusive control slot.

package protocol

import "fmt"

// Opcode identifies a command. Numeric values are private to this module.
type Opcode uint16

const (
	OpCfgStart      Opcode = 0x001
	OpCfgEnd        Opcode = 0x002
	OpCfgCU         Opcode = 0x003
	OpUncfgCU       Opcode = 0x004
	OpQueryCU       Opcode = 0x005
	OpQueryMem      Opcode = 0x006
	OpIdentify      Opcode = 0x007
	OpTimeset       Opcode = 0x008
	OpAccessTest    Opcode = 0x009
	OpDataIntegrity Opcode = 0x00A

	OpStartCU   Opcode = 0x100
	OpStartCUKV Opcode = 0x101
)

// Class groups opcodes by routing and exclusivity rules.
type Class uint8

const (
	ClassUnknown Class = iota
	ClassControl
	ClassCULifecycle
	ClassExecution
	ClassDiagnostic
)

func (c Class) String() string {
	switch c {
	case ClassControl:
		return "control"
	case ClassCULifecycle:
		return "cu-lifecycle"
	case ClassExecution:
		return "execution"
	case ClassDiagnostic:
		return "diagnostic"
	default:
		return "unknown"
	}
}

// Class returns the opcode's class. Unrecognized opcodes report ClassUnknown
// and are routed like control commands; the executing side rejects them.
func (op Opcode) Class() Class {
	switch op {
	case OpCfgStart, OpCfgEnd, OpIdentify, OpTimeset:
		return ClassControl
	case OpCfgCU, OpUncfgCU, OpQueryCU:
		return ClassCULifecycle
	case OpStartCU, OpStartCUKV:
		return ClassExecution
	case OpQueryMem, OpAccessTest, OpDataIntegrity:
		return ClassDiagnostic
	default:
		return ClassUnknown
	}
}

// Exclusive reports whether the opcode must hold the control slot of its
// queue. Every class except execution does.
func (op Opcode) Exclusive() bool {
	return op.Class() != ClassExecution
}

func (op Opcode) String() string {
	switch op {
	case OpCfgStart:
		return "CFG_START"
	case OpCfgEnd:
		return "CFG_END"
	case OpCfgCU:
		return "CFG_CU"
	case OpUncfgCU:
		return "UNCFG_CU"
	case OpQueryCU:
		return "QUERY_CU"
	case OpQueryMem:
		return "QUERY_MEM"
	case OpIdentify:
		return "IDENTIFY"
	case OpTimeset:
		return "TIMESET"
	case OpAccessTest:
		return "ACCESS_TEST"
	case OpDataIntegrity:
		return "DATA_INTEGRITY"
	case OpStartCU:
		return "START_CUIDX"
	case OpStartCUKV:
		return "START_CUIDX_KV"
	default:
		return fmt.Sprintf("OP(0x%x)", uint16(op))
	}
}
