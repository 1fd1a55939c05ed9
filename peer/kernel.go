// File: peer/kernel.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package peer

import (
	"context"

	"github.com/momentics/hioload-xgq/protocol"
	"github.com/momentics/hioload-xgq/router"
)

// Request is one execution command as a kernel sees it.
type Request struct {
	Queue  int
	CID    uint16
	Unit   router.Unit
	Name   string
	Opcode protocol.Opcode
	Args   []byte // valid only during Execute
}

// Kernel runs execution commands on behalf of a compute unit. A negative
// rcode is reported to the host as the command's error.
type Kernel interface {
	Execute(ctx context.Context, req Request) (result uint32, rcode int32)
}

// KernelFunc adapts a function to Kernel.
type KernelFunc func(ctx context.Context, req Request) (uint32, int32)

// Execute calls f.
func (f KernelFunc) Execute(ctx context.Context, req Request) (uint32, int32) { return f(ctx, req) }

// NopKernel completes START_CU with the argument length and START_CU_KV with
// the number of register writes.
var NopKernel Kernel = KernelFunc(func(_ context.Context, req Request) (uint32, int32) {
	if req.Opcode == protocol.OpStartCUKV {
		kvs, err := protocol.DecodeKV(req.Args)
		if err != nil {
			return 0, protocol.RcodeInval
		}
		return uint32(len(kvs)), protocol.RcodeOK
	}
	return uint32(len(req.Args)), protocol.RcodeOK
})
