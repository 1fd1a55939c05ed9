package protocol_test

import (
	"testing"

	"github.com/momentics/hioload-xgq/protocol"
)

func TestSQHeaderBitLayout(t *testing.T) {
	h := protocol.SQHeader{Opcode: protocol.OpStartCU, Count: 12, New: true, CID: 7, CUIndex: 5, CUDomain: 1}
	w0, w1 := h.Words()
	if want := uint32(0x100) | 12<<16 | 1<<31; w0 != want {
		t.Fatalf("word0 = %#x, want %#x", w0, want)
	}
	if want := uint32(7) | (5|1<<12)<<16; w1 != want {
		t.Fatalf("word1 = %#x, want %#x", w1, want)
	}
	back := protocol.ParseSQHeader(w0, w1)
	if back != h {
		t.Errorf("parsed %+v, want %+v", back, h)
	}
}

func TestSQHeaderReservedForControl(t *testing.T) {
	h := protocol.SQHeader{Opcode: protocol.OpCfgStart, CID: 3, CUIndex: 9, CUDomain: 2}
	_, w1 := h.Words()
	if w1 != 3 {
		t.Errorf("control header leaked unit bits: %#x", w1)
	}
}

func TestSQHeaderValidate(t *testing.T) {
	buf := make([]byte, protocol.SQHeaderSize)
	if err := (protocol.SQHeader{Opcode: protocol.OpStartCU, CUIndex: protocol.MaxCUIndex + 1}).Encode(buf); err == nil {
		t.Error("expected range error for unit index")
	}
	if err := (protocol.SQHeader{Count: protocol.MaxPayload + 1}).Encode(buf); err == nil {
		t.Error("expected range error for count")
	}
	if err := (protocol.SQHeader{}).Encode(buf[:4]); err == nil {
		t.Error("expected short buffer error")
	}
}

func TestCQEntryLayout(t *testing.T) {
	e := protocol.CQEntry{CID: 0x1234, CState: protocol.CStateInvalid, New: true, Result: 9, Rcode: protocol.RcodeNotTTY}
	buf := make([]byte, protocol.CQEntrySize)
	if err := e.Encode(buf); err != nil {
		t.Fatal(err)
	}
	if buf[0] != 0x34 || buf[1] != 0x12 {
		t.Errorf("cid bytes = %x %x", buf[0], buf[1])
	}
	if buf[3]&0x80 == 0 {
		t.Error("new-entry flag not in MSB of word 0")
	}
	got, err := protocol.DecodeCQEntry(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got != e {
		t.Errorf("decoded %+v, want %+v", got, e)
	}
}

func TestOpcodeClasses(t *testing.T) {
	if protocol.OpStartCU.Exclusive() || protocol.OpStartCUKV.Exclusive() {
		t.Error("execution opcodes must not be exclusive")
	}
	for _, op := range []protocol.Opcode{protocol.OpCfgStart, protocol.OpCfgCU, protocol.OpQueryMem, protocol.Opcode(0x7777)} {
		if !op.Exclusive() {
			t.Errorf("%v should be exclusive", op)
		}
	}
	if protocol.Opcode(0x7777).Class() != protocol.ClassUnknown {
		t.Error("unrecognized opcode should have unknown class")
	}
}

func TestCfgCUPayload(t *testing.T) {
	in := protocol.CfgCU{CUIndex: 17, CUDomain: 1, ArgSize: 64, Name: "vadd:vadd_1"}
	b, err := in.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	var out protocol.CfgCU
	if err := out.UnmarshalBinary(b); err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}
	if _, err := (protocol.CfgCU{Name: "a-name-that-is-definitely-longer-than-32"}).MarshalBinary(); err == nil {
		t.Error("expected error for long name")
	}
}

func TestKVPayload(t *testing.T) {
	kvs := []protocol.KV{{Offset: 0x10, Value: 1}, {Offset: 0x18, Value: 2}}
	got, err := protocol.DecodeKV(protocol.EncodeKV(kvs))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1] != kvs[1] {
		t.Errorf("got %+v", got)
	}
	if _, err := protocol.DecodeKV(make([]byte, 5)); err == nil {
		t.Error("expected error for partial pair")
	}
}
