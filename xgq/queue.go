// File: xgq/queue.go
// Package xgq implements the shared memory command ring.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Queue is one endpoint of a submission/completion ring pair. The client
// endpoint produces submissions and consumes completions; the server endpoint
// does the reverse. Cursors are free-running 32-bit counters: a direction is
// empty when produced == consumed and full when produced-consumed equals the
// slot count, so every slot is usable.
//
// One goroutine may produce and one goroutine may consume on an endpoint at
// any time. Produce and Consume never block.

package xgq

import (
	"fmt"

	"golang.org/x/sys/cpu"

	"github.com/momentics/hioload-xgq/api"
	"github.com/momentics/hioload-xgq/protocol"
	"github.com/momentics/hioload-xgq/shm"
)

// Role selects which direction an endpoint produces on.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Slot addresses one ring entry.
type Slot struct {
	Index  uint32
	Offset int
	Size   int
}

// direction is the local view of one ring.
type direction struct {
	base     int
	slotSize int
	produced uint32
	consumed uint32
	// peer publishes the cursor this side does not own
	peer Cursor
	// own publishes the cursor this side advances
	own Cursor
}

func (d *direction) slot(cursor, mask uint32) Slot {
	idx := cursor & mask
	return Slot{Index: idx, Offset: d.base + int(idx)*d.slotSize, Size: d.slotSize}
}

// Queue is a ring endpoint.
type Queue struct {
	region shm.Region
	role   Role
	geo    Geometry
	mask   uint32
	opts   options

	_    cpu.CacheLinePad
	prod direction
	_    cpu.CacheLinePad
	cons direction
	_    cpu.CacheLinePad
}

type options struct {
	produceBell api.Signaler
	consumeBell api.Signaler
}

// Option configures an endpoint.
type Option func(*options)

// WithProduceDoorbell rings bell whenever this endpoint publishes new entries.
func WithProduceDoorbell(bell api.Signaler) Option {
	return func(o *options) { o.produceBell = bell }
}

// WithConsumeDoorbell rings bell whenever this endpoint frees entries.
func WithConsumeDoorbell(bell api.Signaler) Option {
	return func(o *options) { o.consumeBell = bell }
}

// Alloc zero-initializes the header and rings in region and returns the
// endpoint for role. The alloc magic is written last.
func Alloc(region shm.Region, role Role, slotSize, slotCount int, opts ...Option) (*Queue, error) {
	geo, err := Configure(region.Size(), slotSize, slotCount)
	if err != nil {
		return nil, err
	}
	q := newQueue(region, role, geo, opts)
	q.format()
	return q, nil
}

// Attach joins a queue initialized by Alloc without clearing it. Local cursors
// are fast-forwarded to the values in shared memory.
func Attach(region shm.Region, role Role, opts ...Option) (*Queue, error) {
	if region.Size() < HeaderSize {
		return nil, invalid("region smaller than header")
	}
	magic := region.Load32(offMagic)
	if magic != MagicAlloc && magic != MagicAttach {
		return nil, fmt.Errorf("xgq: magic %#x: %w", magic, api.ErrNotReady)
	}
	if major := region.Load32(offVersion) >> 8 & 0xFF; major != VersionMajor {
		return nil, invalid("unsupported major version").WithContext("major", major)
	}
	count := int(region.Load32(offSlotNum))
	if count == 0 {
		return nil, invalid("header has no slots")
	}
	geo, err := Configure(region.Size(), int(region.Load32(offSQSlotSize)), count)
	if err != nil {
		return nil, err
	}
	if int(region.Load32(offSQOffset)) != geo.SQOffset || int(region.Load32(offCQOffset)) != geo.CQOffset {
		return nil, invalid("ring offsets disagree with geometry")
	}
	q := newQueue(region, role, geo, opts)
	q.prod.produced = q.prod.own.Load()
	q.prod.consumed = q.prod.peer.Load()
	q.cons.produced = q.cons.peer.Load()
	q.cons.consumed = q.cons.own.Load()
	region.Store32(offMagic, MagicAttach)
	return q, nil
}

func newQueue(region shm.Region, role Role, geo Geometry, opts []Option) *Queue {
	q := &Queue{region: region, role: role, geo: geo, mask: uint32(geo.SlotCount - 1)}
	for _, o := range opts {
		o(&q.opts)
	}
	sq := direction{
		base:     geo.SQOffset,
		slotSize: geo.SQSlotSize,
	}
	cq := direction{
		base:     geo.CQOffset,
		slotSize: geo.CQSlotSize,
	}
	sqProduced := NewMemCursor(region, offSQProduced)
	sqConsumed := NewMemCursor(region, offSQConsumed)
	cqProduced := NewMemCursor(region, offCQProduced)
	cqConsumed := NewMemCursor(region, offCQConsumed)
	if role == RoleClient {
		sq.own, sq.peer = q.wrapProduce(sqProduced), sqConsumed
		cq.own, cq.peer = q.wrapConsume(cqConsumed), cqProduced
		q.prod, q.cons = sq, cq
	} else {
		cq.own, cq.peer = q.wrapProduce(cqProduced), cqConsumed
		sq.own, sq.peer = q.wrapConsume(sqConsumed), sqProduced
		q.prod, q.cons = cq, sq
	}
	return q
}

func (q *Queue) wrapProduce(c Cursor) Cursor {
	if q.opts.produceBell != nil {
		return NewDoorbellCursor(c, q.opts.produceBell)
	}
	return c
}

func (q *Queue) wrapConsume(c Cursor) Cursor {
	if q.opts.consumeBell != nil {
		return NewDoorbellCursor(c, q.opts.consumeBell)
	}
	return c
}

// format clears the region, writes the geometry and finally the magic.
func (q *Queue) format() {
	r := q.region
	r.Store32(offMagic, 0)
	r.Zero(protocol.WordSize, q.geo.End()-protocol.WordSize)
	r.Store32(offVersion, uint32(VersionMajor)<<8|uint32(VersionMinor))
	r.Store32(offSlotNum, uint32(q.geo.SlotCount))
	r.Store32(offSQOffset, uint32(q.geo.SQOffset))
	r.Store32(offSQSlotSize, uint32(q.geo.SQSlotSize))
	r.Store32(offCQOffset, uint32(q.geo.CQOffset))
	q.prod.produced, q.prod.consumed = 0, 0
	q.cons.produced, q.cons.consumed = 0, 0
	r.Store32(offMagic, MagicAlloc)
}

// Configure re-lays-out an idle queue in place. The peer must Attach again.
func (q *Queue) Configure(slotSize, slotCount int) error {
	if !q.Idle() {
		return fmt.Errorf("xgq: reconfigure with entries in flight: %w", api.ErrBusy)
	}
	geo, err := Configure(q.region.Size(), slotSize, slotCount)
	if err != nil {
		return err
	}
	*q = *newQueue(q.region, q.role, geo, optionList(q.opts))
	q.format()
	return nil
}

func optionList(o options) []Option {
	return []Option{func(dst *options) { *dst = o }}
}

// Produce reserves the next slot on this endpoint's produce ring. The
// returned slot is not visible to the peer until NotifyProduced.
func (q *Queue) Produce() (Slot, error) {
	d := &q.prod
	if d.produced-d.consumed >= uint32(q.geo.SlotCount) {
		d.consumed = d.peer.Load()
		if d.produced-d.consumed >= uint32(q.geo.SlotCount) {
			return Slot{}, api.ErrBusy
		}
	}
	s := d.slot(d.produced, q.mask)
	d.produced++
	return s, nil
}

// Retract gives back the most recent slot from Produce. It must precede
// NotifyProduced for that slot.
func (q *Queue) Retract() {
	if q.prod.produced != q.prod.consumed {
		q.prod.produced--
	}
}

// NotifyProduced publishes every slot produced so far.
func (q *Queue) NotifyProduced() error {
	return q.prod.own.Publish(q.prod.produced)
}

// Consume returns the head slot of this endpoint's consume ring without
// advancing past it.
func (q *Queue) Consume() (Slot, error) {
	d := &q.cons
	if d.consumed == d.produced {
		d.produced = d.peer.Load()
		if d.consumed == d.produced {
			return Slot{}, api.ErrEmpty
		}
	}
	s := d.slot(d.consumed, q.mask)
	if q.region.Load32(s.Offset)&protocol.NewEntryFlag == 0 {
		return Slot{}, api.ErrEmpty
	}
	return s, nil
}

// NotifyConsumed clears the head slot's new-entry flag, advances past it and
// publishes the consumer cursor.
func (q *Queue) NotifyConsumed() error {
	d := &q.cons
	if d.consumed == d.produced {
		return api.ErrEmpty
	}
	s := d.slot(d.consumed, q.mask)
	q.region.Store32(s.Offset, 0)
	d.consumed++
	return d.own.Publish(d.consumed)
}

// WritePayload copies payload into the body of a submission slot.
func (q *Queue) WritePayload(s Slot, payload []byte) error {
	if len(payload) > protocol.MaxPayload || protocol.SQHeaderSize+len(payload) > s.Size {
		return fmt.Errorf("xgq: payload of %d bytes exceeds slot: %w", len(payload), api.ErrInvalidArgument)
	}
	q.region.WriteAt(payload, s.Offset+protocol.SQHeaderSize)
	return nil
}

// WriteSQ fills a submission slot. Payload and word 1 are stored before
// word 0, which carries the new-entry flag.
func (q *Queue) WriteSQ(s Slot, hdr protocol.SQHeader, payload []byte) error {
	hdr.Count = uint16(len(payload) & protocol.MaxPayload)
	hdr.New = true
	if err := hdr.Validate(); err != nil {
		return err
	}
	if err := q.WritePayload(s, payload); err != nil {
		return err
	}
	w0, w1 := hdr.Words()
	q.region.Store32(s.Offset+4, w1)
	q.region.Store32(s.Offset, w0)
	return nil
}

// ReadSQ decodes a submission slot and copies its payload into buf, which is
// grown when too small.
func (q *Queue) ReadSQ(s Slot, buf []byte) (protocol.SQHeader, []byte) {
	hdr := protocol.ParseSQHeader(q.region.Load32(s.Offset), q.region.Load32(s.Offset+4))
	n := int(hdr.Count)
	if limit := s.Size - protocol.SQHeaderSize; n > limit {
		n = limit
	}
	if cap(buf) < n {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	q.region.ReadAt(buf, s.Offset+protocol.SQHeaderSize)
	return hdr, buf
}

// WriteCQ fills a completion slot, word 0 last.
func (q *Queue) WriteCQ(s Slot, e protocol.CQEntry) {
	e.New = true
	w := e.Words()
	for i := len(w) - 1; i >= 0; i-- {
		q.region.Store32(s.Offset+i*protocol.WordSize, w[i])
	}
}

// ReadCQ decodes a completion slot.
func (q *Queue) ReadCQ(s Slot) protocol.CQEntry {
	var w [4]uint32
	for i := range w {
		w[i] = q.region.Load32(s.Offset + i*protocol.WordSize)
	}
	return protocol.ParseCQEntry(w)
}

// Role reports which side this endpoint plays.
func (q *Queue) Role() Role { return q.role }

// Geometry returns the ring layout.
func (q *Queue) Geometry() Geometry { return q.geo }

// SlotCount returns the number of slots per ring.
func (q *Queue) SlotCount() int { return q.geo.SlotCount }

// SlotSize returns the submission slot size.
func (q *Queue) SlotSize() int { return q.geo.SQSlotSize }

// Attached reports whether a client has attached to this ring.
func (q *Queue) Attached() bool { return q.region.Load32(offMagic) == MagicAttach }

// Outstanding returns the entries produced on this endpoint that the peer has
// not consumed yet. Only the goroutine driving the endpoint may call it.
func (q *Queue) Outstanding() int {
	q.prod.consumed = q.prod.peer.Load()
	return int(q.prod.produced - q.prod.consumed)
}

// Idle reports whether both rings are drained from this endpoint's view.
// Only the goroutine driving the endpoint may call it.
func (q *Queue) Idle() bool {
	if q.Outstanding() != 0 {
		return false
	}
	q.cons.produced = q.cons.peer.Load()
	return q.cons.produced == q.cons.consumed
}

// Stats returns the published cursor words. It touches only shared memory
// and is safe from any goroutine.
func (q *Queue) Stats() map[string]uint32 {
	return map[string]uint32{
		"sq_produced": q.region.Load32(offSQProduced),
		"sq_consumed": q.region.Load32(offSQConsumed),
		"cq_produced": q.region.Load32(offCQProduced),
		"cq_consumed": q.region.Load32(offCQConsumed),
	}
}
