// Package virtq implements the driver side of split virtqueues as described
// by the Virtual I/O Device (VIRTIO) spec, legacy interface. Packed
// virtqueues are not supported.
//
// A queue owns a fixed pool of packet buffers addressed by slot index:
// descriptor i always refers to buffer i. The publish cursors NextAvail,
// LastUsed and NumAvail belong to the single driver execution context. The
// device side of the queue (the avail index, used index and avail flags) is
// shared with an asynchronous peer, so those three words are atomics.
package virtq

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cfcs/solo5/fault"
)

// BufSize is the capacity of one packet buffer: a maximum Ethernet frame
// plus the virtio-net header.
const BufSize = 1526

// descriptor flags
const (
	DescFNext  = 1 // chain continues in the descriptor named by Next
	DescFWrite = 2 // buffer is device-writable (otherwise read-only)
)

// ring flags
const (
	AvailFNoInterrupt = 1 // driver does not want completion interrupts
	UsedFNoNotify     = 1 // device does not want avail notifications
)

// ErrQueueSize is returned by New when the device advertises a queue size
// that is zero or not a power of two.
var ErrQueueSize = errors.New("virtq: queue size must be a nonzero power of two")

// Desc describes one buffer slot to the device.
type Desc struct {
	Len   uint32
	Flags uint16
	Next  uint16
}

// UsedElem is one completion posted by the device.
type UsedElem struct {
	ID  uint32 // head slot of the completed chain
	Len uint32 // bytes written by the device
}

// Buf is one fixed-size packet buffer. Len and Flags are staged here by the
// driver and copied into the slot's descriptor when the chain is published.
type Buf struct {
	Data  [BufSize]byte
	Len   uint32
	Flags uint16 // DescFWrite if the device may write the buffer
}

// Queue is a split virtqueue. One instance exists per ring (receive,
// transmit) for the lifetime of the process.
type Queue struct {

	// NextAvail is the monotonically increasing publish cursor. It counts
	// descriptor slots, not chains: a 2-descriptor chain advances it by 2.
	NextAvail uint16

	// LastUsed is the monotonically increasing reclaim cursor. It trails the
	// device's completion index; the difference is the count of pending,
	// not-yet-reclaimed completions.
	LastUsed uint16

	// NumAvail is the count of descriptor slots currently free for new
	// chains.
	NumAvail uint16

	num  uint16
	mask uint16

	desc []Desc
	bufs []Buf

	availFlags atomic.Uint32
	availIdx   atomic.Uint32
	availRing  []uint16

	usedFlags atomic.Uint32
	usedIdx   atomic.Uint32
	usedRing  []UsedElem
}

// New returns a queue of the given capacity with a fully allocated, zeroed
// buffer pool. Buffers are never individually freed: their lifetime is the
// lifetime of the process.
func New(num uint16) (*Queue, error) {
	if num == 0 || num&(num-1) != 0 {
		return nil, fmt.Errorf("%w: got %d", ErrQueueSize, num)
	}

	return &Queue{
		num:      num,
		mask:     num - 1,
		NumAvail: num,

		desc:      make([]Desc, num),
		bufs:      make([]Buf, num),
		availRing: make([]uint16, num),
		usedRing:  make([]UsedElem, num),
	}, nil
}

// Num returns the queue capacity.
func (q *Queue) Num() uint16 {
	return q.num
}

// Mask returns Num()-1, for reducing free-running cursors to slot indices.
func (q *Queue) Mask() uint16 {
	return q.mask
}

// Buf returns the buffer at the given slot.
func (q *Queue) Buf(slot uint16) *Buf {
	return &q.bufs[slot&q.mask]
}

// AddChain publishes the n buffers starting at head as a single descriptor
// chain and advances the cursors. head must be the slot NextAvail currently
// points at: chains are always published in slot order. Violations are
// faults, not errors: they mean the caller's ring bookkeeping is corrupt.
func (q *Queue) AddChain(head uint16, n uint16) {
	fault.Check(n > 0, "virtq: empty descriptor chain")

	if n > q.NumAvail {
		fault.Throwf("virtq: ring full: chain of %d, %d slots free", n, q.NumAvail)
	}

	if head != q.NextAvail&q.mask {
		fault.Throwf("virtq: chain head %d != next avail slot %d", head, q.NextAvail&q.mask)
	}

	for i := uint16(0); i < n; i++ {
		slot := (head + i) & q.mask
		b := &q.bufs[slot]
		d := &q.desc[slot]

		d.Len = b.Len
		d.Flags = b.Flags
		d.Next = 0

		if i < n-1 {
			d.Flags |= DescFNext
			d.Next = (slot + 1) & q.mask
		}
	}

	// One avail ring entry per chain. The atomic index store publishes the
	// descriptor and buffer writes above to the device.
	idx := uint16(q.availIdx.Load())
	q.availRing[idx&q.mask] = head
	q.availIdx.Store(uint32(idx + 1))

	q.NextAvail += n
	q.NumAvail -= n
}

// UsedIdx returns the device's free-running completion index.
func (q *Queue) UsedIdx() uint16 {
	return uint16(q.usedIdx.Load())
}

// UsedAt returns the completion entry at the given free-running index.
func (q *Queue) UsedAt(i uint16) UsedElem {
	return q.usedRing[i&q.mask]
}

// SetNoInterrupt suppresses or re-enables completion interrupts for this
// queue by toggling the avail ring's no-interrupt flag.
func (q *Queue) SetNoInterrupt(v bool) {
	if v {
		q.availFlags.Store(AvailFNoInterrupt)
	} else {
		q.availFlags.Store(0)
	}
}

// NoInterrupt reports whether completion interrupts are suppressed.
func (q *Queue) NoInterrupt() bool {
	return q.availFlags.Load()&AvailFNoInterrupt != 0
}

// Device-side accessors below. They exist for the in-process device peer;
// the driver never calls them.

// AvailIdx returns the driver's free-running publish index. It counts
// chains, not descriptor slots.
func (q *Queue) AvailIdx() uint16 {
	return uint16(q.availIdx.Load())
}

// AvailAt returns the chain head published at the given free-running index.
func (q *Queue) AvailAt(i uint16) uint16 {
	return q.availRing[i&q.mask]
}

// DescAt returns the descriptor at the given slot.
func (q *Queue) DescAt(slot uint16) Desc {
	return q.desc[slot&q.mask]
}

// Chain returns the slot indices of the chain starting at head, following
// DescFNext links.
func (q *Queue) Chain(head uint16) []uint16 {
	slots := []uint16{head & q.mask}
	for q.desc[slots[len(slots)-1]].Flags&DescFNext != 0 {
		if len(slots) == int(q.num) {
			fault.Throwf("virtq: descriptor chain loop at slot %d", head)
		}

		slots = append(slots, q.desc[slots[len(slots)-1]].Next&q.mask)
	}

	return slots
}

// Complete posts a completion for the chain starting at head and reports
// whether the driver wants an interrupt for it.
func (q *Queue) Complete(head uint16, length uint32) (notify bool) {
	idx := uint16(q.usedIdx.Load())
	q.usedRing[idx&q.mask] = UsedElem{ID: uint32(head), Len: length}
	q.usedIdx.Store(uint32(idx + 1))

	return q.availFlags.Load()&AvailFNoInterrupt == 0
}

// SetNoNotify suppresses or re-enables driver notifications via the used
// ring's flags word. The legacy interface lets the driver ignore it when
// notifying; this one does.
func (q *Queue) SetNoNotify(v bool) {
	if v {
		q.usedFlags.Store(UsedFNoNotify)
	} else {
		q.usedFlags.Store(0)
	}
}

// NoNotify reports whether the device has suppressed avail notifications.
func (q *Queue) NoNotify() bool {
	return q.usedFlags.Load()&UsedFNoNotify != 0
}
