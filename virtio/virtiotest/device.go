// Package virtiotest provides an in-memory legacy virtio-net device model:
// the untrusted peer the driver negotiates with. Tests and demo harnesses
// use it in place of a real paravirtualized bus device. It enforces the
// register protocol and records the first violation instead of guessing at
// the driver's intent.
package virtiotest

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/cfcs/solo5/virtio/virtq"
)

// The device keeps its own register map: offsets are part of the wire
// contract, not shared Go constants.
const (
	regHostFeatures  = 0x00
	regGuestFeatures = 0x04
	regQueuePFN      = 0x08
	regQueueNum      = 0x0c
	regQueueSel      = 0x0e
	regQueueNotify   = 0x10
	regStatus        = 0x12
	regISR           = 0x13
	regConfigStart   = 0x14
	regConfigEnd     = regConfigStart + 6
)

const (
	statusAck      = 1
	statusDriver   = 2
	statusDriverOK = 4
	statusFailed   = 0x80
)

const fNetMAC = 1 << 5

const netHdrSize = 10

const (
	queueRecv = 0
	queueXmit = 1
	numQueues = 2
)

// ErrNoBuffers is returned by InjectFrame when the driver has no receive
// buffers posted.
var ErrNoBuffers = errors.New("virtiotest: no receive buffers available")

// Config describes the modeled device.
type Config struct {

	// MAC is the device's MAC address, offered via config space.
	MAC [6]byte

	// QueueNum is the advertised size of both queues. Defaults to 256.
	QueueNum uint16

	// NoMAC drops the MAC feature bit so negotiation must fail.
	NoMAC bool

	// ManualXmit holds completed transmit chains back until CompleteXmit
	// is called, so tests can exercise lazy reclaim.
	ManualXmit bool

	// Notify, if set, is called (without locks held) to raise the device's
	// interrupt line.
	Notify func()

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Device is an in-memory virtio-net device. It implements the driver's
// Transport contract.
type Device struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	status   uint8
	statusW  []uint8 // every status value the driver wrote, in order
	guestF   uint32
	queueSel uint16
	queues   [numQueues]*virtq.Queue
	seen     [numQueues]uint16 // free-running avail index already consumed
	isr      uint8
	frames   [][]byte
	err      error
}

// New returns a device model ready for negotiation.
func New(cfg Config) *Device {
	if cfg.QueueNum == 0 {
		cfg.QueueNum = 256
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Device{cfg: cfg, log: cfg.Logger}
}

func (d *Device) hostFeatures() uint32 {
	if d.cfg.NoMAC {
		return 0
	}

	return fNetMAC
}

// violation records the first register-protocol violation by the driver.
// Called with mu held.
func (d *Device) violation(errno error, format string, args ...any) {
	err := fmt.Errorf("virtiotest: %s: %w", fmt.Sprintf(format, args...), errno)
	d.log.Error("virtiotest: register protocol violation", "err", err)

	if d.err == nil {
		d.err = err
	}
}

// Err returns the first register-protocol violation, if any.
func (d *Device) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// StatusWrites returns every value the driver wrote to the status register,
// in order.
func (d *Device) StatusWrites() []uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint8(nil), d.statusW...)
}

// GuestFeatures returns the feature bits the driver negotiated.
func (d *Device) GuestFeatures() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.guestF
}

// Frames returns the frames the driver has transmitted, oldest first,
// without their virtio-net headers.
func (d *Device) Frames() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([][]byte, len(d.frames))
	for i, f := range d.frames {
		out[i] = append([]byte(nil), f...)
	}

	return out
}

// Inb implements Transport.
func (d *Device) Inb(off uint16) uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case off == regStatus:
		return d.status

	case off == regISR:
		// Reading the ISR acknowledges the interrupt.
		v := d.isr
		d.isr = 0
		return v

	case off >= regConfigStart && off < regConfigEnd:
		return d.cfg.MAC[off-regConfigStart]

	default:
		panic(off)
	}
}

// Inw implements Transport.
func (d *Device) Inw(off uint16) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch off {
	case regQueueNum:
		return d.cfg.QueueNum

	default:
		panic(off)
	}
}

// Inl implements Transport.
func (d *Device) Inl(off uint16) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch off {
	case regHostFeatures:
		return d.hostFeatures()

	default:
		panic(off)
	}
}

// Outb implements Transport.
func (d *Device) Outb(off uint16, v uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch off {
	case regStatus:
		d.writeStatus(v)

	default:
		panic(off)
	}
}

// Outw implements Transport.
func (d *Device) Outw(off uint16, v uint16) {
	var pump func()

	d.mu.Lock()
	switch off {
	case regQueueSel:
		if v >= numQueues {
			d.violation(unix.EINVAL, "queue sel %d", v)
			break
		}

		d.queueSel = v

	case regQueueNotify:
		pump = d.writeQueueNotify(v)

	default:
		d.mu.Unlock()
		panic(off)
	}
	d.mu.Unlock()

	if pump != nil {
		pump()
	}
}

// Outl implements Transport.
func (d *Device) Outl(off uint16, v uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch off {
	case regGuestFeatures:
		d.writeGuestFeatures(v)

	default:
		panic(off)
	}
}

// MapQueue implements Transport. It stands in for the QUEUE_PFN write.
func (d *Device) MapQueue(sel uint16, q *virtq.Queue) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if sel >= numQueues {
		d.violation(unix.EINVAL, "map queue %d", sel)
		return
	}

	if d.status&statusDriverOK != 0 {
		d.violation(unix.EPERM, "map queue %d after driver-ok", sel)
		return
	}

	if d.queues[sel] != nil {
		d.violation(unix.EPERM, "queue %d mapped twice", sel)
		return
	}

	if q.Num() != d.cfg.QueueNum {
		d.violation(unix.EINVAL, "queue %d size %d != advertised %d", sel, q.Num(), d.cfg.QueueNum)
		return
	}

	d.queues[sel] = q
}

// writeStatus is called with mu held.
func (d *Device) writeStatus(v uint8) {
	d.statusW = append(d.statusW, v)

	if v == 0 {
		// reset
		d.status = 0
		d.guestF = 0
		return
	}

	if v&statusFailed != 0 {
		d.status = v
		d.log.Error("virtiotest: driver failed the device")
		return
	}

	if v < d.status {
		d.violation(unix.EPERM, "status went backwards: %#x -> %#x", d.status, v)
		return
	}

	if v&statusDriverOK != 0 && d.guestF&^d.hostFeatures() != 0 {
		d.violation(unix.EINVAL, "driver-ok with unoffered features %#x", d.guestF)
		return
	}

	d.status = v
}

// writeGuestFeatures is called with mu held.
func (d *Device) writeGuestFeatures(v uint32) {
	if d.status&statusDriver == 0 || d.status&statusDriverOK != 0 {
		d.violation(unix.EPERM, "guest features write in status %#x", d.status)
		return
	}

	if v&^d.hostFeatures() != 0 {
		d.violation(unix.EINVAL, "guest features %#x not offered", v)
		return
	}

	d.guestF = v
}

// writeQueueNotify is called with mu held. It returns the work to run after
// the lock is released, since completing chains may re-enter the driver's
// interrupt bridge via Notify.
func (d *Device) writeQueueNotify(v uint16) func() {
	if v >= numQueues || d.queues[v] == nil {
		d.violation(unix.EPERM, "notify for unmapped queue %d", v)
		return nil
	}

	if v == queueXmit && !d.cfg.ManualXmit {
		return d.pumpXmit
	}

	return nil
}

// CompleteXmit completes any transmitted chains held back by ManualXmit.
func (d *Device) CompleteXmit() {
	d.pumpXmit()
}

// pumpXmit consumes every published transmit chain, captures its frame and
// posts a completion. Called without mu held.
func (d *Device) pumpXmit() {
	var notify bool

	d.mu.Lock()
	q := d.queues[queueXmit]
	for q != nil && d.seen[queueXmit] != q.AvailIdx() {
		head := q.AvailAt(d.seen[queueXmit])
		d.seen[queueXmit]++

		if d.consumeXmitChain(q, head) {
			notify = true
		}
	}

	if notify {
		d.isr |= 1
	}
	d.mu.Unlock()

	if notify {
		d.raise()
	}
}

// consumeXmitChain is called with mu held. It reports whether the driver
// wants an interrupt for the completion.
func (d *Device) consumeXmitChain(q *virtq.Queue, head uint16) bool {
	chain := q.Chain(head)
	if len(chain) != 2 {
		d.violation(unix.EINVAL, "transmit chain of %d descriptors", len(chain))
		return false
	}

	hd := q.DescAt(chain[0])
	dd := q.DescAt(chain[1])

	if hd.Flags&virtq.DescFWrite != 0 || dd.Flags&virtq.DescFWrite != 0 {
		d.violation(unix.EINVAL, "transmit descriptor marked device-writable")
		return false
	}

	if hd.Len != netHdrSize {
		d.violation(unix.EINVAL, "transmit header of %d bytes", hd.Len)
		return false
	}

	if !bytes.Equal(q.Buf(chain[0]).Data[:netHdrSize], make([]byte, netHdrSize)) {
		d.violation(unix.EINVAL, "transmit header not zeroed")
		return false
	}

	if dd.Len > virtq.BufSize {
		d.violation(unix.EINVAL, "transmit data of %d bytes", dd.Len)
		return false
	}

	frame := append([]byte(nil), q.Buf(chain[1]).Data[:dd.Len]...)
	d.frames = append(d.frames, frame)

	return q.Complete(head, 0)
}

// InjectFrame delivers a frame to the driver: it fills the oldest posted
// receive buffer with a zeroed virtio-net header plus the payload, posts
// the completion and raises the interrupt line unless the driver has
// suppressed receive interrupts.
func (d *Device) InjectFrame(p []byte) error {
	var notify bool

	d.mu.Lock()
	q := d.queues[queueRecv]
	if q == nil {
		d.mu.Unlock()
		return fmt.Errorf("virtiotest: receive queue not mapped")
	}

	if d.seen[queueRecv] == q.AvailIdx() {
		d.mu.Unlock()
		return ErrNoBuffers
	}

	head := q.AvailAt(d.seen[queueRecv])
	desc := q.DescAt(head)

	if chain := q.Chain(head); len(chain) != 1 {
		d.mu.Unlock()
		return fmt.Errorf("virtiotest: receive chain of %d descriptors", len(chain))
	}

	if desc.Flags&virtq.DescFWrite == 0 {
		d.mu.Unlock()
		return fmt.Errorf("virtiotest: receive buffer is not device-writable")
	}

	if uint32(netHdrSize+len(p)) > desc.Len {
		d.mu.Unlock()
		return fmt.Errorf("virtiotest: frame of %d bytes does not fit the %d-byte buffer",
			len(p), desc.Len)
	}

	d.seen[queueRecv]++

	buf := q.Buf(head)
	for i := 0; i < netHdrSize; i++ {
		buf.Data[i] = 0
	}
	copy(buf.Data[netHdrSize:], p)

	if q.Complete(head, uint32(netHdrSize+len(p))) {
		d.isr |= 1
		notify = true
	}
	d.mu.Unlock()

	if notify {
		d.raise()
	}

	return nil
}

// raise is called without mu held.
func (d *Device) raise() {
	if d.cfg.Notify != nil {
		d.cfg.Notify()
	}
}
