package virtio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/cfcs/solo5/fault"
	"github.com/cfcs/solo5/platform"
	"github.com/cfcs/solo5/virtio/virtq"
)

var (
	ErrNetConfig = errors.New("virtio: invalid net config")
	ErrNoMAC     = errors.New("virtio: device does not advertise a MAC address")
	ErrQueue     = errors.New("virtio: queue setup failed")
)

// NetConfig describes a located virtio-net bus device.
type NetConfig struct {

	// Transport is the device's port I/O window.
	Transport Transport

	// IRQ registers the interrupt bridge on IRQLine.
	IRQ     platform.IRQ
	IRQLine int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Net is a configured virtio-net device. One instance exists per process
// and lives until the process exits; there is no teardown path, since a
// half-negotiated device cannot be un-negotiated.
type Net struct {
	tp     Transport
	recvq  *virtq.Queue
	xmitq  *virtq.Queue
	mac    [6]byte
	macStr string

	// configured guards the interrupt bridge against spurious interrupts
	// delivered before negotiation completes. It is the only field the
	// bridge reads besides the ISR register.
	configured atomic.Bool
}

// ConfigureNet performs the device handshake and arms the device. The
// sequence is fixed by the wire protocol: acknowledge, driver, feature
// negotiation, config read, queue setup, interrupt registration, receive
// ring stocking, driver-ready. Failure is fatal to the device: there is no
// recovery path.
func ConfigureNet(cfg NetConfig) (*Net, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Transport == nil || cfg.IRQ == nil {
		return nil, fmt.Errorf("%w: transport and IRQ are required", ErrNetConfig)
	}

	tp := cfg.Transport

	tp.Outb(RegStatus, StatusAck)
	tp.Outb(RegStatus, StatusDriver)

	features := tp.Inl(RegHostFeatures)
	if features&FNetMAC == 0 {
		tp.Outb(RegStatus, StatusFailed)
		return nil, fmt.Errorf("%w: host features %#x", ErrNoMAC, features)
	}

	// Only negotiate the MAC address. No offloads, ever.
	tp.Outl(RegGuestFeatures, FNetMAC)

	n := &Net{tp: tp}
	for i := range n.mac {
		n.mac[i] = tp.Inb(RegConfig + uint16(i))
	}

	n.macStr = fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		n.mac[0], n.mac[1], n.mac[2], n.mac[3], n.mac[4], n.mac[5])

	var err error
	if n.recvq, err = newQueue(tp, QueueRecv); err != nil {
		return nil, err
	}

	if n.xmitq, err = newQueue(tp, QueueXmit); err != nil {
		return nil, err
	}

	cfg.IRQ.Register(cfg.IRQLine, n.HandleInterrupt)
	n.configured.Store(true)
	n.recvSetup()

	// The device need not interrupt for every descriptor it uses on the
	// transmit ring: completed transmit chains are reclaimed lazily on the
	// next transmit instead.
	n.xmitq.SetNoInterrupt(true)

	tp.Outb(RegStatus, StatusDriverOK)

	cfg.Logger.Info("virtio: net device configured",
		"mac", n.macStr, "features", fmt.Sprintf("%#x", features),
		"recvq", n.recvq.Num(), "xmitq", n.xmitq.Num())

	return n, nil
}

func newQueue(tp Transport, sel uint16) (*virtq.Queue, error) {
	tp.Outw(RegQueueSel, sel)

	q, err := virtq.New(tp.Inw(RegQueueNum))
	if err != nil {
		return nil, fmt.Errorf("%w: queue %d: %w", ErrQueue, sel, err)
	}

	tp.MapQueue(sel, q)
	return q, nil
}

// recvSetup stocks the entire receive ring with empty device-writable
// buffers, one single-descriptor chain per slot, and notifies the device.
func (n *Net) recvSetup() {
	mask := n.recvq.Mask()
	for {
		slot := n.recvq.NextAvail & mask
		buf := n.recvq.Buf(slot)

		buf.Data = [virtq.BufSize]byte{}
		buf.Len = virtq.BufSize
		buf.Flags = virtq.DescFWrite

		n.recvq.AddChain(slot, 1)
		if n.recvq.NextAvail&mask == 0 {
			break
		}
	}

	n.tp.Outw(RegQueueNotify, QueueRecv)
}

// Xmit copies the frame into the next transmit buffer pair and publishes it
// as a header+data descriptor chain. It always copies; there is no
// zero-copy transmit. A frame larger than a packet buffer is a caller bug
// and faults, as does a ring with no room: lazy reclaim keeps at least one
// chain's worth of slots free on a correctly operating ring.
func (n *Net) Xmit(p []byte) {
	if len(p) > PktBufferLen {
		fault.Throwf("virtio: transmit of %d bytes exceeds the %d-byte packet buffer",
			len(p), PktBufferLen)
	}

	q := n.xmitq
	mask := q.Mask()

	// Consume completions from all the previous transmits: 2 descriptors
	// per chain.
	for ; q.LastUsed != q.UsedIdx(); q.LastUsed++ {
		q.NumAvail += 2
	}

	head := q.NextAvail & mask
	hdr := q.Buf(head)
	data := q.Buf((head + 1) & mask)

	// The header leads the chain. All fields zero: nothing was negotiated.
	for i := 0; i < NetHdrSize; i++ {
		hdr.Data[i] = 0
	}
	hdr.Len = NetHdrSize
	hdr.Flags = 0

	data.Len = uint32(copy(data.Data[:], p))
	data.Flags = 0

	q.AddChain(head, 2)
	n.tp.Outw(RegQueueNotify, QueueXmit)
}

// PktPoll reports whether a completed receive buffer is waiting. It is
// side-effect-free and returns false before the device is configured.
func (n *Net) PktPoll() bool {
	if !n.configured.Load() {
		return false
	}

	// The device advances the used index whenever it fills one of our
	// receive buffers; if it is ahead of LastUsed a frame is pending.
	return n.recvq.LastUsed != n.recvq.UsedIdx()
}

// RecvPktGet returns a view into the oldest completed receive buffer with
// the virtio-net header stripped, or false if nothing is pending. It moves
// no cursors and does not return the slot to circulation: the caller copies
// the payload out and then calls RecvPktPut. At most one buffer is checked
// out at a time.
func (n *Net) RecvPktGet() ([]byte, bool) {
	q := n.recvq
	if q.LastUsed == q.UsedIdx() {
		return nil, false
	}

	e := q.UsedAt(q.LastUsed)
	if e.Len < NetHdrSize || e.Len > virtq.BufSize {
		fault.Throwf("virtio: device completed a receive of %d bytes", e.Len)
	}

	buf := q.Buf(uint16(e.ID))
	buf.Len = e.Len

	return buf.Data[NetHdrSize:e.Len], true
}

// RecvPktPut recycles the buffer returned by the preceding RecvPktGet:
// advances the reclaim cursor and reposts the slot, full-capacity and
// device-writable, so the ring stays fully stocked.
func (n *Net) RecvPktPut() {
	q := n.recvq
	q.LastUsed++
	q.NumAvail++

	slot := q.NextAvail & q.Mask()
	buf := q.Buf(slot)
	buf.Len = virtq.BufSize
	buf.Flags = virtq.DescFWrite

	q.AddChain(slot, 1)
	n.tp.Outw(RegQueueNotify, QueueRecv)
}

// SetRecvNoInterrupt suppresses or re-enables receive-completion
// interrupts. Interrupts only exist to wake a sleeping yield; a caller
// actively polling the ring has no use for them.
func (n *Net) SetRecvNoInterrupt(v bool) {
	n.recvq.SetNoInterrupt(v)
}

// HandleInterrupt is the device's interrupt bridge. WARNING: it runs in
// interrupt context. It reads only the ISR register and the configured
// flag; ring state belongs to the driver context and is never touched
// here. The returned signal's only effect is to kick the application out
// of a blocked yield.
func (n *Net) HandleInterrupt() bool {
	if !n.configured.Load() {
		return false
	}

	return n.tp.Inb(RegISR)&ISRHasIntr != 0
}

// MAC returns the device's MAC address.
func (n *Net) MAC() [6]byte {
	return n.mac
}

// MACString returns the MAC address formatted for diagnostics.
func (n *Net) MACString() string {
	return n.macStr
}
