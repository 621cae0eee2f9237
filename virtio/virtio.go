// Package virtio implements a legacy virtio-net driver over a port-style
// transport: device negotiation, the transmit and receive descriptor-ring
// protocol, and the interrupt-to-poll bridge.
package virtio

import (
	"github.com/cfcs/solo5/virtio/virtq"
)

// Transport is the consumed bus/config-space access contract: byte, word
// and dword reads and writes at fixed offsets from the device's I/O base.
// The driver depends on it but does not define its implementation.
type Transport interface {
	Inb(off uint16) uint8
	Inw(off uint16) uint16
	Inl(off uint16) uint32
	Outb(off uint16, v uint8)
	Outw(off uint16, v uint16)
	Outl(off uint16, v uint32)

	// MapQueue hands the device the queue backing the given selector. It
	// stands in for the legacy QUEUE_PFN write: with no shared physical
	// address space, the queue memory itself crosses the boundary.
	MapQueue(sel uint16, q *virtq.Queue)
}

// Legacy virtio-PCI register offsets, relative to the device's I/O base.
const (
	RegHostFeatures  = 0x00 // device feature bitmap (R, 32)
	RegGuestFeatures = 0x04 // negotiated feature bitmap (W, 32)
	RegQueuePFN      = 0x08 // queue page frame number (RW, 32); see Transport.MapQueue
	RegQueueNum      = 0x0c // size of the selected queue (R, 16)
	RegQueueSel      = 0x0e // queue selector (W, 16)
	RegQueueNotify   = 0x10 // available buffer notification (W, 16)
	RegStatus        = 0x12 // device status (RW, 8)
	RegISR           = 0x13 // interrupt status, read clears (R, 8)
	RegConfig        = 0x14 // device-specific configuration space (R, bytes)
)

// device status bits
const (
	StatusAck      = 1    // the guest has noticed the device
	StatusDriver   = 2    // the guest knows how to drive the device
	StatusDriverOK = 4    // the driver is ready, the device is live
	StatusFailed   = 0x80 // the guest has given up on the device
)

// ISRHasIntr is set in the ISR register when the device has a queue
// interrupt pending.
const ISRHasIntr = 1

// FNetMAC (VIRTIO_NET_F_MAC) indicates the device has supplied a MAC
// address in its configuration space. It is the only feature this driver
// negotiates: no checksum or segmentation offloads, no multi-queue.
const FNetMAC = 1 << 5

// queue selectors of the net device
const (
	QueueRecv = 0
	QueueXmit = 1
)

// NetHdrSize is the size of the virtio_net_hdr prefixed to every frame on
// the wire: flags, GSO type, header length, GSO size, checksum start and
// offset. With no offloads negotiated every field is zero, but the header
// must still lead each scatter-gather chain.
const NetHdrSize = 10

// PktBufferLen is the capacity of one packet buffer: the largest frame the
// driver can carry in a single descriptor, header included.
const PktBufferLen = virtq.BufSize
