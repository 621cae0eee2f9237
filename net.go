package solo5

import (
	"github.com/cfcs/solo5/fault"
	"github.com/cfcs/solo5/mft"
	"github.com/cfcs/solo5/virtio"
)

// MTU is the maximum transmittable payload size reported to the
// application.
const MTU = 1500

// NetInfo describes an acquired network device.
type NetInfo struct {
	MACAddress [6]byte
	MTU        int
}

// NetAcquire acquires the network device declared under name in the
// application manifest. This is a single-device, single-consumer system:
// the first call asking for a valid network device succeeds and all
// subsequent calls fail, regardless of the name requested.
func (g *Guest) NetAcquire(name string) (Handle, NetInfo, Result) {
	// State errors deliberately take precedence over the name lookup:
	// EUNSPEC for device state, EINVAL for a failed lookup.
	if g.net == nil || g.netAcquired {
		return 0, NetInfo{}, ResultEUnspec
	}

	index, ok := g.mft.GetByName(name, mft.NetBasic)
	if !ok {
		return 0, NetInfo{}, ResultEInval
	}

	g.netHandle = Handle(index)
	g.netAcquired = true

	info := NetInfo{
		MACAddress: g.net.MAC(),
		MTU:        MTU,
	}

	g.log.Info("solo5: application acquired network device",
		"name", name, "handle", uint64(g.netHandle), "mac", g.net.MACString())

	return g.netHandle, info, ResultOK
}

// NetWrite transmits a frame. It copies; the caller keeps p.
func (g *Guest) NetWrite(h Handle, p []byte) Result {
	if !g.netAcquired || h != g.netHandle {
		return ResultEInval
	}

	g.net.Xmit(p)
	return ResultOK
}

// NetRead copies the next received frame into p. It never blocks: with
// nothing pending it returns ResultAgain, which callers clear by retrying
// or by yielding.
func (g *Guest) NetRead(h Handle, p []byte) (int, Result) {
	if !g.netAcquired || h != g.netHandle {
		return 0, ResultEInval
	}

	// Interrupts only wake the application when it sleeps waiting for
	// packets. It clearly isn't doing that now, so suppress them while we
	// poll.
	g.net.SetRecvNoInterrupt(true)

	pkt, ok := g.net.RecvPktGet()
	if !ok {
		g.net.SetRecvNoInterrupt(false)
		return 0, ResultAgain
	}

	fault.Check(len(pkt) <= len(p), "solo5: received frame exceeds the caller's buffer")
	fault.Check(len(pkt) <= virtio.PktBufferLen, "solo5: received frame exceeds the packet buffer")

	n := copy(p, pkt)

	// Consume the used descriptor and put its buffer back in circulation.
	g.net.RecvPktPut()
	g.net.SetRecvNoInterrupt(false)

	return n, ResultOK
}
