package solo5_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/cfcs/solo5"
	"github.com/cfcs/solo5/fault"
	"github.com/cfcs/solo5/mft"
	"github.com/cfcs/solo5/platform"
	"github.com/cfcs/solo5/virtio"
	"github.com/cfcs/solo5/virtio/virtiotest"
)

const irqLine = 5

var testMAC = [6]byte{0x02, 0, 0, 0, 0, 0x01}

func testManifest() *mft.Manifest {
	return &mft.Manifest{
		Version: mft.Version,
		Entries: []mft.Entry{
			{Name: "net0", Type: mft.NetBasic},
			{Name: "storage", Type: mft.BlockBasic},
		},
	}
}

// boot brings up the device model, the simulated platform and a guest with
// the standard two-entry manifest.
func boot(t *testing.T, dcfg virtiotest.Config) (*solo5.Guest, *virtiotest.Device, *platform.Sim) {
	t.Helper()

	sim := platform.NewSim()

	if dcfg.MAC == ([6]byte{}) {
		dcfg.MAC = testMAC
	}

	if dcfg.QueueNum == 0 {
		dcfg.QueueNum = 8
	}

	if dcfg.Notify == nil {
		dcfg.Notify = func() { sim.Raise(irqLine) }
	}

	dev := virtiotest.New(dcfg)

	n, err := virtio.ConfigureNet(virtio.NetConfig{
		Transport: dev,
		IRQ:       sim,
		IRQLine:   irqLine,
	})

	if err != nil {
		t.Fatal(err)
	}

	g, err := solo5.New(solo5.Config{
		Manifest: testManifest(),
		Net:      n,
		CPU:      sim,
		Clock:    sim,
	})

	if err != nil {
		t.Fatal(err)
	}

	return g, dev, sim
}

func acquire(t *testing.T, g *solo5.Guest) solo5.Handle {
	t.Helper()

	h, _, res := g.NetAcquire("net0")
	if res != solo5.ResultOK {
		t.Fatalf("acquire: %s", res)
	}

	return h
}

func mustFault(t *testing.T, f func()) {
	t.Helper()

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected a fault")
		}

		if _, ok := r.(*fault.Fault); !ok {
			t.Fatalf("panic value %v is not a fault", r)
		}
	}()

	f()
}

func TestNew(t *testing.T) {
	sim := platform.NewSim()

	for _, tt := range []struct {
		name string
		cfg  solo5.Config
	}{
		{name: "no manifest", cfg: solo5.Config{CPU: sim, Clock: sim}},
		{
			name: "invalid manifest",
			cfg:  solo5.Config{Manifest: &mft.Manifest{Version: 2}, CPU: sim, Clock: sim},
		},
		{name: "no platform", cfg: solo5.Config{Manifest: testManifest()}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := solo5.New(tt.cfg); !errors.Is(err, solo5.ErrConfig) {
				t.Fatalf("err = %v", err)
			}
		})
	}
}

func TestNetAcquire(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		g, _, _ := boot(t, virtiotest.Config{})

		h, info, res := g.NetAcquire("net0")
		if res != solo5.ResultOK {
			t.Fatalf("result %s", res)
		}

		if h != 0 {
			t.Errorf("handle %d != manifest index 0", h)
		}

		if info.MACAddress != testMAC || info.MTU != 1500 {
			t.Errorf("info %+v", info)
		}
	})

	t.Run("second acquire fails regardless of name", func(t *testing.T) {
		g, _, _ := boot(t, virtiotest.Config{})
		acquire(t, g)

		for _, name := range []string{"net0", "no-such-device"} {
			if _, _, res := g.NetAcquire(name); res != solo5.ResultEUnspec {
				t.Errorf("acquire %q after acquire: %s", name, res)
			}
		}
	})

	t.Run("unknown name", func(t *testing.T) {
		g, _, _ := boot(t, virtiotest.Config{})

		if _, _, res := g.NetAcquire("net1"); res != solo5.ResultEInval {
			t.Errorf("result %s", res)
		}
	})

	t.Run("name of the wrong device class", func(t *testing.T) {
		g, _, _ := boot(t, virtiotest.Config{})

		if _, _, res := g.NetAcquire("storage"); res != solo5.ResultEInval {
			t.Errorf("result %s", res)
		}
	})

	t.Run("no network device", func(t *testing.T) {
		sim := platform.NewSim()

		g, err := solo5.New(solo5.Config{
			Manifest: testManifest(),
			CPU:      sim,
			Clock:    sim,
		})

		if err != nil {
			t.Fatal(err)
		}

		// Device state beats the name lookup: even an unknown name
		// reports the missing device.
		for _, name := range []string{"net0", "no-such-device"} {
			if _, _, res := g.NetAcquire(name); res != solo5.ResultEUnspec {
				t.Errorf("acquire %q: %s", name, res)
			}
		}
	})

	t.Run("handle follows the manifest index", func(t *testing.T) {
		sim := platform.NewSim()
		dev := virtiotest.New(virtiotest.Config{
			MAC:      testMAC,
			QueueNum: 8,
			Notify:   func() { sim.Raise(irqLine) },
		})

		n, err := virtio.ConfigureNet(virtio.NetConfig{
			Transport: dev,
			IRQ:       sim,
			IRQLine:   irqLine,
		})

		if err != nil {
			t.Fatal(err)
		}

		g, err := solo5.New(solo5.Config{
			Manifest: &mft.Manifest{
				Version: mft.Version,
				Entries: []mft.Entry{
					{Name: "storage", Type: mft.BlockBasic},
					{Name: "net0", Type: mft.NetBasic},
				},
			},
			Net:   n,
			CPU:   sim,
			Clock: sim,
		})

		if err != nil {
			t.Fatal(err)
		}

		h, _, res := g.NetAcquire("net0")
		if res != solo5.ResultOK || h != 1 {
			t.Fatalf("handle %d result %s, want handle 1", h, res)
		}

		if err := dev.InjectFrame([]byte{1}); err != nil {
			t.Fatal(err)
		}

		ready, ok := g.Yield(sim.Monotonic() + uint64(time.Second))
		if !ok || ready != 1<<h {
			t.Errorf("ready=%b ok=%v, want bit %d", ready, ok, h)
		}
	})
}

func TestNetWrite(t *testing.T) {
	t.Run("before acquire", func(t *testing.T) {
		g, _, _ := boot(t, virtiotest.Config{})

		if res := g.NetWrite(0, []byte{1}); res != solo5.ResultEInval {
			t.Errorf("result %s", res)
		}
	})

	t.Run("wrong handle", func(t *testing.T) {
		g, _, _ := boot(t, virtiotest.Config{})
		h := acquire(t, g)

		if res := g.NetWrite(h+1, []byte{1}); res != solo5.ResultEInval {
			t.Errorf("result %s", res)
		}
	})

	t.Run("full-size frame", func(t *testing.T) {
		g, dev, _ := boot(t, virtiotest.Config{})
		h := acquire(t, g)

		frame := bytes.Repeat([]byte{0xcd}, 1500)
		if res := g.NetWrite(h, frame); res != solo5.ResultOK {
			t.Fatalf("result %s", res)
		}

		got := dev.Frames()
		if len(got) != 1 || !bytes.Equal(got[0], frame) {
			t.Errorf("device captured %d frames", len(got))
		}

		if err := dev.Err(); err != nil {
			t.Error(err)
		}
	})

	t.Run("oversize frame faults", func(t *testing.T) {
		g, _, _ := boot(t, virtiotest.Config{})
		h := acquire(t, g)

		mustFault(t, func() { g.NetWrite(h, make([]byte, virtio.PktBufferLen+1)) })
	})
}

func TestNetRead(t *testing.T) {
	t.Run("before acquire", func(t *testing.T) {
		g, _, _ := boot(t, virtiotest.Config{})

		if _, res := g.NetRead(0, make([]byte, 64)); res != solo5.ResultEInval {
			t.Errorf("result %s", res)
		}
	})

	t.Run("nothing pending", func(t *testing.T) {
		g, _, _ := boot(t, virtiotest.Config{})
		h := acquire(t, g)

		// AGAIN is the steady state, not a one-shot.
		for i := 0; i < 3; i++ {
			if n, res := g.NetRead(h, make([]byte, 64)); n != 0 || res != solo5.ResultAgain {
				t.Fatalf("read %d: n=%d res=%s", i, n, res)
			}
		}
	})

	t.Run("delivers one frame per call", func(t *testing.T) {
		g, dev, _ := boot(t, virtiotest.Config{})
		h := acquire(t, g)

		payload := bytes.Repeat([]byte{0x5a}, 64)
		if err := dev.InjectFrame(payload); err != nil {
			t.Fatal(err)
		}

		buf := make([]byte, virtio.PktBufferLen)

		n, res := g.NetRead(h, buf)
		if res != solo5.ResultOK || !bytes.Equal(buf[:n], payload) {
			t.Fatalf("n=%d res=%s", n, res)
		}

		if _, res := g.NetRead(h, buf); res != solo5.ResultAgain {
			t.Errorf("second read: %s", res)
		}
	})

	t.Run("short buffer faults", func(t *testing.T) {
		g, dev, _ := boot(t, virtiotest.Config{})
		h := acquire(t, g)

		if err := dev.InjectFrame(make([]byte, 64)); err != nil {
			t.Fatal(err)
		}

		mustFault(t, func() { g.NetRead(h, make([]byte, 32)) })
	})

	t.Run("buffers recycle past the ring size", func(t *testing.T) {
		g, dev, _ := boot(t, virtiotest.Config{QueueNum: 8})
		h := acquire(t, g)

		buf := make([]byte, virtio.PktBufferLen)

		for i := 0; i < 12; i++ {
			want := []byte{byte(i), 0xee}
			if err := dev.InjectFrame(want); err != nil {
				t.Fatalf("frame %d: %v", i, err)
			}

			n, res := g.NetRead(h, buf)
			if res != solo5.ResultOK || !bytes.Equal(buf[:n], want) {
				t.Fatalf("frame %d: n=%d res=%s", i, n, res)
			}
		}

		if err := dev.Err(); err != nil {
			t.Error(err)
		}
	})
}

func TestYield(t *testing.T) {
	t.Run("deadline passes with no data", func(t *testing.T) {
		g, _, sim := boot(t, virtiotest.Config{})
		acquire(t, g)

		deadline := 10 * time.Millisecond

		start := time.Now()
		ready, ok := g.Yield(sim.Monotonic() + uint64(deadline))
		elapsed := time.Since(start)

		if ok || ready != 0 {
			t.Errorf("ready=%b ok=%v with no data", ready, ok)
		}

		if elapsed < deadline/2 {
			t.Errorf("returned after %v, deadline %v", elapsed, deadline)
		}
	})

	t.Run("before acquire", func(t *testing.T) {
		g, dev, sim := boot(t, virtiotest.Config{})

		// Data in the ring does not count until the device is acquired.
		if err := dev.InjectFrame([]byte{1}); err != nil {
			t.Fatal(err)
		}

		if ready, ok := g.Yield(sim.Monotonic() + uint64(5*time.Millisecond)); ok || ready != 0 {
			t.Errorf("ready=%b ok=%v before acquire", ready, ok)
		}
	})

	t.Run("pending data returns at once", func(t *testing.T) {
		g, dev, sim := boot(t, virtiotest.Config{})
		h := acquire(t, g)

		if err := dev.InjectFrame([]byte{1}); err != nil {
			t.Fatal(err)
		}

		start := time.Now()
		ready, ok := g.Yield(sim.Monotonic() + uint64(time.Second))

		if !ok || ready != 1<<h {
			t.Fatalf("ready=%b ok=%v", ready, ok)
		}

		if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
			t.Errorf("took %v with data already pending", elapsed)
		}
	})

	t.Run("interrupt wakes the yield early", func(t *testing.T) {
		g, dev, sim := boot(t, virtiotest.Config{})
		h := acquire(t, g)

		go func() {
			time.Sleep(5 * time.Millisecond)
			_ = dev.InjectFrame([]byte{1})
		}()

		start := time.Now()
		ready, ok := g.Yield(sim.Monotonic() + uint64(10*time.Second))

		if !ok || ready != 1<<h {
			t.Fatalf("ready=%b ok=%v", ready, ok)
		}

		// Well under the deadline, and under a single MaxBlock one-shot.
		if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
			t.Errorf("wakeup took %v", elapsed)
		}
	})
}

// TestEcho drives the full loop an application runs: yield for a frame, read
// it, write it back.
func TestEcho(t *testing.T) {
	g, dev, sim := boot(t, virtiotest.Config{})
	h := acquire(t, g)

	var sent [][]byte

	buf := make([]byte, virtio.PktBufferLen)
	for i := 0; i < 5; i++ {
		frame := bytes.Repeat([]byte{byte(i + 1)}, 100+i)
		sent = append(sent, frame)

		if err := dev.InjectFrame(frame); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}

		if _, ok := g.Yield(sim.Monotonic() + uint64(time.Second)); !ok {
			t.Fatalf("frame %d: yield timed out", i)
		}

		n, res := g.NetRead(h, buf)
		if res != solo5.ResultOK {
			t.Fatalf("frame %d: read %s", i, res)
		}

		if res := g.NetWrite(h, buf[:n]); res != solo5.ResultOK {
			t.Fatalf("frame %d: write %s", i, res)
		}
	}

	got := dev.Frames()
	if len(got) != len(sent) {
		t.Fatalf("device captured %d frames, want %d", len(got), len(sent))
	}

	for i := range sent {
		if !bytes.Equal(got[i], sent[i]) {
			t.Errorf("frame %d differs", i)
		}
	}

	if err := dev.Err(); err != nil {
		t.Error(err)
	}
}
