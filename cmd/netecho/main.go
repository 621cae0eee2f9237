// netecho boots the driver layer against the in-memory device model and
// echoes every injected frame back to the device: an end-to-end exercise of
// negotiation, acquire, yield, read and write without a hypervisor.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/cfcs/solo5"
	"github.com/cfcs/solo5/mft"
	"github.com/cfcs/solo5/platform"
	"github.com/cfcs/solo5/virtio"
	"github.com/cfcs/solo5/virtio/virtiotest"
)

type config struct {
	Device   string `yaml:"device"`
	MAC      string `yaml:"mac"`
	QueueNum uint16 `yaml:"queue_num"`
	Frames   int    `yaml:"frames"`
	Payload  int    `yaml:"payload"`
}

func defaultConfig() config {
	return config{
		Device:   "net0",
		MAC:      "02:00:00:00:00:01",
		QueueNum: 256,
		Frames:   64,
		Payload:  256,
	}
}

const irqLine = 5

func main() {
	var (
		cfgPath = flag.String("config", "", "load settings from a YAML file")
		timeout = flag.Duration("timeout", 30*time.Second, "give up after this long")
	)

	flag.Parse()

	if term.IsTerminal(int(os.Stdout.Fd())) {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))
	} else {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	}

	cfg := defaultConfig()
	if *cfgPath != "" {
		raw, err := os.ReadFile(*cfgPath)
		if err != nil {
			fatal(err)
		}

		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			fatal(err)
		}
	}

	if err := run(cfg, *timeout); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	slog.Error("netecho failed", "err", err)
	os.Exit(1)
}

func run(cfg config, timeout time.Duration) error {
	hw, err := net.ParseMAC(cfg.MAC)
	if err != nil {
		return err
	}

	if len(hw) != 6 {
		return fmt.Errorf("not a 6-byte MAC: %s", cfg.MAC)
	}

	var mac [6]byte
	copy(mac[:], hw)

	sim := platform.NewSim()
	dev := virtiotest.New(virtiotest.Config{
		MAC:      mac,
		QueueNum: cfg.QueueNum,
		Notify:   func() { sim.Raise(irqLine) },
	})

	netdev, err := virtio.ConfigureNet(virtio.NetConfig{
		Transport: dev,
		IRQ:       sim,
		IRQLine:   irqLine,
	})

	if err != nil {
		return err
	}

	guest, err := solo5.New(solo5.Config{
		Manifest: &mft.Manifest{
			Version: mft.Version,
			Entries: []mft.Entry{{Name: cfg.Device, Type: mft.NetBasic}},
		},
		Net:   netdev,
		CPU:   sim,
		Clock: sim,
	})

	if err != nil {
		return err
	}

	h, info, res := guest.NetAcquire(cfg.Device)
	if res != solo5.ResultOK {
		return fmt.Errorf("acquire %q: %s", cfg.Device, res)
	}

	slog.Info("acquired", "handle", uint64(h), "mac", net.HardwareAddr(info.MACAddress[:]).String(), "mtu", info.MTU)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()

	var echoedBytes int

	g, ctx := errgroup.WithContext(ctx)

	// The device side: inject frames, then wait for every echo to come
	// back through the transmit ring.
	g.Go(func() error {
		for i := 0; i < cfg.Frames; i++ {
			frame := make([]byte, cfg.Payload)
			for j := range frame {
				frame[j] = byte(i)
			}

			for {
				err := dev.InjectFrame(frame)
				if err == nil {
					break
				}

				if !errors.Is(err, virtiotest.ErrNoBuffers) {
					return err
				}

				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Millisecond):
				}
			}
		}

		for len(dev.Frames()) < cfg.Frames {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}

		return nil
	})

	// The guest side: yield, read, write back.
	g.Go(func() error {
		buf := make([]byte, virtio.PktBufferLen)

		for echoed := 0; echoed < cfg.Frames; {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			guest.Yield(sim.Monotonic() + uint64(10*time.Millisecond))

			n, res := guest.NetRead(h, buf)
			switch res {
			case solo5.ResultAgain:
				continue

			case solo5.ResultOK:

			default:
				return fmt.Errorf("read: %s", res)
			}

			if res := guest.NetWrite(h, buf[:n]); res != solo5.ResultOK {
				return fmt.Errorf("write: %s", res)
			}

			echoedBytes += n
			echoed++
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	if err := dev.Err(); err != nil {
		return err
	}

	slog.Info("done",
		"frames", humanize.Comma(int64(cfg.Frames)),
		"bytes", humanize.Bytes(uint64(echoedBytes)),
		"elapsed", time.Since(start).Round(time.Millisecond).String())

	return nil
}
