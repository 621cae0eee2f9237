// Package solo5 exposes the handle-based network I/O API of a minimal
// sandboxed execution environment to a single cooperatively-scheduled
// application: acquire a device by manifest name, write frames, read frames
// without blocking, and yield until data is ready or a deadline passes.
//
// A Guest owns every piece of mutable driver state for the lifetime of the
// process. There is no teardown: devices are negotiated once at boot and
// never released.
package solo5

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/cfcs/solo5/mft"
	"github.com/cfcs/solo5/platform"
	"github.com/cfcs/solo5/virtio"
)

// Handle identifies an acquired device. It is valid only after a successful
// acquisition and only for calls presenting that exact value.
type Handle uint64

// HandleSet is a bitmask of handles: bit position equals the handle's
// integer value.
type HandleSet uint64

// Result is the outcome of a handle API call. Results report expected
// runtime conditions; driver defects fault instead (see the fault package).
type Result int

const (
	// ResultOK means the call succeeded.
	ResultOK Result = iota

	// ResultAgain means no data is currently available. It is not an
	// error: it is the expected steady-state outcome of a non-blocking
	// read, distinguishable from failure so callers can retry or yield.
	ResultAgain

	// ResultEInval means a bad handle or an unknown device name.
	ResultEInval

	// ResultEUnspec means the device is absent or already acquired.
	ResultEUnspec
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "OK"

	case ResultAgain:
		return "AGAIN"

	case ResultEInval:
		return "EINVAL"

	case ResultEUnspec:
		return "EUNSPEC"

	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// ErrConfig is returned by New for an unusable configuration.
var ErrConfig = errors.New("solo5: invalid config")

// Config describes the booted environment.
type Config struct {

	// Manifest is the validated application manifest.
	Manifest *mft.Manifest

	// Net is the network device configured during boot-time bus
	// enumeration, or nil if none was discovered. With no device, every
	// acquire fails with ResultEUnspec.
	Net *virtio.Net

	// CPU and Clock are the platform's blocking and timing primitives.
	CPU   platform.CPU
	Clock platform.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Guest is the single-owner device context behind the handle API.
type Guest struct {
	mft   *mft.Manifest
	net   *virtio.Net
	cpu   platform.CPU
	clock platform.Clock
	log   *slog.Logger

	netAcquired bool
	netHandle   Handle
}

// New validates the configuration and returns the guest context.
func New(cfg Config) (*Guest, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Manifest == nil {
		return nil, fmt.Errorf("%w: manifest is not set", ErrConfig)
	}

	if err := cfg.Manifest.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	if cfg.CPU == nil || cfg.Clock == nil {
		return nil, fmt.Errorf("%w: CPU and Clock are required", ErrConfig)
	}

	return &Guest{
		mft:   cfg.Manifest,
		net:   cfg.Net,
		cpu:   cfg.CPU,
		clock: cfg.Clock,
		log:   cfg.Logger,
	}, nil
}
