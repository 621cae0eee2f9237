// Package platform defines the interrupt, clock and blocking primitives the
// driver layer consumes, and provides an in-process implementation of them
// for tests and demo harnesses.
package platform

// MaxBlock is the longest a single Block call may sleep, in nanoseconds:
// the 16-bit PIT one-shot maximum at 1.193182 MHz. Callers that need to
// sleep longer loop around Block.
const MaxBlock = 54924563

// Handler is an interrupt handler. WARNING: it runs in interrupt context,
// asynchronously to the driver's execution context. It must only decide
// whether the interrupt belongs to its device and report whether a blocked
// wait should wake. It must not touch ring state or allocate.
type Handler func() bool

// IRQ registers interrupt handlers.
type IRQ interface {

	// Register installs h as the handler for the given interrupt line.
	Register(line int, h Handler)
}

// Clock is a monotonic clock.
type Clock interface {

	// Monotonic returns nanoseconds since an arbitrary fixed origin.
	Monotonic() uint64
}

// CPU models interrupt gating and the bounded one-shot block primitive of
// the execution context.
type CPU interface {

	// IntrDisable masks interrupt delivery. Interrupts raised while masked
	// are held pending, not dropped.
	IntrDisable()

	// IntrEnable unmasks interrupt delivery and delivers anything pending.
	IntrEnable()

	// Block waits for an interrupt wakeup, but never longer than MaxBlock
	// and never past deadline (monotonic nanoseconds). The blocked window
	// accepts interrupts even if the caller has them masked, and pending
	// interrupts are delivered before waiting, so a wakeup raised after the
	// caller's last readiness check is latched rather than lost. Block may
	// also return early with no wakeup.
	Block(deadline uint64)
}
