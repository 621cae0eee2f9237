package solo5

// Yield blocks cooperatively until network data is ready or the deadline
// (monotonic nanoseconds) passes, whichever comes first. It is the only
// suspension point in the API. On a ready return the set has exactly the
// acquired handle's bit set.
//
// The block primitive cannot sleep past a platform-specific maximum in one
// call, so Yield loops until data is ready or the deadline is reached.
func (g *Guest) Yield(deadline uint64) (ready HandleSet, ok bool) {
	// Interrupts stay masked across each check-then-block decision so a
	// completion arriving between the check and the block is latched by
	// the platform instead of lost.
	g.cpu.IntrDisable()

	for {
		if g.netAcquired && g.net.PktPoll() {
			ok = true
			break
		}

		g.cpu.Block(deadline)
		if g.clock.Monotonic() >= deadline {
			break
		}
	}

	if !ok {
		// A completion can land exactly as the deadline expires.
		ok = g.netAcquired && g.net.PktPoll()
	}

	g.cpu.IntrEnable()

	if ok {
		ready = 1 << g.netHandle
	}

	return ready, ok
}
