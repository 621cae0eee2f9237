package platform

import (
	"sync"
	"time"
)

// Sim implements IRQ, Clock and CPU in-process. Device models raise
// interrupt lines with Raise; a handler returning true latches a wakeup
// that the next (or current) Block consumes.
type Sim struct {
	mu       sync.Mutex
	handlers map[int]Handler
	intrOn   bool
	pending  []int
	wakeup   bool

	kick chan struct{}
	t0   time.Time
}

// NewSim returns a Sim with interrupts enabled and no handlers installed.
func NewSim() *Sim {
	return &Sim{
		handlers: make(map[int]Handler),
		intrOn:   true,
		kick:     make(chan struct{}, 1),
		t0:       time.Now(),
	}
}

// Register implements IRQ.
func (s *Sim) Register(line int, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[line] = h
}

// Monotonic implements Clock.
func (s *Sim) Monotonic() uint64 {
	return uint64(time.Since(s.t0))
}

// Raise delivers an interrupt on the given line. If interrupts are masked
// the line is held pending until the next Block or IntrEnable.
func (s *Sim) Raise(line int) {
	s.mu.Lock()
	if !s.intrOn {
		s.pending = append(s.pending, line)
		s.mu.Unlock()
		return
	}

	h := s.handlers[line]
	s.mu.Unlock()

	s.deliver(h)
}

// IntrDisable implements CPU.
func (s *Sim) IntrDisable() {
	s.mu.Lock()
	s.intrOn = false
	s.mu.Unlock()
}

// IntrEnable implements CPU.
func (s *Sim) IntrEnable() {
	s.mu.Lock()
	s.intrOn = true
	hs := s.takePending()
	s.mu.Unlock()

	for _, h := range hs {
		s.deliver(h)
	}
}

// Block implements CPU. The wait itself accepts interrupts regardless of
// the caller's mask, like sti;hlt;cli on the real platform.
func (s *Sim) Block(deadline uint64) {
	s.mu.Lock()
	wasOn := s.intrOn
	s.intrOn = true
	hs := s.takePending()
	s.mu.Unlock()

	for _, h := range hs {
		s.deliver(h)
	}

	defer func() {
		s.mu.Lock()
		s.intrOn = wasOn
		s.mu.Unlock()
	}()

	s.mu.Lock()
	if s.wakeup {
		s.wakeup = false
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	now := s.Monotonic()
	if deadline <= now {
		return
	}

	d := deadline - now
	if d > MaxBlock {
		d = MaxBlock
	}

	t := time.NewTimer(time.Duration(d))
	defer t.Stop()

	select {
	case <-s.kick:
		s.mu.Lock()
		s.wakeup = false
		s.mu.Unlock()

	case <-t.C:
	}
}

// takePending is called with mu held.
func (s *Sim) takePending() []Handler {
	var hs []Handler
	for _, line := range s.pending {
		if h := s.handlers[line]; h != nil {
			hs = append(hs, h)
		}
	}

	s.pending = nil
	return hs
}

func (s *Sim) deliver(h Handler) {
	if h == nil {
		return
	}

	if h() {
		s.mu.Lock()
		s.wakeup = true
		s.mu.Unlock()

		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}
