package session

import (
	"sync"
	"time"

	"github.com/tao-shen/candy-shop-sub000/pkg/opencode"
)

// Governor owns the timers that decide when an exchange is over: the idle
// debounce and the overall ceiling. It is driven by a single runner goroutine;
// only the debounce callbacks run elsewhere and they only post generations.
type Governor struct {
	debounce time.Duration

	idleGen   uint64
	idleArmed bool
	idleTimer *time.Timer
	fired     chan uint64

	timeout time.Duration
	ceiling *time.Timer

	stopOnce sync.Once
	stop     chan struct{}
}

// pendingCheck is the result of the pending-question lookup run after an idle window.
type pendingCheck struct {
	gen       uint64
	questions []opencode.PendingQuestion
	err       error
}

// NewGovernor creates a governor and starts its ceiling. A non-positive timeout disables the ceiling.
func NewGovernor(debounce, timeout time.Duration) *Governor {
	g := &Governor{
		debounce: debounce,
		timeout:  timeout,
		fired:    make(chan uint64, 1),
		stop:     make(chan struct{}),
	}
	if timeout > 0 {
		g.ceiling = time.NewTimer(timeout)
	}
	return g
}

// ArmIdle starts or restarts the idle debounce.
func (g *Governor) ArmIdle() {
	if g.idleTimer != nil {
		g.idleTimer.Stop()
	}
	g.idleGen++
	g.idleArmed = true
	gen := g.idleGen
	g.idleTimer = time.AfterFunc(g.debounce, func() {
		select {
		case g.fired <- gen:
		case <-g.stop:
		}
	})
}

// CancelIdle disarms the debounce and invalidates any in-flight pending check.
func (g *Governor) CancelIdle() {
	if !g.idleArmed {
		return
	}
	if g.idleTimer != nil {
		g.idleTimer.Stop()
	}
	g.idleGen++
	g.idleArmed = false
}

// IdleArmed reports whether an idle window is open.
func (g *Governor) IdleArmed() bool {
	return g.idleArmed
}

// Current reports whether gen belongs to the open idle window.
func (g *Governor) Current(gen uint64) bool {
	return g.idleArmed && gen == g.idleGen
}

// IdleFired delivers the generation of each debounce that elapsed.
func (g *Governor) IdleFired() <-chan uint64 {
	return g.fired
}

// Ceiling fires once when the exchange runs out of time. Nil when disabled.
func (g *Governor) Ceiling() <-chan time.Time {
	if g.ceiling == nil {
		return nil
	}
	return g.ceiling.C
}

// ResetCeiling gives the exchange a fresh window, e.g. after a question was answered.
func (g *Governor) ResetCeiling() {
	if g.ceiling != nil {
		g.ceiling.Reset(g.timeout)
	}
}

// Stop releases the timers.
func (g *Governor) Stop() {
	g.stopOnce.Do(func() {
		close(g.stop)
		if g.idleTimer != nil {
			g.idleTimer.Stop()
		}
		if g.ceiling != nil {
			g.ceiling.Stop()
		}
	})
}
