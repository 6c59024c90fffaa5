// Package signalhandler turns SIGINT/SIGTERM into an orderly shutdown
// request, escalating to immediate termination on a second signal
// (spec §4.12).
package signalhandler

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Handler listens for SIGINT/SIGTERM. The first signal closes Stop and
// calls the callback passed to Listen exactly once; a second signal calls OnForce and, if
// OnForce is nil, exits the process immediately — there is no orderly
// path left to take once the operator has asked twice.
type Handler struct {
	Stop     chan struct{}
	OnForce  func()
	sigs     chan os.Signal
	stopOnce sync.Once
	armed    bool
	mu       sync.Mutex
}

// New returns a Handler that has not yet started listening.
func New() *Handler {
	return &Handler{
		Stop: make(chan struct{}),
		sigs: make(chan os.Signal, 2),
	}
}

// Listen starts the background goroutine that watches for signals. It
// is safe to call Listen once per Handler.
func (h *Handler) Listen(onShutdown func()) {
	signal.Notify(h.sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for range h.sigs {
			if h.arm() {
				h.stopOnce.Do(func() {
					close(h.Stop)
					if onShutdown != nil {
						onShutdown()
					}
				})
				continue
			}

			if h.OnForce != nil {
				h.OnForce()
				return
			}
			os.Exit(1)
		}
	}()
}

// arm reports whether this is the first signal received, flipping the
// internal flag so every later signal takes the escalation path.
func (h *Handler) arm() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.armed {
		return false
	}
	h.armed = true
	return true
}

// StopListening detaches from the OS signal stream; tests use this to
// avoid leaking a goroutine past the test's lifetime.
func (h *Handler) StopListening() {
	signal.Stop(h.sigs)
	close(h.sigs)
}
