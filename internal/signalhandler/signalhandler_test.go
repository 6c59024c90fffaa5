package signalhandler

import (
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFirstSignalClosesStopAndCallsOnShutdownOnce(t *testing.T) {
	h := New()
	var shutdownCalls atomic.Int32
	h.Listen(func() { shutdownCalls.Add(1) })
	defer h.StopListening()

	h.sigs <- syscall.SIGTERM

	select {
	case <-h.Stop:
	case <-time.After(time.Second):
		t.Fatal("Stop was not closed")
	}
	require.Eventually(t, func() bool { return shutdownCalls.Load() == 1 }, time.Second, time.Millisecond)
}

func TestSecondSignalEscalatesToOnForce(t *testing.T) {
	h := New()
	var forceCalls atomic.Int32
	h.OnForce = func() { forceCalls.Add(1) }
	h.Listen(func() {})
	defer h.StopListening()

	h.sigs <- syscall.SIGTERM
	require.Eventually(t, func() bool { return true }, 10*time.Millisecond, time.Millisecond)
	h.sigs <- syscall.SIGINT

	require.Eventually(t, func() bool { return forceCalls.Load() == 1 }, time.Second, time.Millisecond)
}

func TestArmReturnsTrueOnlyOnce(t *testing.T) {
	h := New()
	require.True(t, h.arm())
	require.False(t, h.arm())
	require.False(t, h.arm())
}
