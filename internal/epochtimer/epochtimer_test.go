package epochtimer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimer_TicksWhileGuardHeld(t *testing.T) {
	tm := New(5 * time.Millisecond)
	defer tm.Stop()

	g := tm.Start()
	defer g.Release()

	deadline := time.Now().Add(200 * time.Millisecond)
	for tm.Ticks() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Greater(t, tm.Ticks(), uint64(0))
}

func TestTimer_StopsTickingAfterRelease(t *testing.T) {
	tm := New(2 * time.Millisecond)
	defer tm.Stop()

	g := tm.Start()
	time.Sleep(20 * time.Millisecond)
	g.Release()

	after := tm.Ticks()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, tm.Ticks(), "ticking must stop once the last guard is released")
}

func TestTimer_MultipleGuardsShareOneWorker(t *testing.T) {
	tm := New(2 * time.Millisecond)
	defer tm.Stop()

	g1 := tm.Start()
	g2 := tm.Start()
	g1.Release()

	deadline := time.Now().Add(200 * time.Millisecond)
	for tm.Ticks() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Greater(t, tm.Ticks(), uint64(0), "timer must keep ticking while g2 is still held")
	g2.Release()
}
