package governor

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	orig := os.Stderr
	os.Stderr = w
	defer func() { os.Stderr = orig }()

	fn()

	require.NoError(t, w.Close())
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(out)
}

func TestIterateResetsOnNewTarget(t *testing.T) {
	g := New()
	defer g.Close()

	out := captureStderr(t, func() {
		g.Iterate(0, 100, "chan-a")
		g.Iterate(0, 200, "chan-a") // different target: resets the wait clock
		g.Done()
	})
	require.Empty(t, out, "no stall should be logged for a fresh target")
}

func TestIterateLogsStallAfterThresholdThenDone(t *testing.T) {
	g := New()
	defer g.Close()

	g.Iterate(0, 42, "chan-a")
	// Force the cached clock to observe the passage of time; the governor
	// only logs once wall-clock time since the wait began exceeds 10ms.
	time.Sleep(15 * time.Millisecond)

	out := captureStderr(t, func() {
		g.Iterate(5, 42, "chan-a")
	})
	require.Contains(t, out, "chan-a")
	require.Contains(t, out, "required: 42")
	require.True(t, g.wasLogged)

	doneOut := captureStderr(t, func() {
		g.Done()
	})
	require.Contains(t, doneOut, "DONE")
	require.False(t, g.wasLogged)
}

func TestDoneIsNoOpWithoutPriorStall(t *testing.T) {
	g := New()
	defer g.Close()

	out := captureStderr(t, func() {
		g.Done()
	})
	require.Empty(t, out)
}
