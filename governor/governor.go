// Package governor implements the busy-wait governor: the shared helper
// that throttles a domain's spin loops once a wait exceeds a threshold and
// logs stalls to stderr.
//
// The original C runtime kept this state (currentTarget, startWaitAtMillis,
// wasLogged) as process-wide static variables shared by every spin site.
// That is a footgun once more than one domain lives in the same process
// (tests, or a multi-domain harness sharing one Go binary) — so here it is
// an explicit object, one per clock domain, threaded through every call
// that spins instead of read from a global. See SPEC_FULL.md §9.
package governor

import (
	"fmt"
	"os"
	"time"

	timecache "github.com/agilira/go-timecache"
)

// stallThreshold is how long a spin waits on an unchanged target before it
// emits a diagnostic, per the spec's "after 10ms of spinning" rule.
const stallThreshold = 10 * time.Millisecond

// debuggerBackoff is the coarse sleep used once a wait has already been
// logged: at that point the governor assumes a peer is paused in a
// debugger, so spinning hot only wastes CPU.
const debuggerBackoff = time.Millisecond

// Governor is the per-domain busy-wait throttle. The zero value is not
// usable; construct one with New.
type Governor struct {
	clock *timecache.TimeCache

	currentTarget     uint64
	startWaitAtMillis uint64
	wasLogged         bool
}

// New creates a governor with a millisecond-resolution cached clock, the
// same resolution the teacher library uses for its own rotation
// timestamps, so a governor iteration never pays a full time.Now() syscall.
func New() *Governor {
	return &Governor{clock: timecache.NewWithResolution(time.Millisecond)}
}

// Close stops the governor's background clock-refresh goroutine. Call it
// when a domain shuts down.
func (g *Governor) Close() {
	g.clock.Stop()
}

func (g *Governor) nowMillis() uint64 {
	return uint64(g.clock.CachedTime().UnixMilli())
}

// Iterate is called from inside a spin loop on every iteration. available
// is the watermark or count currently observed, target is what the caller
// is waiting for, and name identifies the channel/sink for the diagnostic
// line. It never blocks for more than debuggerBackoff.
func (g *Governor) Iterate(available, target uint64, name string) {
	if g.wasLogged {
		// Already over the stall threshold once for this target: assume a
		// peer is stopped in a debugger and back off instead of spinning hot.
		time.Sleep(debuggerBackoff)
	}
	if g.currentTarget != target {
		g.currentTarget = target
		g.startWaitAtMillis = g.nowMillis()
		g.wasLogged = false
		return
	}
	if !g.wasLogged && g.nowMillis()-g.startWaitAtMillis > uint64(stallThreshold.Milliseconds()) {
		fmt.Fprintf(os.Stderr, "Busy wait for simulation of timestamp spent 10 millis. Name: %s Available global timestamp: %d required: %d...", name, available, target)
		g.wasLogged = true
	}
}

// Done closes out a wait episode started by Iterate, emitting the trailing
// "DONE" line if (and only if) a stall was actually logged for it.
func (g *Governor) Done() {
	if g.wasLogged {
		g.wasLogged = false
		fmt.Fprintln(os.Stderr, "DONE")
	}
}
