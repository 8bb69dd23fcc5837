// Package clock implements the local clock domain: the single-threaded
// cooperative scheduler that owns a set of outbound causal channels, a
// fixed-size timer table, a 64-slot ISR vector, and the inbound sinks that
// gate (or merely drain) its own time advancement.
//
// A domain typically models one MCU or peripheral simulator running as its
// own OS process; several domains cooperate only through the channel
// watermark protocol of the causalchannel package, never through a shared
// lock. See SPEC_FULL.md §4.3.
package clock

import (
	"fmt"
	"math/bits"
	"os"
	"sync/atomic"

	"github.com/qgears/cosim/causalchannel"
	"github.com/qgears/cosim/fixedpoint"
	"github.com/qgears/cosim/governor"
	"github.com/qgears/cosim/invariant"
)

// Compile-time table limits, fixed so that a domain's entire state fits a
// flat, mappable-across-processes layout; see SPEC_FULL.md §4.3.1/§7.
const (
	MaxChannels = 8
	NumTimers   = 8
	NumISRs     = 64
)

// TimerCallback is invoked when a timer's deadline is reached.
type TimerCallback func(parameter any)

// ISRCallback is invoked when an ISR is both pending and enabled while the
// domain's global ISR flag is set. clk is the domain dispatching it, so a
// handler can re-arm itself or touch other ISRs/timers in response.
type ISRCallback func(clk *Domain, isrIndex uint32, parameter any)

type timer struct {
	enabled         bool
	timeoutAtGlobal uint64
	period          uint64
	callback        TimerCallback
	parameter       any
	allocated       bool
}

type isrSlot struct {
	callback  ISRCallback
	parameter any
}

// Domain is a local clock. The zero value is not usable; construct one
// with New.
type Domain struct {
	globalTime uint64

	multiplierToLocal     uint64
	multiplierToUs        uint64
	addGlobalToLocalTicks int64
	multiplierUsToTicks   uint64

	channelsOut    [MaxChannels]*causalchannel.Channel
	nChannelOut    uint32
	sinksSimulate  [MaxChannels]*causalchannel.Sink
	nSinksSimulate uint32
	sinksFlush     [MaxChannels]*causalchannel.Sink
	nSinksFlush    uint32

	timers [NumTimers]timer

	isrGlobalEnabled bool
	isrsPending      uint64
	isrsEnabled      uint64
	isrs             [NumISRs]isrSlot

	exit atomic.Bool

	debugName string
	gov       *governor.Governor
}

// New creates a domain whose global clock starts at initialGlobal and whose
// rate conversions use the given Q32.32 multipliers (see fixedpoint.BaseShift).
func New(initialGlobal, multiplierToLocal, multiplierToUs, multiplierUsToTicks uint64, addGlobalToLocalTicks int64) *Domain {
	return &Domain{
		globalTime:            initialGlobal,
		multiplierToLocal:     multiplierToLocal,
		multiplierToUs:        multiplierToUs,
		multiplierUsToTicks:   multiplierUsToTicks,
		addGlobalToLocalTicks: addGlobalToLocalTicks,
		gov:                   governor.New(),
	}
}

// SetDebugName attaches a name used in exit/stall diagnostics.
func (d *Domain) SetDebugName(name string) { d.debugName = name }

// Exited reports whether RequestExit has been called. Domain implements
// causalchannel.ExitSignal so it can be passed as a channel's Owner.
func (d *Domain) Exited() bool { return d.exit.Load() }

// Governor returns the domain's busy-wait governor, satisfying
// causalchannel.Owner.
func (d *Domain) Governor() *governor.Governor { return d.gov }

// RequestExit asks the domain to stop at its next checkExit poll. It does
// not itself terminate the process; see CheckExit.
func (d *Domain) RequestExit() { d.exit.Store(true) }

// CheckExit is polled at the top of every ISR dispatch iteration, which
// tryAdvanceTimeGlobal runs before and after each advance. The governed
// spin-waits in causalchannel do not call it: they poll Exited on the
// owner of the channel they wait on and return from the wait when it is
// set, without terminating the process. If the domain's exit flag is set
// CheckExit prints a
// normal-exit message and terminates the process successfully — this is
// how a controlling driver halts a domain without corrupting shared
// state, as distinct from invariant.Terminate's failure path.
func (d *Domain) CheckExit() {
	if !d.exit.Load() {
		return
	}
	fmt.Fprintf(os.Stderr, "%s: exiting\n", d.debugName)
	os.Exit(0)
}

// RegisterChannel appends ch to the domain's outbound list: its watermark
// is advanced every time this domain advances its own global time.
func (d *Domain) RegisterChannel(ch *causalchannel.Channel) {
	invariant.Check(d.nChannelOut < MaxChannels, "clock: outbound channel table full")
	d.channelsOut[d.nChannelOut] = ch
	d.nChannelOut++
}

// RegisterSinkToSimulate appends sink to the list that gates this domain's
// time advancement: tryAdvanceTimeGlobal will not cross a timestamp until
// every simulate sink's producer has caught up to it.
func (d *Domain) RegisterSinkToSimulate(sink *causalchannel.Sink) {
	invariant.Check(d.nSinksSimulate < MaxChannels, "clock: simulate sink table full")
	d.sinksSimulate[d.nSinksSimulate] = sink
	d.nSinksSimulate++
}

// RegisterSinkToFlush appends sink to the list drained opportunistically
// on every tick, so its producer is never blocked by a full ringbuffer,
// without this domain ever waiting on it.
func (d *Domain) RegisterSinkToFlush(sink *causalchannel.Sink) {
	invariant.Check(d.nSinksFlush < MaxChannels, "clock: flush sink table full")
	d.sinksFlush[d.nSinksFlush] = sink
	d.nSinksFlush++
}

// AllocateTimer returns the lowest-indexed free timer slot.
func (d *Domain) AllocateTimer() uint32 {
	for i := range d.timers {
		if !d.timers[i].allocated {
			d.timers[i].allocated = true
			return uint32(i)
		}
	}
	invariant.Check(false, "clock: timer table exhausted")
	return 0
}

// ReleaseTimer frees a previously allocated timer slot.
func (d *Domain) ReleaseTimer(timerIndex uint32) {
	invariant.Check(timerIndex < NumTimers, "clock: timer index %d out of range", timerIndex)
	d.timers[timerIndex] = timer{}
}

// SetTimer (re)configures a timer slot. timeoutAtGlobal and period are both
// measured in global ticks; period == 0 means one-shot.
func (d *Domain) SetTimer(timerIndex uint32, enabled bool, timeoutAtGlobal, period uint64, callback TimerCallback, parameter any) {
	invariant.Check(timerIndex < NumTimers, "clock: timer index %d out of range", timerIndex)
	t := &d.timers[timerIndex]
	t.enabled = enabled
	t.timeoutAtGlobal = timeoutAtGlobal
	t.period = period
	t.callback = callback
	t.parameter = parameter
}

// SetIsrHandler installs the callback and parameter for an ISR slot.
func (d *Domain) SetIsrHandler(isrIndex uint32, callback ISRCallback, parameter any) {
	invariant.Check(isrIndex < NumISRs, "clock: isr index %d out of range", isrIndex)
	d.isrs[isrIndex] = isrSlot{callback: callback, parameter: parameter}
}

// SetGlobalIsrEnabled gates ISR dispatch entirely: equivalent to a CPU's
// global interrupt-enable flag.
func (d *Domain) SetGlobalIsrEnabled(enabled bool) { d.isrGlobalEnabled = enabled }

// SetIsrEnabled sets whether isrIndex may ever fire, independent of
// whether it is currently pending.
func (d *Domain) SetIsrEnabled(isrIndex uint32, enabled bool) {
	invariant.Check(isrIndex < NumISRs, "clock: isr index %d out of range", isrIndex)
	if enabled {
		d.isrsEnabled |= 1 << isrIndex
	} else {
		d.isrsEnabled &^= 1 << isrIndex
	}
}

// SetIsrActive sets or clears the pending bit for isrIndex — the request
// for service a peripheral raises; it only results in a handler call once
// the ISR is also enabled and the global ISR flag is set.
func (d *Domain) SetIsrActive(isrIndex uint32, active bool) {
	invariant.Check(isrIndex < NumISRs, "clock: isr index %d out of range", isrIndex)
	if active {
		d.isrsPending |= 1 << isrIndex
	} else {
		d.isrsPending &^= 1 << isrIndex
	}
}

// dispatchISRs runs the pending&enabled ISR loop shared by pre- and
// post-dispatch (§4.3.3 steps 1 and 8): pick the lowest-set bit, invoke its
// handler, repeat until the masked bitmap is zero. A handler may clear its
// own bit or set others, so this reads the bitmap fresh every iteration.
func (d *Domain) dispatchISRs() {
	for {
		d.CheckExit()
		if !d.isrGlobalEnabled {
			return
		}
		masked := d.isrsPending & d.isrsEnabled
		if masked == 0 {
			return
		}
		idx := uint32(bits.TrailingZeros64(masked))
		slot := d.isrs[idx]
		if slot.callback != nil {
			slot.callback(d, idx, slot.parameter)
		}
	}
}

// CurrentGlobal returns the domain's current global timestamp.
func (d *Domain) CurrentGlobal() uint64 { return d.globalTime }

// CurrentLocal converts the domain's current global timestamp to local
// time using its configured multiplierToLocal and offset.
func (d *Domain) CurrentLocal() uint64 {
	return fixedpoint.ToLocal(d.globalTime, d.multiplierToLocal, d.addGlobalToLocalTicks)
}

// ToLocal converts an arbitrary global timestamp to this domain's local
// time.
func (d *Domain) ToLocal(globalTime uint64) uint64 {
	return fixedpoint.ToLocal(globalTime, d.multiplierToLocal, d.addGlobalToLocalTicks)
}

// LocalUsToGlobal converts a local microsecond duration to global ticks.
// Preserves the original runtime's hard-coded *1000 semantics; see
// fixedpoint.LocalUsToGlobal and SPEC_FULL.md §9.
func (d *Domain) LocalUsToGlobal(us uint64) uint64 { return fixedpoint.LocalUsToGlobal(us) }

// LocalMsToGlobal converts a local millisecond duration to global ticks.
func (d *Domain) LocalMsToGlobal(ms uint64) uint64 { return fixedpoint.LocalUsToGlobal(ms * 1000) }

// GetMs returns the domain's current local time in whole milliseconds.
func (d *Domain) GetMs() uint64 { return d.GetUs() / 1000 }

// GetUs returns the domain's current local time in whole microseconds,
// applying multiplierToUs on top of the local-time conversion.
func (d *Domain) GetUs() uint64 {
	return fixedpoint.MulShiftRight32(d.CurrentLocal(), d.multiplierToUs)
}

// UsToTicks converts a microsecond count to global ticks at this domain's
// configured rate.
func (d *Domain) UsToTicks(us uint64) uint64 {
	return fixedpoint.UsToTicks(us, d.multiplierUsToTicks)
}

// TicksToUs converts a global tick count to microseconds at this domain's
// configured rate.
func (d *Domain) TicksToUs(ticks uint64) uint64 {
	return fixedpoint.TicksToUs(ticks, d.multiplierUsToTicks)
}

const maxTimestamp = ^uint64(0)

// tryAdvanceTimeGlobal implements the nine-step protocol of SPEC_FULL.md
// §4.3.3. It advances globalTime at most to target, firing whatever
// timers/ISRs/channel events fall at or before the computed horizon, and
// returns the horizon actually reached.
func (d *Domain) tryAdvanceTimeGlobal(target uint64) uint64 {
	d.dispatchISRs() // step 1: ISR pre-dispatch

	now := d.globalTime
	horizon := maxTimestamp
	for i := uint32(0); i < d.nSinksSimulate; i++ { // step 2: horizon scan
		sink := d.sinksSimulate[i]
		if t := sink.Channel().SimulatedUntil(); t <= now {
			sink.Channel().WaitSimulatedUntil(now + 1)
		}
		if t := sink.Channel().SimulatedUntil(); t < horizon {
			horizon = t
		}
		if t := sink.GetNextEventTimestamp(); t < horizon {
			horizon = t
		}
	}
	for i := range d.timers {
		if d.timers[i].enabled && d.timers[i].timeoutAtGlobal < horizon {
			horizon = d.timers[i].timeoutAtGlobal
		}
	}
	if horizon > target {
		horizon = target
	}

	if horizon > d.globalTime { // step 3: commit time
		d.globalTime = horizon
	}

	for i := range d.timers { // step 4: fire timers, slot-index order
		t := &d.timers[i]
		if t.enabled && t.timeoutAtGlobal <= horizon {
			if t.period > 0 {
				t.timeoutAtGlobal += t.period
			} else {
				t.enabled = false
			}
			if t.callback != nil {
				t.callback(t.parameter)
			}
		}
	}

	for i := uint32(0); i < d.nChannelOut; i++ { // step 5: publish watermark
		d.channelsOut[i].UpdateTime(horizon)
	}

	for i := uint32(0); i < d.nSinksFlush; i++ { // step 6: flush opportunistic sinks
		d.sinksFlush[i].ProcessEventsUntilNoWait(horizon)
	}

	for i := uint32(0); i < d.nSinksSimulate; i++ { // step 7: drain simulate sinks
		d.sinksSimulate[i].ProcessEventsUntil(horizon)
	}

	d.dispatchISRs() // step 8: ISR post-dispatch

	return horizon // step 9
}

// WaitUntilGlobal repeatedly advances the domain's time until it has
// reached target.
func (d *Domain) WaitUntilGlobal(target uint64) {
	for d.globalTime < target {
		d.tryAdvanceTimeGlobal(target)
	}
}

// TryAdvanceTimeGlobal advances time at most to target and returns the
// horizon reached, firing whatever becomes eligible along the way. Unlike
// WaitUntilGlobal it does not loop until target is reached: a caller that
// wants to react to each individual event (rather than run straight to
// target) calls this repeatedly itself.
func (d *Domain) TryAdvanceTimeGlobal(target uint64) uint64 {
	return d.tryAdvanceTimeGlobal(target)
}
