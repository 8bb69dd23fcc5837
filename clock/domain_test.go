package clock

import (
	"os"
	"os/exec"
	"testing"

	"github.com/qgears/cosim/causalchannel"
	"github.com/stretchr/testify/require"
)

const oneAsQ32 = uint64(1) << 32

func newTestDomain() *Domain {
	return New(0, oneAsQ32, oneAsQ32, oneAsQ32, 0)
}

func TestTimerFiresAtDeadlineAndAdvancesGlobalTime(t *testing.T) {
	d := newTestDomain()
	defer d.gov.Close()

	var fired []uint64
	idx := d.AllocateTimer()
	d.SetTimer(idx, true, 100, 0, func(parameter any) {
		fired = append(fired, d.CurrentGlobal())
	}, nil)

	d.WaitUntilGlobal(100)
	require.Equal(t, []uint64{100}, fired)
	require.EqualValues(t, 100, d.CurrentGlobal())
}

func TestPeriodicTimerRefiresAndStaysEnabled(t *testing.T) {
	d := newTestDomain()
	defer d.gov.Close()

	var fireCount int
	idx := d.AllocateTimer()
	d.SetTimer(idx, true, 10, 10, func(parameter any) { fireCount++ }, nil)

	d.WaitUntilGlobal(35)
	require.Equal(t, 3, fireCount) // fires at 10, 20, 30
	require.True(t, d.timers[idx].enabled)
}

func TestOneShotTimerDisablesAfterFiring(t *testing.T) {
	d := newTestDomain()
	defer d.gov.Close()

	idx := d.AllocateTimer()
	d.SetTimer(idx, true, 5, 0, func(parameter any) {}, nil)
	d.WaitUntilGlobal(5)
	require.False(t, d.timers[idx].enabled)
}

// TestOneShotTimerObservesItselfDisabled verifies the documented
// consequence: a one-shot timer inspecting its own slot from inside its
// callback already sees enabled == false, since the slot is updated before
// the callback runs.
func TestOneShotTimerObservesItselfDisabled(t *testing.T) {
	d := newTestDomain()
	defer d.gov.Close()

	var sawEnabled bool
	idx := d.AllocateTimer()
	d.SetTimer(idx, true, 5, 0, func(parameter any) {
		sawEnabled = d.timers[idx].enabled
	}, nil)
	d.WaitUntilGlobal(5)
	require.False(t, sawEnabled)
}

func TestAllocateTimerReturnsLowestFreeSlotAndReleaseFreesIt(t *testing.T) {
	d := newTestDomain()
	defer d.gov.Close()

	a := d.AllocateTimer()
	b := d.AllocateTimer()
	require.NotEqual(t, a, b)

	d.ReleaseTimer(a)
	c := d.AllocateTimer()
	require.Equal(t, a, c, "release must free the slot for immediate reuse")
}

func TestIsrFiresOnlyWhenPendingEnabledAndGlobalEnabled(t *testing.T) {
	d := newTestDomain()
	defer d.gov.Close()

	var fired int
	d.SetIsrHandler(3, func(clk *Domain, isrIndex uint32, parameter any) {
		fired++
		clk.SetIsrActive(isrIndex, false)
	}, nil)

	d.SetIsrActive(3, true)
	d.dispatchISRs()
	require.Zero(t, fired, "global ISR disabled: must not fire")

	d.SetGlobalIsrEnabled(true)
	d.dispatchISRs()
	require.Zero(t, fired, "ISR not enabled: must not fire")

	d.SetIsrEnabled(3, true)
	d.SetIsrActive(3, true)
	d.dispatchISRs()
	require.Equal(t, 1, fired)
}

func TestIsrLowestIndexDispatchesFirst(t *testing.T) {
	d := newTestDomain()
	defer d.gov.Close()
	d.SetGlobalIsrEnabled(true)

	var order []uint32
	handler := func(clk *Domain, isrIndex uint32, parameter any) {
		order = append(order, isrIndex)
		clk.SetIsrActive(isrIndex, false)
	}
	d.SetIsrHandler(5, handler, nil)
	d.SetIsrHandler(2, handler, nil)
	d.SetIsrEnabled(5, true)
	d.SetIsrEnabled(2, true)
	d.SetIsrActive(5, true)
	d.SetIsrActive(2, true)

	d.dispatchISRs()
	require.Equal(t, []uint32{2, 5}, order)
}

// TestTimerVsChannelTieFiresTimerFirst exercises the documented tie-break:
// when a timer deadline and an inbound event both fall exactly on the
// computed horizon, the timer callback runs before the sink callback.
func TestTimerVsChannelTieFiresTimerFirst(t *testing.T) {
	producer := newTestDomain()
	defer producer.gov.Close()
	consumer := newTestDomain()
	defer consumer.gov.Close()

	ch := causalchannel.NewChannel(producer, 4)
	sink := ch.AllocateSink(make([]byte, 256))
	scratch := make([]byte, 4+causalchannel.HeaderSize)

	var order []string
	sink.SetEnabled(true, func(parameter any, globalTimestamp uint64, s *causalchannel.Sink, data []byte) {
		order = append(order, "channel")
	}, nil, scratch)
	consumer.RegisterSinkToSimulate(sink)

	timerIdx := consumer.AllocateTimer()
	consumer.SetTimer(timerIdx, true, 1000, 0, func(parameter any) {
		order = append(order, "timer")
	}, nil)

	ch.InsertEvent(1000, []byte{1, 2, 3, 4})
	producer.RegisterChannel(ch)
	producer.WaitUntilGlobal(1000)

	consumer.WaitUntilGlobal(1000)
	require.Equal(t, []string{"timer", "channel"}, order)
}

func TestCurrentLocalAppliesOffsetAndMultiplier(t *testing.T) {
	d := New(0, oneAsQ32*2, oneAsQ32, oneAsQ32, 7)
	idx := d.AllocateTimer()
	d.SetTimer(idx, true, 50, 0, func(parameter any) {}, nil)
	d.WaitUntilGlobal(50)
	require.EqualValues(t, 50*2+7, d.CurrentLocal())
}

func TestLocalUsToGlobalPreservesHardCodedThousand(t *testing.T) {
	d := newTestDomain()
	require.EqualValues(t, 3000, d.LocalUsToGlobal(3))
}

func TestUsTicksRoundTrip(t *testing.T) {
	d := newTestDomain()
	ticks := d.UsToTicks(250)
	require.EqualValues(t, 250, ticks)
	require.EqualValues(t, 250, d.TicksToUs(ticks))
}

func TestCheckExitTerminatesProcessSuccessfully(t *testing.T) {
	if os.Getenv("COSIM_CHECKEXIT_CHILD") == "1" {
		d := newTestDomain()
		d.RequestExit()
		d.CheckExit()
		t.Fatal("CheckExit returned with the exit flag set")
	}
	if testing.Short() {
		t.Skip("spawns a subprocess")
	}
	// CheckExit calls os.Exit(0), which cannot be safely exercised in the
	// main test binary, so it runs in a child copy of this test binary;
	// the child exits with status 0 only if CheckExit terminated it.
	d := newTestDomain()
	require.False(t, d.Exited())
	d.RequestExit()
	require.True(t, d.Exited())

	cmd := exec.Command(os.Args[0], "-test.run=^TestCheckExitTerminatesProcessSuccessfully$")
	cmd.Env = append(os.Environ(), "COSIM_CHECKEXIT_CHILD=1")
	require.NoError(t, cmd.Run())
}
