// Package causalchannel implements the one-writer/many-reader timestamped
// event channel that lets one clock domain push causally-ordered events to
// the sinks owned by other domains, each fanning out through its own
// single-producer/single-consumer ringbuffer.
//
// A Channel publishes a simulatedUntil watermark: "every event up to this
// global timestamp has already been enqueued, there will be no more below
// it." Readers (Sinks) may advance their own simulation up to that
// watermark without blocking; advancing further means waiting for the
// producer to push the watermark forward. minimalLatency is added to the
// time a producer announces through UpdateTime, so the published watermark
// always runs ahead of the producer's own time, which is what prevents two
// channels wired head-to-tail from forming a zero-delay dependency cycle.
// InsertEvent does not add it: an event keeps its requested timestamp
// unless that timestamp is not beyond the watermark.
package causalchannel

import (
	"sync/atomic"

	"github.com/qgears/cosim/governor"
	"github.com/qgears/cosim/invariant"
	"github.com/qgears/cosim/ringbuffer"
)

// MaxSinks is the maximum number of sinks a single channel supports. The
// original runtime fixed this at compile time to avoid dynamic allocation
// on embedded targets; the limit is kept here for fidelity even though Go
// has no such constraint.
const MaxSinks = 4

// HeaderSize is the per-event overhead stored in a sink's ringbuffer ahead
// of the message payload: one uint64 global timestamp.
const HeaderSize = 8

// MaxDebugNameLen mirrors the original's MAX_CHANNEL_NAME_LENGTH. Go
// strings aren't length-limited the way a fixed char array is, but
// SetDebugName enforces it anyway so a debug name behaves identically
// whether it ends up in a log line here or copied into a shared-memory
// arena read by a non-Go peer.
const MaxDebugNameLen = 255

// EventCallback is invoked once per event a sink processes, in timestamp
// order. parameter is whatever was passed to Sink.SetEnabled; data aliases
// the sink's internal read buffer and is only valid until the callback
// returns. Because that buffer is reused for every datagram, a callback
// must not call ProcessEventsUntil or ProcessEventsUntilNoWait on its own
// sink; this is not checked at runtime.
type EventCallback func(parameter any, globalTimestamp uint64, sink *Sink, data []byte)

// ExitSignal reports whether the owning domain has been asked to stop a
// running simulation. Spin loops poll it so a shutdown doesn't have to wait
// for a channel watermark that will never arrive.
type ExitSignal interface {
	Exited() bool
}

// Owner is what a Channel needs from the clock domain that created it: a
// governor to throttle its spin loops and an exit signal to escape them.
// Defining this as a narrow interface here (rather than importing the
// clock package directly) avoids a cyclic import, since a *clock.Domain
// holds channels and sinks of its own.
type Owner interface {
	ExitSignal
	Governor() *governor.Governor
}

// Channel is the event source. Exactly one domain owns and writes to a
// channel; any number of domains (up to MaxSinks) read from it through
// their own Sink.
type Channel struct {
	owner Owner

	simulatedUntil atomic.Uint64
	minimalLatency uint64
	debugName      string
	messageSize    uint32

	nSink uint32
	sinks [MaxSinks]Sink
}

// Sink is one reader's connection to a Channel. Each sink owns its own
// ringbuffer so that, unlike a single multi-reader buffer, one slow reader
// never blocks another.
type Sink struct {
	buffer ringbuffer.RingBuffer
	host   *Channel

	enabled   atomic.Bool
	callback  EventCallback
	parameter any

	readBuffer []byte
}

// NewChannel creates a channel with messageSize-byte payloads (excluding
// the 8-byte timestamp header) and a default minimalLatency of 1 tick.
func NewChannel(owner Owner, messageSize uint32) *Channel {
	invariant.Check(owner != nil, "causalchannel: owner must not be nil")
	return &Channel{
		owner:          owner,
		messageSize:    messageSize,
		minimalLatency: 1,
	}
}

// SetDebugName attaches a name used in busy-wait stall diagnostics.
func (c *Channel) SetDebugName(name string) {
	invariant.Check(len(name) <= MaxDebugNameLen, "causalchannel: debug name exceeds %d bytes", MaxDebugNameLen)
	c.debugName = name
}

// SetMinimalLatency raises the latency floor above its default of 1 tick.
// A higher floor lets readers batch further ahead before they need to wait
// on the channel again, at the cost of higher propagation delay.
func (c *Channel) SetMinimalLatency(minimalLatency uint64) {
	invariant.Check(minimalLatency > 0, "causalchannel: minimalLatency must be > 0")
	c.minimalLatency = minimalLatency
}

// AllocateSink registers a new reader backed by buffer as its ringbuffer
// storage. buffer must be large enough to hold several datagrams; its
// capacity is a hard cap on how far the reader can lag the writer.
func (c *Channel) AllocateSink(buffer []byte) *Sink {
	invariant.Check(c.nSink < MaxSinks, "causalchannel: channel already has %d sinks", MaxSinks)
	sink := &c.sinks[c.nSink]
	*sink = Sink{host: c}
	sink.buffer = *ringbuffer.New(buffer)
	c.nSink++
	return sink
}

func (c *Channel) datagramSize() uint32 {
	return c.messageSize + HeaderSize
}

// SimulatedUntil returns the channel's current watermark.
func (c *Channel) SimulatedUntil() uint64 {
	return c.simulatedUntil.Load()
}

// InsertEvent enqueues data, timestamped for delivery no earlier than
// timestamp, to every enabled sink. It blocks (busy-waiting through the
// owning domain's governor) while any sink's buffer lacks room, since
// dropping an event is never an option: a stuck reader must show up as a
// detectable stall, not silent data loss. The one exception is shutdown:
// if the owner's exit flag is set while it waits, InsertEvent returns at
// once, without writing to that sink or the ones after it and without
// advancing the watermark.
//
// The timestamp actually used is returned: it is bumped up to
// simulatedUntil+1 if the requested timestamp would not advance the
// watermark, so events on one channel are always strictly ordered.
func (c *Channel) InsertEvent(timestamp uint64, data []byte) uint64 {
	if timestamp <= c.simulatedUntil.Load() {
		timestamp = c.simulatedUntil.Load() + 1
	}
	header := encodeTimestamp(timestamp)
	for i := uint32(0); i < c.nSink; i++ {
		sink := &c.sinks[i]
		if !sink.enabled.Load() {
			continue
		}
		needed := c.datagramSize()
		for sink.buffer.AvailableWrite() < needed {
			if c.owner.Exited() {
				return timestamp
			}
			c.owner.Governor().Iterate(uint64(sink.buffer.AvailableWrite()), uint64(needed), "write ringbuffer")
		}
		c.owner.Governor().Done()
		invariant.Check(sink.buffer.Write(header), "causalchannel: header write unexpectedly failed after space check")
		invariant.Check(sink.buffer.Write(data), "causalchannel: payload write unexpectedly failed after space check")
	}
	c.simulatedUntil.Store(timestamp)
	return timestamp
}

// UpdateTime advances the channel's watermark to timestamp+minimalLatency
// without inserting an event — the "I have nothing more to say until then"
// signal a producer emits once it knows no event will land earlier. The
// watermark never moves backward.
func (c *Channel) UpdateTime(timestamp uint64) {
	t := timestamp + c.minimalLatency
	if t < c.simulatedUntil.Load() {
		return
	}
	c.simulatedUntil.Store(t)
}

// WaitSimulatedUntil busy-waits until the channel's watermark reaches
// timestamp, or returns early once the owner's exit flag is set.
func (c *Channel) WaitSimulatedUntil(timestamp uint64) {
	if c.simulatedUntil.Load() >= timestamp {
		return
	}
	for c.simulatedUntil.Load() < timestamp {
		if c.owner.Exited() {
			return
		}
		c.owner.Governor().Iterate(c.simulatedUntil.Load(), timestamp, c.debugName)
	}
	c.owner.Governor().Done()
}

// SetEnabled arms or disarms event delivery to this sink. A sink must not
// be left enabled while nothing drains it: the producer blocks on
// write-space for every enabled sink, so a reader that stops consuming
// without disabling itself first can wedge the whole channel.
//
// buffer must be at least messageSize+HeaderSize bytes whenever callback
// is non-nil; it is the scratch area ProcessEventsUntil/
// ProcessEventsUntilNoWait peek and read a single datagram into before
// invoking callback, and must not be touched by the caller while the sink
// is enabled.
func (s *Sink) SetEnabled(enabled bool, callback EventCallback, parameter any, buffer []byte) {
	s.parameter = parameter
	s.callback = callback
	if callback != nil {
		invariant.Check(uint32(len(buffer)) >= s.host.messageSize+HeaderSize, "causalchannel: sink scratch buffer too small")
		s.readBuffer = buffer
	}
	s.enabled.Store(enabled)
}

// Channel returns the channel this sink reads from — its producer's
// simulatedUntil watermark is what tryAdvanceTimeGlobal's horizon scan
// polls.
func (s *Sink) Channel() *Channel { return s.host }

// GetNextEventTimestamp peeks the timestamp of the next unprocessed event
// without consuming it, returning math.MaxUint64 if the sink is empty.
func (s *Sink) GetNextEventTimestamp() uint64 {
	if s.buffer.AvailableRead() < HeaderSize {
		return ^uint64(0)
	}
	var header [HeaderSize]byte
	invariant.Check(s.buffer.Peek(HeaderSize, header[:]), "causalchannel: peek failed despite available bytes")
	return decodeTimestamp(header[:])
}

// ProcessEventsUntil waits (busy-waiting via the producing domain's
// governor) for the channel to simulate up to timestamp, then drains every
// event with a timestamp <= timestamp, invoking callback for each in
// order. Events beyond timestamp are left in the buffer for a later call.
//
// It checks the PRODUCING domain's exit flag, not the consuming domain's —
// preserved from the original runtime, where a sink always polls
// sink->host->clock rather than its own owner while it waits on the
// channel it reads from. When that flag is set it returns without
// draining anything.
func (s *Sink) ProcessEventsUntil(timestamp uint64) {
	co := s.host
	for co.simulatedUntil.Load() < timestamp {
		if co.owner.Exited() {
			return
		}
		co.owner.Governor().Iterate(co.simulatedUntil.Load(), timestamp, co.debugName)
	}
	co.owner.Governor().Done()
	s.drainUpTo(timestamp)
}

// ProcessEventsUntilNoWait drains every already-available event with a
// timestamp <= timestamp without waiting for the channel's watermark to
// reach it. Useful for a reader that wants to keep its ringbuffer from
// overflowing without caring about real-time ordering against the
// producer.
func (s *Sink) ProcessEventsUntilNoWait(timestamp uint64) {
	s.drainUpTo(timestamp)
}

func (s *Sink) drainUpTo(timestamp uint64) {
	co := s.host
	datagramSize := co.datagramSize()
	for s.buffer.AvailableRead() >= datagramSize {
		var header [HeaderSize]byte
		invariant.Check(s.buffer.Peek(HeaderSize, header[:]), "causalchannel: peek failed despite available bytes")
		t := decodeTimestamp(header[:])
		if t > timestamp {
			return
		}
		invariant.Check(s.buffer.Read(datagramSize, s.readBuffer), "causalchannel: read failed despite available bytes")
		if s.callback != nil {
			s.callback(s.parameter, t, s, s.readBuffer[HeaderSize:datagramSize])
		}
	}
}

func encodeTimestamp(timestamp uint64) []byte {
	var b [HeaderSize]byte
	for i := 0; i < HeaderSize; i++ {
		b[i] = byte(timestamp >> (8 * i))
	}
	return b[:]
}

func decodeTimestamp(b []byte) uint64 {
	var t uint64
	for i := 0; i < HeaderSize; i++ {
		t |= uint64(b[i]) << (8 * i)
	}
	return t
}
