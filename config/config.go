// Package config parses the textual configuration for one clock domain:
// its name, its rate relative to the global clock, and the sizes of the
// shared-memory region and per-channel buffers it needs allocated before
// it can be constructed.
//
// Size strings use the same KB/MB/GB/TB grammar as the teacher library
// this module started from, so a size typo produces a plain error rather
// than a panic — unlike invariant.Check, which is reserved for conditions
// that can only mean a peer has already desynchronized.
package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSize converts strings like "64KB", "16MB", "1GB" to a byte count.
// Plain integers are accepted as a literal byte count. Matching is
// case-insensitive; both single-letter (K, M, G, T) and two-letter
// (KB, MB, GB, TB) suffixes are supported.
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	if val, err := strconv.ParseInt(s, 10, 64); err == nil {
		return val, nil
	}

	upper := strings.ToUpper(s)

	var multiplier int64
	var numStr string
	switch {
	case strings.HasSuffix(upper, "KB"):
		multiplier, numStr = 1024, upper[:len(upper)-2]
	case strings.HasSuffix(upper, "MB"):
		multiplier, numStr = 1024*1024, upper[:len(upper)-2]
	case strings.HasSuffix(upper, "GB"):
		multiplier, numStr = 1024*1024*1024, upper[:len(upper)-2]
	case strings.HasSuffix(upper, "TB"):
		multiplier, numStr = 1024*1024*1024*1024, upper[:len(upper)-2]
	case strings.HasSuffix(upper, "K"):
		multiplier, numStr = 1024, upper[:len(upper)-1]
	case strings.HasSuffix(upper, "M"):
		multiplier, numStr = 1024*1024, upper[:len(upper)-1]
	case strings.HasSuffix(upper, "G"):
		multiplier, numStr = 1024*1024*1024, upper[:len(upper)-1]
	case strings.HasSuffix(upper, "T"):
		multiplier, numStr = 1024*1024*1024*1024, upper[:len(upper)-1]
	default:
		return 0, fmt.Errorf("unknown size suffix in %q (supported: KB/K, MB/M, GB/G, TB/T)", s)
	}

	val, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size number in %q: %w", s, err)
	}
	result := val * multiplier
	if result < 0 || (val != 0 && result/val != multiplier) {
		return 0, fmt.Errorf("size %q too large", s)
	}
	return result, nil
}

// Rate is a domain's speed relative to the global clock and to wall-clock
// microseconds, expressed as the Q32.32 multipliers fixedpoint.ToLocal and
// friends expect (1.0 encoded as 1<<32).
type Rate struct {
	MultiplierToLocal     uint64
	MultiplierToUs        uint64
	MultiplierUsToTicks   uint64
	AddGlobalToLocalTicks int64
}

// Domain is one clock domain's static configuration: everything needed to
// construct it and size the shared-memory resources it will attach to,
// before any simulation runs.
type Domain struct {
	Name              string
	InitialGlobalTime uint64
	Rate              Rate

	SharedMemoryName string
	SharedMemorySize int64

	// ChannelBufferSize is the default ringbuffer capacity, in bytes, for
	// a sink allocated on a channel owned by this domain, unless a
	// channel overrides it.
	ChannelBufferSize int64
}

// Options carries a Domain's fields in their raw, string/size-suffixed
// form, as they would arrive from a flag set or a config file.
type Options struct {
	Name                  string
	InitialGlobalTime     uint64
	MultiplierToLocal     uint64
	MultiplierToUs        uint64
	MultiplierUsToTicks   uint64
	AddGlobalToLocalTicks int64
	SharedMemoryName      string
	SharedMemorySize      string
	ChannelBufferSize     string
}

// Parse validates and converts Options into a Domain, resolving the
// KB/MB/GB size strings via ParseSize.
func Parse(opts Options) (*Domain, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("config: domain name must not be empty")
	}
	shmSize, err := ParseSize(opts.SharedMemorySize)
	if err != nil {
		return nil, fmt.Errorf("config: shared memory size: %w", err)
	}
	bufSize, err := ParseSize(opts.ChannelBufferSize)
	if err != nil {
		return nil, fmt.Errorf("config: channel buffer size: %w", err)
	}
	return &Domain{
		Name:              opts.Name,
		InitialGlobalTime: opts.InitialGlobalTime,
		Rate: Rate{
			MultiplierToLocal:     opts.MultiplierToLocal,
			MultiplierToUs:        opts.MultiplierToUs,
			MultiplierUsToTicks:   opts.MultiplierUsToTicks,
			AddGlobalToLocalTicks: opts.AddGlobalToLocalTicks,
		},
		SharedMemoryName:  opts.SharedMemoryName,
		SharedMemorySize:  shmSize,
		ChannelBufferSize: bufSize,
	}, nil
}
