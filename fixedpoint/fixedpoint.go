// Package fixedpoint implements the 128-bit-widened multiply/shift helpers
// the clock domain uses for its rate conversions (§4.3.2, §4.5 of
// SPEC_FULL.md). Every conversion multiplies a 64-bit tick count by a
// 64-bit rate, interpreted as a Q32.32 fixed-point fraction (denominator
// 2^32), and must not overflow a plain uint64 for the documented maxima
// (globalTime < 2^63, multipliers up to 2^40).
//
// Go has no native 128-bit integer type; math/bits.Mul64/Div64 are the
// standard library's exact, allocation-free substitute for the manual
// 64x64->128 multiply the original C runtime performed with a compiler
// __int128 — the same idiom the retrieval pack's bit-twiddling code
// (sakateka-yanet2's bitset package) leans on math/bits for.
package fixedpoint

import "math/bits"

// BaseShift is the implicit fixed-point denominator exponent: every rate
// multiplier below is interpreted as value/2^BaseShift.
const BaseShift = 32

// MulShiftRight32 computes (a*b) >> 32 without overflowing a 64-bit
// intermediate, truncating toward zero like the original's __int128 path.
func MulShiftRight32(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	return (hi << (64 - BaseShift)) | (lo >> BaseShift)
}

// ShiftLeft32DivBy computes (a<<32)/divisor exactly, as the original
// ticks_to_us conversion requires. It panics if the result would overflow
// 64 bits (divisor == 0, or divisor <= a's high bits after the shift),
// which cannot happen for the documented input maxima.
func ShiftLeft32DivBy(a, divisor uint64) uint64 {
	hi := a >> (64 - BaseShift)
	lo := a << BaseShift
	quotient, _ := bits.Div64(hi, lo, divisor)
	return quotient
}

// ToLocal converts a global tick count to the domain's local time:
// (global * multiplierToLocal) / 2^32 + addGlobalToLocalTicks.
func ToLocal(global, multiplierToLocal uint64, addGlobalToLocalTicks int64) uint64 {
	return uint64(int64(MulShiftRight32(global, multiplierToLocal)) + addGlobalToLocalTicks)
}

// UsToTicks converts a microsecond count to global ticks:
// (us * multiplierUsToTicks) / 2^32.
func UsToTicks(us, multiplierUsToTicks uint64) uint64 {
	return MulShiftRight32(us, multiplierUsToTicks)
}

// TicksToUs converts a global tick count to microseconds:
// (ticks * 2^32) / multiplierUsToTicks.
func TicksToUs(ticks, multiplierUsToTicks uint64) uint64 {
	return ShiftLeft32DivBy(ticks, multiplierUsToTicks)
}

// LocalUsToGlobal converts a local microsecond duration to global ticks.
//
// This intentionally does NOT go through multiplierUsToTicks: the original
// runtime's localClock_localUsToGlobal multiplies by a hard-coded 1000
// instead of using the configured rate, which is inconsistent with the
// rest of the conversion API but is the behavior actually shipped. Per
// SPEC_FULL.md §9 this is preserved verbatim rather than silently fixed.
func LocalUsToGlobal(us uint64) uint64 {
	return us * 1000
}
