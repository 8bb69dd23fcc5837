package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSizePlainBytes(t *testing.T) {
	n, err := ParseSize("512")
	require.NoError(t, err)
	require.EqualValues(t, 512, n)
}

func TestParseSizeSuffixes(t *testing.T) {
	cases := map[string]int64{
		"1K":   1024,
		"2KB":  2 * 1024,
		"3M":   3 * 1024 * 1024,
		"4MB":  4 * 1024 * 1024,
		"1G":   1024 * 1024 * 1024,
		"1GB":  1024 * 1024 * 1024,
		"1t":   1024 * 1024 * 1024 * 1024,
		"1tb":  1024 * 1024 * 1024 * 1024,
	}
	for in, want := range cases {
		got, err := ParseSize(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
}

func TestParseSizeRejectsGarbage(t *testing.T) {
	_, err := ParseSize("")
	require.Error(t, err)

	_, err = ParseSize("3XB")
	require.Error(t, err)

	_, err = ParseSize("abcMB")
	require.Error(t, err)
}

func TestParseBuildsDomain(t *testing.T) {
	d, err := Parse(Options{
		Name:                "mcu-a",
		MultiplierToLocal:   1 << 32,
		MultiplierToUs:      1 << 32,
		MultiplierUsToTicks: 1 << 32,
		SharedMemoryName:    "cosim-mcu-a",
		SharedMemorySize:    "1MB",
		ChannelBufferSize:   "4KB",
	})
	require.NoError(t, err)
	require.Equal(t, "mcu-a", d.Name)
	require.EqualValues(t, 1024*1024, d.SharedMemorySize)
	require.EqualValues(t, 4*1024, d.ChannelBufferSize)
}

func TestParseRejectsEmptyName(t *testing.T) {
	_, err := Parse(Options{SharedMemorySize: "1KB", ChannelBufferSize: "1KB"})
	require.Error(t, err)
}

func TestParseRejectsBadSizeStrings(t *testing.T) {
	_, err := Parse(Options{Name: "x", SharedMemorySize: "nope", ChannelBufferSize: "1KB"})
	require.Error(t, err)

	_, err = Parse(Options{Name: "x", SharedMemorySize: "1KB", ChannelBufferSize: "nope"})
	require.Error(t, err)
}
