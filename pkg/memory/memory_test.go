package memory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fixedDetector struct {
	bytes uint64
	err   error
}

func (f fixedDetector) PhysicalRAMBytes() (uint64, error) { return f.bytes, f.err }

func TestTierFor(t *testing.T) {
	cases := []struct {
		ram  uint64
		want uint64
	}{
		{8 << 30, 128 << 20},
		{16 << 30, 256 << 20},
		{32 << 30, 512 << 20},
		{64 << 30, 1024 << 20},
		{128 << 30, 1024 << 20},
	}
	for _, c := range cases {
		got := TierFor(c.ram)
		require.Equal(t, c.want, got.CacheLimitBytes)
	}
}

func TestEnsureConfiguredOnce(t *testing.T) {
	det := fixedDetector{bytes: 32 << 30}
	c := NewConfigurator(det)

	first, limits, err := c.EnsureConfigured()
	require.NoError(t, err)
	require.True(t, first)
	require.Equal(t, uint64(512<<20), limits.CacheLimitBytes)
	require.InDelta(t, float64(32<<30)*0.9, float64(limits.WiredWorkingSetMaxBytes), 1)

	second, limits2, err := c.EnsureConfigured()
	require.NoError(t, err)
	require.False(t, second)
	require.Equal(t, limits, limits2)
	require.True(t, c.Configured())
}

func TestEnsureConfiguredPropagatesDetectorError(t *testing.T) {
	det := fixedDetector{err: errBoom}
	c := NewConfigurator(det)
	_, _, err := c.EnsureConfigured()
	require.Error(t, err)
	require.False(t, c.Configured())
}

var errBoom = &staticError{"boom"}

type staticError struct{ msg string }

func (e *staticError) Error() string { return e.msg }
