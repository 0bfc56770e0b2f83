package portpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDrawUnique(t *testing.T) {
	p := New(0, 0)
	seen := make(map[int]bool)
	for i := 0; i < 500; i++ {
		port, err := p.Draw()
		require.NoError(t, err)
		require.GreaterOrEqual(t, port, RangeLow)
		require.LessOrEqual(t, port, RangeHigh)
		require.False(t, seen[port], "port %d drawn twice", port)
		seen[port] = true
	}
	require.Equal(t, 500, p.Len())
}

func TestReleaseReturnsPortToPool(t *testing.T) {
	p := New(0, 0)
	port, err := p.Draw()
	require.NoError(t, err)
	require.True(t, p.Held(port))

	p.Release(port)
	require.False(t, p.Held(port))
}

func TestReserveRejectsCollision(t *testing.T) {
	p := New(0, 0)
	require.True(t, p.Reserve(5555))
	require.False(t, p.Reserve(5555))
}

func TestDrawExhaustion(t *testing.T) {
	p := New(0, 0)
	for port := RangeLow; port <= RangeHigh; port++ {
		require.True(t, p.Reserve(port))
	}
	_, err := p.Draw()
	require.ErrorIs(t, err, ErrExhausted)
}

func TestReleaseUnheldIsNoop(t *testing.T) {
	p := New(0, 0)
	p.Release(12345) // must not panic
	require.Equal(t, 0, p.Len())
}

func TestDrawRespectsConfiguredRange(t *testing.T) {
	p := New(40000, 40004)
	seen := make(map[int]bool)
	for i := 0; i < 5; i++ {
		port, err := p.Draw()
		require.NoError(t, err)
		require.GreaterOrEqual(t, port, 40000)
		require.LessOrEqual(t, port, 40004)
		seen[port] = true
	}
	require.Len(t, seen, 5)

	_, err := p.Draw()
	require.ErrorIs(t, err, ErrExhausted)
}
