package lcache_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ystolzenburg/accountmeta/lcache"
)

func TestNegativeAddHas(t *testing.T) {
	n := lcache.NewNegative(10, time.Minute)

	require.False(t, n.Has("ghost123"))
	n.Add("ghost123")
	require.True(t, n.Has("ghost123"))
	require.Equal(t, 1, n.Len())

	n.Delete("ghost123")
	require.False(t, n.Has("ghost123"))
}

func TestNegativeTTL(t *testing.T) {
	n := lcache.NewNegative(10, 80*time.Millisecond)

	n.Add("ghost123")
	require.True(t, n.Has("ghost123"))

	time.Sleep(100 * time.Millisecond)

	require.False(t, n.Has("ghost123"))
	require.Zero(t, n.Len())
}

func TestNegativeInsertionOrderEviction(t *testing.T) {
	n := lcache.NewNegative(3, time.Minute)

	n.Add("a")
	n.Add("b")
	n.Add("c")

	// Reads do not promote; "a" stays the eviction candidate.
	require.True(t, n.Has("a"))
	require.True(t, n.Has("a"))

	n.Add("d")
	require.False(t, n.Has("a"))
	require.True(t, n.Has("b"))
	require.True(t, n.Has("c"))
	require.True(t, n.Has("d"))
	require.Equal(t, 3, n.Len())
}

func TestNegativeCapacityBound(t *testing.T) {
	n := lcache.NewNegative(5, time.Minute)
	for i := 0; i < 100; i++ {
		n.Add(fmt.Sprintf("ghost%d", i))
	}
	require.Equal(t, 5, n.Len())
}
