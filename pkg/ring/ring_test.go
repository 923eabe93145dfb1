package ring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashValueDeterministic(t *testing.T) {
	require.Equal(t, HashValue([]byte("SABE")), HashValue([]byte("SABE")))
	require.NotEqual(t, HashValue([]byte("SABE")), HashValue([]byte("SADL")))
}

func TestNextNodeWraps(t *testing.T) {
	r := New([]byte{1, 5, 9})
	require.Equal(t, byte(5), r.NextNode(1))
	require.Equal(t, byte(9), r.NextNode(5))
	require.Equal(t, byte(1), r.NextNode(9))
}

func TestNthNodeReverse(t *testing.T) {
	r := New([]byte{1, 5, 9})
	require.Equal(t, byte(9), r.NthNode(1, 1, true))
	require.Equal(t, byte(5), r.NthNode(1, 1, false))
}

func TestReplicaSetDeduplicatesWhenFactorExceedsRing(t *testing.T) {
	r := New([]byte{1, 5, 9})
	rs := r.ReplicaSet(1, 5)
	require.Equal(t, []byte{1, 5, 9}, rs)
}

func TestSlot(t *testing.T) {
	r := New([]byte{1, 5, 9})
	slot, ok := r.Slot(1, 1)
	require.True(t, ok)
	require.Equal(t, 1, slot)
	slot, ok = r.Slot(5, 1)
	require.True(t, ok)
	require.Equal(t, 2, slot)
}

func TestDivideRangeDistributesRemainder(t *testing.T) {
	parts := DivideRange(0, 10, 3)
	require.Len(t, parts, 3)
	require.Equal(t, uint64(0), parts[0].Lo)
	require.Equal(t, uint64(4), parts[0].Hi)
	require.Equal(t, uint64(4), parts[1].Lo)
	require.Equal(t, uint64(7), parts[1].Hi)
	require.Equal(t, uint64(7), parts[2].Lo)
	require.Equal(t, uint64(10), parts[2].Hi)
}
