package gossip

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMergeKeepsGreaterHeartbeat(t *testing.T) {
	tab := NewTable(1, 8)
	tab.Upsert(2, EndpointState{IP: net.ParseIP("10.0.0.2"), Heartbeat: Heartbeat{Generation: 1, Version: 1}, Status: Normal})

	tab.Merge(map[byte]EndpointState{
		2: {IP: net.ParseIP("10.0.0.2"), Heartbeat: Heartbeat{Generation: 1, Version: 0}, Status: Offline},
	})
	s, ok := tab.Get(2)
	require.True(t, ok)
	require.Equal(t, uint64(1), s.Heartbeat.Version)
	require.Equal(t, Normal, s.Status)

	tab.Merge(map[byte]EndpointState{
		2: {IP: net.ParseIP("10.0.0.2"), Heartbeat: Heartbeat{Generation: 1, Version: 2}, Status: Leaving},
	})
	s, ok = tab.Get(2)
	require.True(t, ok)
	require.Equal(t, uint64(2), s.Heartbeat.Version)
	require.Equal(t, Leaving, s.Status)
}

func TestFailureDetectionMarksOfflineAfterThreshold(t *testing.T) {
	tab := NewTable(1, 3)
	tab.Upsert(1, EndpointState{Heartbeat: Heartbeat{Generation: 1, Version: 0}, Status: Normal})
	tab.Upsert(2, EndpointState{Heartbeat: Heartbeat{Generation: 1, Version: 0}, Status: Normal})

	for i := 0; i < 3; i++ {
		tab.Tick()
	}
	s, ok := tab.Get(2)
	require.True(t, ok)
	require.Equal(t, Offline, s.Status)
}

func TestStaleAndWantedBy(t *testing.T) {
	local := NewTable(1, 8)
	local.Upsert(2, EndpointState{Heartbeat: Heartbeat{Generation: 1, Version: 5}})

	remoteDigest := []Digest{{NodeID: 2, Generation: 1, Version: 10}, {NodeID: 3, Generation: 1, Version: 1}}
	stale := local.Stale(remoteDigest)
	require.ElementsMatch(t, []byte{2, 3}, stale)

	wanted := local.WantedBy([]Digest{{NodeID: 2, Generation: 1, Version: 1}})
	require.Equal(t, []byte{2}, wanted)
}

func TestSetStatusBumpsOwnVersion(t *testing.T) {
	tab := NewTable(1, 8)
	tab.Upsert(1, EndpointState{Heartbeat: Heartbeat{Generation: 1, Version: 0}, Status: Bootstrap})
	tab.SetStatus(1, Normal)
	s, _ := tab.Get(1)
	require.Equal(t, Normal, s.Status)
	require.Equal(t, uint64(1), s.Heartbeat.Version)
}
