package piecerequest

import (
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"

	"github.com/fenwicklabs/swarmd/core"
)

func peerID(b byte) core.PeerID {
	var p core.PeerID
	p[0] = b
	return p
}

func singleBlockMissing(piece int) ([][2]uint32, error) {
	return [][2]uint32{{0, 16}}, nil
}

func TestRarestFirstPicksLowestFrequencyThenLowestIndex(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	m, err := NewManager(clk, Config{Strategy: RarestFirst}, 4)
	require.NoError(err)

	candidates := bitset.New(4)
	candidates.Set(0)
	candidates.Set(3)

	freq := func(p int) int {
		if p == 0 {
			return 1
		}
		return 1
	}

	blocks, err := m.ReserveBlocks(peerID(1), 1, candidates, freq, singleBlockMissing)
	require.NoError(err)
	require.Len(blocks, 1)
	require.Equal(0, blocks[0].Piece)
}

func TestSequentialIgnoresFrequency(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	m, err := NewManager(clk, Config{Strategy: Sequential}, 4)
	require.NoError(err)

	candidates := bitset.New(4)
	candidates.Set(3)
	candidates.Set(1)

	freq := func(p int) int { return 0 }

	blocks, err := m.ReserveBlocks(peerID(1), 1, candidates, freq, singleBlockMissing)
	require.NoError(err)
	require.Len(blocks, 1)
	require.Equal(1, blocks[0].Piece)
}

func TestReserveBlocksRespectsQuota(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	m, err := NewManager(clk, Config{Strategy: Sequential}, 4)
	require.NoError(err)

	candidates := bitset.New(4)
	candidates.Set(0)
	candidates.Set(1)
	candidates.Set(2)

	freq := func(p int) int { return 0 }

	blocks, err := m.ReserveBlocks(peerID(1), 2, candidates, freq, singleBlockMissing)
	require.NoError(err)
	require.Len(blocks, 2)

	more, err := m.ReserveBlocks(peerID(1), 2, candidates, freq, singleBlockMissing)
	require.NoError(err)
	require.Empty(more)
}

func TestReserveBlocksNoDuplicateWithoutEndgame(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	m, err := NewManager(clk, Config{Strategy: Sequential}, 1)
	require.NoError(err)

	candidates := bitset.New(1)
	candidates.Set(0)
	freq := func(p int) int { return 0 }

	a := peerID(1)
	b := peerID(2)

	first, err := m.ReserveBlocks(a, 1, candidates, freq, singleBlockMissing)
	require.NoError(err)
	require.Len(first, 1)

	second, err := m.ReserveBlocks(b, 1, candidates, freq, singleBlockMissing)
	require.NoError(err)
	require.Empty(second)
}

func TestEndgameAllowsDuplicatesUpToLimit(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	m, err := NewManager(clk, Config{Strategy: Sequential, EndgameDuplicates: 2, EndgameThreshold: 0.9}, 10)
	require.NoError(err)

	require.False(m.Endgame(0, 10))
	require.True(m.Endgame(9, 10))
	require.True(m.Endgame(9, 10))

	candidates := bitset.New(10)
	candidates.Set(7)
	freq := func(p int) int { return 0 }

	a := peerID(1)
	b := peerID(2)
	c := peerID(3)

	first, err := m.ReserveBlocks(a, 1, candidates, freq, singleBlockMissing)
	require.NoError(err)
	require.Len(first, 1)

	second, err := m.ReserveBlocks(b, 1, candidates, freq, singleBlockMissing)
	require.NoError(err)
	require.Len(second, 1)

	third, err := m.ReserveBlocks(c, 1, candidates, freq, singleBlockMissing)
	require.NoError(err)
	require.Empty(third)
}

func TestOtherPendingPeersForEndgameCancel(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	m, err := NewManager(clk, Config{Strategy: Sequential, EndgameDuplicates: 2}, 1)
	require.NoError(err)
	m.Endgame(1, 1) // won't latch since verified==total, use explicit below

	candidates := bitset.New(1)
	candidates.Set(0)
	freq := func(p int) int { return 0 }

	a := peerID(1)
	b := peerID(2)

	m.endgameLatched = true
	_, err = m.ReserveBlocks(a, 1, candidates, freq, singleBlockMissing)
	require.NoError(err)
	_, err = m.ReserveBlocks(b, 1, candidates, freq, singleBlockMissing)
	require.NoError(err)

	key := BlockKey{Piece: 0, Begin: 0, Length: 16}
	others := m.OtherPendingPeers(key, a)
	require.Equal([]core.PeerID{b}, others)
}

func TestGetFailedRequestsPrunesReportedEntries(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	m, err := NewManager(clk, Config{Strategy: Sequential, RequestTimeout: time.Minute}, 1)
	require.NoError(err)

	candidates := bitset.New(1)
	candidates.Set(0)
	freq := func(p int) int { return 0 }

	a := peerID(1)
	_, err = m.ReserveBlocks(a, 1, candidates, freq, singleBlockMissing)
	require.NoError(err)
	require.Len(m.PendingBlocks(a), 1)

	clk.Add(2 * time.Minute)

	failed := m.GetFailedRequests()
	require.Len(failed, 1)
	require.Equal(StatusExpired, failed[0].Status)

	// Reported once: a second call must not report the same request again,
	// and the bookkeeping it lived in is gone.
	require.Empty(m.GetFailedRequests())
	require.Empty(m.PendingBlocks(a))

	key := BlockKey{Piece: 0, Begin: 0, Length: 16}
	require.Empty(m.requests[key])
	require.NotContains(m.requestsByPeer, a)
}

func TestClearPeerRemovesBookkeeping(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	m, err := NewManager(clk, Config{Strategy: Sequential}, 1)
	require.NoError(err)

	candidates := bitset.New(1)
	candidates.Set(0)
	freq := func(p int) int { return 0 }

	a := peerID(1)
	_, err = m.ReserveBlocks(a, 1, candidates, freq, singleBlockMissing)
	require.NoError(err)
	require.Len(m.PendingBlocks(a), 1)

	m.ClearPeer(a)
	require.Empty(m.PendingBlocks(a))
}
