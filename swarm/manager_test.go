package swarm

import (
	"crypto/sha1"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/zap"

	"github.com/fenwicklabs/swarmd/bandwidth"
	"github.com/fenwicklabs/swarmd/choke"
	"github.com/fenwicklabs/swarmd/core"
	"github.com/fenwicklabs/swarmd/piecestore"
)

// recordingEvents implements Events, recording every callback for assertion.
// Mirrors conn's recordingEvents fake (conn/peer_test.go).
type recordingEvents struct {
	mu           sync.Mutex
	connected    []core.PeerID
	disconnected []core.PeerID
	verified     []int
	complete     bool
	storageErr   error
}

func (e *recordingEvents) PeerConnected(peerID core.PeerID, endpoint string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = append(e.connected, peerID)
}

func (e *recordingEvents) PeerDisconnected(peerID core.PeerID, reason error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disconnected = append(e.disconnected, peerID)
}

func (e *recordingEvents) PieceVerified(pieceIndex int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.verified = append(e.verified, pieceIndex)
}

func (e *recordingEvents) DownloadComplete() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.complete = true
}

func (e *recordingEvents) StatsTick(GlobalStats) {}

func (e *recordingEvents) StorageUnavailable(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.storageErr = err
}

func (e *recordingEvents) isComplete() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.complete
}

func (e *recordingEvents) verifiedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.verified)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Fail(t, "condition was not met within timeout")
}

func twoPieceTorrentInfo(t *testing.T) (*core.TorrentInfo, [][]byte) {
	t.Helper()

	piece0 := make([]byte, 32)
	piece1 := make([]byte, 32)
	for i := range piece0 {
		piece0[i] = 0x41
		piece1[i] = 0x42
	}
	h0 := sha1.Sum(piece0)
	h1 := sha1.Sum(piece1)

	info, err := core.NewTorrentInfo(
		core.InfoHash{0xAB}, 32, 64, [][20]byte{h0, h1})
	require.NoError(t, err)
	return info, [][]byte{piece0, piece1}
}

func newTestManager(t *testing.T, info *core.TorrentInfo, events Events) *Manager {
	t.Helper()
	peerID, err := core.RandomPeerID()
	require.NoError(t, err)

	m, err := NewManager(
		Config{Bandwidth: bandwidth.Config{Disable: true}},
		info, peerID, nil, events, clock.New(), tally.NoopScope, zap.NewNop().Sugar())
	require.NoError(t, err)
	return m
}

// TestSinglePeerSinglePieceDownload covers a fully-seeded peer and an empty
// leecher, verifying every piece downloads, verifies, and that download
// completion fires.
func TestSinglePeerSinglePieceDownload(t *testing.T) {
	require := require.New(t)

	info, pieces := twoPieceTorrentInfo(t)

	seederEvents := &recordingEvents{}
	seeder := newTestManager(t, info, seederEvents)
	defer seeder.Close()

	// Preload the seeder's store directly and wait for its own verifier to
	// confirm both pieces, exactly as a resumed-from-disk torrent would
	// before ever accepting a peer.
	_, err := seeder.Store().AddBlock(0, 0, pieces[0], "seed-loader")
	require.NoError(err)
	_, err = seeder.Store().AddBlock(1, 0, pieces[1], "seed-loader")
	require.NoError(err)
	waitFor(t, time.Second, func() bool { return len(seeder.Store().VerifiedPieces()) == 2 })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer ln.Close()

	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		seeder.AcceptConn(nc)
	}()

	leecherEvents := &recordingEvents{}
	leecher := newTestManager(t, info, leecherEvents)
	defer leecher.Close()

	require.NoError(leecher.AddCandidatePeer(ln.Addr().String()))

	waitFor(t, 5*time.Second, leecherEvents.isComplete)

	require.ElementsMatch([]int{0, 1}, leecher.Store().VerifiedPieces())
	require.Equal(2, leecherEvents.verifiedCount())

	// The seeder's preloaded pieces went through its own verifier, which
	// fired PieceVerified once for each of them and for nothing else.
	require.Equal(2, seederEvents.verifiedCount())
}

// fakeAssembler is a FileAssembler fake that records every WriteBlock call
// and can be made to fail on demand, for exercising the StorageUnavailable
// pause path.
type fakeAssembler struct {
	mu       sync.Mutex
	writes   [][3]int
	failWith error
}

func (f *fakeAssembler) WriteBlock(piece int, begin int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.writes = append(f.writes, [3]int{piece, begin, len(data)})
	return nil
}

func (f *fakeAssembler) ReadBlock(piece int, begin int, length int) ([]byte, error) {
	return nil, errAssemblerNotAvailable
}

func (f *fakeAssembler) ExistingPieces() (map[int]bool, error) {
	return nil, nil
}

func (f *fakeAssembler) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

var errAssemblerNotAvailable = errors.New("swarm test: block not available")
var errBoom = errors.New("swarm test: simulated storage failure")

func newTestManagerWithAssembler(t *testing.T, info *core.TorrentInfo, assembler FileAssembler, events Events) *Manager {
	t.Helper()
	peerID, err := core.RandomPeerID()
	require.NoError(t, err)

	m, err := NewManager(
		Config{Bandwidth: bandwidth.Config{Disable: true}},
		info, peerID, assembler, events, clock.New(), tally.NoopScope, zap.NewNop().Sugar())
	require.NoError(t, err)
	return m
}

// TestDownloadWritesThroughFileAssembler re-runs the single-peer download
// scenario with a FileAssembler fake wired in, confirming the leecher writes
// each of the torrent's two blocks through it exactly once.
func TestDownloadWritesThroughFileAssembler(t *testing.T) {
	require := require.New(t)

	info, pieces := twoPieceTorrentInfo(t)

	seederEvents := &recordingEvents{}
	seeder := newTestManager(t, info, seederEvents)
	defer seeder.Close()

	_, err := seeder.Store().AddBlock(0, 0, pieces[0], "seed-loader")
	require.NoError(err)
	_, err = seeder.Store().AddBlock(1, 0, pieces[1], "seed-loader")
	require.NoError(err)
	waitFor(t, time.Second, func() bool { return len(seeder.Store().VerifiedPieces()) == 2 })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer ln.Close()

	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		seeder.AcceptConn(nc)
	}()

	assembler := &fakeAssembler{}
	leecherEvents := &recordingEvents{}
	leecher := newTestManagerWithAssembler(t, info, assembler, leecherEvents)
	defer leecher.Close()

	require.NoError(leecher.AddCandidatePeer(ln.Addr().String()))

	waitFor(t, 5*time.Second, leecherEvents.isComplete)

	require.Equal(2, assembler.writeCount())
}

// TestPauseStorageMarksPausedAndNotifies exercises the StorageUnavailable
// seam directly: pauseStorage marks the torrent paused and notifies the
// embedder with an error wrapping ErrStorageUnavailable.
func TestPauseStorageMarksPausedAndNotifies(t *testing.T) {
	require := require.New(t)

	info, _ := twoPieceTorrentInfo(t)
	assembler := &fakeAssembler{failWith: errBoom}
	events := &recordingEvents{}
	m := newTestManagerWithAssembler(t, info, assembler, events)
	defer m.Close()

	require.False(m.isStoragePaused())
	m.pauseStorage(errBoom)
	require.True(m.isStoragePaused())

	events.mu.Lock()
	err := events.storageErr
	events.mu.Unlock()
	require.Error(err)
	require.ErrorIs(err, ErrStorageUnavailable)
}

// TestInFlightBackpressureBlocksNewMissingPieces confirms
// max_in_flight_pieces stops the selector from starting any new MISSING
// piece once the cap of COMPLETE-unverified pieces is reached, while still
// leaving already-started pieces selectable.
func TestInFlightBackpressureBlocksNewMissingPieces(t *testing.T) {
	require := require.New(t)

	info, err := core.NewTorrentInfo(core.InfoHash{0xCD}, 16, 48, [][20]byte{{}, {}, {}})
	require.NoError(err)

	events := &recordingEvents{}
	m := newTestManager(t, info, events)
	defer m.Close()
	m.config.MaxInFlightPieces = 1
	// A store without a verifier keeps piece 0 COMPLETE; the manager's own
	// verifier would fail its all-zero hash and return it to MISSING.
	m.store = piecestore.NewStore([]uint32{16, 16, 16}, 0, nil)

	_, err = m.store.AddBlock(0, 0, make([]byte, 16), "peerA")
	require.NoError(err)
	require.NoError(m.store.MarkRequested(1, "peerA"))

	candidates := bitset.New(3)
	candidates.Set(0).Set(1).Set(2)
	m.applyInFlightBackpressure(candidates)

	require.True(candidates.Test(0))  // already COMPLETE: not MISSING, left alone
	require.True(candidates.Test(1))  // REQUESTED: in progress, stays selectable
	require.False(candidates.Test(2)) // MISSING: blocked by the cap
}

// TestChokeTickBoundsUnchokedCardinalityAfterBringUp confirms bring-up's
// default unchoke of every connecting peer doesn't survive forever: once
// enough interested peers connect to exceed max_upload_slots, subsequent
// choke ticks bring the unchoked count back down to the regular+optimistic
// bound, rather than leaving every bring-up unchoke standing unmanaged.
func TestChokeTickBoundsUnchokedCardinalityAfterBringUp(t *testing.T) {
	require := require.New(t)

	info, pieces := twoPieceTorrentInfo(t)

	seederEvents := &recordingEvents{}
	seeder, err := NewManager(
		Config{
			Bandwidth: bandwidth.Config{Disable: true},
			Choke: choke.Config{
				MaxUploadSlots:  1,
				UnchokeInterval: 20 * time.Millisecond,
			},
		},
		info, mustPeerID(t), nil, seederEvents, clock.New(), tally.NoopScope, zap.NewNop().Sugar())
	require.NoError(err)
	defer seeder.Close()

	_, err = seeder.Store().AddBlock(0, 0, pieces[0], "seed-loader")
	require.NoError(err)
	_, err = seeder.Store().AddBlock(1, 0, pieces[1], "seed-loader")
	require.NoError(err)
	waitFor(t, time.Second, func() bool { return len(seeder.Store().VerifiedPieces()) == 2 })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer ln.Close()

	const numLeechers = 3
	go func() {
		for i := 0; i < numLeechers; i++ {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			seeder.AcceptConn(nc)
		}
	}()

	leechers := make([]*Manager, numLeechers)
	for i := range leechers {
		leechers[i] = newTestManager(t, info, &recordingEvents{})
		defer leechers[i].Close()
		require.NoError(leechers[i].AddCandidatePeer(ln.Addr().String()))
	}

	waitFor(t, 2*time.Second, func() bool { return seeder.NumConnections() == numLeechers })

	// Give bring-up's unchokes time to land, then let several choke ticks
	// run so the scheduler sweeps anything it doesn't want unchoked.
	waitFor(t, 2*time.Second, func() bool {
		unchoked := 0
		seeder.connections.Range(func(_, v interface{}) bool {
			if !v.(*peerHandle).c.AmChoking() {
				unchoked++
			}
			return true
		})
		return unchoked <= seeder.config.Choke.MaxUploadSlots+1
	})
}

func mustPeerID(t *testing.T) core.PeerID {
	t.Helper()
	id, err := core.RandomPeerID()
	require.NoError(t, err)
	return id
}

// TestStoreGetBlockRejectsOverflowingRequestBounds confirms that REQUEST
// bounds whose begin+length wraps a uint32 back to a small value are
// rejected with an error by the manager's piece store.
func TestStoreGetBlockRejectsOverflowingRequestBounds(t *testing.T) {
	require := require.New(t)

	info, pieces := twoPieceTorrentInfo(t)
	events := &recordingEvents{}
	m := newTestManager(t, info, events)
	defer m.Close()

	_, err := m.Store().AddBlock(0, 0, pieces[0], "seed-loader")
	require.NoError(err)
	waitFor(t, time.Second, func() bool { return len(m.Store().VerifiedPieces()) == 1 })

	pieceLen, err := info.PieceLength(0)
	require.NoError(err)

	// begin+length overflows uint32 back down to a value well under
	// pieceLen, so a check computed as begin+length>pieceLen would wrongly
	// pass. GetBlock must still reject it rather than panic on slicing.
	begin := uint32(0xFFFFFFFF) - 10
	length := uint32(20)
	require.Less(begin+length, pieceLen)

	_, ok, err := m.Store().GetBlock(0, begin, length)
	require.Error(err)
	require.False(ok)
}

func TestAddCandidatePeerDedupesInFlight(t *testing.T) {
	require := require.New(t)

	info, _ := twoPieceTorrentInfo(t)
	events := &recordingEvents{}
	m := newTestManager(t, info, events)
	defer m.Close()

	m.mu.Lock()
	m.dialed["127.0.0.1:1"] = struct{}{}
	m.mu.Unlock()

	require.NoError(m.AddCandidatePeer("127.0.0.1:1"))

	m.mu.Lock()
	n := len(m.dialed)
	m.mu.Unlock()
	require.Equal(1, n)
}

func TestAddCandidatePeerAtCapacity(t *testing.T) {
	require := require.New(t)

	info, _ := twoPieceTorrentInfo(t)
	events := &recordingEvents{}
	m := newTestManager(t, info, events)
	defer m.Close()

	m.config.MaxConnectionsPerTorrent = 0
	err := m.AddCandidatePeer("127.0.0.1:1")
	require.ErrorIs(err, ErrTorrentAtCapacity)
}

func TestAddCandidatePeerBlocklisted(t *testing.T) {
	require := require.New(t)

	info, _ := twoPieceTorrentInfo(t)
	events := &recordingEvents{}
	m := newTestManager(t, info, events)
	defer m.Close()

	m.mu.Lock()
	m.blocklist["10.0.0.1:6881"] = m.clk.Now().Add(time.Hour)
	m.mu.Unlock()

	err := m.AddCandidatePeer("10.0.0.1:6881")
	require.ErrorIs(err, ErrPeerBlocklisted)
}
