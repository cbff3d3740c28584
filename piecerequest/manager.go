// Package piecerequest encapsulates piece/block selection policy and
// outstanding-request bookkeeping. It is not responsible for sending or
// receiving wire messages in any way.
package piecerequest

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/willf/bitset"

	"github.com/fenwicklabs/swarmd/core"
)

// Status enumerates possible statuses of a Request.
type Status int

// Request statuses.
const (
	StatusPending Status = iota
	StatusExpired
	StatusUnsent
	StatusInvalid
)

// BlockKey identifies a single requestable block.
type BlockKey struct {
	Piece  int
	Begin  uint32
	Length uint32
}

// Request represents a single outstanding block request to a peer.
type Request struct {
	Block  BlockKey
	PeerID core.PeerID
	Status Status

	sentAt time.Time
}

// MissingBlocksFunc resolves the still-unreceived blocks of a piece,
// satisfied by piecestore.Store.MissingBlocks.
type MissingBlocksFunc func(piece int) ([][2]uint32, error)

// Manager tracks which blocks are currently requested from which peers,
// selects new blocks to request via the configured policy, and implements
// the endgame latch.
type Manager struct {
	mu sync.Mutex

	requests       map[BlockKey][]*Request
	requestsByPeer map[core.PeerID]map[BlockKey]*Request

	clock  clock.Clock
	config Config
	policy policy

	endgameLatched bool
}

// NewManager constructs a Manager for a torrent with numPieces pieces.
func NewManager(clk clock.Clock, config Config, numPieces int) (*Manager, error) {
	config = config.applyDefaults()

	p, err := newPolicy(config.Strategy, config.StreamingMode, numPieces)
	if err != nil {
		return nil, err
	}

	return &Manager{
		requests:       make(map[BlockKey][]*Request),
		requestsByPeer: make(map[core.PeerID]map[BlockKey]*Request),
		clock:          clk,
		config:         config,
		policy:         p,
	}, nil
}

// Endgame reports whether the endgame latch is set, latching it if verified
// has just crossed config.EndgameThreshold of total. Once
// latched it never unlatches.
func (m *Manager) Endgame(verified, total int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.endgameLatched && total > 0 && verified < total {
		if float64(verified)/float64(total) >= m.config.EndgameThreshold {
			m.endgameLatched = true
		}
	}
	return m.endgameLatched
}

// ReserveBlocks selects up to quota new blocks to request from peerID,
// drawn from candidates (pieces the peer has that are not yet VERIFIED),
// ranked by the configured policy. missingBlocks resolves a piece's
// still-unreceived blocks.
func (m *Manager) ReserveBlocks(
	peerID core.PeerID,
	quota int,
	candidates *bitset.BitSet,
	frequency FrequencyFunc,
	missingBlocks MissingBlocksFunc,
) ([]BlockKey, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	remaining := quota - m.pendingCountLocked(peerID)
	if remaining <= 0 {
		return nil, nil
	}

	endgame := m.endgameLatched

	valid := func(piece int) bool {
		blocks, err := missingBlocks(piece)
		if err != nil || len(blocks) == 0 {
			return false
		}
		for _, b := range blocks {
			key := BlockKey{Piece: piece, Begin: b[0], Length: b[1]}
			if m.validBlockLocked(peerID, key, endgame) {
				return true
			}
		}
		return false
	}

	pieces, err := m.policy.rankPieces(valid, candidates, frequency)
	if err != nil {
		return nil, err
	}

	var reserved []BlockKey
	for _, piece := range pieces {
		if len(reserved) >= remaining {
			break
		}
		blocks, err := missingBlocks(piece)
		if err != nil {
			return nil, err
		}
		for _, b := range blocks {
			if len(reserved) >= remaining {
				break
			}
			key := BlockKey{Piece: piece, Begin: b[0], Length: b[1]}
			if !m.validBlockLocked(peerID, key, endgame) {
				continue
			}
			m.reserveLocked(peerID, key)
			reserved = append(reserved, key)
		}
	}
	return reserved, nil
}

func (m *Manager) reserveLocked(peerID core.PeerID, key BlockKey) {
	r := &Request{
		Block:  key,
		PeerID: peerID,
		Status: StatusPending,
		sentAt: m.clock.Now(),
	}
	m.requests[key] = append(m.requests[key], r)
	if _, ok := m.requestsByPeer[peerID]; !ok {
		m.requestsByPeer[peerID] = make(map[BlockKey]*Request)
	}
	m.requestsByPeer[peerID][key] = r
}

func (m *Manager) validBlockLocked(peerID core.PeerID, key BlockKey, endgame bool) bool {
	count := 0
	for _, r := range m.requests[key] {
		if r.Status != StatusPending || m.expired(r) {
			continue
		}
		if r.PeerID == peerID {
			return false
		}
		count++
	}
	if count == 0 {
		return true
	}
	if !endgame {
		return false
	}
	return count < m.config.EndgameDuplicates
}

func (m *Manager) pendingCountLocked(peerID core.PeerID) int {
	pm, ok := m.requestsByPeer[peerID]
	if !ok {
		return 0
	}
	n := 0
	for _, r := range pm {
		if r.Status == StatusPending && !m.expired(r) {
			n++
		}
	}
	return n
}

func (m *Manager) expired(r *Request) bool {
	return m.clock.Now().After(r.sentAt.Add(m.config.RequestTimeout))
}

// MarkUnsent marks the block request for key from peerID as unsent, safe to
// retry to the same peer.
func (m *Manager) MarkUnsent(peerID core.PeerID, key BlockKey) {
	m.markStatus(peerID, key, StatusUnsent)
}

// MarkInvalid marks the block request for key from peerID as invalid (e.g.
// its piece failed hash verification).
func (m *Manager) MarkInvalid(peerID core.PeerID, key BlockKey) {
	m.markStatus(peerID, key, StatusInvalid)
}

func (m *Manager) markStatus(peerID core.PeerID, key BlockKey, s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.requests[key] {
		if r.PeerID == peerID {
			r.Status = s
		}
	}
}

// Clear deletes all request bookkeeping for key, e.g. once its piece is
// VERIFIED.
func (m *Manager) Clear(key BlockKey) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.requests, key)
	for peerID, pm := range m.requestsByPeer {
		delete(pm, key)
		if len(pm) == 0 {
			delete(m.requestsByPeer, peerID)
		}
	}
}

// ClearPeer deletes all block requests attributed to peerID, e.g. on
// disconnect.
func (m *Manager) ClearPeer(peerID core.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.requestsByPeer, peerID)
	for key, rs := range m.requests {
		kept := rs[:0]
		for _, r := range rs {
			if r.PeerID != peerID {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(m.requests, key)
		} else {
			m.requests[key] = kept
		}
	}
}

// OtherPendingPeers returns the peers (other than deliveredBy) with a
// pending request for key, used to issue endgame CANCELs.
func (m *Manager) OtherPendingPeers(key BlockKey, deliveredBy core.PeerID) []core.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []core.PeerID
	for _, r := range m.requests[key] {
		if r.Status == StatusPending && r.PeerID != deliveredBy {
			out = append(out, r.PeerID)
		}
	}
	return out
}

// GetFailedRequests returns a copy of every request that is expired or was
// explicitly marked unsent/invalid, for the caller to act on (re-request or
// drop), pruning each one from the bookkeeping maps so it is only ever
// reported once.
func (m *Manager) GetFailedRequests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	var failed []Request
	for key, rs := range m.requests {
		kept := rs[:0]
		for _, r := range rs {
			status := r.Status
			if status == StatusPending && m.expired(r) {
				status = StatusExpired
			}
			if status == StatusPending {
				kept = append(kept, r)
				continue
			}
			failed = append(failed, Request{Block: r.Block, PeerID: r.PeerID, Status: status})
			if pm, ok := m.requestsByPeer[r.PeerID]; ok {
				delete(pm, key)
				if len(pm) == 0 {
					delete(m.requestsByPeer, r.PeerID)
				}
			}
		}
		if len(kept) == 0 {
			delete(m.requests, key)
		} else {
			m.requests[key] = kept
		}
	}
	return failed
}

// PendingBlocks returns the blocks currently pending for peerID, for tests.
func (m *Manager) PendingBlocks(peerID core.PeerID) []BlockKey {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []BlockKey
	for key, r := range m.requestsByPeer[peerID] {
		if r.Status == StatusPending {
			out = append(out, key)
		}
	}
	return out
}
