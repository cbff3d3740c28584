// Package availability tracks, per peer, which pieces of a torrent it has
// advertised, and maintains a piece_index -> peer_count frequency histogram
// used by the rarest-first selector.
package availability

import (
	"sync"

	"github.com/willf/bitset"

	"github.com/fenwicklabs/swarmd/core"
	"github.com/fenwicklabs/swarmd/internal/syncutil"
)

// Index is shared-read, single-writer: only the owning swarm manager's
// scheduling context ever calls the mutating methods, but Frequency/PeersWith
// may be read from elsewhere, hence the RWMutex.
type Index struct {
	mu        sync.RWMutex
	numPieces int
	peers     map[core.PeerID]*bitset.BitSet
	frequency *syncutil.Counters
}

// NewIndex constructs an empty availability index for a torrent with
// numPieces pieces.
func NewIndex(numPieces int) *Index {
	return &Index{
		numPieces: numPieces,
		peers:     make(map[core.PeerID]*bitset.BitSet),
		frequency: syncutil.NewCounters(numPieces),
	}
}

// UpdateBitfield parses an MSB-first bitfield for peer and reconciles the
// frequency histogram against whatever bitset the peer previously had, if
// any. It is O(numPieces).
func (idx *Index) UpdateBitfield(peer core.PeerID, bits []byte) {
	next := bitset.New(uint(idx.numPieces))
	for i := 0; i < idx.numPieces; i++ {
		byteIdx := i / 8
		bitIdx := 7 - (i % 8)
		if byteIdx < len(bits) && bits[byteIdx]&(1<<uint(bitIdx)) != 0 {
			next.Set(uint(i))
		}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	prev := idx.peers[peer]
	for i := 0; i < idx.numPieces; i++ {
		had := prev != nil && prev.Test(uint(i))
		has := next.Test(uint(i))
		if has && !had {
			idx.frequency.Increment(i)
		} else if had && !has {
			idx.frequency.Decrement(i)
		}
	}
	idx.peers[peer] = next
}

// RecordHave idempotently adds piece to peer's set, incrementing the
// frequency histogram only if the piece was newly added.
func (idx *Index) RecordHave(peer core.PeerID, piece int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	b, ok := idx.peers[peer]
	if !ok {
		b = bitset.New(uint(idx.numPieces))
		idx.peers[peer] = b
	}
	if b.Test(uint(piece)) {
		return
	}
	b.Set(uint(piece))
	idx.frequency.Increment(piece)
}

// DropPeer removes peer from the index, decrementing the frequency
// histogram for every piece it had.
func (idx *Index) DropPeer(peer core.PeerID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	b, ok := idx.peers[peer]
	if !ok {
		return
	}
	for i := 0; i < idx.numPieces; i++ {
		if b.Test(uint(i)) {
			idx.frequency.Decrement(i)
		}
	}
	delete(idx.peers, peer)
}

// Frequency returns the number of known peers currently advertising piece.
func (idx *Index) Frequency(piece int) int {
	return idx.frequency.Get(piece)
}

// PeersWith returns the set of peers currently advertising piece.
func (idx *Index) PeersWith(piece int) []core.PeerID {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []core.PeerID
	for peer, b := range idx.peers {
		if b.Test(uint(piece)) {
			out = append(out, peer)
		}
	}
	return out
}

// Has reports whether peer advertises piece.
func (idx *Index) Has(peer core.PeerID, piece int) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	b, ok := idx.peers[peer]
	if !ok {
		return false
	}
	return b.Test(uint(piece))
}

// PeerBitfield returns a copy of peer's bitset, or an empty one if unknown.
func (idx *Index) PeerBitfield(peer core.PeerID) *bitset.BitSet {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	b, ok := idx.peers[peer]
	if !ok {
		return bitset.New(uint(idx.numPieces))
	}
	return b.Clone()
}
