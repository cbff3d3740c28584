// Package piecestore holds per-piece block arrays, the piece state machine,
// and the completed/verified piece sets.
package piecestore

import (
	"errors"
	"fmt"
	"sync"
)

// Sentinel errors returned by Store operations.
var (
	ErrInvalidOffset    = errors.New("piecestore: begin is not a registered block start")
	ErrInvalidLength    = errors.New("piecestore: block length does not match expected length")
	ErrInvalidPieceIndex = errors.New("piecestore: piece index out of range")
)

// AddResult reports the outcome of AddBlock.
type AddResult int

// AddBlock outcomes.
const (
	Duplicate AddResult = iota
	StoredPartial
	StoredComplete
)

func (r AddResult) String() string {
	switch r {
	case Duplicate:
		return "duplicate"
	case StoredPartial:
		return "stored_partial"
	case StoredComplete:
		return "stored_complete"
	default:
		return "unknown"
	}
}

// Verifier receives completed pieces for off-loop hash verification. It is
// satisfied by a verify.Pool without piecestore importing verify, keeping
// the dependency direction single: swarm wires a verify.Pool in as a Store's
// Verifier at construction.
type Verifier interface {
	Submit(pieceIndex int, data []byte) error
}

// Store owns every piece's block array and state, plus the
// completed/verified piece sets.
type Store struct {
	mu        sync.Mutex
	pieces    []*piece
	verifier  Verifier
	completed map[int]struct{}
	verified  map[int]struct{}
}

// NewStore constructs a Store for a torrent whose pieces have the given
// lengths, using blockSize as the block granularity (0 selects the default
// of 2^14 bytes). verifier receives pieces that complete all their blocks.
func NewStore(pieceLengths []uint32, blockSize uint32, verifier Verifier) *Store {
	pieces := make([]*piece, len(pieceLengths))
	for i, length := range pieceLengths {
		pieces[i] = newPiece(i, length, blockSize)
	}
	return &Store{
		pieces:    pieces,
		verifier:  verifier,
		completed: make(map[int]struct{}),
		verified:  make(map[int]struct{}),
	}
}

func (s *Store) pieceAt(index int) (*piece, error) {
	if index < 0 || index >= len(s.pieces) {
		return nil, ErrInvalidPieceIndex
	}
	return s.pieces[index], nil
}

// State returns the current state of piece index.
func (s *Store) State(index int) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.pieceAt(index)
	if err != nil {
		return 0, err
	}
	return p.state, nil
}

// MarkRequested advances a MISSING piece to REQUESTED, recording peerKey in
// its requested_from set.
func (s *Store) MarkRequested(index int, peerKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.pieceAt(index)
	if err != nil {
		return err
	}
	if p.state == Missing {
		p.state = Requested
	}
	p.requestCount++
	p.requestedFrom[peerKey] = struct{}{}
	return nil
}

// AddBlock stores bytes for piece/begin, advancing the piece's state
// machine. On StoredComplete, the piece moves to COMPLETE and is submitted
// to the verifier.
func (s *Store) AddBlock(index int, begin uint32, data []byte, peerKey string) (AddResult, error) {
	s.mu.Lock()

	p, err := s.pieceAt(index)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	if p.state == Verified {
		s.mu.Unlock()
		return Duplicate, nil
	}

	bi, ok := p.blockAt(begin)
	if !ok {
		s.mu.Unlock()
		return 0, ErrInvalidOffset
	}
	if uint32(len(data)) != p.blocks[bi].length {
		s.mu.Unlock()
		return 0, ErrInvalidLength
	}
	if p.blocks[bi].received {
		s.mu.Unlock()
		return Duplicate, nil
	}

	p.blocks[bi].data = append([]byte(nil), data...)
	p.blocks[bi].received = true
	p.requestedFrom[peerKey] = struct{}{}

	if p.state == Missing || p.state == Requested {
		p.state = Downloading
	}

	if !p.allReceived() {
		s.mu.Unlock()
		return StoredPartial, nil
	}

	p.state = Complete
	s.completed[index] = struct{}{}
	whole := p.concatenate()
	s.mu.Unlock()

	if s.verifier != nil {
		if err := s.verifier.Submit(index, whole); err != nil {
			return StoredComplete, fmt.Errorf("piecestore: submit for verification: %w", err)
		}
	}
	return StoredComplete, nil
}

// GetBlock returns bytes for piece/begin/length, but only once the piece is
// VERIFIED; otherwise ok is false and the caller should fall back to disk.
func (s *Store) GetBlock(index int, begin, length uint32) (data []byte, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.pieceAt(index)
	if err != nil {
		return nil, false, err
	}
	if p.state != Verified {
		return nil, false, nil
	}
	if begin > p.length || length > p.length-begin {
		return nil, false, ErrInvalidLength
	}
	whole := p.concatenate()
	return whole[begin : begin+length], true, nil
}

// MissingBlocks returns the (begin,length) pairs of every block of piece
// index that has not yet been received.
func (s *Store) MissingBlocks(index int) ([][2]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.pieceAt(index)
	if err != nil {
		return nil, err
	}
	var out [][2]uint32
	for i := range p.blocks {
		if !p.blocks[i].received {
			out = append(out, [2]uint32{p.blocks[i].begin, p.blocks[i].length})
		}
	}
	return out, nil
}

// RequestedFrom returns the set of peer keys that piece index has ever been
// requested from (MarkRequested) or received a block from (AddBlock).
func (s *Store) RequestedFrom(index int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.pieceAt(index)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(p.requestedFrom))
	for k := range p.requestedFrom {
		out = append(out, k)
	}
	return out, nil
}

// MarkVerified transitions piece index from COMPLETE to VERIFIED.
func (s *Store) MarkVerified(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.pieceAt(index)
	if err != nil {
		return err
	}
	p.state = Verified
	s.verified[index] = struct{}{}
	return nil
}

// MarkFailed clears all block data for piece index, resets it to MISSING,
// and increments its failure counter.
func (s *Store) MarkFailed(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.pieceAt(index)
	if err != nil {
		return err
	}
	p.clearBlocks()
	p.state = Missing
	p.failureCount++
	delete(s.completed, index)
	delete(s.verified, index)
	return nil
}

// RehashAll moves every VERIFIED piece back to COMPLETE and resubmits it to
// the verifier, used for a full recheck on resume.
func (s *Store) RehashAll() error {
	s.mu.Lock()
	type resubmit struct {
		index int
		data  []byte
	}
	var pending []resubmit
	for index, p := range s.pieces {
		if p.state != Verified {
			continue
		}
		p.state = Complete
		s.completed[index] = struct{}{}
		delete(s.verified, index)
		pending = append(pending, resubmit{index, p.concatenate()})
	}
	s.mu.Unlock()

	if s.verifier == nil {
		return nil
	}
	for _, r := range pending {
		if err := s.verifier.Submit(r.index, r.data); err != nil {
			return fmt.Errorf("piecestore: resubmit piece %d for rehash: %w", r.index, err)
		}
	}
	return nil
}

// NumPieces returns the total number of pieces managed by the store.
func (s *Store) NumPieces() int {
	return len(s.pieces)
}

// CompletedPieces returns a snapshot of piece indices in {COMPLETE,VERIFIED}.
func (s *Store) CompletedPieces() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.completed))
	for i := range s.completed {
		out = append(out, i)
	}
	return out
}

// VerifiedPieces returns a snapshot of piece indices in VERIFIED.
func (s *Store) VerifiedPieces() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.verified))
	for i := range s.verified {
		out = append(out, i)
	}
	return out
}

// CompleteUnverifiedCount returns the number of pieces currently sitting in
// COMPLETE (all blocks received, not yet hash-verified), the population
// max_in_flight_pieces bounds to cap in-memory piece data.
func (s *Store) CompleteUnverifiedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.completed {
		if s.pieces[i].state == Complete {
			n++
		}
	}
	return n
}

// MarkExistingVerified is used at startup to mark a piece VERIFIED without
// routing it through the hash verifier, for pieces a trusted checkpoint
// already attests to.
func (s *Store) MarkExistingVerified(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.pieceAt(index)
	if err != nil {
		return err
	}
	p.state = Verified
	s.completed[index] = struct{}{}
	s.verified[index] = struct{}{}
	return nil
}
