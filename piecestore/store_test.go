package piecestore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeVerifier struct {
	mu       sync.Mutex
	submits  []int
	onSubmit func(index int, data []byte)
}

func (f *fakeVerifier) Submit(index int, data []byte) error {
	f.mu.Lock()
	f.submits = append(f.submits, index)
	f.mu.Unlock()
	if f.onSubmit != nil {
		f.onSubmit(index, data)
	}
	return nil
}

func (f *fakeVerifier) submitted() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.submits...)
}

func TestAddBlockStoredPartialThenComplete(t *testing.T) {
	require := require.New(t)

	v := &fakeVerifier{}
	s := NewStore([]uint32{32}, 16, v)

	res, err := s.AddBlock(0, 0, make([]byte, 16), "peerA")
	require.NoError(err)
	require.Equal(StoredPartial, res)

	st, err := s.State(0)
	require.NoError(err)
	require.Equal(Downloading, st)

	res, err = s.AddBlock(0, 16, make([]byte, 16), "peerA")
	require.NoError(err)
	require.Equal(StoredComplete, res)

	st, err = s.State(0)
	require.NoError(err)
	require.Equal(Complete, st)
	require.Equal([]int{0}, v.submitted())
}

func TestAddBlockDuplicate(t *testing.T) {
	require := require.New(t)

	s := NewStore([]uint32{16}, 16, nil)
	res, err := s.AddBlock(0, 0, make([]byte, 16), "peerA")
	require.NoError(err)
	require.Equal(StoredComplete, res)

	res, err = s.AddBlock(0, 0, make([]byte, 16), "peerA")
	require.NoError(err)
	require.Equal(Duplicate, res)
}

func TestAddBlockInvalidOffset(t *testing.T) {
	s := NewStore([]uint32{16}, 16, nil)
	_, err := s.AddBlock(0, 1, make([]byte, 16), "peerA")
	require.ErrorIs(t, err, ErrInvalidOffset)
}

func TestAddBlockInvalidLength(t *testing.T) {
	s := NewStore([]uint32{16}, 16, nil)
	_, err := s.AddBlock(0, 0, make([]byte, 15), "peerA")
	require.ErrorIs(t, err, ErrInvalidLength)
}

func TestGetBlockOnlyAfterVerified(t *testing.T) {
	require := require.New(t)

	s := NewStore([]uint32{16}, 16, nil)
	data := []byte("0123456789abcdef")
	_, err := s.AddBlock(0, 0, data, "peerA")
	require.NoError(err)

	_, ok, err := s.GetBlock(0, 0, 16)
	require.NoError(err)
	require.False(ok)

	require.NoError(s.MarkVerified(0))

	got, ok, err := s.GetBlock(0, 0, 16)
	require.NoError(err)
	require.True(ok)
	require.Equal(data, got)
}

// TestGetBlockRejectsOverflowingBounds confirms begin/length combinations
// that wrap a uint32 sum back under the piece length are rejected rather
// than reaching the slice expression.
func TestGetBlockRejectsOverflowingBounds(t *testing.T) {
	require := require.New(t)

	s := NewStore([]uint32{16}, 16, nil)
	data := []byte("0123456789abcdef")
	_, err := s.AddBlock(0, 0, data, "peerA")
	require.NoError(err)
	require.NoError(s.MarkVerified(0))

	begin := uint32(0xFFFFFFFF) - 2
	length := uint32(5)
	require.Less(begin+length, uint32(16)) // demonstrates the wraparound

	_, ok, err := s.GetBlock(0, begin, length)
	require.ErrorIs(err, ErrInvalidLength)
	require.False(ok)
}

func TestMarkFailedResetsToMissing(t *testing.T) {
	require := require.New(t)

	s := NewStore([]uint32{16}, 16, nil)
	_, err := s.AddBlock(0, 0, make([]byte, 16), "peerA")
	require.NoError(err)
	require.NoError(s.MarkVerified(0))

	require.NoError(s.MarkFailed(0))

	st, err := s.State(0)
	require.NoError(err)
	require.Equal(Missing, st)
	require.Empty(s.CompletedPieces())
	require.Empty(s.VerifiedPieces())

	missing, err := s.MissingBlocks(0)
	require.NoError(err)
	require.Len(missing, 1)
}

func TestRehashAllResubmitsVerifiedPieces(t *testing.T) {
	require := require.New(t)

	v := &fakeVerifier{}
	s := NewStore([]uint32{16, 16}, 16, v)
	_, err := s.AddBlock(0, 0, make([]byte, 16), "peerA")
	require.NoError(err)
	require.NoError(s.MarkVerified(0))

	require.NoError(s.RehashAll())

	require.Contains(v.submitted(), 0)
	st, err := s.State(0)
	require.NoError(err)
	require.Equal(Complete, st)
}

func TestInvalidPieceIndex(t *testing.T) {
	s := NewStore([]uint32{16}, 16, nil)
	_, err := s.State(5)
	require.ErrorIs(t, err, ErrInvalidPieceIndex)
}

func TestCompleteUnverifiedCount(t *testing.T) {
	require := require.New(t)

	s := NewStore([]uint32{16, 16, 16}, 16, &fakeVerifier{})
	require.Equal(0, s.CompleteUnverifiedCount())

	_, err := s.AddBlock(0, 0, make([]byte, 16), "peerA")
	require.NoError(err)
	require.Equal(1, s.CompleteUnverifiedCount())

	_, err = s.AddBlock(1, 0, make([]byte, 16), "peerA")
	require.NoError(err)
	require.Equal(2, s.CompleteUnverifiedCount())

	// Verifying one drops it out of the COMPLETE-unverified count even
	// though it stays in CompletedPieces().
	require.NoError(s.MarkVerified(0))
	require.Equal(1, s.CompleteUnverifiedCount())
	require.Len(s.CompletedPieces(), 2)
}
