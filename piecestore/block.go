package piecestore

// defaultBlockSize is the default block granularity blocks are tiled at within a
// piece; the last block of the last piece (and of any piece shorter than a
// full block) may be shorter.
const defaultBlockSize = 1 << 14

type block struct {
	begin    uint32
	length   uint32
	received bool
	data     []byte
}
