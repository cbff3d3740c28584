package core

import (
	"errors"
	"fmt"
)

// ErrInvalidPieceIndex returns when a piece index is out of bounds for a
// TorrentInfo.
var ErrInvalidPieceIndex = errors.New("piece index out of bounds")

// TorrentInfo encapsulates the immutable description of a torrent's content
// layout, constructed once per torrent from metadata produced by an external
// collaborator (magnet/.torrent parsing is out of scope for this module).
type TorrentInfo struct {
	infoHash     InfoHash
	pieceLength  uint32
	totalLength  uint64
	pieceHashes  [][20]byte
}

// NewTorrentInfo constructs a TorrentInfo. pieceLength must be a power of
// two. len(pieceHashes) must equal ceil(totalLength/pieceLength).
func NewTorrentInfo(
	infoHash InfoHash,
	pieceLength uint32,
	totalLength uint64,
	pieceHashes [][20]byte) (*TorrentInfo, error) {

	if pieceLength == 0 || pieceLength&(pieceLength-1) != 0 {
		return nil, fmt.Errorf("piece length %d is not a power of two", pieceLength)
	}
	want := numPieces(totalLength, pieceLength)
	if uint32(len(pieceHashes)) != want {
		return nil, fmt.Errorf(
			"expected %d piece hashes for total length %d at piece length %d, got %d",
			want, totalLength, pieceLength, len(pieceHashes))
	}
	return &TorrentInfo{
		infoHash:    infoHash,
		pieceLength: pieceLength,
		totalLength: totalLength,
		pieceHashes: pieceHashes,
	}, nil
}

func numPieces(totalLength uint64, pieceLength uint32) uint32 {
	if totalLength == 0 {
		return 0
	}
	return uint32((totalLength + uint64(pieceLength) - 1) / uint64(pieceLength))
}

// InfoHash returns the torrent's info hash.
func (t *TorrentInfo) InfoHash() InfoHash { return t.infoHash }

// NominalPieceLength returns the piece length every piece but the last uses.
func (t *TorrentInfo) NominalPieceLength() uint32 { return t.pieceLength }

// TotalLength returns the total content length in bytes.
func (t *TorrentInfo) TotalLength() uint64 { return t.totalLength }

// NumPieces returns the number of pieces in the torrent.
func (t *TorrentInfo) NumPieces() int { return len(t.pieceHashes) }

// PieceLength returns the length in bytes of piece i, accounting for the
// last piece being shorter than NominalPieceLength.
func (t *TorrentInfo) PieceLength(i int) (uint32, error) {
	if i < 0 || i >= t.NumPieces() {
		return 0, ErrInvalidPieceIndex
	}
	if i < t.NumPieces()-1 {
		return t.pieceLength, nil
	}
	last := t.totalLength - uint64(t.pieceLength)*uint64(t.NumPieces()-1)
	return uint32(last), nil
}

// PieceHash returns the expected SHA-1 hash of piece i.
func (t *TorrentInfo) PieceHash(i int) ([20]byte, error) {
	if i < 0 || i >= t.NumPieces() {
		return [20]byte{}, ErrInvalidPieceIndex
	}
	return t.pieceHashes[i], nil
}
