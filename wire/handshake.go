// Package wire implements the BitTorrent base-protocol handshake and
// message framing.
package wire

import (
	"bytes"
	"encoding"
	"errors"
	"fmt"
	"io"

	"github.com/fenwicklabs/swarmd/core"
)

const (
	pstr         = "BitTorrent protocol"
	reservedSize = 8
	// HandshakeSize is the fixed wire size of a handshake: 1 + 19 + 8 + 20 + 20.
	HandshakeSize = 1 + len(pstr) + reservedSize + 20 + 20
)

// Handshake errors.
var (
	ErrBadPstrlen       = errors.New("wire: handshake pstrlen is not 19")
	ErrProtocolMismatch = errors.New("wire: handshake pstr does not match \"BitTorrent protocol\"")
	ErrShortHandshake   = errors.New("wire: short handshake read")
	ErrInfoHashMismatch = errors.New("wire: handshake info hash does not match expected torrent")
)

// Handshake is the fixed 68-byte BitTorrent handshake.
type Handshake struct {
	Reserved [reservedSize]byte
	InfoHash core.InfoHash
	PeerID   core.PeerID
}

var (
	_ encoding.BinaryMarshaler   = (*Handshake)(nil)
	_ encoding.BinaryUnmarshaler = (*Handshake)(nil)
)

// NewHandshake builds a handshake for infoHash/peerID with zeroed reserved
// bytes (no extensions negotiated).
func NewHandshake(infoHash core.InfoHash, peerID core.PeerID) *Handshake {
	return &Handshake{InfoHash: infoHash, PeerID: peerID}
}

// MarshalBinary encodes h into its 68-byte wire representation.
func (h *Handshake) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HandshakeSize)
	offset := 0
	buf[offset] = byte(len(pstr))
	offset++
	offset += copy(buf[offset:], pstr)
	offset += copy(buf[offset:], h.Reserved[:])
	offset += copy(buf[offset:], h.InfoHash[:])
	offset += copy(buf[offset:], h.PeerID[:])
	return buf, nil
}

// UnmarshalBinary parses a handshake from its wire representation. It
// validates the first byte and the protocol string, but accepts the peer's
// peer_id verbatim.
func (h *Handshake) UnmarshalBinary(b []byte) error {
	if len(b) < HandshakeSize {
		return ErrShortHandshake
	}
	if b[0] != byte(len(pstr)) {
		return ErrBadPstrlen
	}
	offset := 1
	if !bytes.Equal(b[offset:offset+len(pstr)], []byte(pstr)) {
		return ErrProtocolMismatch
	}
	offset += len(pstr)
	copy(h.Reserved[:], b[offset:offset+reservedSize])
	offset += reservedSize
	copy(h.InfoHash[:], b[offset:offset+20])
	offset += 20
	copy(h.PeerID[:], b[offset:offset+20])
	return nil
}

// WriteHandshake writes h to w.
func WriteHandshake(w io.Writer, h *Handshake) error {
	b, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadHandshake reads a handshake from r and validates it against
// expectedInfoHash. Returns ErrInfoHashMismatch if the peer is on a
// different torrent.
func ReadHandshake(r io.Reader, expectedInfoHash core.InfoHash) (*Handshake, error) {
	buf := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	var h Handshake
	if err := h.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	if h.InfoHash != expectedInfoHash {
		return nil, ErrInfoHashMismatch
	}
	return &h, nil
}
