// Package core defines the value types shared across the swarm engine:
// peer identities, info hashes, and immutable torrent metadata.
package core

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrInvalidPeerIDLength returns when a string peer id does not decode into
// 20 bytes.
var ErrInvalidPeerIDLength = errors.New("peer id has invalid length")

// PeerID is a fixed-size 20-byte peer identifier.
type PeerID [20]byte

// NewPeerID parses a PeerID from hexadecimal notation.
func NewPeerID(s string) (PeerID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PeerID{}, err
	}
	return newPeerIDFromBytes(b)
}

// RandomPeerID generates a random PeerID, prefixed to identify this client
// in the style of the Azureus convention (not required by the wire protocol,
// but useful for debugging swarm composition).
func RandomPeerID() (PeerID, error) {
	var id PeerID
	copy(id[:], "-SW0001-")
	if _, err := rand.Read(id[8:]); err != nil {
		return PeerID{}, fmt.Errorf("rand: %s", err)
	}
	return id, nil
}

func newPeerIDFromBytes(b []byte) (PeerID, error) {
	var id PeerID
	if len(b) != len(id) {
		return PeerID{}, ErrInvalidPeerIDLength
	}
	copy(id[:], b)
	return id, nil
}

// String returns the hexadecimal encoding of p.
func (p PeerID) String() string {
	return hex.EncodeToString(p[:])
}
