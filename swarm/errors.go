package swarm

import "errors"

// Sentinel errors surfaced at the manager's public seams. Every kind but
// StorageUnavailable is handled by disconnecting the offending peer;
// StorageUnavailable propagates to Events as fatal and pauses the torrent.
var (
	ErrConnectFailed         = errors.New("swarm: failed to connect to peer")
	ErrHandshakeFailed       = errors.New("swarm: handshake failed")
	ErrInfoHashMismatch      = errors.New("swarm: peer is on a different torrent")
	ErrProtocolError         = errors.New("swarm: protocol violation")
	ErrPeerTimeout           = errors.New("swarm: peer timed out")
	ErrHashVerificationFailed = errors.New("swarm: piece hash verification failed")
	ErrResourceExhausted     = errors.New("swarm: too many in-flight pieces")
	ErrStorageUnavailable    = errors.New("swarm: storage is unavailable")
	ErrTorrentAtCapacity     = errors.New("swarm: torrent has reached max_connections_per_torrent")
	ErrPeerBlocklisted       = errors.New("swarm: peer endpoint is blocklisted")
	ErrAlreadyClosed         = errors.New("swarm: manager is closed")
)
