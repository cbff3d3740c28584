package swarm

import (
	"github.com/fenwicklabs/swarmd/core"
)

// FileAssembler is the core's storage seam. WriteBlock must
// be durable by the time it returns (or the manager treats the write as
// failed); ReadBlock serves REQUESTs for pieces evicted from memory after
// verification.
type FileAssembler interface {
	WriteBlock(piece int, begin int, data []byte) error
	ReadBlock(piece int, begin int, length int) ([]byte, error)
	ExistingPieces() (map[int]bool, error)
}

// GlobalStats is the aggregate snapshot delivered on each stats tick
//.
type GlobalStats struct {
	UpRate          float64
	DownRate        float64
	ConnectedPeers  int
	VerifiedPieces  int
	TotalPieces     int
}

// Events is the manager's notification seam to its embedder.
// Handlers run in the manager's own scheduling goroutine and must not block.
type Events interface {
	PeerConnected(peerID core.PeerID, endpoint string)
	PeerDisconnected(peerID core.PeerID, reason error)
	PieceVerified(pieceIndex int)
	DownloadComplete()
	StatsTick(stats GlobalStats)
	StorageUnavailable(err error)
}

// NopEvents is a no-op Events implementation embedders can embed to opt
// into only the callbacks they care about.
type NopEvents struct{}

func (NopEvents) PeerConnected(core.PeerID, string)    {}
func (NopEvents) PeerDisconnected(core.PeerID, error)  {}
func (NopEvents) PieceVerified(int)                    {}
func (NopEvents) DownloadComplete()                    {}
func (NopEvents) StatsTick(GlobalStats)                {}
func (NopEvents) StorageUnavailable(error)              {}
