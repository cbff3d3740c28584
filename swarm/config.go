package swarm

import (
	"time"

	"github.com/fenwicklabs/swarmd/bandwidth"
	"github.com/fenwicklabs/swarmd/choke"
	"github.com/fenwicklabs/swarmd/conn"
	"github.com/fenwicklabs/swarmd/piecerequest"
	"github.com/fenwicklabs/swarmd/verify"
)

const (
	defaultMaxConnectionsPerTorrent = 80
	defaultMaxInFlightPieces        = 64
	defaultBlocklistTTL             = 10 * time.Minute
	defaultStatsTickInterval        = 5 * time.Second
	defaultShutdownGrace            = 2 * time.Second
	defaultMaxConsecutiveHashFails  = 10
	defaultPipelineQuotaPerPeer     = 16
)

// Config controls the swarm manager's resource limits and timing, plus the
// configuration of every subsystem it owns. All fields are individually
// overridable; zero values fall back to sensible defaults.
type Config struct {
	MaxConnectionsPerTorrent int
	MaxInFlightPieces        int
	BlocklistTTL             time.Duration
	StatsTickInterval        time.Duration
	ShutdownGrace            time.Duration
	MaxConsecutiveHashFails  int
	PipelineQuotaPerPeer     int

	Conn         conn.Config
	Piecerequest piecerequest.Config
	Choke        choke.Config
	Verify       verify.Config
	Bandwidth    bandwidth.Config
}

func (c Config) applyDefaults() Config {
	if c.MaxConnectionsPerTorrent == 0 {
		c.MaxConnectionsPerTorrent = defaultMaxConnectionsPerTorrent
	}
	if c.MaxInFlightPieces == 0 {
		c.MaxInFlightPieces = defaultMaxInFlightPieces
	}
	if c.BlocklistTTL == 0 {
		c.BlocklistTTL = defaultBlocklistTTL
	}
	if c.StatsTickInterval == 0 {
		c.StatsTickInterval = defaultStatsTickInterval
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	if c.MaxConsecutiveHashFails == 0 {
		c.MaxConsecutiveHashFails = defaultMaxConsecutiveHashFails
	}
	if c.PipelineQuotaPerPeer == 0 {
		c.PipelineQuotaPerPeer = defaultPipelineQuotaPerPeer
	}
	if c.Conn.IdleTimeout == 0 {
		c.Conn.IdleTimeout = 120 * time.Second
	}
	if c.Conn.KeepAliveInterval == 0 {
		c.Conn.KeepAliveInterval = 90 * time.Second
	}
	if c.Choke.UnchokeInterval == 0 {
		c.Choke.UnchokeInterval = 10 * time.Second
	}
	return c
}
