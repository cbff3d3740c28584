package piecerequest

import "time"

// Config controls piece/block selection strategy and endgame behavior
//.
type Config struct {
	Strategy              Strategy
	StreamingMode         bool
	PipelineTargetPerPeer int
	EndgameThreshold      float64
	EndgameDuplicates     int
	RequestTimeout        time.Duration
}

func (c Config) applyDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = RarestFirst
	}
	if c.PipelineTargetPerPeer == 0 {
		c.PipelineTargetPerPeer = 16
	}
	if c.EndgameThreshold == 0 {
		c.EndgameThreshold = 0.95
	}
	if c.EndgameDuplicates == 0 {
		c.EndgameDuplicates = 4
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	return c
}
