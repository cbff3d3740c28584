package conn

import (
	"sync"
	"time"
)

const (
	minPipelineDepth     = 4
	maxPipelineDepth     = 128
	defaultPipelineDepth = 16
	snubTimeout          = 30 * time.Second
	maxConsecutiveSnubs  = 3
	rttTarget            = 100 * time.Millisecond
)

type blockKey struct {
	piece  int
	begin  uint32
	length uint32
}

type outstandingRequest struct {
	sentAt time.Time
}

// pipeline tracks a single connection's outstanding REQUEST bookkeeping and
// its adaptive pipeline depth.
type pipeline struct {
	mu             sync.Mutex
	depth          int
	outstanding    map[blockKey]outstandingRequest
	recentRTTs     int
	recentSuccess  int
	lastBlockAt    time.Time
	consecutiveSnubs int
}

func newPipeline() *pipeline {
	return &pipeline{
		depth:       defaultPipelineDepth,
		outstanding: make(map[blockKey]outstandingRequest),
	}
}

// Reserve records a new outstanding request if the pipeline has room,
// returning false if it is already full.
func (p *pipeline) Reserve(piece int, begin, length uint32, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.outstanding) >= p.depth {
		return false
	}
	p.outstanding[blockKey{piece, begin, length}] = outstandingRequest{sentAt: now}
	return true
}

// Remove deletes a block from the outstanding set, e.g. on CANCEL.
func (p *pipeline) Remove(piece int, begin, length uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.outstanding, blockKey{piece, begin, length})
}

// Fulfilled removes a block on successful PIECE delivery and adapts the
// pipeline depth: every 10 deliveries, +1 if more than 95% of them had a
// round trip under target, otherwise left unchanged. Returns the round-trip
// time.
func (p *pipeline) Fulfilled(piece int, begin, length uint32, now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := blockKey{piece, begin, length}
	req, ok := p.outstanding[key]
	delete(p.outstanding, key)
	if !ok {
		return 0
	}

	rtt := now.Sub(req.sentAt)
	p.lastBlockAt = now
	p.consecutiveSnubs = 0
	p.recentRTTs++
	if rtt < rttTarget {
		p.recentSuccess++
	}
	if p.recentRTTs >= 10 {
		rate := float64(p.recentSuccess) / float64(p.recentRTTs)
		if rate > 0.95 && p.depth < maxPipelineDepth {
			p.depth++
		}
		p.recentRTTs, p.recentSuccess = 0, 0
	}
	return rtt
}

// Timeout halves the pipeline depth (floored at minPipelineDepth) and drops
// the block from the outstanding set, called when a request exceeds the
// block request timeout.
func (p *pipeline) Timeout(piece int, begin, length uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.outstanding, blockKey{piece, begin, length})
	p.halveLocked()
}

// Penalize halves the pipeline depth without targeting a specific block,
// called on snub detection where no single request is to blame.
func (p *pipeline) Penalize() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.halveLocked()
}

func (p *pipeline) halveLocked() {
	p.depth /= 2
	if p.depth < minPipelineDepth {
		p.depth = minPipelineDepth
	}
}

// CheckSnub reports whether the connection should be considered snubbed:
// at least one outstanding request with no block received for snubTimeout.
// Each call that detects a snub increments the consecutive-snub counter;
// TooManySnubs reports whether the peer has crossed the disconnect
// threshold.
func (p *pipeline) CheckSnub(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.outstanding) == 0 {
		return false
	}
	reference := p.lastBlockAt
	if reference.IsZero() {
		var earliest time.Time
		for _, r := range p.outstanding {
			if earliest.IsZero() || r.sentAt.Before(earliest) {
				earliest = r.sentAt
			}
		}
		reference = earliest
	}
	if now.Sub(reference) < snubTimeout {
		return false
	}
	p.consecutiveSnubs++
	p.lastBlockAt = now
	return true
}

// TooManySnubs reports whether the peer has been snubbed 3 times in a row.
func (p *pipeline) TooManySnubs() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consecutiveSnubs >= maxConsecutiveSnubs
}

// Depth returns the current adaptive pipeline depth.
func (p *pipeline) Depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.depth
}

// OutstandingCount returns the number of currently outstanding requests.
func (p *pipeline) OutstandingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outstanding)
}

// Flush clears all outstanding requests, e.g. on connection close, and
// returns the blocks that were in flight so the caller can decide whether
// to re-request them from another peer.
func (p *pipeline) Flush() []blockKey {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]blockKey, 0, len(p.outstanding))
	for k := range p.outstanding {
		out = append(out, k)
	}
	p.outstanding = make(map[blockKey]outstandingRequest)
	return out
}
