// Package choke implements the tit-for-tat regular unchoke slots plus a
// rotating optimistic unchoke slot.
package choke

import (
	"math/rand"
	"sort"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/fenwicklabs/swarmd/core"
)

const (
	defaultUnchokeInterval     = 10 * time.Second
	defaultOptimisticInterval  = 30 * time.Second
	defaultMaxUploadSlots      = 4
	optimisticRotateEveryNTick = 3
)

// Config controls scheduling cadence and slot count.
type Config struct {
	UnchokeInterval    time.Duration
	OptimisticInterval time.Duration
	MaxUploadSlots     int
}

func (c Config) applyDefaults() Config {
	if c.UnchokeInterval == 0 {
		c.UnchokeInterval = defaultUnchokeInterval
	}
	if c.OptimisticInterval == 0 {
		c.OptimisticInterval = defaultOptimisticInterval
	}
	if c.MaxUploadSlots == 0 {
		c.MaxUploadSlots = defaultMaxUploadSlots
	}
	return c
}

// PeerView is the subset of a peer's connection state the scheduler needs
// to rank it: rates are smoothed (ewma) estimates maintained by conn.
type PeerView struct {
	PeerID       core.PeerID
	Connected    bool // state ∈ {ACTIVE, CHOKED}
	Interested   bool
	EwmaDownRate float64
	EwmaUpRate   float64
}

// Decision is the outcome of one scheduling tick: peers to send UNCHOKE and
// peers to send CHOKE.
type Decision struct {
	Unchoke    []core.PeerID
	Choke      []core.PeerID
	Optimistic core.PeerID
}

// Scheduler recomputes the regular unchoked set every UnchokeInterval and
// rotates the optimistic slot every OptimisticInterval (or at least every
// third tick, whichever comes first).
type Scheduler struct {
	clock  clock.Clock
	config Config
	rand   *rand.Rand

	unchoked         map[core.PeerID]struct{}
	optimistic       core.PeerID
	hasOptimistic    bool
	lastOptimisticAt time.Time
	ticksSinceRotate int
}

// NewScheduler constructs a Scheduler.
func NewScheduler(clk clock.Clock, config Config) *Scheduler {
	config = config.applyDefaults()
	return &Scheduler{
		clock:    clk,
		config:   config,
		rand:     rand.New(rand.NewSource(1)),
		unchoked: make(map[core.PeerID]struct{}),
	}
}

// Tick recomputes the unchoked set from the current peer population.
// seedMode ranks by upload rate instead of download rate.
func (s *Scheduler) Tick(peers []PeerView, seedMode bool) Decision {
	interested := make([]PeerView, 0, len(peers))
	for _, p := range peers {
		if p.Connected && p.Interested {
			interested = append(interested, p)
		}
	}

	sort.SliceStable(interested, func(i, j int) bool {
		if seedMode {
			return interested[i].EwmaUpRate > interested[j].EwmaUpRate
		}
		return interested[i].EwmaDownRate > interested[j].EwmaDownRate
	})

	regular := make(map[core.PeerID]struct{}, s.config.MaxUploadSlots)
	n := s.config.MaxUploadSlots
	if n > len(interested) {
		n = len(interested)
	}
	for i := 0; i < n; i++ {
		regular[interested[i].PeerID] = struct{}{}
	}

	var decision Decision
	for peer := range regular {
		if _, already := s.unchoked[peer]; !already {
			decision.Unchoke = append(decision.Unchoke, peer)
		}
	}
	for peer := range s.unchoked {
		if _, stillRegular := regular[peer]; !stillRegular && peer != s.optimistic {
			decision.Choke = append(decision.Choke, peer)
		}
	}
	s.unchoked = regular

	s.ticksSinceRotate++
	rotate := !s.hasOptimistic ||
		s.clock.Now().Sub(s.lastOptimisticAt) >= s.config.OptimisticInterval ||
		s.ticksSinceRotate >= optimisticRotateEveryNTick

	if rotate {
		prev, hadPrev := s.optimistic, s.hasOptimistic
		next, ok := s.pickOptimistic(interested, regular)
		if hadPrev && (!ok || next != prev) {
			if _, stillRegular := regular[prev]; !stillRegular {
				decision.Choke = append(decision.Choke, prev)
			}
		}
		s.hasOptimistic = ok
		if ok {
			s.optimistic = next
			s.lastOptimisticAt = s.clock.Now()
			s.ticksSinceRotate = 0
			if _, already := regular[next]; !already && !(hadPrev && next == prev) {
				decision.Unchoke = append(decision.Unchoke, next)
			}
			decision.Optimistic = next
		}
	} else {
		decision.Optimistic = s.optimistic
	}

	return decision
}

// CurrentlyUnchoked returns the full set of peers the scheduler currently
// wants unchoked: the regular tit-for-tat slots plus the optimistic slot.
// A caller that unchokes a peer outside of Tick (e.g. a bring-up default
// unchoke) has no entry here until it earns a slot on the next Tick, so the
// caller is responsible for choking anything left unchoked that isn't in
// this set.
func (s *Scheduler) CurrentlyUnchoked() map[core.PeerID]struct{} {
	out := make(map[core.PeerID]struct{}, len(s.unchoked)+1)
	for peer := range s.unchoked {
		out[peer] = struct{}{}
	}
	if s.hasOptimistic {
		out[s.optimistic] = struct{}{}
	}
	return out
}

func (s *Scheduler) pickOptimistic(interested []PeerView, regular map[core.PeerID]struct{}) (core.PeerID, bool) {
	var candidates []core.PeerID
	for _, p := range interested {
		if _, already := regular[p.PeerID]; already {
			continue
		}
		candidates = append(candidates, p.PeerID)
	}
	if len(candidates) == 0 {
		return core.PeerID{}, false
	}
	return candidates[s.rand.Intn(len(candidates))], true
}
