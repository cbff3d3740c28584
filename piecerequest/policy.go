package piecerequest

import (
	"github.com/willf/bitset"
)

// Strategy selects which piece-ranking algorithm a Manager uses.
type Strategy string

// Selection strategies.
const (
	RoundRobin  Strategy = "round_robin"
	RarestFirst Strategy = "rarest_first"
	Sequential  Strategy = "sequential"
)

// FrequencyFunc reports how many known peers currently advertise piece,
// satisfied by availability.Index.Frequency.
type FrequencyFunc func(piece int) int

// policy ranks valid candidate pieces from best to worst for a single
// selection call. It does not concern itself with quota, block granularity,
// or outstanding-request bookkeeping — Manager layers that on top.
type policy interface {
	rankPieces(valid func(int) bool, candidates *bitset.BitSet, frequency FrequencyFunc) ([]int, error)
}

func newPolicy(strategy Strategy, streamingMode bool, numPieces int) (policy, error) {
	switch strategy {
	case RarestFirst, "":
		return &rarestFirstPolicy{streamingMode: streamingMode, numPieces: numPieces}, nil
	case Sequential:
		return &sequentialPolicy{}, nil
	case RoundRobin:
		return &roundRobinPolicy{}, nil
	default:
		return nil, &unknownStrategyError{strategy}
	}
}

type unknownStrategyError struct {
	strategy Strategy
}

func (e *unknownStrategyError) Error() string {
	return "piecerequest: unknown selection strategy " + string(e.strategy)
}
