package piecerequest

import "github.com/willf/bitset"

// roundRobinPolicy cycles through candidate pieces by a rotating global
// cursor, ignoring availability. Mutating its
// cursor is safe only because Manager always calls rankPieces while holding
// its own lock.
type roundRobinPolicy struct {
	cursor int
}

func (p *roundRobinPolicy) rankPieces(
	valid func(int) bool,
	candidates *bitset.BitSet,
	frequency FrequencyFunc) ([]int, error) {

	n := int(candidates.Len())
	if n == 0 {
		return nil, nil
	}

	var ranked []int
	for offset := 0; offset < n; offset++ {
		piece := (p.cursor + offset) % n
		if !candidates.Test(uint(piece)) {
			continue
		}
		if valid(piece) {
			ranked = append(ranked, piece)
		}
	}
	if len(ranked) > 0 {
		p.cursor = (ranked[0] + 1) % n
	}
	return ranked, nil
}
