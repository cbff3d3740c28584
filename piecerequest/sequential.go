package piecerequest

import "github.com/willf/bitset"

// sequentialPolicy ranks candidates strictly by ascending piece index,
// ignoring availability.
type sequentialPolicy struct{}

func (p *sequentialPolicy) rankPieces(
	valid func(int) bool,
	candidates *bitset.BitSet,
	frequency FrequencyFunc) ([]int, error) {

	var ranked []int
	for i, ok := candidates.NextSet(0); ok; i, ok = candidates.NextSet(i + 1) {
		piece := int(i)
		if valid(piece) {
			ranked = append(ranked, piece)
		}
	}
	return ranked, nil
}
