package piecerequest

import (
	"github.com/willf/bitset"

	"github.com/fenwicklabs/swarmd/internal/heap"
)

// rarestFirstPolicy ranks candidates by score = 1000 - frequency(p) +
// priority(p), highest score first, ties broken by lower piece index
//. priority(p) is 0 for every piece unless streamingMode is
// set, in which case it biases the front of the file for playback.
type rarestFirstPolicy struct {
	streamingMode bool
	numPieces     int
}

func (p *rarestFirstPolicy) priority(piece int) int {
	if !p.streamingMode {
		return 0
	}
	if piece == 0 {
		return 1000
	}
	if piece == p.numPieces-1 {
		return 100
	}
	v := 1000 - piece
	if v < 0 {
		v = 0
	}
	return v
}

func (p *rarestFirstPolicy) rankPieces(
	valid func(int) bool,
	candidates *bitset.BitSet,
	frequency FrequencyFunc) ([]int, error) {

	pq := heap.NewPriorityQueue()
	scale := p.numPieces + 1
	for i, ok := candidates.NextSet(0); ok; i, ok = candidates.NextSet(i + 1) {
		piece := int(i)
		score := 1000 - frequency(piece) + p.priority(piece)
		pq.Push(&heap.Item{
			Value:    piece,
			Priority: -score*scale + piece,
		})
	}

	var ranked []int
	for pq.Len() > 0 {
		item, err := pq.Pop()
		if err != nil {
			return nil, err
		}
		piece := item.Value.(int)
		if valid(piece) {
			ranked = append(ranked, piece)
		}
	}
	return ranked, nil
}
