package embed

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskedMeanPool_MasksOutDroppedPositions(t *testing.T) {
	// Given: two hidden states, the second masked out entirely
	hidden := [][]float32{{1, 2, 3, 4}, {5, 6, 7, 8}}
	mask := []int{1, 0}

	// When: pooling
	got := MaskedMeanPool(hidden, mask)

	// Then: the result equals [1,2,3,4] normalized, since only the first
	// row contributes to the mean
	norm := math.Sqrt(1*1 + 2*2 + 3*3 + 4*4)
	want := []float32{float32(1 / norm), float32(2 / norm), float32(3 / norm), float32(4 / norm)}
	require := assert.New(t)
	require.Len(got, 4)
	for i := range want {
		require.InDelta(want[i], got[i], 1e-6)
	}
}

func TestMaskedMeanPool_AveragesSelectedPositions(t *testing.T) {
	hidden := [][]float32{{2, 0}, {0, 2}, {4, 4}}
	mask := []int{1, 1, 0}

	got := MaskedMeanPool(hidden, mask)

	// mean of [2,0] and [0,2] is [1,1], normalized is [1/sqrt2, 1/sqrt2]
	inv := float32(1 / math.Sqrt2)
	assert.InDelta(t, inv, got[0], 1e-6)
	assert.InDelta(t, inv, got[1], 1e-6)
}

func TestMaskedMeanPool_EmptyInputs(t *testing.T) {
	assert.Nil(t, MaskedMeanPool(nil, nil))
}
