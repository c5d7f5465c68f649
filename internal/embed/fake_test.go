package embed

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeProvider_EmbedBatch_ReturnsCorrectDimensions(t *testing.T) {
	// Given: a fake provider with D=1024
	p := NewFakeProvider(1024)
	defer func() { _ = p.Close() }()

	// When: embedding one text
	vectors, err := p.EmbedBatch([]string{"hello world"})

	// Then: exactly one vector of length D is returned
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.Len(t, vectors[0], 1024)
}

func TestFakeProvider_EmbedBatch_VectorIsL2Normalized(t *testing.T) {
	// Given: a fake provider
	p := NewFakeProvider(1024)
	defer func() { _ = p.Close() }()

	// When: embedding non-empty text
	vectors, err := p.EmbedBatch([]string{"hello world"})
	require.NoError(t, err)

	// Then: the vector's L2 norm is within epsilon of 1
	assert.InDelta(t, 1.0, l2Norm(vectors[0]), 1e-3)
}

func TestFakeProvider_EmbedBatch_IsDeterministicAcrossCalls(t *testing.T) {
	// Given: two separate fake provider instances
	p1 := NewFakeProvider(1024)
	p2 := NewFakeProvider(1024)
	defer func() { _ = p1.Close() }()
	defer func() { _ = p2.Close() }()

	// When: embedding identical text with each
	v1, err1 := p1.EmbedBatch([]string{"hello world", "hello world"})
	v2, err2 := p2.EmbedBatch([]string{"hello world"})

	// Then: the output is bit-stable across calls and processes
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, v1[0], v1[1])
	for i := range v1[0] {
		assert.InDelta(t, float64(v2[0][i]), float64(v1[0][i]), 1e-6)
	}
}

func TestFakeProvider_ProviderID_EncodesDimension(t *testing.T) {
	// Given: providers with different dimensions
	p1024 := NewFakeProvider(1024)
	p256 := NewFakeProvider(256)

	// Then: their ids differ
	assert.NotEqual(t, p1024.ProviderID(), p256.ProviderID())
	assert.Contains(t, p1024.ProviderID(), "1024")
}

func l2Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
