package embed

// MaskedMeanPool reduces a sequence of per-token hidden-state vectors to a
// single vector by averaging only the positions where mask is non-zero,
// then L2-normalizing the result. hiddenStates and mask must have the same
// length; every hidden-state vector must have the same dimensionality. A
// mask that selects no positions yields a zero vector before
// normalization (normalizeVector's epsilon keeps that finite).
func MaskedMeanPool(hiddenStates [][]float32, mask []int) []float32 {
	if len(hiddenStates) == 0 || len(mask) == 0 {
		return nil
	}
	dim := len(hiddenStates[0])
	sum := make([]float64, dim)
	var count float64
	for i, row := range hiddenStates {
		if i >= len(mask) || mask[i] == 0 {
			continue
		}
		for j, v := range row {
			sum[j] += float64(v)
		}
		count++
	}

	pooled := make([]float32, dim)
	if count > 0 {
		for j := range sum {
			pooled[j] = float32(sum[j] / count)
		}
	}
	return normalizeVector(pooled)
}
