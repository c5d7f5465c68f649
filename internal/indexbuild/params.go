package indexbuild

import "math"

// IVFPQParams are the parameters for sizing an IVF-PQ index, named even
// though the build step below uses the HNSW engine (see builder.go's doc
// comment for why). They are recorded for observability and to keep the
// builder's naming/validation logic traceable to its sizing rule.
type IVFPQParams struct {
	Nlist int
	M     int
	Nbits int
}

// SizeIVFPQParams derives IVF-PQ sizing parameters from a corpus of n
// vectors of dimension d: nlist clamped to a sensible range around
// 2*sqrt(n), and an m that divides d evenly (32 for high-dimensional
// embeddings, otherwise 16, shrinking until it divides d).
func SizeIVFPQParams(n, d int) IVFPQParams {
	nlist := 1
	if n > 1 {
		nlist = clamp(max(2048, 2*isqrt(n)), 1, min(65536, n-1))
	}

	m := 16
	if d >= 1024 {
		m = 32
	}
	for m > 1 && d%m != 0 {
		m--
	}

	return IVFPQParams{Nlist: nlist, M: m, Nbits: 8}
}

func isqrt(n int) int {
	return int(math.Floor(math.Sqrt(float64(n))))
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	return min(max(v, lo), hi)
}
