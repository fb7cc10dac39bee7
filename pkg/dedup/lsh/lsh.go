// Package lsh picks LSH banding parameters and hashes signature bands to
// bucket keys, generalizing pkg/utils/dedup_helpers.go's fixed-band-size
// LSHBands helper into the spec's FP/FN-minimizing grid search.
package lsh

import "math"

// Params is a chosen (bands, rows) banding configuration: bands*rows <= P.
type Params struct {
	Bands int
	Rows  int
}

// OptimalParams performs a grid search over all (bands, rows) pairs with
// bands*rows <= numPerm, scoring each by the integrated false-positive/
// false-negative weight, and returns the lowest-scoring pair. Ties break
// toward a larger band count (more recall).
func OptimalParams(numPerm int, threshold, falsePositiveWeight, falseNegativeWeight float64) Params {
	best := Params{Bands: 1, Rows: numPerm}
	bestScore := math.Inf(1)

	for rows := 1; rows <= numPerm; rows++ {
		for bands := 1; bands*rows <= numPerm; bands++ {
			score := falsePositiveWeight*falsePositiveArea(threshold, bands, rows) +
				falseNegativeWeight*falseNegativeArea(threshold, bands, rows)

			if score < bestScore || (score == bestScore && bands > best.Bands) {
				bestScore = score
				best = Params{Bands: bands, Rows: rows}
			}
		}
	}
	return best
}

// candidateProbability is the classic LSH "S-curve": probability that two
// documents with true Jaccard similarity s land in at least one shared
// bucket under (bands, rows) banding.
func candidateProbability(s float64, bands, rows int) float64 {
	return 1 - math.Pow(1-math.Pow(s, float64(rows)), float64(bands))
}

// falsePositiveArea integrates candidateProbability over [0, threshold) —
// the area where dissimilar pairs are still flagged as candidates.
func falsePositiveArea(threshold float64, bands, rows int) float64 {
	return integrate(0, threshold, func(s float64) float64 {
		return candidateProbability(s, bands, rows)
	})
}

// falseNegativeArea integrates (1 - candidateProbability) over
// [threshold, 1] — the area where similar pairs are missed.
func falseNegativeArea(threshold float64, bands, rows int) float64 {
	return integrate(threshold, 1, func(s float64) float64 {
		return 1 - candidateProbability(s, bands, rows)
	})
}

// integrate is a simple fixed-step numerical integral; these curves are
// smooth and monotone enough that a modest step count suffices for
// parameter selection (this isn't used at per-document hot-path time).
func integrate(lo, hi float64, f func(float64) float64) float64 {
	const steps = 200
	if hi <= lo {
		return 0
	}
	step := (hi - lo) / steps
	sum := 0.0
	for i := 0; i < steps; i++ {
		x := lo + (float64(i)+0.5)*step
		sum += f(x) * step
	}
	return sum
}

// BandKey hashes one (bands-th) contiguous slice of rows minhashes from sig
// into a single 64-bit bucket key, using the same seed as the signature's
// Hasher so the whole pipeline shares one deterministic hash family.
func BandKey(sig []uint64, band, rows int, seed uint64) uint64 {
	start := band * rows
	end := start + rows
	if end > len(sig) {
		end = len(sig)
	}
	h := seed ^ uint64(band)*0x9E3779B97F4A7C15
	for _, v := range sig[start:end] {
		h ^= v
		h *= 0xff51afd7ed558ccd
		h ^= h >> 33
	}
	h ^= h >> 29
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 32
	return h
}
