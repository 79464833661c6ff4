package behavior

import (
	"math"
	"sort"
)

// Mean returns the arithmetic mean of values, 0 for an empty slice
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// StdDev returns the population standard deviation of values
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := Mean(values)
	sumSq := 0.0
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)))
}

// Percentile returns the p-th percentile of values using linear
// interpolation between closest ranks. p is in [0,100].
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	idx := p / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(idx))
	upper := int(math.Ceil(idx))
	if lower == upper {
		return sorted[lower]
	}
	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

// ShannonEntropy returns the entropy in bits of a frequency distribution
func ShannonEntropy(counts map[string]int) float64 {
	total := 0
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return 0
	}
	entropy := 0.0
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// topKeys returns the keys with the highest counts, ties broken by key
// order for determinism
func topKeys[K int | string](counts map[K]int, k int) []K {
	type kv struct {
		key   K
		count int
	}
	pairs := make([]kv, 0, len(counts))
	for key, c := range counts {
		pairs = append(pairs, kv{key, c})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].count != pairs[j].count {
			return pairs[i].count > pairs[j].count
		}
		return pairs[i].key < pairs[j].key
	})
	if k > len(pairs) {
		k = len(pairs)
	}
	keys := make([]K, 0, k)
	for _, p := range pairs[:k] {
		keys = append(keys, p.key)
	}
	return keys
}
