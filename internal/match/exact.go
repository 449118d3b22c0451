package match

import (
	"scenegrouper/internal/hash"
	"scenegrouper/internal/models"
)

// ExactMatcher pairs clusters whose representative hashes are identical
type ExactMatcher struct{}

// NewExactMatcher creates a new ExactMatcher
func NewExactMatcher() *ExactMatcher {
	return &ExactMatcher{}
}

// FindPairs emits every pair of clusters sharing a hash, sorted by (A, B)
func (m *ExactMatcher) FindPairs(clusters []*models.Cluster) []Pair {
	if len(clusters) < 2 {
		return nil
	}

	// Group by hash
	hashMap := make(map[string][]int)
	for i, c := range clusters {
		if c != nil && len(c.Hash) == hash.HexLen {
			hashMap[c.Hash] = append(hashMap[c.Hash], i)
		}
	}

	var pairs []Pair
	for _, idx := range hashMap {
		for x := 0; x < len(idx); x++ {
			for y := x + 1; y < len(idx); y++ {
				pairs = append(pairs, Pair{A: idx[x], B: idx[y], SimilarityPercent: 100})
			}
		}
	}
	sortPairs(pairs)
	return pairs
}
