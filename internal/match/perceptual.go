package match

import (
	"go.uber.org/zap"

	"scenegrouper/internal/hash"
	"scenegrouper/internal/models"
)

// PerceptualMatcher pairs clusters whose representative hashes differ by
// fewer than threshold bits
type PerceptualMatcher struct {
	threshold int
	filter    PairFilter
	logger    *zap.Logger
}

// Option configures a PerceptualMatcher
type Option func(*PerceptualMatcher)

// WithPairFilter sets a secondary check applied to every hash pair
func WithPairFilter(f PairFilter) Option {
	return func(m *PerceptualMatcher) {
		m.filter = f
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(m *PerceptualMatcher) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewPerceptualMatcher creates a new PerceptualMatcher
func NewPerceptualMatcher(threshold int, opts ...Option) *PerceptualMatcher {
	if threshold < 0 {
		threshold = DefaultThreshold
	}
	m := &PerceptualMatcher{threshold: threshold, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetThreshold returns the current threshold
func (m *PerceptualMatcher) GetThreshold() int {
	return m.threshold
}

// FindPairs emits every pair with distance < threshold, sorted by (A, B).
// Uses a BK-tree instead of comparing all pairs; the result is the same.
func (m *PerceptualMatcher) FindPairs(clusters []*models.Cluster) []Pair {
	if m.threshold <= 0 || len(clusters) < 2 {
		return nil
	}

	var pairs []Pair
	if m.threshold == 1 {
		// Only identical hashes qualify
		pairs = NewExactMatcher().FindPairs(clusters)
	} else {
		hashes := parsedHashes(clusters)
		tree := newBKTree(len(hashes))
		for i, h := range hashes {
			if h == nil {
				continue
			}
			for _, nb := range tree.within(h, m.threshold-1) {
				pairs = append(pairs, Pair{
					A:                 nb.index,
					B:                 i,
					Distance:          nb.distance,
					SimilarityPercent: hash.SimilarityPercent(nb.distance),
				})
			}
			tree.add(h, i)
		}
		sortPairs(pairs)
	}

	if m.filter == nil {
		return pairs
	}

	kept := pairs[:0]
	for _, p := range pairs {
		if m.filter.Allow(clusters[p.A], clusters[p.B]) {
			kept = append(kept, p)
			continue
		}
		m.logger.Debug("pair rejected by filter",
			zap.String("a", clusters[p.A].Representative),
			zap.String("b", clusters[p.B].Representative),
			zap.Int("distance", p.Distance))
	}
	return kept
}

// Group builds super-groups from clusters
func (m *PerceptualMatcher) Group(clusters []*models.Cluster) []*models.SuperGroup {
	return Group(m, clusters)
}
