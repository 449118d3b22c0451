// Package match unites visually similar clusters into super-groups.
package match

import (
	"sort"

	"github.com/google/uuid"

	"scenegrouper/internal/hash"
	"scenegrouper/internal/models"
)

// DefaultThreshold is the default Hamming distance bound; pairs must be strictly below it
const DefaultThreshold = 13

var groupNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("scenegrouper/supergroup"))

// GroupID derives a stable group id from the main representative path
func GroupID(mainRepPath string) string {
	return uuid.NewSHA1(groupNamespace, []byte(mainRepPath)).String()
}

// Pair is a similar pair of clusters, identified by their input indices (A < B)
type Pair struct {
	A, B              int
	Distance          int
	SimilarityPercent int
}

// PairFilter can veto a pair found by hash distance
type PairFilter interface {
	Allow(a, b *models.Cluster) bool
}

// Matcher is the interface for pair detection strategies
type Matcher interface {
	FindPairs(clusters []*models.Cluster) []Pair
}

// Group runs m over clusters and builds super-groups from the pairs
func Group(m Matcher, clusters []*models.Cluster) []*models.SuperGroup {
	return buildGroups(clusters, m.FindPairs(clusters))
}

// parsedHashes decodes every cluster hash; unusable hashes are nil
func parsedHashes(clusters []*models.Cluster) [][]uint64 {
	out := make([][]uint64, len(clusters))
	for i, c := range clusters {
		if c == nil || c.Hash == "" {
			continue
		}
		if h, err := hash.Parse(c.Hash); err == nil {
			out[i] = h
		}
	}
	return out
}

func sortPairs(pairs []Pair) {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].A != pairs[j].A {
			return pairs[i].A < pairs[j].A
		}
		return pairs[i].B < pairs[j].B
	})
}

// buildGroups unions the pairs and emits one SuperGroup per component,
// including singletons, ordered by the earliest member in cluster order.
func buildGroups(clusters []*models.Cluster, pairs []Pair) []*models.SuperGroup {
	n := len(clusters)
	if n == 0 {
		return nil
	}

	uf := newUnionFind(n)
	connections := make([]int, n)
	for _, p := range pairs {
		uf.union(p.A, p.B)
		connections[p.A]++
		connections[p.B]++
	}

	var roots []int
	members := make(map[int][]int)
	for i := 0; i < n; i++ {
		root := uf.find(i)
		if _, ok := members[root]; !ok {
			roots = append(roots, root)
		}
		members[root] = append(members[root], i)
	}

	hashes := parsedHashes(clusters)
	groups := make([]*models.SuperGroup, 0, len(roots))
	for _, root := range roots {
		groups = append(groups, newSuperGroup(clusters, hashes, members[root], connections))
	}
	return groups
}

// newSuperGroup elects the member with the most connections as main rep.
// Ties go to the earliest member; idx is in cluster order.
func newSuperGroup(clusters []*models.Cluster, hashes [][]uint64, idx []int, connections []int) *models.SuperGroup {
	main := idx[0]
	for _, i := range idx[1:] {
		if connections[i] > connections[main] {
			main = i
		}
	}

	reps := make([]models.SimilarRep, 0, len(idx)-1)
	for _, i := range idx {
		if i == main {
			continue
		}
		reps = append(reps, models.SimilarRep{
			Cluster:           clusters[i],
			SimilarityPercent: similarity(hashes[main], hashes[i]),
		})
	}
	SortSimilarReps(reps)

	return &models.SuperGroup{
		ID:              GroupID(clusters[main].Representative),
		MainRep:         clusters[main],
		SimilarReps:     reps,
		ConnectionCount: len(reps),
	}
}

// SortSimilarReps orders by descending similarity, keeping input order on ties
func SortSimilarReps(reps []models.SimilarRep) {
	sort.SliceStable(reps, func(i, j int) bool {
		return reps[i].SimilarityPercent > reps[j].SimilarityPercent
	})
}

// Similarity returns the similarity percent of two hex hashes, 0 when either is unusable
func Similarity(a, b string) int {
	d, err := hash.Distance(a, b)
	if err != nil {
		return 0
	}
	return hash.SimilarityPercent(d)
}

func similarity(a, b []uint64) int {
	if a == nil || b == nil {
		return 0
	}
	return hash.SimilarityPercent(hash.HammingDistance(a, b))
}
