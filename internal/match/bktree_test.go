package match

import (
	"testing"

	"scenegrouper/internal/hash"
)

func h(w uint64) []uint64 {
	return []uint64{w, 0, 0, 0}
}

func indices(results []neighbor) []int {
	out := make([]int, len(results))
	for i, r := range results {
		out[i] = r.index
	}
	return out
}

func containsAll(results []int, expected []int) bool {
	if len(results) != len(expected) {
		return false
	}
	seen := make(map[int]bool)
	for _, r := range results {
		seen[r] = true
	}
	for _, e := range expected {
		if !seen[e] {
			return false
		}
	}
	return true
}

func TestBKTree_Empty(t *testing.T) {
	tree := newBKTree(0)

	if got := tree.within(h(0), 10); len(got) != 0 {
		t.Errorf("expected no hits in an empty tree, got %v", got)
	}
	if tree.len() != 0 {
		t.Errorf("expected len 0, got %d", tree.len())
	}
}

func TestBKTree_Radius(t *testing.T) {
	tree := newBKTree(5)
	entries := [][]uint64{
		h(0b0000), // 0
		h(0b0001), // 1: distance 1 from the query
		h(0b0011), // 2: distance 2
		h(0b1111), // 3: distance 4
		h(0b0000), // 4: same hash as 0
	}
	for i, w := range entries {
		tree.add(w, i)
	}
	if tree.len() != 5 {
		t.Fatalf("expected len 5, got %d", tree.len())
	}

	tests := []struct {
		radius   int
		expected []int
	}{
		{-1, nil},
		{0, []int{0, 4}},
		{1, []int{0, 1, 4}},
		{3, []int{0, 1, 2, 4}},
		{4, []int{0, 1, 2, 3, 4}},
	}
	for _, tt := range tests {
		got := indices(tree.within(h(0), tt.radius))
		if !containsAll(got, tt.expected) {
			t.Errorf("radius %d: expected %v, got %v", tt.radius, tt.expected, got)
		}
	}
}

func TestBKTree_ReportsDistance(t *testing.T) {
	tree := newBKTree(1)
	tree.add(h(0b1111), 7)

	got := tree.within(h(0b1100), 2)
	if len(got) != 1 || got[0].index != 7 || got[0].distance != 2 {
		t.Errorf("expected index 7 at distance 2, got %v", got)
	}
}

func TestBKTree_AllWordsCount(t *testing.T) {
	tree := newBKTree(2)
	tree.add([]uint64{0, 0, 0, 0}, 0)
	tree.add([]uint64{0, 0, 0, 0xFF}, 1)

	got := indices(tree.within([]uint64{0, 0, 0, 0x0F}, 4))
	if !containsAll(got, []int{0, 1}) {
		t.Errorf("expected both entries, got %v", got)
	}
}

// The tree must agree with a linear scan
func TestBKTree_MatchesLinearScan(t *testing.T) {
	var entries [][]uint64
	for i := 0; i < 300; i++ {
		x := uint64(i) * 0x9E3779B97F4A7C15
		entries = append(entries, []uint64{x, x >> 7, 0, uint64(i % 3)})
	}
	tree := newBKTree(len(entries))
	for i, w := range entries {
		tree.add(w, i)
	}

	for q := 0; q < len(entries); q += 37 {
		var want []int
		for i, w := range entries {
			if hash.HammingDistance(entries[q], w) <= 40 {
				want = append(want, i)
			}
		}
		got := indices(tree.within(entries[q], 40))
		if !containsAll(got, want) {
			t.Errorf("query %d: tree found %d entries, scan found %d", q, len(got), len(want))
		}
	}
}

func TestUnionFind(t *testing.T) {
	uf := newUnionFind(5)

	for i := 0; i < 5; i++ {
		if uf.find(i) != i {
			t.Errorf("expected %d to be its own root", i)
		}
	}

	uf.union(0, 1)
	if uf.find(0) != uf.find(1) {
		t.Error("expected 0 and 1 to be in same group")
	}

	uf.union(2, 3)
	if uf.find(2) != uf.find(3) {
		t.Error("expected 2 and 3 to be in same group")
	}

	if uf.find(4) == uf.find(0) || uf.find(4) == uf.find(2) {
		t.Error("expected 4 to be separate")
	}

	uf.union(1, 3)
	if uf.find(0) != uf.find(2) {
		t.Error("expected all of 0,1,2,3 to be in same group")
	}
}

func BenchmarkBKTree_Within(b *testing.B) {
	tree := newBKTree(10000)
	for i := 0; i < 10000; i++ {
		tree.add(h(uint64(i*12345)), i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tree.within(h(uint64(i*12345)), 12)
	}
}
