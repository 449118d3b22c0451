package match

import (
	"sort"

	"scenegrouper/internal/hash"
)

// bkTree indexes multi-word hashes by Hamming distance. Nodes live in one
// slice and refer to their children by position, so the tree is cheap to
// build once per grouping and walking it allocates only the result.
type bkTree struct {
	nodes []bkNode
}

type bkNode struct {
	words    []uint64
	index    int
	children []bkEdge // sorted by dist
}

type bkEdge struct {
	dist int
	node int
}

// neighbor is a search hit with its distance to the query
type neighbor struct {
	index    int
	distance int
}

func newBKTree(capacity int) *bkTree {
	return &bkTree{nodes: make([]bkNode, 0, capacity)}
}

func (t *bkTree) len() int {
	return len(t.nodes)
}

// add stores words under index. Equal hashes chain through distance-0 edges.
func (t *bkTree) add(words []uint64, index int) {
	t.nodes = append(t.nodes, bkNode{words: words, index: index})
	added := len(t.nodes) - 1
	if added == 0 {
		return
	}

	cur := 0
	for {
		d := hash.HammingDistance(words, t.nodes[cur].words)
		edges := t.nodes[cur].children
		i := sort.Search(len(edges), func(i int) bool { return edges[i].dist >= d })
		if i < len(edges) && edges[i].dist == d {
			cur = edges[i].node
			continue
		}
		edges = append(edges, bkEdge{})
		copy(edges[i+1:], edges[i:])
		edges[i] = bkEdge{dist: d, node: added}
		t.nodes[cur].children = edges
		return
	}
}

// within returns every entry at distance <= radius from words. Subtrees
// outside [d-radius, d+radius] are pruned by the triangle inequality.
func (t *bkTree) within(words []uint64, radius int) []neighbor {
	if len(t.nodes) == 0 || radius < 0 {
		return nil
	}

	var out []neighbor
	stack := []int{0}
	for len(stack) > 0 {
		n := &t.nodes[stack[len(stack)-1]]
		stack = stack[:len(stack)-1]

		d := hash.HammingDistance(words, n.words)
		if d <= radius {
			out = append(out, neighbor{index: n.index, distance: d})
		}
		first := sort.Search(len(n.children), func(i int) bool { return n.children[i].dist >= d-radius })
		for _, e := range n.children[first:] {
			if e.dist > d+radius {
				break
			}
			stack = append(stack, e.node)
		}
	}
	return out
}
