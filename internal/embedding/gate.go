package embedding

import (
	"context"
	"fmt"
	"math"

	"scenegrouper/internal/models"
)

// DefaultMinSimilarity is the cosine similarity below which a hash pair is dropped
const DefaultMinSimilarity = 0.85

// Gate vetoes hash pairs whose representatives look different to CLIP.
// Pairs where either side has no embedding are allowed.
type Gate struct {
	vectors map[string][]float32
	min     float64
}

// NewGate creates a gate over vectors keyed by representative path
func NewGate(vectors map[string][]float32, minSimilarity float64) *Gate {
	return &Gate{vectors: vectors, min: minSimilarity}
}

// Allow implements match.PairFilter
func (g *Gate) Allow(a, b *models.Cluster) bool {
	va, okA := g.vectors[a.Representative]
	vb, okB := g.vectors[b.Representative]
	if !okA || !okB {
		return true
	}
	return Cosine(va, vb) >= g.min
}

// Len returns the number of embedded representatives
func (g *Gate) Len() int {
	return len(g.vectors)
}

// BuildGate embeds the preview of every cluster that has one
func BuildGate(ctx context.Context, c *Client, clusters []*models.Cluster, minSimilarity float64) (*Gate, error) {
	if _, err := c.Health(ctx); err != nil {
		return nil, err
	}

	var paths, reps []string
	for _, cl := range clusters {
		if cl.PreviewPath == "" {
			continue
		}
		paths = append(paths, cl.PreviewPath)
		reps = append(reps, cl.Representative)
	}

	vecs, err := c.Embeddings(ctx, paths)
	if err != nil {
		return nil, fmt.Errorf("failed to embed previews: %w", err)
	}

	vectors := make(map[string][]float32, len(vecs))
	for i, v := range vecs {
		if len(v) > 0 {
			vectors[reps[i]] = v
		}
	}
	return NewGate(vectors, minSimilarity), nil
}

// Cosine returns the cosine similarity of two vectors, 0 when undefined
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
