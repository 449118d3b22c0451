package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scenegrouper/internal/models"
)

func fakeService(t *testing.T, vectors map[string][]float32, healthy bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		if !healthy {
			status = "loading"
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status, "device": "cpu"})
	})
	mux.HandleFunc("/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req embeddingsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		out := make([][]float32, len(req.Paths))
		for i, p := range req.Paths {
			out[i] = vectors[p]
		}
		_ = json.NewEncoder(w).Encode(embeddingsResponse{Embeddings: out})
	})
	mux.HandleFunc("/similarity", func(w http.ResponseWriter, r *http.Request) {
		var req similarityRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		var dot float64
		for i := range req.Emb1 {
			dot += float64(req.Emb1[i]) * float64(req.Emb2[i])
		}
		_ = json.NewEncoder(w).Encode(similarityResponse{Similarity: dot})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, math.Sqrt(0.5), Cosine([]float32{1, 1}, []float32{1, 0}), 1e-6)
	assert.Equal(t, 0.0, Cosine([]float32{1}, []float32{1, 0}))
	assert.Equal(t, 0.0, Cosine(nil, nil))
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 0}))
}

func TestGate_Allow(t *testing.T) {
	g := NewGate(map[string][]float32{
		"/a": {1, 0},
		"/b": {0.99, 0.1},
		"/c": {0, 1},
	}, DefaultMinSimilarity)

	a := &models.Cluster{Representative: "/a"}
	b := &models.Cluster{Representative: "/b"}
	c := &models.Cluster{Representative: "/c"}
	unknown := &models.Cluster{Representative: "/unknown"}

	assert.True(t, g.Allow(a, b))
	assert.False(t, g.Allow(a, c))
	assert.True(t, g.Allow(a, unknown), "missing embeddings must not veto a pair")
	assert.Equal(t, 3, g.Len())
}

func TestClient_Embeddings(t *testing.T) {
	srv := fakeService(t, map[string][]float32{"/p/a.jpg": {1, 0}}, true)
	c := NewClient(srv.URL + "/")

	vecs, err := c.Embeddings(context.Background(), []string{"/p/a.jpg", "/p/missing.jpg"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{1, 0}, vecs[0])
	assert.Nil(t, vecs[1])
}

func TestClient_EmbeddingsBatches(t *testing.T) {
	vectors := make(map[string][]float32)
	var paths []string
	for i := 0; i < batchSize*2+3; i++ {
		p := "/p/" + string(rune('a'+i%26)) + string(rune('a'+i/26)) + ".jpg"
		paths = append(paths, p)
		vectors[p] = []float32{float32(i)}
	}
	srv := fakeService(t, vectors, true)

	vecs, err := NewClient(srv.URL).Embeddings(context.Background(), paths)
	require.NoError(t, err)
	require.Len(t, vecs, len(paths))
	for i := range paths {
		assert.Equal(t, []float32{float32(i)}, vecs[i])
	}
}

func TestClient_Health(t *testing.T) {
	srv := fakeService(t, nil, true)
	h, err := NewClient(srv.URL).Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cpu", h.Device)

	down := fakeService(t, nil, false)
	_, err = NewClient(down.URL).Health(context.Background())
	assert.Error(t, err)
}

func TestClient_Similarity(t *testing.T) {
	c := NewClient(fakeService(t, nil, true).URL)
	a := []float32{0.6, 0.8}
	b := []float32{1, 0}

	got, err := c.Similarity(context.Background(), a, b)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, got, 1e-6)
	assert.InDelta(t, Cosine(a, b), got, 1e-6)

	_, err = c.Similarity(context.Background(), a, []float32{1})
	assert.Error(t, err)
}

func TestClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Embeddings(context.Background(), []string{"/a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestBuildGate(t *testing.T) {
	srv := fakeService(t, map[string][]float32{
		"/cache/a.jpg": {1, 0},
		"/cache/b.jpg": {0, 1},
	}, true)

	clusters := []*models.Cluster{
		{Representative: "/photos/a.CR2", PreviewPath: "/cache/a.jpg"},
		{Representative: "/photos/b.CR2", PreviewPath: "/cache/b.jpg"},
		{Representative: "/photos/c.CR2"},
	}

	g, err := BuildGate(context.Background(), NewClient(srv.URL), clusters, DefaultMinSimilarity)
	require.NoError(t, err)
	assert.Equal(t, 2, g.Len())
	assert.False(t, g.Allow(clusters[0], clusters[1]))
	assert.True(t, g.Allow(clusters[0], clusters[2]))
}
