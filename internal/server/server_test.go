package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scenegrouper/internal/analysis"
	"scenegrouper/internal/hash"
	"scenegrouper/internal/match"
	"scenegrouper/internal/models"
	"scenegrouper/internal/state"
	"scenegrouper/internal/vision"
)

func bits(positions ...int) string {
	w := make([]uint64, 4)
	for _, p := range positions {
		w[p/64] |= 1 << (p % 64)
	}
	return hash.Format(w)
}

// newStore holds one group {a, b, c} led by a and a singleton d
func newStore(t *testing.T) (*state.Store, string, string) {
	t.Helper()
	far := make([]int, 0, 40)
	for i := 100; i < 140; i++ {
		far = append(far, i)
	}
	clusters := []*models.Cluster{
		{Representative: "/p/a.CR2", ImagePaths: []string{"/p/a.CR2", "/p/a2.CR2"}, Hash: bits()},
		{Representative: "/p/b.CR2", ImagePaths: []string{"/p/b.CR2"}, Hash: bits(1)},
		{Representative: "/p/c.CR2", ImagePaths: []string{"/p/c.CR2"}, Hash: bits(1, 2, 3)},
		{Representative: "/p/d.CR2", ImagePaths: []string{"/p/d.CR2"}, Hash: bits(far...)},
	}
	groups := match.NewPerceptualMatcher(match.DefaultThreshold).Group(clusters)
	require.Len(t, groups, 2)

	s := state.NewStore()
	require.NoError(t, s.Replace(clusters, groups))
	return s, match.GroupID("/p/a.CR2"), match.GroupID("/p/d.CR2")
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestListEndpoints(t *testing.T) {
	store, _, _ := newStore(t)
	h := New(store).Handler()

	rec := do(t, h, http.MethodGet, "/api/groups", "")
	require.Equal(t, http.StatusOK, rec.Code)
	groups := decodeBody[[]models.SuperGroup](t, rec)
	require.Len(t, groups, 2)
	assert.Equal(t, "/p/a.CR2", groups[0].MainRep.Representative)
	assert.Len(t, groups[0].SimilarReps, 2)

	rec = do(t, h, http.MethodGet, "/api/clusters", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]models.Cluster](t, rec), 4)

	rec = do(t, h, http.MethodGet, "/api/groups/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestKeywordEndpoints(t *testing.T) {
	store, _, _ := newStore(t)
	h := New(store).Handler()

	rec := do(t, h, http.MethodPut, "/api/keywords", `{"clusterId":"/p/b.CR2","keywords":[" lake ","Lake","boat",""]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"lake", "boat"}, decodeBody[models.Cluster](t, rec).Keywords)

	rec = do(t, h, http.MethodPost, "/api/keywords", `{"clusterId":"/p/b.CR2","keyword":"BOAT"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/keywords", `{"clusterId":"/p/b.CR2","keyword":"dock"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"lake", "boat", "dock"}, decodeBody[models.Cluster](t, rec).Keywords)

	rec = do(t, h, http.MethodPatch, "/api/keywords", `{"clusterId":"/p/b.CR2","from":"lake","to":"fjord"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"fjord", "boat", "dock"}, decodeBody[models.Cluster](t, rec).Keywords)

	rec = do(t, h, http.MethodDelete, "/api/keywords", `{"clusterId":"/p/b.CR2","keyword":"boat"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"fjord", "dock"}, decodeBody[models.Cluster](t, rec).Keywords)

	rec = do(t, h, http.MethodDelete, "/api/keywords", `{"clusterId":"/p/b.CR2","keyword":"boat"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/keywords", `{"clusterId":"/p/zzz.CR2","keyword":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestValidation(t *testing.T) {
	store, _, _ := newStore(t)
	h := New(store).Handler()

	tests := []struct {
		name, method, target, body, want string
	}{
		{"missing cluster", http.MethodPost, "/api/keywords", `{"keyword":"x"}`, "clusterId is required"},
		{"missing keyword", http.MethodPost, "/api/keywords", `{"clusterId":"/p/a.CR2"}`, "keyword is required"},
		{"unknown field", http.MethodPut, "/api/gps", `{"clusterId":"/p/a.CR2","value":"1,2","alt":3}`, "invalid request body"},
		{"not json", http.MethodPut, "/api/gps", `lat=1`, "invalid request body"},
		{"threshold range", http.MethodPost, "/api/regroup", `{"threshold":300}`, "threshold must be at most 256"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.target, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decodeBody[errorResponse](t, rec).Error, tt.want)
		})
	}
}

func TestGPSEndpoints(t *testing.T) {
	store, _, _ := newStore(t)
	h := New(store).Handler()

	rec := do(t, h, http.MethodPut, "/api/gps", `{"clusterId":"/p/a.CR2","value":"91, 10"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPut, "/api/gps", `{"clusterId":"/p/a.CR2","value":"67.9323, 13.0887"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	c := decodeBody[models.Cluster](t, rec)
	require.NotNil(t, c.GPS)
	assert.InDelta(t, 67.9323, c.GPS.Latitude, 1e-9)
	assert.Equal(t, models.GPSSourceManual, c.GPS.Source)

	rec = do(t, h, http.MethodDelete, "/api/gps", `{"clusterId":"/p/a.CR2"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decodeBody[models.Cluster](t, rec).GPS)
}

func TestPromptEndpoints(t *testing.T) {
	store, groupA, _ := newStore(t)
	h := New(store).Handler()

	rec := do(t, h, http.MethodPut, "/api/groups/"+groupA+"/prompt", `{"prompt":"Name the lake."}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Name the lake.", decodeBody[models.SuperGroup](t, rec).MainRep.CustomPrompt)

	rec = do(t, h, http.MethodDelete, "/api/groups/"+groupA+"/prompt", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[models.SuperGroup](t, rec).MainRep.CustomPrompt)

	rec = do(t, h, http.MethodPut, "/api/groups/missing/prompt", `{"prompt":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReshapeEndpoints(t *testing.T) {
	store, groupA, groupD := newStore(t)
	h := New(store).Handler()

	rec := do(t, h, http.MethodPost, "/api/groups/"+groupA+"/extract", `{"clusterId":"/p/c.CR2"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "/p/c.CR2", decodeBody[models.SuperGroup](t, rec).MainRep.Representative)
	assert.Len(t, store.Groups(), 3)

	rec = do(t, h, http.MethodPost, "/api/groups/"+groupA+"/extract", `{"clusterId":"/p/a.CR2"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "main rep cannot be extracted")

	rec = do(t, h, http.MethodPost, "/api/groups/"+groupA+"/merge", fmt.Sprintf(`{"sourceGroupId":%q}`, groupD))
	require.Equal(t, http.StatusOK, rec.Code)
	merged := decodeBody[models.SuperGroup](t, rec)
	assert.Len(t, merged.SimilarReps, 2)
	assert.Len(t, store.Groups(), 2)

	rec = do(t, h, http.MethodPost, "/api/groups/"+groupA+"/merge", fmt.Sprintf(`{"sourceGroupId":%q}`, groupA))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/regroup", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]models.SuperGroup](t, rec), 2, "default threshold restores the scan grouping")

	rec = do(t, h, http.MethodPost, "/api/regroup", `{"threshold":0}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]models.SuperGroup](t, rec), 4)
}

type fakeAnalyzer struct {
	report analysis.Report
	err    error
	called string
}

func (f *fakeAnalyzer) AnalyzeGroup(_ context.Context, groupID string) (analysis.Report, error) {
	f.called = groupID
	return f.report, f.err
}

func TestAnalyzeEndpoint(t *testing.T) {
	store, groupA, _ := newStore(t)

	rec := do(t, New(store).Handler(), http.MethodPost, "/api/groups/"+groupA+"/analyze", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	fa := &fakeAnalyzer{report: analysis.Report{
		GroupID:  groupA,
		StoredAs: groupA,
		MainRep:  "/p/a.CR2",
		Result:   &models.AnalysisResult{Title: "Lake"},
		Duration: 1500 * time.Millisecond,
	}}
	h := New(store, WithAnalyzer(fa)).Handler()
	rec = do(t, h, http.MethodPost, "/api/groups/"+groupA+"/analyze", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, groupA, fa.called)
	resp := decodeBody[analyzeResponse](t, rec)
	assert.Equal(t, "Lake", resp.Result.Title)
	assert.Equal(t, int64(1500), resp.DurationMs)

	errs := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("call: %w", vision.ErrModelTimeout), http.StatusGatewayTimeout},
		{vision.ErrModelAuth, http.StatusBadGateway},
		{analysis.ErrModelBadJSON, http.StatusBadGateway},
		{state.ErrGroupNotFound, http.StatusNotFound},
	}
	for _, e := range errs {
		fa.err = e.err
		rec = do(t, h, http.MethodPost, "/api/groups/"+groupA+"/analyze", "")
		assert.Equal(t, e.code, rec.Code, e.err.Error())
	}
}

func TestPreviewEndpoint(t *testing.T) {
	dir := t.TempDir()
	previewPath := filepath.Join(dir, "a.jpg")
	require.NoError(t, os.WriteFile(previewPath, []byte("\xff\xd8jpeg"), 0644))

	clusters := []*models.Cluster{
		{Representative: "/p/a.CR2", ImagePaths: []string{"/p/a.CR2", "/p/a2.CR2"}, PreviewPath: previewPath},
		{Representative: "/p/b.CR2", ImagePaths: []string{"/p/b.CR2"}, PreviewPath: filepath.Join(dir, "gone.jpg")},
	}
	store := state.NewStore()
	require.NoError(t, store.Replace(clusters, match.NewPerceptualMatcher(match.DefaultThreshold).Group(clusters)))
	h := New(store).Handler()

	rec := do(t, h, http.MethodGet, "/api/preview?path=/p/a2.CR2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "\xff\xd8jpeg", rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/preview", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/preview?path=/etc/passwd", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/preview?path=/p/b.CR2", "").Code)
}

func TestCORS(t *testing.T) {
	store, _, _ := newStore(t)
	h := New(store).Handler()

	req := httptest.NewRequest(http.MethodOptions, "/api/keywords", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPatch)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServe_StopsOnContextAndIdle(t *testing.T) {
	store, _, _ := newStore(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(store).serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop after cancel")
	}

	ln, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { done <- New(store, WithIdleTimeout(80*time.Millisecond)).serve(context.Background(), ln) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop after idle timeout")
	}
}
