package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gathered sums every sample of the named family
func gathered(t *testing.T, c *Collector, name string) float64 {
	t.Helper()
	families, err := c.Registry().Gather()
	require.NoError(t, err)

	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return total
}

func TestCollector_Counts(t *testing.T) {
	c := New()

	c.PreviewGenerated()
	c.PreviewGenerated()
	c.PreviewCacheHit()
	c.HashFailed()
	c.ScanFinished(10, 2)
	c.ModelRequest("ollama", OutcomeOK, time.Second)
	c.ModelRequest("ollama", OutcomeTimeout, 30*time.Second)

	assert.Equal(t, 2.0, gathered(t, c, "scenegrouper_previews_generated_total"))
	assert.Equal(t, 1.0, gathered(t, c, "scenegrouper_preview_cache_hits_total"))
	assert.Equal(t, 0.0, gathered(t, c, "scenegrouper_preview_failures_total"))
	assert.Equal(t, 1.0, gathered(t, c, "scenegrouper_hash_failures_total"))
	assert.Equal(t, 10.0, gathered(t, c, "scenegrouper_files_scanned_total"))
	assert.Equal(t, 2.0, gathered(t, c, "scenegrouper_files_skipped_total"))
	assert.Equal(t, 2.0, gathered(t, c, "scenegrouper_model_requests_total"))
	assert.Equal(t, 2.0, gathered(t, c, "scenegrouper_model_request_duration_seconds"))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.PreviewGenerated()
		c.PreviewFailed()
		c.ModelRequest("openai", OutcomeAuth, time.Millisecond)
	})
	assert.NoError(t, c.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")))
	assert.Nil(t, c.Registry())
}

func TestCollector_WriteTextfile(t *testing.T) {
	c := New()
	c.PreviewGenerated()

	path := filepath.Join(t.TempDir(), "scenegrouper.prom")
	require.NoError(t, c.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "scenegrouper_previews_generated_total 1")
}
