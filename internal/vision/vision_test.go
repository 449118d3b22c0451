package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jpegStub = []byte{0xff, 0xd8, 0xff, 0xd9}

type fakeClient struct {
	calls atomic.Int32
	fn    func(ctx context.Context) (string, error)
}

func (f *fakeClient) Analyze(ctx context.Context, _ string, _ []byte) (string, error) {
	f.calls.Add(1)
	return f.fn(ctx)
}
func (f *fakeClient) Provider() string { return ProviderOllama }
func (f *fakeClient) Model() string    { return "fake" }

func TestOllama_Analyze(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)

		var req struct {
			Model  string   `json:"model"`
			Prompt string   `json:"prompt"`
			Format string   `json:"format"`
			Stream *bool    `json:"stream"`
			Images []string `json:"images"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llava:latest", req.Model)
		assert.Equal(t, "describe", req.Prompt)
		assert.Equal(t, "json", req.Format)
		require.NotNil(t, req.Stream)
		assert.False(t, *req.Stream)
		require.Len(t, req.Images, 1)
		assert.Equal(t, base64.StdEncoding.EncodeToString(jpegStub), req.Images[0])

		io.WriteString(w, `{"model":"llava:latest","response":"{\"title\":\"Lake\"}","done":true}`+"\n")
	}))
	defer srv.Close()

	c, err := New(Config{Provider: ProviderOllama, Endpoint: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, ProviderOllama, c.Provider())
	assert.Equal(t, DefaultModel, c.Model())

	out, err := c.Analyze(context.Background(), "describe", jpegStub)
	require.NoError(t, err)
	assert.Equal(t, `{"title":"Lake"}`, out)
}

func TestOllama_AuthIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, "{}\n")
	}))
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL, Attempts: 3}, WithRetryDelay(time.Millisecond))
	require.NoError(t, err)

	_, err = c.Analyze(context.Background(), "p", jpegStub)
	assert.ErrorIs(t, err, ErrModelAuth)
	assert.Equal(t, int32(1), hits.Load())
}

func TestOllama_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, "{}\n")
			return
		}
		io.WriteString(w, `{"response":"ok","done":true}`+"\n")
	}))
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL, Attempts: 3}, WithRetryDelay(time.Millisecond))
	require.NoError(t, err)

	out, err := c.Analyze(context.Background(), "p", jpegStub)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(2), hits.Load())
}

func TestOpenAI_Analyze(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "data:image/jpeg;base64,"+base64.StdEncoding.EncodeToString(jpegStub))
		assert.Contains(t, string(body), `"model":"gpt-4o"`)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"{\"title\":\"Dunes\"}"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	c, err := New(Config{Provider: "OpenAI", Endpoint: srv.URL, APIKey: "sk-test", Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, c.Provider())

	out, err := c.Analyze(context.Background(), "describe", jpegStub)
	require.NoError(t, err)
	assert.Equal(t, `{"title":"Dunes"}`, out)
}

func TestOpenAI_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"invalid api key","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	c, err := New(Config{Provider: ProviderOpenAI, Endpoint: srv.URL, APIKey: "bad", Attempts: 2}, WithRetryDelay(time.Millisecond))
	require.NoError(t, err)

	_, err = c.Analyze(context.Background(), "p", jpegStub)
	assert.ErrorIs(t, err, ErrModelAuth)
}

func TestResilient_Timeout(t *testing.T) {
	inner := &fakeClient{fn: func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	c := Wrap(inner, 20*time.Millisecond, 3)

	_, err := c.Analyze(context.Background(), "p", jpegStub)
	assert.ErrorIs(t, err, ErrModelTimeout)
	assert.Equal(t, int32(1), inner.calls.Load(), "timeouts are not retried")
}

func TestResilient_ParentCancel(t *testing.T) {
	inner := &fakeClient{fn: func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	c := Wrap(inner, time.Minute, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := c.Analyze(ctx, "p", jpegStub)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrModelTimeout)
}

func TestResilient_CircuitOpens(t *testing.T) {
	inner := &fakeClient{fn: func(context.Context) (string, error) {
		return "", errors.New("connection refused")
	}}
	c := Wrap(inner, time.Second, 1)

	for i := 0; i < 5; i++ {
		_, err := c.Analyze(context.Background(), "p", jpegStub)
		require.Error(t, err)
	}
	_, err := c.Analyze(context.Background(), "p", jpegStub)
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.Equal(t, int32(5), inner.calls.Load())
}

func TestNew_UnknownProvider(t *testing.T) {
	_, err := New(Config{Provider: "bard"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "bard"))
}

func TestDefaultTimeout(t *testing.T) {
	assert.Equal(t, 30*time.Second, DefaultTimeout(ProviderOllama))
	assert.Equal(t, 180*time.Second, DefaultTimeout(ProviderOpenAI))
	assert.Equal(t, 180*time.Second, Wrap(NewOpenAI("", "", "m", nil), 0, 0).Timeout())
}
