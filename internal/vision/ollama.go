package vision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	ollapi "github.com/ollama/ollama/api"
	"github.com/samber/lo"
)

// Ollama talks to a local Ollama server
type Ollama struct {
	client *ollapi.Client
	model  string
}

// NewOllama creates a client for the server at endpoint
func NewOllama(endpoint, model string, httpClient *http.Client) (*Ollama, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama endpoint %q: %w", endpoint, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Ollama{client: ollapi.NewClient(u, httpClient), model: model}, nil
}

func (o *Ollama) Provider() string { return ProviderOllama }
func (o *Ollama) Model() string    { return o.model }

// Analyze sends one non-streaming generate request
func (o *Ollama) Analyze(ctx context.Context, prompt string, image []byte) (string, error) {
	var answer string
	err := o.client.Generate(ctx,
		&ollapi.GenerateRequest{
			Model:     o.model,
			Prompt:    prompt,
			Format:    json.RawMessage(`"json"`),
			Stream:    lo.ToPtr(false),
			KeepAlive: lo.ToPtr(ollapi.Duration{Duration: 5 * time.Minute}),
			Images:    []ollapi.ImageData{image},
		},
		func(resp ollapi.GenerateResponse) error {
			answer += resp.Response
			return nil
		},
	)
	if err != nil {
		return "", fmt.Errorf("ollama generate failed: %w", err)
	}
	if answer == "" {
		return "", errors.New("empty response from ollama")
	}
	return answer, nil
}
