package vision

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// OpenAI talks to any OpenAI-compatible chat completions endpoint
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI creates a client. An empty endpoint keeps the library default.
func NewOpenAI(endpoint, apiKey, model string, httpClient *http.Client) *OpenAI {
	config := openai.DefaultConfig(apiKey)
	if endpoint != "" {
		config.BaseURL = endpoint
	}
	if httpClient != nil {
		config.HTTPClient = httpClient
	}
	return &OpenAI{client: openai.NewClientWithConfig(config), model: model}
}

func (o *OpenAI) Provider() string { return ProviderOpenAI }
func (o *OpenAI) Model() string    { return o.model }

// Analyze sends the image inline as a data URL
func (o *OpenAI) Analyze(ctx context.Context, prompt string, image []byte) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx,
		openai.ChatCompletionRequest{
			Model: o.model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role: openai.ChatMessageRoleUser,
					MultiContent: []openai.ChatMessagePart{
						{
							Type: openai.ChatMessagePartTypeText,
							Text: prompt,
						},
						{
							Type: openai.ChatMessagePartTypeImageURL,
							ImageURL: &openai.ChatMessageImageURL{
								URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image),
							},
						},
					},
				},
			},
		},
	)
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in chat completion response")
	}
	return resp.Choices[0].Message.Content, nil
}
