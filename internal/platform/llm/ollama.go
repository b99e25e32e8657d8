package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	olla "github.com/ollama/ollama/api"
)

// Ollama talks to a local Ollama server through /api/generate.
type Ollama struct {
	client *olla.Client
	model  string
}

func NewOllama(baseURL, model string, hc *http.Client) (*Ollama, error) {
	if model == "" {
		return nil, errors.New("ollama: model is required")
	}
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("ollama: invalid base URL: %w", err)
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Ollama{client: olla.NewClient(parsed, hc), model: model}, nil
}

func (o *Ollama) GenerateStructured(ctx context.Context, prompt string, schema Schema, out any) error {
	text, err := o.generate(ctx, &olla.GenerateRequest{
		Model:  o.model,
		Prompt: prompt,
		Format: schema.Definition,
	})
	if err != nil {
		return err
	}
	return DecodeStrict(text, out)
}

func (o *Ollama) GenerateText(ctx context.Context, prompt string) (string, error) {
	return o.generate(ctx, &olla.GenerateRequest{
		Model:  o.model,
		Prompt: prompt,
	})
}

func (o *Ollama) generate(ctx context.Context, req *olla.GenerateRequest) (string, error) {
	stream := false
	req.Stream = &stream

	var sb strings.Builder
	err := o.client.Generate(ctx, req, func(resp olla.GenerateResponse) error {
		sb.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	return sb.String(), nil
}
