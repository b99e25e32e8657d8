// Package llmtest provides a scripted llm.Client for tests.
package llmtest

import (
	"context"
	"sync"

	"github.com/ehr/ehrctx/internal/platform/llm"
)

// Client returns canned responses. StructuredRaw is decoded with the same
// strict rules as the real backends, so malformed scripts exercise the
// protocol-violation path.
type Client struct {
	StructuredRaw string
	StructuredErr error
	Text          string
	TextErr       error

	// Optional hooks that override the canned values.
	OnStructured func(prompt string, schema llm.Schema) (string, error)
	OnText       func(prompt string) (string, error)

	mu                sync.Mutex
	structuredPrompts []string
	textPrompts       []string
	schemas           []llm.Schema
}

func (c *Client) GenerateStructured(ctx context.Context, prompt string, schema llm.Schema, out any) error {
	c.mu.Lock()
	c.structuredPrompts = append(c.structuredPrompts, prompt)
	c.schemas = append(c.schemas, schema)
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := c.StructuredRaw, c.StructuredErr
	if c.OnStructured != nil {
		raw, err = c.OnStructured(prompt, schema)
	}
	if err != nil {
		return err
	}
	return llm.DecodeStrict(raw, out)
}

func (c *Client) GenerateText(ctx context.Context, prompt string) (string, error) {
	c.mu.Lock()
	c.textPrompts = append(c.textPrompts, prompt)
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.OnText != nil {
		return c.OnText(prompt)
	}
	return c.Text, c.TextErr
}

func (c *Client) StructuredCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.structuredPrompts)
}

func (c *Client) TextCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.textPrompts)
}

// LastStructuredPrompt returns the most recent structured prompt, or "".
func (c *Client) LastStructuredPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.structuredPrompts) == 0 {
		return ""
	}
	return c.structuredPrompts[len(c.structuredPrompts)-1]
}

func (c *Client) LastTextPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.textPrompts) == 0 {
		return ""
	}
	return c.textPrompts[len(c.textPrompts)-1]
}

func (c *Client) LastSchema() llm.Schema {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.schemas) == 0 {
		return llm.Schema{}
	}
	return c.schemas[len(c.schemas)-1]
}
