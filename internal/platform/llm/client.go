// Package llm wraps the language-model backends used to select and answer
// over patient context.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Client is a language-model collaborator. Implementations must be safe for
// concurrent use.
type Client interface {
	// GenerateStructured asks the model for a value conforming to schema and
	// decodes it into out. Output that is empty or does not decode strictly
	// into out yields ErrNoStructuredOutput.
	GenerateStructured(ctx context.Context, prompt string, schema Schema, out any) error
	// GenerateText returns the model's free-text completion verbatim.
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// Schema is a named JSON Schema for structured output.
type Schema struct {
	Name       string
	Definition json.RawMessage
}

// ErrNoStructuredOutput means the model produced nothing that parses as the
// requested structure.
var ErrNoStructuredOutput = errors.New("model returned no parseable structured output")

// DecodeStrict decodes raw into out, rejecting a top-level null, unknown
// fields and trailing data. Every failure wraps ErrNoStructuredOutput.
func DecodeStrict(raw string, out any) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%w: empty response", ErrNoStructuredOutput)
	}
	if raw == "null" {
		return fmt.Errorf("%w: null response", ErrNoStructuredOutput)
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrNoStructuredOutput, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data after JSON value", ErrNoStructuredOutput)
	}
	return nil
}
