package ehrquery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ehrctx/internal/domain/ehrcontext"
	"github.com/ehr/ehrctx/internal/platform/llm"
)

// SelectionSchema constrains the selector's structured call to a bare list of
// ids with no other fields.
var SelectionSchema = llm.Schema{
	Name: "ehr_context_ids",
	Definition: json.RawMessage(`{
		"type": "object",
		"properties": {
			"ids": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["ids"],
		"additionalProperties": false
	}`),
}

// IDs is a pointer so a missing or null "ids" is told apart from an empty
// list.
type selection struct {
	IDs *[]string `json:"ids"`
}

// Selector asks the model which candidate items bear on a question.
type Selector struct {
	client  llm.Client
	prompts Prompts
	logger  zerolog.Logger
}

func NewSelector(client llm.Client, prompts Prompts, logger zerolog.Logger) *Selector {
	return &Selector{client: client, prompts: prompts, logger: logger}
}

// Select returns the ids the model chose, intersected with the candidate ids.
// The model's reply is untrusted: ids that are malformed or not among the
// candidates are dropped and logged, never returned. A reply with no
// parseable value is an error wrapping llm.ErrNoStructuredOutput.
func (s *Selector) Select(ctx context.Context, question string, candidates []*ehrcontext.ContextItem) (IDSet, error) {
	if len(candidates) == 0 {
		return IDSet{}, nil
	}

	var out selection
	prompt := s.prompts.SelectionPrompt(question, candidates)
	if err := s.client.GenerateStructured(ctx, prompt, SelectionSchema, &out); err != nil {
		return nil, err
	}
	if out.IDs == nil {
		return nil, fmt.Errorf("%w: reply has no ids value", llm.ErrNoStructuredOutput)
	}

	known := make(IDSet, len(candidates))
	for _, item := range candidates {
		known[item.ID] = struct{}{}
	}

	selected := IDSet{}
	var malformed, unknown int
	for _, raw := range *out.IDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			malformed++
			continue
		}
		if !known.Contains(id) {
			unknown++
			continue
		}
		selected[id] = struct{}{}
	}

	if malformed > 0 || unknown > 0 {
		s.logger.Warn().
			Int("malformed_ids", malformed).
			Int("unknown_ids", unknown).
			Int("returned_ids", len(*out.IDs)).
			Msg("dropped ids outside the candidate set")
	}
	return selected, nil
}
