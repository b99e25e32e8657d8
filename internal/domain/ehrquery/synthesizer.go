package ehrquery

import (
	"context"

	"github.com/ehr/ehrctx/internal/domain/ehrcontext"
	"github.com/ehr/ehrctx/internal/platform/llm"
)

// Synthesizer composes the final answer from the selected items.
type Synthesizer struct {
	client  llm.Client
	prompts Prompts
}

func NewSynthesizer(client llm.Client, prompts Prompts) *Synthesizer {
	return &Synthesizer{client: client, prompts: prompts}
}

// Answer always calls the model, even with no items, so that it can state the
// information is insufficient. The reply is returned verbatim.
func (s *Synthesizer) Answer(ctx context.Context, question string, items []*ehrcontext.ContextItem) (string, error) {
	return s.client.GenerateText(ctx, s.prompts.AnswerPrompt(question, items))
}
