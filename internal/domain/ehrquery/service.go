package ehrquery

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/ehrctx/internal/domain/ehrcontext"
)

// ContextReader is the part of the context store the query flow reads from.
type ContextReader interface {
	ListByPatient(ctx context.Context, patientID string) ([]*ehrcontext.ContextItem, error)
}

type Service struct {
	store  ContextReader
	sel    *Selector
	synth  *Synthesizer
	logger zerolog.Logger
}

func NewService(store ContextReader, sel *Selector, synth *Synthesizer, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		sel:    sel,
		synth:  synth,
		logger: logger.With().Str("component", "ehr_query").Logger(),
	}
}

// Query answers q about patientID in four steps: fetch every stored item,
// let the model select the relevant ones, keep those in fetch order, then ask
// for a grounded answer. Any failure aborts the query with a *QueryError.
// The question text and item contents are never logged.
func (s *Service) Query(ctx context.Context, patientID string, q Query) (*QueryOutput, error) {
	if patientID == "" {
		return nil, fmt.Errorf("%w: patient_id is required", ErrInvalidQuery)
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	log := s.logger.With().Str("patient_id", patientID).Logger()

	candidates, err := s.store.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, &QueryError{Stage: StageFetch, PatientID: patientID, Err: err}
	}
	log.Debug().Int("candidates", len(candidates)).Msg("context fetched")

	ids, err := s.sel.Select(ctx, q.Query, candidates)
	if err != nil {
		return nil, &QueryError{Stage: StageSelect, PatientID: patientID, Err: err}
	}

	references := filterByIDs(candidates, ids)
	log.Debug().Int("selected", len(references)).Msg("context selected")

	answer, err := s.synth.Answer(ctx, q.Query, references)
	if err != nil {
		return nil, &QueryError{Stage: StageAnswer, PatientID: patientID, Err: err}
	}
	log.Debug().Int("answer_len", len(answer)).Msg("answer composed")

	return &QueryOutput{Answer: answer, References: references}, nil
}

// filterByIDs keeps the candidates whose id is in ids, in their original order.
// The returned slice shares item pointers with candidates and is never nil.
func filterByIDs(candidates []*ehrcontext.ContextItem, ids IDSet) []*ehrcontext.ContextItem {
	out := make([]*ehrcontext.ContextItem, 0, ids.Len())
	for _, item := range candidates {
		if ids.Contains(item.ID) {
			out = append(out, item)
		}
	}
	return out
}

// IsStorageFailure reports whether err came from the context store.
func IsStorageFailure(err error) bool {
	var storageErr *ehrcontext.StorageError
	return errors.As(err, &storageErr)
}
