package ehrquery

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/ehrctx/internal/domain/ehrcontext"
)

// Query is a free-text clinical question about one patient.
type Query struct {
	Query string `json:"query"`
}

var ErrInvalidQuery = errors.New("invalid query")

func (q Query) Validate() error {
	if strings.TrimSpace(q.Query) == "" {
		return fmt.Errorf("%w: query is required", ErrInvalidQuery)
	}
	return nil
}

// QueryOutput pairs the answer with the exact items it was grounded on.
// References is never nil.
type QueryOutput struct {
	Answer     string                    `json:"answer"`
	References []*ehrcontext.ContextItem `json:"references"`
}

// Stage names the transition of the query flow that failed.
type Stage string

const (
	StageFetch  Stage = "fetch"
	StageSelect Stage = "select"
	StageAnswer Stage = "answer"
)

// QueryError aborts a query. It unwraps to the underlying cause.
type QueryError struct {
	Stage     Stage
	PatientID string
	Err       error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query for patient %s failed at %s: %v", e.PatientID, e.Stage, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// IDSet is a set of context item ids.
type IDSet map[uuid.UUID]struct{}

func (s IDSet) Contains(id uuid.UUID) bool {
	_, ok := s[id]
	return ok
}

func (s IDSet) Len() int {
	return len(s)
}
