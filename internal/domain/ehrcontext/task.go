package ehrcontext

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// IngestionTask records the outcome of one ingestion call.
type IngestionTask struct {
	ID          uuid.UUID  `json:"id"`
	PatientID   string     `json:"patient_id"`
	Status      TaskStatus `json:"status"`
	Items       int        `json:"items"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

var ErrTaskNotFound = errors.New("ingestion task not found")

type TaskStore interface {
	Save(ctx context.Context, task *IngestionTask) error
	Get(ctx context.Context, id uuid.UUID) (*IngestionTask, error)
}
