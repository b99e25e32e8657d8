package ehrcontext

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/ehr/ehrctx/internal/domain/ehrcontext")

// IngestObserver is notified after every ingestion attempt that passed
// validation.
type IngestObserver interface {
	ObserveIngestion(itemsByType map[string]int, err error)
}

type Service struct {
	repo       Repository
	tasks      TaskStore
	decomposer *Decomposer
	observer   IngestObserver
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(repo Repository, tasks TaskStore, logger zerolog.Logger) *Service {
	if tasks == nil {
		tasks = NewMemoryTaskStore()
	}
	return &Service{
		repo:       repo,
		tasks:      tasks,
		decomposer: NewDecomposer(),
		logger:     logger.With().Str("component", "ehr_ingestion").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetDecomposer replaces the default decomposer, mainly so tests can pin ids
// and timestamps.
func (s *Service) SetDecomposer(d *Decomposer) { s.decomposer = d }

func (s *Service) SetObserver(o IngestObserver) { s.observer = o }

// Ingest decomposes rec and replaces the patient's stored context with the
// result. It returns the number of items written.
func (s *Service) Ingest(ctx context.Context, rec *PatientRecord) (int, error) {
	if err := rec.Validate(); err != nil {
		return 0, err
	}

	ctx, span := tracer.Start(ctx, "ehrcontext.Ingest")
	defer span.End()

	items := s.decomposer.Decompose(rec)
	span.SetAttributes(attribute.Int("ehr.context_items", len(items)))

	err := s.repo.ReplaceAll(ctx, rec.PatientID, items)
	if s.observer != nil {
		s.observer.ObserveIngestion(countByType(items), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "replace_all failed")
		return 0, err
	}

	s.logger.Info().
		Str("patient_id", rec.PatientID).
		Int("items", len(items)).
		Msg("patient context replaced")
	return len(items), nil
}

// Submit runs Ingest and records the outcome as an IngestionTask. Validation
// failures are returned without recording a task.
func (s *Service) Submit(ctx context.Context, rec *PatientRecord) (*IngestionTask, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	task := &IngestionTask{
		ID:        uuid.New(),
		PatientID: rec.PatientID,
		CreatedAt: s.now(),
	}

	n, ingestErr := s.Ingest(ctx, rec)
	completed := s.now()
	task.CompletedAt = &completed
	if ingestErr != nil {
		task.Status = TaskFailed
		task.Error = ingestErr.Error()
	} else {
		task.Status = TaskCompleted
		task.Items = n
	}

	if err := s.tasks.Save(ctx, task); err != nil {
		s.logger.Warn().Err(err).Str("task_id", task.ID.String()).Msg("failed to save ingestion task")
	}
	return task, ingestErr
}

func countByType(items []*ContextItem) map[string]int {
	counts := make(map[string]int)
	for _, item := range items {
		counts[string(item.Type)]++
	}
	return counts
}

func (s *Service) GetTask(ctx context.Context, id uuid.UUID) (*IngestionTask, error) {
	return s.tasks.Get(ctx, id)
}

func (s *Service) ListByPatient(ctx context.Context, patientID string) ([]*ContextItem, error) {
	if patientID == "" {
		return nil, errors.New("patient_id is required")
	}
	return s.repo.ListByPatient(ctx, patientID)
}

func (s *Service) ListByPatientAndTypes(ctx context.Context, patientID string, types []ContextType) ([]*ContextItem, error) {
	if patientID == "" {
		return nil, errors.New("patient_id is required")
	}
	if len(types) == 0 {
		return s.repo.ListByPatient(ctx, patientID)
	}
	return s.repo.ListByPatientAndTypes(ctx, patientID, types)
}
