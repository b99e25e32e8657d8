package ehrcontext

import (
	"context"
)

// Repository is the durable, patient-partitioned store of context items.
type Repository interface {
	// ReplaceAll atomically deletes every item for patientID and inserts items.
	// On failure the previous set is left intact.
	ReplaceAll(ctx context.Context, patientID string, items []*ContextItem) error
	// ListByPatient returns every item for the patient in the order it was
	// written by ReplaceAll.
	// An unknown patient yields an empty slice.
	ListByPatient(ctx context.Context, patientID string) ([]*ContextItem, error)
	ListByPatientAndTypes(ctx context.Context, patientID string, types []ContextType) ([]*ContextItem, error)
}
