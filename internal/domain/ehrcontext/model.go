package ehrcontext

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ContextType classifies a context item. The set is closed.
type ContextType string

const (
	TypeDemographics     ContextType = "demographics"
	TypeChronicCondition ContextType = "chronic_condition"
	TypeAllergy          ContextType = "allergy"
	TypeMedication       ContextType = "medication"
	TypeVisit            ContextType = "visit"
	TypeLabResult        ContextType = "lab_result"
)

var validContextTypes = map[ContextType]bool{
	TypeDemographics: true, TypeChronicCondition: true, TypeAllergy: true,
	TypeMedication: true, TypeVisit: true, TypeLabResult: true,
}

// ParseContextType returns the ContextType named by s, or an error if s is not
// one of the known types.
func ParseContextType(s string) (ContextType, error) {
	t := ContextType(s)
	if !validContextTypes[t] {
		return "", fmt.Errorf("invalid context type: %s", s)
	}
	return t, nil
}

// SourceType describes where a context item came from.
type SourceType string

const (
	SourceDemographics   SourceType = "demographics"
	SourceMedicalHistory SourceType = "medical_history"
	SourceDoctor         SourceType = "doctor"
	SourceLabTest        SourceType = "lab_test"
)

var validSourceTypes = map[SourceType]bool{
	SourceDemographics: true, SourceMedicalHistory: true, SourceDoctor: true, SourceLabTest: true,
}

func ParseSourceType(s string) (SourceType, error) {
	t := SourceType(s)
	if !validSourceTypes[t] {
		return "", fmt.Errorf("invalid source type: %s", s)
	}
	return t, nil
}

// ContextSource is the provenance of a context item. RecordedAt and RecordedBy
// are only set when the originating record fragment carries them.
type ContextSource struct {
	Type       SourceType `json:"type"`
	RecordedAt *Date      `json:"recorded_at"`
	RecordedBy *string    `json:"recorded_by"`
}

// ContextItem is one typed, independently citable fact about a patient.
// CreatedAt is audit metadata and is never rendered into a prompt.
type ContextItem struct {
	ID        uuid.UUID      `json:"id"`
	PatientID string         `json:"patient_id"`
	Type      ContextType    `json:"type"`
	Content   string         `json:"content"`
	Data      map[string]any `json:"data"`
	Source    ContextSource  `json:"source"`
	CreatedAt time.Time      `json:"created_at"`
}

// ErrInvalidRecord is returned when a patient record is missing required fields.
var ErrInvalidRecord = errors.New("invalid patient record")

// StorageError reports a failure of the durable store. It unwraps to the
// driver error so callers can inspect it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("context store %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
