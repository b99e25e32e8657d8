package ehrcontext

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Decomposer turns a patient record into context items. It has no side
// effects; identifiers and the creation timestamp come from NewID and Now so
// callers (and tests) control them.
type Decomposer struct {
	NewID func() uuid.UUID
	Now   func() time.Time
}

func NewDecomposer() *Decomposer {
	return &Decomposer{
		NewID: uuid.New,
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

// Decompose returns the record's context items grouped as demographics,
// chronic conditions, allergies, medications, visits, lab results. Each group
// keeps input order.
func (d *Decomposer) Decompose(rec *PatientRecord) []*ContextItem {
	now := d.Now()
	patientID := rec.PatientID
	hist := rec.MedicalHistory

	n := 1 + len(hist.ChronicConditions) + len(hist.Allergies) + len(hist.CurrentMedications) +
		len(rec.RecentVisits) + len(rec.LabResults)
	items := make([]*ContextItem, 0, n)

	add := func(t ContextType, content string, data map[string]any, src ContextSource) {
		items = append(items, &ContextItem{
			ID:        d.NewID(),
			PatientID: patientID,
			Type:      t,
			Content:   content,
			Data:      data,
			Source:    src,
			CreatedAt: now,
		})
	}

	demo := rec.Demographics
	add(TypeDemographics,
		fmt.Sprintf("%s, %d years old, gender %s, blood type %s", demo.Name, demo.Age, demo.Gender, demo.BloodType),
		map[string]any{
			"name":       demo.Name,
			"age":        demo.Age,
			"gender":     demo.Gender,
			"blood_type": demo.BloodType,
		},
		ContextSource{Type: SourceDemographics},
	)

	for _, condition := range hist.ChronicConditions {
		add(TypeChronicCondition, condition,
			map[string]any{"condition": condition},
			ContextSource{Type: SourceMedicalHistory},
		)
	}

	for _, allergy := range hist.Allergies {
		add(TypeAllergy, "Allergy to "+allergy,
			map[string]any{"allergy": allergy},
			ContextSource{Type: SourceMedicalHistory},
		)
	}

	for _, med := range hist.CurrentMedications {
		add(TypeMedication, fmt.Sprintf("%s, %s, %s", med.Name, med.Dose, med.Frequency),
			map[string]any{
				"name":      med.Name,
				"dose":      med.Dose,
				"frequency": med.Frequency,
			},
			ContextSource{Type: SourceMedicalHistory},
		)
	}

	for _, visit := range rec.RecentVisits {
		date := visit.Date
		src := ContextSource{Type: SourceDoctor, RecordedAt: &date}
		if visit.Doctor != "" {
			doctor := visit.Doctor
			src.RecordedBy = &doctor
		}
		add(TypeVisit, fmt.Sprintf("%s. %s", visit.Reason, visit.Notes),
			map[string]any{
				"date":   date.String(),
				"reason": visit.Reason,
				"notes":  visit.Notes,
				"doctor": visit.Doctor,
			},
			src,
		)
	}

	for _, lab := range rec.LabResults {
		date := lab.Date
		add(TypeLabResult, labContent(lab),
			map[string]any{
				"date":    date.String(),
				"test":    lab.Test,
				"results": lab.Results.Map(),
			},
			ContextSource{Type: SourceLabTest, RecordedAt: &date},
		)
	}

	return items
}

func labContent(lab LabResult) string {
	pairs := make([]string, len(lab.Results))
	for i, p := range lab.Results {
		pairs[i] = p.Key + "=" + p.Value
	}
	return fmt.Sprintf("Lab Test - %s: %s", lab.Test, strings.Join(pairs, ", "))
}
