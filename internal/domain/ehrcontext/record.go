package ehrcontext

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// PatientRecord is the structured health record submitted for ingestion. It
// is treated as an immutable snapshot.
type PatientRecord struct {
	PatientID      string         `json:"patient_id" yaml:"patient_id"`
	Demographics   Demographics   `json:"demographics" yaml:"demographics"`
	MedicalHistory MedicalHistory `json:"medical_history" yaml:"medical_history"`
	RecentVisits   []Visit        `json:"recent_visits" yaml:"recent_visits"`
	LabResults     []LabResult    `json:"lab_results" yaml:"lab_results"`
}

type Demographics struct {
	Name      string `json:"name" yaml:"name"`
	Age       int    `json:"age" yaml:"age"`
	Gender    string `json:"gender" yaml:"gender"`
	BloodType string `json:"blood_type" yaml:"blood_type"`
}

type MedicalHistory struct {
	ChronicConditions  []string     `json:"chronic_conditions" yaml:"chronic_conditions"`
	Allergies          []string     `json:"allergies" yaml:"allergies"`
	CurrentMedications []Medication `json:"current_medications" yaml:"current_medications"`
}

type Medication struct {
	Name      string `json:"name" yaml:"name"`
	Dose      string `json:"dose" yaml:"dose"`
	Frequency string `json:"frequency" yaml:"frequency"`
}

type Visit struct {
	Date   Date   `json:"date" yaml:"date"`
	Reason string `json:"reason" yaml:"reason"`
	Notes  string `json:"notes" yaml:"notes"`
	Doctor string `json:"doctor" yaml:"doctor"`
}

type LabResult struct {
	Date    Date      `json:"date" yaml:"date"`
	Test    string    `json:"test" yaml:"test"`
	Results ResultSet `json:"results" yaml:"results"`
}

// Validate checks the fields the decomposer relies on.
func (r *PatientRecord) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: record is required", ErrInvalidRecord)
	}
	if r.PatientID == "" {
		return fmt.Errorf("%w: patient_id is required", ErrInvalidRecord)
	}
	d := r.Demographics
	if d.Name == "" {
		return fmt.Errorf("%w: demographics.name is required", ErrInvalidRecord)
	}
	if d.Age < 0 {
		return fmt.Errorf("%w: demographics.age must not be negative", ErrInvalidRecord)
	}
	if d.Gender == "" {
		return fmt.Errorf("%w: demographics.gender is required", ErrInvalidRecord)
	}
	if d.BloodType == "" {
		return fmt.Errorf("%w: demographics.blood_type is required", ErrInvalidRecord)
	}
	for i, c := range r.MedicalHistory.ChronicConditions {
		if c == "" {
			return fmt.Errorf("%w: medical_history.chronic_conditions[%d] is empty", ErrInvalidRecord, i)
		}
	}
	for i, a := range r.MedicalHistory.Allergies {
		if a == "" {
			return fmt.Errorf("%w: medical_history.allergies[%d] is empty", ErrInvalidRecord, i)
		}
	}
	for i, m := range r.MedicalHistory.CurrentMedications {
		if m.Name == "" {
			return fmt.Errorf("%w: medical_history.current_medications[%d].name is required", ErrInvalidRecord, i)
		}
	}
	for i, v := range r.RecentVisits {
		if v.Date.IsZero() {
			return fmt.Errorf("%w: recent_visits[%d].date is required", ErrInvalidRecord, i)
		}
		if v.Reason == "" {
			return fmt.Errorf("%w: recent_visits[%d].reason is required", ErrInvalidRecord, i)
		}
	}
	for i, l := range r.LabResults {
		if l.Date.IsZero() {
			return fmt.Errorf("%w: lab_results[%d].date is required", ErrInvalidRecord, i)
		}
		if l.Test == "" {
			return fmt.Errorf("%w: lab_results[%d].test is required", ErrInvalidRecord, i)
		}
	}
	return nil
}

// -- Date --

const dateLayout = "2006-01-02"

// Date is a calendar date without time of day.
type Date struct {
	time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return Date{t}, nil
}

// DateOf truncates t to its calendar date.
func DateOf(t time.Time) Date {
	return NewDate(t.Year(), t.Month(), t.Day())
}

func (d Date) String() string {
	return d.Format(dateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Date) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Date) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: date must be a scalar", node.Line)
	}
	parsed, err := ParseDate(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = parsed
	return nil
}

// -- ResultSet --

// ResultPair is one named lab measurement.
type ResultPair struct {
	Key   string
	Value string
}

// ResultSet holds lab measurements in the order they appear in the source
// document. Decoding a repeated key keeps its first position and last value.
// JSON values must be strings. YAML accepts any scalar as its literal text.
type ResultSet []ResultPair

// Map returns the measurements as a JSON-compatible object.
func (rs ResultSet) Map() map[string]any {
	m := make(map[string]any, len(rs))
	for _, p := range rs {
		m[p.Key] = p.Value
	}
	return m
}

func (rs *ResultSet) set(key, value string) {
	for i := range *rs {
		if (*rs)[i].Key == key {
			(*rs)[i].Value = value
			return
		}
	}
	*rs = append(*rs, ResultPair{Key: key, Value: value})
}

func (rs ResultSet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range rs {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(p.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(p.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (rs *ResultSet) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*rs = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("lab results must be an object")
	}

	out := ResultSet{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)

		valTok, err := dec.Token()
		if err != nil {
			return err
		}
		value, ok := valTok.(string)
		if !ok {
			return fmt.Errorf("lab result %q must be a string", key)
		}
		out.set(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*rs = out
	return nil
}

func (rs ResultSet) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, p := range rs {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: p.Key},
			&yaml.Node{Kind: yaml.ScalarNode, Value: p.Value},
		)
	}
	return node, nil
}

func (rs *ResultSet) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: lab results must be a mapping", node.Line)
	}
	out := ResultSet{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		k, v := node.Content[i], node.Content[i+1]
		if v.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: lab result %q must be a scalar value", v.Line, k.Value)
		}
		out.set(k.Value, v.Value)
	}
	*rs = out
	return nil
}
