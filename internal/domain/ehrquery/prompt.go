package ehrquery

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ehr/ehrctx/internal/domain/ehrcontext"
)

const (
	LocaleES = "es"
	LocaleEN = "en"
)

type example struct {
	question string
	answer   string
	sources  string
}

// Prompts holds the fixed wording for one locale.
type Prompts struct {
	Locale string

	role          string
	selectOnly    string
	noFabrication string
	questionLabel string
	contextsLabel string

	answerRules      []string
	examplesIntro    string
	answerLabel      string
	sourcesLabel     string
	examples         []example
	followStyle      string
	examplesNotReal  string
	patientInfoLabel string

	idLabel, typeLabel, contentLabel, dataLabel, sourceLabel string
	sourceTypeLabel, recordedAtLabel, recordedByLabel        string
}

var spanishPrompts = Prompts{
	Locale:        LocaleES,
	role:          "Eres un asistente clínico.",
	selectOnly:    `Selecciona únicamente los "id" de los contextos relevantes.`,
	noFabrication: "No inventes información, datos, ni hagas suposiciones.",
	questionLabel: "Pregunta",
	contextsLabel: "Contextos",
	answerRules: []string{
		"Responde la pregunta usando únicamente la información proporcionada.",
		"No inventes información, datos, ni hagas suposiciones.",
		"Si la información no es suficiente, indícalo explícitamente.",
		"Al terminar de dar la respuesta, incluye información clara sobre las fuentes o referencias utilizadas.",
	},
	examplesIntro: "Ejemplos de respuestas esperadas (los valores son solo ilustrativos):",
	answerLabel:   "Respuesta",
	sourcesLabel:  "Fuentes",
	examples: []example{
		{
			question: "¿Cuál es la medicación actual del paciente?",
			answer:   "El paciente actualmente se encuentra en tratamiento con <MEDICAMENTO_1> <DOSIS_1> y <MEDICAMENTO_2> <DOSIS_2>.",
			sources:  "Según el historial médico del paciente (medicación actual registrada).",
		},
		{
			question: "¿Cuándo fue su última visita y por qué?",
			answer:   "La última visita del paciente fue el <FECHA_VISITA> y correspondió a una <RAZÓN_DE_LA_VISITA>.",
			sources:  "Según la visita clínica del <FECHA_VISITA>, documentada por <PROFESIONAL_DE_SALUD>.",
		},
		{
			question: "¿Tiene alguna alergia que deba considerar?",
			answer:   "Sí. El paciente presenta alergia a <ALERGIA>, la cual debe considerarse antes de prescribir tratamientos.",
			sources:  "Según el historial médico del paciente, sección de alergias.",
		},
		{
			question: "¿Cómo ha evolucionado un parámetro clínico relevante?",
			answer:   "En el estudio realizado el <FECHA_ESTUDIO>, se registró un valor de <PARÁMETRO_CLÍNICO> igual a <VALOR>, junto con <OTRO_INDICADOR>, lo que sugiere <INTERPRETACIÓN_GENERAL>.",
			sources:  "Según el resultado del estudio del <FECHA_ESTUDIO>.",
		},
	},
	followStyle:      "Sigue el mismo estilo y nivel de detalle mostrado en los ejemplos anteriores.",
	examplesNotReal:  "Los ejemplos anteriores no contienen datos reales y no deben reutilizarse en la respuesta.",
	patientInfoLabel: "Información del paciente",
	idLabel:          "id",
	typeLabel:        "tipo",
	contentLabel:     "contenido",
	dataLabel:        "datos",
	sourceLabel:      "fuente/referencia",
	sourceTypeLabel:  "origen",
	recordedAtLabel:  "fecha",
	recordedByLabel:  "registrado por",
}

var englishPrompts = Prompts{
	Locale:        LocaleEN,
	role:          "You are a clinical assistant.",
	selectOnly:    `Select only the "id" values of the relevant contexts.`,
	noFabrication: "Do not invent information or data, and do not make assumptions.",
	questionLabel: "Question",
	contextsLabel: "Contexts",
	answerRules: []string{
		"Answer the question using only the information provided.",
		"Do not invent information or data, and do not make assumptions.",
		"If the information is not sufficient, say so explicitly.",
		"After the answer, include clear information about the sources or references used.",
	},
	examplesIntro: "Examples of expected answers (values are illustrative only):",
	answerLabel:   "Answer",
	sourcesLabel:  "Sources",
	examples: []example{
		{
			question: "What is the patient's current medication?",
			answer:   "The patient is currently being treated with <MEDICATION_1> <DOSE_1> and <MEDICATION_2> <DOSE_2>.",
			sources:  "According to the patient's medical history (recorded current medication).",
		},
		{
			question: "When was their last visit and why?",
			answer:   "The patient's last visit was on <VISIT_DATE> and was for <VISIT_REASON>.",
			sources:  "According to the clinical visit of <VISIT_DATE>, documented by <HEALTH_PROFESSIONAL>.",
		},
		{
			question: "Do they have any allergy I should consider?",
			answer:   "Yes. The patient is allergic to <ALLERGY>, which must be considered before prescribing treatment.",
			sources:  "According to the patient's medical history, allergies section.",
		},
		{
			question: "How has a relevant clinical parameter evolved?",
			answer:   "In the study performed on <STUDY_DATE>, <CLINICAL_PARAMETER> was recorded at <VALUE>, together with <OTHER_INDICATOR>, which suggests <GENERAL_INTERPRETATION>.",
			sources:  "According to the result of the study of <STUDY_DATE>.",
		},
	},
	followStyle:      "Follow the same style and level of detail shown in the examples above.",
	examplesNotReal:  "The examples above contain no real data and must not be reused in the answer.",
	patientInfoLabel: "Patient information",
	idLabel:          "id",
	typeLabel:        "type",
	contentLabel:     "content",
	dataLabel:        "data",
	sourceLabel:      "source/reference",
	sourceTypeLabel:  "origin",
	recordedAtLabel:  "date",
	recordedByLabel:  "recorded by",
}

// PromptsFor returns the prompt set for locale ("es" or "en").
func PromptsFor(locale string) (Prompts, error) {
	switch locale {
	case LocaleES, "":
		return spanishPrompts, nil
	case LocaleEN:
		return englishPrompts, nil
	default:
		return Prompts{}, fmt.Errorf("unsupported prompt locale %q", locale)
	}
}

// SelectionPrompt lists each candidate's id, type and content. Structured
// data, patient identifiers and timestamps are left out.
func (p Prompts) SelectionPrompt(question string, candidates []*ehrcontext.ContextItem) string {
	var b strings.Builder
	b.WriteString(p.role + "\n")
	b.WriteString(p.selectOnly + "\n")
	b.WriteString(p.noFabrication + "\n\n")
	fmt.Fprintf(&b, "%s: %s\n\n", p.questionLabel, question)
	b.WriteString(p.contextsLabel + ":\n")

	for _, item := range candidates {
		fmt.Fprintf(&b, "\n- %s: %s\n", p.idLabel, item.ID)
		fmt.Fprintf(&b, "\t%s: %s\n", p.typeLabel, item.Type)
		fmt.Fprintf(&b, "\t%s: %s\n", p.contentLabel, item.Content)
	}
	return b.String()
}

// AnswerPrompt carries the grounding rules, the placeholder-only examples and
// each selected item's id, type, content, data and source. created_at is
// never included.
func (p Prompts) AnswerPrompt(question string, items []*ehrcontext.ContextItem) string {
	var b strings.Builder
	b.WriteString(p.role + "\n")
	for _, rule := range p.answerRules {
		b.WriteString(rule + "\n")
	}
	b.WriteString("\n" + p.examplesIntro + "\n")
	for _, ex := range p.examples {
		fmt.Fprintf(&b, "\n%s: %s\n", p.questionLabel, ex.question)
		fmt.Fprintf(&b, "%s:\n%s\n", p.answerLabel, ex.answer)
		fmt.Fprintf(&b, "%s: %s\n", p.sourcesLabel, ex.sources)
	}
	b.WriteString("\n" + p.followStyle + "\n")
	b.WriteString(p.examplesNotReal + "\n\n")
	fmt.Fprintf(&b, "%s: %s\n\n", p.questionLabel, question)
	b.WriteString(p.patientInfoLabel + ":\n")

	for _, item := range items {
		fmt.Fprintf(&b, "\n- %s: %s\n", p.idLabel, item.ID)
		fmt.Fprintf(&b, "\t%s: %s\n", p.typeLabel, item.Type)
		fmt.Fprintf(&b, "\t%s: %s\n", p.contentLabel, item.Content)
		fmt.Fprintf(&b, "\t%s: %s\n", p.dataLabel, dataJSON(item.Data))
		fmt.Fprintf(&b, "\t%s: %s\n", p.sourceLabel, p.source(item.Source))
	}
	return b.String()
}

func (p Prompts) source(src ehrcontext.ContextSource) string {
	parts := []string{fmt.Sprintf("%s=%s", p.sourceTypeLabel, src.Type)}
	if src.RecordedAt != nil {
		parts = append(parts, fmt.Sprintf("%s=%s", p.recordedAtLabel, src.RecordedAt))
	}
	if src.RecordedBy != nil {
		parts = append(parts, fmt.Sprintf("%s=%s", p.recordedByLabel, *src.RecordedBy))
	}
	return strings.Join(parts, ", ")
}

func dataJSON(data map[string]any) string {
	if data == nil {
		return "null"
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "null"
	}
	return string(raw)
}
