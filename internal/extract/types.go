package extract

import "time"

// Method identifies which strategy produced a field value.
type Method string

const (
	MethodPosition Method = "position_based"
	MethodRule     Method = "rule_based"
	MethodCRF      Method = "crf"
	MethodNone     Method = "none"
)

// IsFallback reports whether the method counts as a fallback for the
// active-learning gate: label-context extraction and absent values do,
// positional and model extraction do not.
func (m Method) IsFallback() bool {
	return m == MethodRule || m == MethodNone
}

// Candidate is one strategy's proposal for a field value, before arbitration.
type Candidate struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Method     Method  `json:"method"`
}

// FieldResult is the arbitrated, cleaned value of one field.
type FieldResult struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Method     Method  `json:"method"`
}

// Result is the extraction output for one document.
type Result struct {
	DocumentID         string                 `json:"document_id"`
	TemplateID         string                 `json:"template_id"`
	Fields             map[string]FieldResult `json:"fields"`
	DocumentConfidence float64                `json:"document_confidence"`
	ExtractedAt        time.Time              `json:"extracted_at"`
}

// AggregateConfidence computes the document confidence as a weighted mean of
// field confidences. Fields missing from weights get weight 1; a nil map is
// the default uniform mean.
func AggregateConfidence(fields map[string]FieldResult, weights map[string]float64) float64 {
	if len(fields) == 0 {
		return 0
	}
	var sum, total float64
	for name, fr := range fields {
		w := 1.0
		if weights != nil {
			if v, ok := weights[name]; ok && v > 0 {
				w = v
			}
		}
		sum += fr.Confidence * w
		total += w
	}
	if total == 0 {
		return 0
	}
	return sum / total
}
