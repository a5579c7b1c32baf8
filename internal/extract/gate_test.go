package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fieldlens/fieldlens/internal/template"
)

func gateResult(fields map[string]FieldResult) *Result {
	return &Result{
		DocumentID:         "doc-1",
		TemplateID:         "registration",
		Fields:             fields,
		DocumentConfidence: AggregateConfidence(fields, nil),
	}
}

func TestDecideValidation_AutoAcceptsConfidentResult(t *testing.T) {
	result := gateResult(map[string]FieldResult{
		"nama": {Value: "Budi Santoso", Confidence: 0.92, Method: MethodPosition},
		"nik":  {Value: "3201011234", Confidence: 0.88, Method: MethodCRF},
	})

	d := DecideValidation(result, template.DefaultThresholds())
	assert.False(t, d.ShouldValidate)
	assert.Empty(t, d.Reason)
}

func TestDecideValidation_FlagsLowConfidenceField(t *testing.T) {
	result := gateResult(map[string]FieldResult{
		"nama":   {Value: "Budi Santoso", Confidence: 0.92, Method: MethodPosition},
		"alamat": {Value: "Jl. Merdeka", Confidence: 0.41, Method: MethodCRF},
		"nik":    {Value: "3201011234", Confidence: 0.90, Method: MethodCRF},
	})

	d := DecideValidation(result, template.DefaultThresholds())
	assert.True(t, d.ShouldValidate)
	assert.Contains(t, d.Reason, "alamat (0.41)")
	assert.NotContains(t, d.Reason, "nama")
}

func TestDecideValidation_FlagsLowDocumentConfidence(t *testing.T) {
	// Every field clears the field threshold but the mean stays below the
	// document threshold.
	result := gateResult(map[string]FieldResult{
		"a": {Value: "x", Confidence: 0.65, Method: MethodPosition},
		"b": {Value: "y", Confidence: 0.68, Method: MethodPosition},
	})

	d := DecideValidation(result, template.DefaultThresholds())
	assert.True(t, d.ShouldValidate)
	assert.Contains(t, d.Reason, "document confidence")
}

func TestDecideValidation_FlagsExcessiveFallbacks(t *testing.T) {
	result := gateResult(map[string]FieldResult{
		"a": {Value: "1", Confidence: 0.9, Method: MethodRule},
		"b": {Value: "2", Confidence: 0.9, Method: MethodRule},
		"c": {Value: "3", Confidence: 0.9, Method: MethodRule},
		"d": {Value: "4", Confidence: 0.9, Method: MethodPosition},
	})

	d := DecideValidation(result, template.DefaultThresholds())
	assert.True(t, d.ShouldValidate)
	assert.Contains(t, d.Reason, "fallback")
}

func TestDecideValidation_CombinesReasons(t *testing.T) {
	result := gateResult(map[string]FieldResult{
		"a": {Value: "", Confidence: 0, Method: MethodNone},
		"b": {Value: "", Confidence: 0, Method: MethodNone},
		"c": {Value: "", Confidence: 0, Method: MethodNone},
	})

	d := DecideValidation(result, template.DefaultThresholds())
	assert.True(t, d.ShouldValidate)
	assert.Contains(t, d.Reason, "low-confidence fields")
	assert.Contains(t, d.Reason, "document confidence")
	assert.Contains(t, d.Reason, "fallback")
}
