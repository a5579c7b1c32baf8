package extract

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fieldlens/fieldlens/internal/template"
)

// Decision is the active-learning gate's verdict for one document.
type Decision struct {
	ShouldValidate bool   `json:"should_validate"`
	Reason         string `json:"reason,omitempty"`
}

// DecideValidation applies the per-template thresholds to an extraction
// result. Validation is required when any field confidence is below the field
// threshold, the document confidence is below the document threshold, or more
// than MaxFallbackFields fields were produced by a fallback method. Otherwise
// the document is auto-accepted (and stays eligible for later correction).
func DecideValidation(result *Result, th template.Thresholds) Decision {
	var reasons []string

	var low []string
	for name, fr := range result.Fields {
		if fr.Confidence < th.FieldConfidence {
			low = append(low, fmt.Sprintf("%s (%.2f)", name, fr.Confidence))
		}
	}
	if len(low) > 0 {
		sort.Strings(low)
		reasons = append(reasons, fmt.Sprintf(
			"low-confidence fields below %.2f: %s", th.FieldConfidence, strings.Join(low, ", ")))
	}

	if result.DocumentConfidence < th.DocumentConfidence {
		reasons = append(reasons, fmt.Sprintf(
			"document confidence %.2f below %.2f", result.DocumentConfidence, th.DocumentConfidence))
	}

	fallbacks := 0
	for _, fr := range result.Fields {
		if fr.Method.IsFallback() {
			fallbacks++
		}
	}
	if fallbacks > th.MaxFallbackFields {
		reasons = append(reasons, fmt.Sprintf(
			"%d fields used fallback methods (max %d)", fallbacks, th.MaxFallbackFields))
	}

	if len(reasons) == 0 {
		return Decision{ShouldValidate: false}
	}
	return Decision{ShouldValidate: true, Reason: strings.Join(reasons, "; ")}
}
