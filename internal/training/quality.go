package training

import (
	"fmt"
	"time"

	"github.com/fieldlens/fieldlens/internal/crf"
	"github.com/fieldlens/fieldlens/internal/store"
)

// AssessQuality computes data quality signals over the full training set and
// the feedback records that produced the new examples. Diversity is the ratio
// of distinct corrected values to total corrections; leakage is the share of
// corrected values that appear more than once and can therefore land on both
// sides of the holdout split.
func AssessQuality(
	templateID, versionID string,
	records []*store.FeedbackRecord,
	examples []crf.Example,
) *store.DataQualityMetric {
	counts := make(map[string]int)
	perField := make(map[string]int)
	for _, rec := range records {
		counts[rec.FieldName+"\x00"+rec.CorrectedValue]++
		perField[rec.FieldName]++
	}

	var duplicated int
	for _, n := range counts {
		if n > 1 {
			duplicated += n
		}
	}

	metric := &store.DataQualityMetric{
		TemplateID:        templateID,
		ModelVersionID:    versionID,
		LabelDistribution: labelDistribution(examples),
		CreatedAt:         time.Now().UTC(),
	}
	if len(records) > 0 {
		metric.DiversityScore = float64(len(counts)) / float64(len(records))
		metric.LeakageRatio = float64(duplicated) / float64(len(records))
	}

	if metric.DiversityScore > 0 && metric.DiversityScore < 0.5 {
		metric.Recommendations = append(metric.Recommendations,
			"corrected values repeat heavily; collect corrections from more varied documents")
	}
	if metric.LeakageRatio > 0.3 {
		metric.Recommendations = append(metric.Recommendations,
			"many duplicate values can appear in both train and holdout splits; evaluation may be optimistic")
	}
	for field, n := range perField {
		if len(perField) > 1 && n*5 < len(records) {
			metric.Recommendations = append(metric.Recommendations,
				fmt.Sprintf("field %q is under-represented in recent corrections", field))
		}
	}

	return metric
}

// labelDistribution counts labeled spans per field across the example set.
func labelDistribution(examples []crf.Example) map[string]int {
	dist := make(map[string]int)
	for _, ex := range examples {
		for _, tag := range ex.Labels {
			if field := crf.SpanField(tag); field != "" && tag == crf.BeginTag(field) {
				dist[field]++
			}
		}
	}
	return dist
}
