package store

import (
	"time"

	"github.com/fieldlens/fieldlens/internal/extract"
	"github.com/fieldlens/fieldlens/internal/pdf"
)

// ExperimentPhase tags a document for offline evaluation segmentation. It
// never alters extraction or training behavior.
type ExperimentPhase string

const (
	PhaseNone     ExperimentPhase = ""
	PhaseBaseline ExperimentPhase = "baseline"
	PhaseAdaptive ExperimentPhase = "adaptive"
)

// DocumentStatus tracks a document through the extraction state machine.
type DocumentStatus string

const (
	StatusUploaded          DocumentStatus = "uploaded"
	StatusExtracted         DocumentStatus = "extracted"
	StatusAutoAccepted      DocumentStatus = "auto_accepted"
	StatusPendingValidation DocumentStatus = "pending_validation"
	StatusValidated         DocumentStatus = "validated"
)

// DocumentRecord stores what the engine needs to turn later corrections into
// training examples: the captured token stream plus the extraction result.
type DocumentRecord struct {
	ID         string          `json:"id"`
	TemplateID string          `json:"template_id"`
	Tokens     []pdf.Token     `json:"tokens"`
	Result     *extract.Result `json:"result,omitempty"`
	Status     DocumentStatus  `json:"status"`
	Phase      ExperimentPhase `json:"phase,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// FeedbackRecord is one validated correction for one field of one document.
// UsedForTraining transitions false to true exactly once and never reverts.
type FeedbackRecord struct {
	ID              string     `json:"id"`
	DocumentID      string     `json:"document_id"`
	TemplateID      string     `json:"template_id"`
	FieldName       string     `json:"field_name"`
	OriginalValue   string     `json:"original_value"`
	CorrectedValue  string     `json:"corrected_value"`
	Confidence      float64    `json:"confidence"`
	UsedForTraining bool       `json:"used_for_training"`
	CreatedAt       time.Time  `json:"created_at"`
	UsedAt          *time.Time `json:"used_at,omitempty"`
}

// PatternType classifies a learned cleaning pattern.
type PatternType string

const (
	PatternPrefix          PatternType = "prefix"
	PatternSuffix          PatternType = "suffix"
	PatternStructuralNoise PatternType = "structural_noise"
)

// PatternStatistic is one learned cleaning pattern for a field. Rows are
// unique per (FieldID, Type, Value).
type PatternStatistic struct {
	FieldID     string      `json:"field_id"`
	Type        PatternType `json:"type"`
	Value       string      `json:"value"`
	Frequency   int         `json:"frequency"`
	SampleCount int         `json:"sample_count"`
	Confidence  float64     `json:"confidence"`
	IsActive    bool        `json:"is_active"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// ModelVersion is one row of the append-only training history. Exactly one
// promoted version is "current" per template at any time.
type ModelVersion struct {
	ID              string    `json:"id"`
	TemplateID      string    `json:"template_id"`
	Version         int       `json:"version"`
	ArtifactHandle  string    `json:"artifact_handle,omitempty"`
	TrainingSamples int       `json:"training_samples"`
	Accuracy        float64   `json:"accuracy"`
	Precision       float64   `json:"precision"`
	Recall          float64   `json:"recall"`
	F1              float64   `json:"f1"`
	Promoted        bool      `json:"promoted"`
	TrainedAt       time.Time `json:"trained_at"`
}

// DataQualityMetric summarizes training-data quality for one training run.
type DataQualityMetric struct {
	TemplateID        string         `json:"template_id"`
	ModelVersionID    string         `json:"model_version_id"`
	DiversityScore    float64        `json:"diversity_score"`
	LeakageRatio      float64        `json:"leakage_ratio"`
	LabelDistribution map[string]int `json:"label_distribution"`
	Recommendations   []string       `json:"recommendations,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// FieldID builds the pattern-statistics key for a template field.
func FieldID(templateID, fieldName string) string {
	return templateID + "/" + fieldName
}
