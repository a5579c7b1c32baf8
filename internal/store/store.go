// Package store defines the persisted record shapes and the narrow
// repository interfaces the engine operates through. The relational engine
// behind them is an external collaborator; this package ships an in-memory
// implementation used by tests and the default runtime.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/fieldlens/fieldlens/internal/crf"
	"github.com/fieldlens/fieldlens/internal/template"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = eris.New("store: not found")

// TemplateRepository persists template configurations and field locations.
type TemplateRepository interface {
	SaveTemplate(ctx context.Context, cfg *template.Config) error
	LoadTemplate(ctx context.Context, templateID string) (*template.Config, error)
}

// DocumentRepository persists per-document extraction state.
type DocumentRepository interface {
	SaveDocument(ctx context.Context, doc *DocumentRecord) error
	LoadDocument(ctx context.Context, documentID string) (*DocumentRecord, error)
	ListDocuments(ctx context.Context, templateID string, phase ExperimentPhase) ([]*DocumentRecord, error)
}

// FeedbackRepository persists validated corrections.
type FeedbackRepository interface {
	AppendFeedback(ctx context.Context, rec *FeedbackRecord) error
	UnusedFeedback(ctx context.Context, templateID string) ([]*FeedbackRecord, error)
	CountUnusedFeedback(ctx context.Context, templateID string) (int, error)
	// MarkFeedbackUsed flips used_for_training for the given records. The
	// transition happens at most once per record; already-used records are
	// left untouched.
	MarkFeedbackUsed(ctx context.Context, ids []string) error
	ListFeedback(ctx context.Context, templateID string) ([]*FeedbackRecord, error)
}

// PatternRepository persists learned cleaning patterns. Upserts on the same
// (field, type, value) key must be atomic increment-or-insert.
type PatternRepository interface {
	UpsertPatternStatistic(ctx context.Context, fieldID string, typ PatternType, value string) (*PatternStatistic, error)
	// IncrementPatternSamples bumps the per-field observation counter and
	// returns the new count.
	IncrementPatternSamples(ctx context.Context, fieldID string) (int, error)
	SavePatternStatistic(ctx context.Context, stat *PatternStatistic) error
	PatternsForField(ctx context.Context, fieldID string) ([]*PatternStatistic, error)
	ActivePatterns(ctx context.Context, fieldID string) ([]*PatternStatistic, error)
}

// ModelVersionRepository persists the append-only model training history and
// the per-template current pointer.
type ModelVersionRepository interface {
	AppendModelVersion(ctx context.Context, mv *ModelVersion) error
	SetCurrentModelVersion(ctx context.Context, templateID, versionID string) error
	CurrentModelVersion(ctx context.Context, templateID string) (*ModelVersion, error)
	ListModelVersions(ctx context.Context, templateID string) ([]*ModelVersion, error)
}

// TrainingExampleRepository keeps the cumulative historical training set per
// template, used by incremental training mode.
type TrainingExampleRepository interface {
	AppendTrainingExamples(ctx context.Context, templateID string, examples []crf.Example) error
	TrainingExamples(ctx context.Context, templateID string) ([]crf.Example, error)
}

// QualityRepository persists per-run data-quality metrics.
type QualityRepository interface {
	AppendQualityMetric(ctx context.Context, m *DataQualityMetric) error
	ListQualityMetrics(ctx context.Context, templateID string) ([]*DataQualityMetric, error)
}

// ArtifactStore reads and writes opaque model artifacts addressed by handle.
type ArtifactStore interface {
	SaveArtifact(ctx context.Context, templateID string, data []byte) (handle string, err error)
	LoadArtifact(ctx context.Context, handle string) ([]byte, error)
	DeleteArtifact(ctx context.Context, handle string) error
}

// Store bundles every repository the engine needs.
type Store interface {
	TemplateRepository
	DocumentRepository
	FeedbackRepository
	PatternRepository
	ModelVersionRepository
	TrainingExampleRepository
	QualityRepository
	ArtifactStore
}
