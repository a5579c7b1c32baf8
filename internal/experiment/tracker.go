// Package experiment tags extractions with an A/B phase and reports per-phase
// quality, so the adaptive pipeline can be compared against a frozen baseline
// on the same template.
package experiment

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/fieldlens/fieldlens/internal/store"
)

// Tracker assigns the current experiment phase to new extractions and builds
// comparison reports from stored documents and feedback. Phase assignment is
// passive; it never changes extraction behavior.
type Tracker struct {
	docs     store.DocumentRepository
	feedback store.FeedbackRepository

	mu     sync.RWMutex
	phases map[string]store.ExperimentPhase
}

// NewTracker creates a tracker over the document and feedback repositories.
func NewTracker(docs store.DocumentRepository, feedback store.FeedbackRepository) *Tracker {
	return &Tracker{
		docs:     docs,
		feedback: feedback,
		phases:   make(map[string]store.ExperimentPhase),
	}
}

// SetPhase switches the phase tagged onto the template's new extractions.
func (t *Tracker) SetPhase(templateID string, phase store.ExperimentPhase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phases[templateID] = phase
}

// Phase returns the template's current phase, PhaseNone when never set.
func (t *Tracker) Phase(templateID string) store.ExperimentPhase {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.phases[templateID]
}

// PhaseReport aggregates extraction quality for one phase.
type PhaseReport struct {
	Phase                 store.ExperimentPhase `json:"phase"`
	Documents             int                   `json:"documents"`
	AutoAccepted          int                   `json:"auto_accepted"`
	PendingValidation     int                   `json:"pending_validation"`
	Validated             int                   `json:"validated"`
	AvgDocumentConfidence float64               `json:"avg_document_confidence"`
	FieldsReviewed        int                   `json:"fields_reviewed"`
	FieldsConfirmed       int                   `json:"fields_confirmed"`
	FieldAccuracy         float64               `json:"field_accuracy"`
}

// Comparison reports both phases side by side. AccuracyDelta is adaptive
// minus baseline field accuracy.
type Comparison struct {
	TemplateID    string      `json:"template_id"`
	Baseline      PhaseReport `json:"baseline"`
	Adaptive      PhaseReport `json:"adaptive"`
	AccuracyDelta float64     `json:"accuracy_delta"`
	GeneratedAt   time.Time   `json:"generated_at"`
}

// Report builds the baseline/adaptive comparison for a template. Field
// accuracy counts a reviewed field as correct when the validated value equals
// the extracted one.
func (t *Tracker) Report(ctx context.Context, templateID string) (*Comparison, error) {
	feedback, err := t.feedback.ListFeedback(ctx, templateID)
	if err != nil {
		return nil, eris.Wrap(err, "experiment: load feedback")
	}

	cmp := &Comparison{
		TemplateID:  templateID,
		GeneratedAt: time.Now().UTC(),
	}
	for _, phase := range []store.ExperimentPhase{store.PhaseBaseline, store.PhaseAdaptive} {
		report, err := t.phaseReport(ctx, templateID, phase, feedback)
		if err != nil {
			return nil, err
		}
		if phase == store.PhaseBaseline {
			cmp.Baseline = *report
		} else {
			cmp.Adaptive = *report
		}
	}
	cmp.AccuracyDelta = cmp.Adaptive.FieldAccuracy - cmp.Baseline.FieldAccuracy
	return cmp, nil
}

func (t *Tracker) phaseReport(
	ctx context.Context,
	templateID string,
	phase store.ExperimentPhase,
	feedback []*store.FeedbackRecord,
) (*PhaseReport, error) {
	docs, err := t.docs.ListDocuments(ctx, templateID, phase)
	if err != nil {
		return nil, eris.Wrapf(err, "experiment: list %s documents", phase)
	}

	report := &PhaseReport{Phase: phase, Documents: len(docs)}

	inPhase := make(map[string]bool, len(docs))
	var confidenceSum float64
	var withResult int
	for _, doc := range docs {
		inPhase[doc.ID] = true
		switch doc.Status {
		case store.StatusAutoAccepted:
			report.AutoAccepted++
		case store.StatusPendingValidation:
			report.PendingValidation++
		case store.StatusValidated:
			report.Validated++
		}
		if doc.Result != nil {
			confidenceSum += doc.Result.DocumentConfidence
			withResult++
		}
	}
	if withResult > 0 {
		report.AvgDocumentConfidence = confidenceSum / float64(withResult)
	}

	for _, rec := range feedback {
		if !inPhase[rec.DocumentID] {
			continue
		}
		report.FieldsReviewed++
		if rec.OriginalValue == rec.CorrectedValue {
			report.FieldsConfirmed++
		}
	}
	if report.FieldsReviewed > 0 {
		report.FieldAccuracy = float64(report.FieldsConfirmed) / float64(report.FieldsReviewed)
	}

	return report, nil
}
