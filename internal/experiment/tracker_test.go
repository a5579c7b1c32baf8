package experiment

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldlens/fieldlens/internal/extract"
	"github.com/fieldlens/fieldlens/internal/store"
)

func seedDoc(t *testing.T, m *store.Memory, id string, phase store.ExperimentPhase, status store.DocumentStatus, confidence float64) {
	t.Helper()
	require.NoError(t, m.SaveDocument(context.Background(), &store.DocumentRecord{
		ID:         id,
		TemplateID: "reg",
		Status:     status,
		Phase:      phase,
		Result: &extract.Result{
			DocumentID:         id,
			TemplateID:         "reg",
			DocumentConfidence: confidence,
		},
		CreatedAt: time.Now().UTC(),
	}))
}

func seedReview(t *testing.T, m *store.Memory, docID, original, corrected string) {
	t.Helper()
	require.NoError(t, m.AppendFeedback(context.Background(), &store.FeedbackRecord{
		ID:             fmt.Sprintf("fb-%s-%s", docID, corrected),
		DocumentID:     docID,
		TemplateID:     "reg",
		FieldName:      "nama",
		OriginalValue:  original,
		CorrectedValue: corrected,
	}))
}

func TestPhase_DefaultsToNone(t *testing.T) {
	tr := NewTracker(store.NewMemory(), store.NewMemory())
	assert.Equal(t, store.PhaseNone, tr.Phase("reg"))

	tr.SetPhase("reg", store.PhaseBaseline)
	assert.Equal(t, store.PhaseBaseline, tr.Phase("reg"))
	assert.Equal(t, store.PhaseNone, tr.Phase("other"))
}

func TestReport_ComparesPhases(t *testing.T) {
	m := store.NewMemory()
	tr := NewTracker(m, m)

	// Baseline: two documents, one reviewed field wrong, one confirmed.
	seedDoc(t, m, "b1", store.PhaseBaseline, store.StatusPendingValidation, 0.60)
	seedDoc(t, m, "b2", store.PhaseBaseline, store.StatusValidated, 0.70)
	seedReview(t, m, "b1", "peserta Budi", "Budi")
	seedReview(t, m, "b2", "Sari", "Sari")

	// Adaptive: two documents, both reviewed fields confirmed.
	seedDoc(t, m, "a1", store.PhaseAdaptive, store.StatusAutoAccepted, 0.90)
	seedDoc(t, m, "a2", store.PhaseAdaptive, store.StatusValidated, 0.86)
	seedReview(t, m, "a1", "Rina", "Rina")
	seedReview(t, m, "a2", "Dewi", "Dewi")

	cmp, err := tr.Report(context.Background(), "reg")
	require.NoError(t, err)
	assert.Equal(t, "reg", cmp.TemplateID)
	assert.False(t, cmp.GeneratedAt.IsZero())

	assert.Equal(t, 2, cmp.Baseline.Documents)
	assert.Equal(t, 1, cmp.Baseline.PendingValidation)
	assert.Equal(t, 1, cmp.Baseline.Validated)
	assert.InDelta(t, 0.65, cmp.Baseline.AvgDocumentConfidence, 0.001)
	assert.Equal(t, 2, cmp.Baseline.FieldsReviewed)
	assert.Equal(t, 1, cmp.Baseline.FieldsConfirmed)
	assert.InDelta(t, 0.5, cmp.Baseline.FieldAccuracy, 0.001)

	assert.Equal(t, 2, cmp.Adaptive.Documents)
	assert.Equal(t, 1, cmp.Adaptive.AutoAccepted)
	assert.InDelta(t, 0.88, cmp.Adaptive.AvgDocumentConfidence, 0.001)
	assert.InDelta(t, 1.0, cmp.Adaptive.FieldAccuracy, 0.001)

	assert.InDelta(t, 0.5, cmp.AccuracyDelta, 0.001)
}

func TestReport_EmptyTemplate(t *testing.T) {
	m := store.NewMemory()
	tr := NewTracker(m, m)

	cmp, err := tr.Report(context.Background(), "reg")
	require.NoError(t, err)
	assert.Zero(t, cmp.Baseline.Documents)
	assert.Zero(t, cmp.Adaptive.Documents)
	assert.Zero(t, cmp.AccuracyDelta)
}

func TestReport_IgnoresUntaggedDocuments(t *testing.T) {
	m := store.NewMemory()
	tr := NewTracker(m, m)

	seedDoc(t, m, "plain", store.PhaseNone, store.StatusAutoAccepted, 0.9)
	seedReview(t, m, "plain", "Budi", "Budi")

	cmp, err := tr.Report(context.Background(), "reg")
	require.NoError(t, err)
	assert.Zero(t, cmp.Baseline.Documents)
	assert.Zero(t, cmp.Adaptive.Documents)
	assert.Zero(t, cmp.Baseline.FieldsReviewed)
}
