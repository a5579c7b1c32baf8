package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldlens/fieldlens/internal/extract"
	"github.com/fieldlens/fieldlens/internal/pdf"
	"github.com/fieldlens/fieldlens/internal/store"
	"github.com/fieldlens/fieldlens/internal/template"
)

func tok(text string, x, y float64) pdf.Token {
	return pdf.Token{
		Text:     text,
		Page:     1,
		X:        x,
		Y:        y,
		Width:    float64(len(text)) * 6,
		Height:   12,
		FontSize: 12,
	}
}

// seedLayoutTemplate stores a template whose nama field has a real recorded
// location, so the positional strategy can run against token fixtures.
func seedLayoutTemplate(t *testing.T, m *store.Memory, extraField bool) *template.Config {
	t.Helper()

	fields := map[string]*template.FieldDefinition{
		"nama": {
			Name:    "nama",
			Pattern: `\S.*`,
			Locations: []template.FieldLocation{{
				Page:        1,
				BoundingBox: template.Rect{X: 125, Y: 700, Width: 60, Height: 12},
				Context:     template.FieldContext{Label: "Nama"},
			}},
			TypicalLength: 32,
		},
	}
	if extraField {
		// No recorded location: neither strategy can find a value.
		fields["alamat"] = &template.FieldDefinition{Name: "alamat"}
	}

	cfg := &template.Config{
		TemplateID: "reg",
		Fields:     fields,
		Thresholds: template.DefaultThresholds(),
	}
	require.NoError(t, m.SaveTemplate(context.Background(), cfg))
	return cfg
}

func newTestService(m *store.Memory, autoTrain bool) *Service {
	opts := DefaultOptions()
	opts.AutoTrain = autoTrain
	return New(m, opts, nil)
}

func seedTemplate(t *testing.T, m *store.Memory, batchSize int) {
	t.Helper()
	th := template.DefaultThresholds()
	th.TrainingBatchSize = batchSize
	require.NoError(t, m.SaveTemplate(context.Background(), &template.Config{
		TemplateID: "reg",
		Fields: map[string]*template.FieldDefinition{
			"nama": {Name: "nama"},
			"nik":  {Name: "nik"},
		},
		Thresholds: th,
	}))
}

func seedExtractedDocument(t *testing.T, m *store.Memory, id string) {
	t.Helper()
	require.NoError(t, m.SaveDocument(context.Background(), &store.DocumentRecord{
		ID:         id,
		TemplateID: "reg",
		Status:     store.StatusPendingValidation,
		Result: &extract.Result{
			DocumentID: id,
			TemplateID: "reg",
			Fields: map[string]extract.FieldResult{
				"nama": {Value: "peserta Budi", Confidence: 0.52, Method: extract.MethodRule},
				"nik":  {Value: "3201011234", Confidence: 0.90, Method: extract.MethodCRF},
			},
			DocumentConfidence: 0.71,
		},
		CreatedAt: time.Now().UTC(),
	}))
}

func TestAnalyzeTemplate_InputErrors(t *testing.T) {
	svc := newTestService(store.NewMemory(), false)
	ctx := context.Background()

	_, err := svc.AnalyzeTemplate(ctx, "", []byte("%PDF-1.7 x"))
	assert.ErrorContains(t, err, "template id is required")

	_, err = svc.AnalyzeTemplate(ctx, "reg", nil)
	assert.ErrorContains(t, err, "validate template document")

	_, err = svc.AnalyzeTemplate(ctx, "reg", []byte("not a pdf"))
	assert.Error(t, err)
}

func TestAnalyzeTemplate_HonorsCancellation(t *testing.T) {
	svc := newTestService(store.NewMemory(), false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.AnalyzeTemplate(ctx, "reg", []byte("%PDF-1.7 x"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtractFields_FullPipelineIsDeterministic(t *testing.T) {
	m := store.NewMemory()
	svc := newTestService(m, false)
	ctx := context.Background()
	tmpl := seedLayoutTemplate(t, m, false)

	// An active prefix pattern so the cleaning stage is exercised too.
	stat, err := m.UpsertPatternStatistic(ctx, store.FieldID("reg", "nama"), store.PatternPrefix, "peserta ")
	require.NoError(t, err)
	stat.IsActive = true
	stat.Confidence = 0.7
	require.NoError(t, m.SavePatternStatistic(ctx, stat))

	tokens := []pdf.Token{
		tok("Nama:", 72, 700),
		tok("peserta", 130, 700),
		tok("Budi", 180, 700),
	}

	first, err := svc.extractFields(ctx, tmpl, tokens)
	require.NoError(t, err)

	// Positional extraction found the value and the prefix pattern cleaned it.
	fr := first.Result.Fields["nama"]
	assert.Equal(t, "Budi", fr.Value)
	assert.Equal(t, extract.MethodPosition, fr.Method)
	assert.InDelta(t, 0.925, fr.Confidence, 0.001)
	assert.InDelta(t, 0.925, first.Result.DocumentConfidence, 0.001)
	assert.False(t, first.Decision.ShouldValidate)
	assert.Equal(t, store.StatusAutoAccepted, first.Status)
	assert.Equal(t, 0, first.ModelVersion)

	// The record persisted with its token stream for later corrections.
	doc, err := m.LoadDocument(ctx, first.Result.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusAutoAccepted, doc.Status)
	assert.Len(t, doc.Tokens, len(tokens))

	// Re-extracting the same tokens yields identical field results.
	second, err := svc.extractFields(ctx, tmpl, tokens)
	require.NoError(t, err)
	assert.Equal(t, first.Result.Fields, second.Result.Fields)
	assert.Equal(t, first.Result.DocumentConfidence, second.Result.DocumentConfidence)
	assert.Equal(t, first.Decision, second.Decision)
	assert.NotEqual(t, first.Result.DocumentID, second.Result.DocumentID)
}

func TestExtractFields_GateRoutesLowConfidenceToValidation(t *testing.T) {
	m := store.NewMemory()
	svc := newTestService(m, false)
	ctx := context.Background()
	tmpl := seedLayoutTemplate(t, m, true)

	tokens := []pdf.Token{
		tok("Nama:", 72, 700),
		tok("Budi", 130, 700),
		tok("Santoso", 160, 700),
	}

	out, err := svc.extractFields(ctx, tmpl, tokens)
	require.NoError(t, err)

	assert.Equal(t, "Budi Santoso", out.Result.Fields["nama"].Value)
	assert.Equal(t, extract.MethodNone, out.Result.Fields["alamat"].Method)
	assert.True(t, out.Decision.ShouldValidate)
	assert.Equal(t, store.StatusPendingValidation, out.Status)

	doc, err := m.LoadDocument(ctx, out.Result.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPendingValidation, doc.Status)
}

func TestExtractDocument_TemplateMissing(t *testing.T) {
	svc := newTestService(store.NewMemory(), false)

	_, err := svc.ExtractDocument(context.Background(), "ghost", []byte("%PDF-1.7"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubmitFeedback_RecordsAndCounts(t *testing.T) {
	m := store.NewMemory()
	svc := newTestService(m, false)
	ctx := context.Background()

	seedTemplate(t, m, 5)
	seedExtractedDocument(t, m, "doc-1")

	out, err := svc.SubmitFeedback(ctx, "doc-1", map[string]string{
		"nama": "Budi",
		"nik":  "3201011234",
	})
	require.NoError(t, err)
	assert.Equal(t, "doc-1", out.DocumentID)
	assert.Equal(t, "reg", out.TemplateID)
	assert.Equal(t, []string{"nama", "nik"}, out.Recorded)
	assert.Equal(t, 2, out.PendingFeedback)
	// Below the batch threshold, so no training job was started.
	assert.Empty(t, out.TrainingJobID)

	doc, err := m.LoadDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusValidated, doc.Status)
}

func TestSubmitFeedback_StartsTrainingAtThreshold(t *testing.T) {
	m := store.NewMemory()
	svc := newTestService(m, true)
	ctx := context.Background()

	seedTemplate(t, m, 2)
	seedExtractedDocument(t, m, "doc-1")

	out, err := svc.SubmitFeedback(ctx, "doc-1", map[string]string{
		"nama": "Budi",
		"nik":  "3201011234",
	})
	require.NoError(t, err)
	require.NotEmpty(t, out.TrainingJobID)

	job, ok := svc.TrainingJob(out.TrainingJobID, "")
	require.True(t, ok)
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err = job.Wait(wctx)
	require.NoError(t, err)

	latest, ok := svc.TrainingJob("", "reg")
	require.True(t, ok)
	assert.Same(t, job, latest)
}

func TestSubmitFeedback_DocumentMissing(t *testing.T) {
	svc := newTestService(store.NewMemory(), false)

	_, err := svc.SubmitFeedback(context.Background(), "ghost", map[string]string{"nama": "x"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTrain_BelowThresholdReports(t *testing.T) {
	m := store.NewMemory()
	svc := newTestService(m, false)
	seedTemplate(t, m, 5)

	report, err := svc.Train(context.Background(), "reg")
	require.NoError(t, err)
	assert.False(t, report.Ran)
	assert.Equal(t, 0, report.PendingFeedback)
}

func TestSetPhase_TagsExperimentReport(t *testing.T) {
	m := store.NewMemory()
	svc := newTestService(m, false)
	ctx := context.Background()

	svc.SetPhase("reg", store.PhaseAdaptive)
	require.NoError(t, m.SaveDocument(ctx, &store.DocumentRecord{
		ID:         "a1",
		TemplateID: "reg",
		Status:     store.StatusAutoAccepted,
		Phase:      store.PhaseAdaptive,
		Result:     &extract.Result{DocumentID: "a1", TemplateID: "reg", DocumentConfidence: 0.9},
	}))

	cmp, err := svc.Report(ctx, "reg")
	require.NoError(t, err)
	assert.Equal(t, 1, cmp.Adaptive.Documents)
	assert.Equal(t, 0, cmp.Baseline.Documents)
}

func TestTemplate_RoundTrip(t *testing.T) {
	m := store.NewMemory()
	svc := newTestService(m, false)
	seedTemplate(t, m, 5)

	cfg, err := svc.Template(context.Background(), "reg")
	require.NoError(t, err)
	assert.Equal(t, "reg", cfg.TemplateID)

	_, err = svc.Template(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
