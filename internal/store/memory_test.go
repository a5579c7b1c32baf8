package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldlens/fieldlens/internal/extract"
	"github.com/fieldlens/fieldlens/internal/pdf"
	"github.com/fieldlens/fieldlens/internal/template"
)

func TestMemory_Templates(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.LoadTemplate(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	cfg := &template.Config{TemplateID: "registration", Thresholds: template.DefaultThresholds()}
	require.NoError(t, m.SaveTemplate(ctx, cfg))

	got, err := m.LoadTemplate(ctx, "registration")
	require.NoError(t, err)
	assert.Equal(t, "registration", got.TemplateID)

	assert.Error(t, m.SaveTemplate(ctx, &template.Config{}))
}

func TestMemory_DocumentsAndPhaseFilter(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	base := time.Now().UTC()
	docs := []*DocumentRecord{
		{ID: "d1", TemplateID: "reg", Phase: PhaseBaseline, CreatedAt: base},
		{ID: "d2", TemplateID: "reg", Phase: PhaseAdaptive, CreatedAt: base.Add(time.Second)},
		{ID: "d3", TemplateID: "other", Phase: PhaseAdaptive, CreatedAt: base.Add(2 * time.Second)},
	}
	for _, doc := range docs {
		require.NoError(t, m.SaveDocument(ctx, doc))
	}

	all, err := m.ListDocuments(ctx, "reg", PhaseNone)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "d1", all[0].ID)

	adaptive, err := m.ListDocuments(ctx, "reg", PhaseAdaptive)
	require.NoError(t, err)
	require.Len(t, adaptive, 1)
	assert.Equal(t, "d2", adaptive[0].ID)

	_, err = m.LoadDocument(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_DocumentsAreIsolatedCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	doc := &DocumentRecord{
		ID:         "d1",
		TemplateID: "reg",
		Status:     StatusPendingValidation,
		Tokens:     []pdf.Token{{Text: "Nama:", Page: 1}, {Text: "Budi", Page: 1}},
		Result: &extract.Result{
			DocumentID: "d1",
			TemplateID: "reg",
			Fields: map[string]extract.FieldResult{
				"nama": {Value: "Budi", Confidence: 0.8, Method: extract.MethodPosition},
			},
		},
	}
	require.NoError(t, m.SaveDocument(ctx, doc))

	// Mutating the caller's record after save does not leak into the store.
	doc.Status = StatusValidated
	doc.Tokens[0].Text = "mangled"
	doc.Result.Fields["nama"] = extract.FieldResult{Value: "mangled"}

	got, err := m.LoadDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingValidation, got.Status)
	assert.Equal(t, "Nama:", got.Tokens[0].Text)
	assert.Equal(t, "Budi", got.Result.Fields["nama"].Value)

	// Mutating a loaded record does not leak either; the transition only
	// lands once it is saved back.
	got.Status = StatusValidated
	got.Result.Fields["nama"] = extract.FieldResult{Value: "corrected"}

	listed, err := m.ListDocuments(ctx, "reg", PhaseNone)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, StatusPendingValidation, listed[0].Status)
	assert.Equal(t, "Budi", listed[0].Result.Fields["nama"].Value)

	require.NoError(t, m.SaveDocument(ctx, got))
	reloaded, err := m.LoadDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, StatusValidated, reloaded.Status)
	assert.Equal(t, "corrected", reloaded.Result.Fields["nama"].Value)
}

func TestMemory_FeedbackUsedFlagIsOneWay(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	base := time.Now().UTC()
	require.NoError(t, m.AppendFeedback(ctx, &FeedbackRecord{
		ID: "f1", TemplateID: "reg", FieldName: "nama", CreatedAt: base,
	}))
	require.NoError(t, m.AppendFeedback(ctx, &FeedbackRecord{
		ID: "f2", TemplateID: "reg", FieldName: "nik", CreatedAt: base.Add(time.Second),
	}))

	n, err := m.CountUnusedFeedback(ctx, "reg")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, m.MarkFeedbackUsed(ctx, []string{"f1"}))

	unused, err := m.UnusedFeedback(ctx, "reg")
	require.NoError(t, err)
	require.Len(t, unused, 1)
	assert.Equal(t, "f2", unused[0].ID)

	// Marking again keeps the original UsedAt timestamp.
	used, err := m.ListFeedback(ctx, "reg")
	require.NoError(t, err)
	firstUsedAt := used[0].UsedAt
	require.NotNil(t, firstUsedAt)

	require.NoError(t, m.MarkFeedbackUsed(ctx, []string{"f1"}))
	used, err = m.ListFeedback(ctx, "reg")
	require.NoError(t, err)
	assert.Equal(t, firstUsedAt, used[0].UsedAt)
	assert.True(t, used[0].UsedForTraining)

	assert.ErrorIs(t, m.MarkFeedbackUsed(ctx, []string{"ghost"}), ErrNotFound)
}

func TestMemory_PatternUpsertIsUniquePerKey(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	fieldID := FieldID("reg", "nama")

	for i := 0; i < 3; i++ {
		_, err := m.UpsertPatternStatistic(ctx, fieldID, PatternPrefix, "peserta ")
		require.NoError(t, err)
	}
	_, err := m.UpsertPatternStatistic(ctx, fieldID, PatternSuffix, "peserta ")
	require.NoError(t, err)

	rows, err := m.PatternsForField(ctx, fieldID)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byType := map[PatternType]*PatternStatistic{}
	for _, row := range rows {
		byType[row.Type] = row
	}
	assert.Equal(t, 3, byType[PatternPrefix].Frequency)
	assert.Equal(t, 1, byType[PatternSuffix].Frequency)
}

func TestMemory_ActivePatternsFilter(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	fieldID := FieldID("reg", "nama")

	row, err := m.UpsertPatternStatistic(ctx, fieldID, PatternPrefix, "peserta ")
	require.NoError(t, err)

	active, err := m.ActivePatterns(ctx, fieldID)
	require.NoError(t, err)
	assert.Empty(t, active)

	row.IsActive = true
	row.Confidence = 0.75
	require.NoError(t, m.SavePatternStatistic(ctx, row))

	active, err = m.ActivePatterns(ctx, fieldID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "peserta ", active[0].Value)

	err = m.SavePatternStatistic(ctx, &PatternStatistic{FieldID: fieldID, Type: PatternSuffix, Value: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_PatternSampleCounter(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	n, err := m.IncrementPatternSamples(ctx, "reg/nama")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = m.IncrementPatternSamples(ctx, "reg/nama")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = m.IncrementPatternSamples(ctx, "reg/nik")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemory_ModelVersionHistory(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.CurrentModelVersion(ctx, "reg")
	assert.ErrorIs(t, err, ErrNotFound)

	v1 := &ModelVersion{TemplateID: "reg", Accuracy: 0.8}
	v2 := &ModelVersion{TemplateID: "reg", Accuracy: 0.9}
	require.NoError(t, m.AppendModelVersion(ctx, v1))
	require.NoError(t, m.AppendModelVersion(ctx, v2))
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, 2, v2.Version)

	require.NoError(t, m.SetCurrentModelVersion(ctx, "reg", v2.ID))
	cur, err := m.CurrentModelVersion(ctx, "reg")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, cur.ID)

	assert.ErrorIs(t, m.SetCurrentModelVersion(ctx, "reg", "ghost"), ErrNotFound)

	history, err := m.ListModelVersions(ctx, "reg")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestMemory_Artifacts(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.SaveArtifact(ctx, "reg", nil)
	assert.Error(t, err)

	handle, err := m.SaveArtifact(ctx, "reg", []byte("blob"))
	require.NoError(t, err)
	assert.Contains(t, handle, "reg/")

	data, err := m.LoadArtifact(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), data)

	// Loaded bytes are a copy.
	data[0] = 'X'
	again, err := m.LoadArtifact(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), again)

	require.NoError(t, m.DeleteArtifact(ctx, handle))
	_, err = m.LoadArtifact(ctx, handle)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFieldID(t *testing.T) {
	assert.Equal(t, "reg/nama", FieldID("reg", "nama"))
}
