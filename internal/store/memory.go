package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/fieldlens/fieldlens/internal/crf"
	"github.com/fieldlens/fieldlens/internal/extract"
	"github.com/fieldlens/fieldlens/internal/pdf"
	"github.com/fieldlens/fieldlens/internal/template"
)

// Memory is the in-memory Store implementation. All operations are safe for
// concurrent use; the pattern upsert is an atomic increment-or-insert under
// the store lock.
type Memory struct {
	mu sync.RWMutex

	templates map[string]*template.Config
	documents map[string]*DocumentRecord
	feedback  map[string]*FeedbackRecord

	patterns       map[patternKey]*PatternStatistic
	patternSamples map[string]int

	versions map[string][]*ModelVersion
	current  map[string]string

	examples  map[string][]crf.Example
	quality   map[string][]*DataQualityMetric
	artifacts map[string][]byte
}

type patternKey struct {
	fieldID string
	typ     PatternType
	value   string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		templates:      make(map[string]*template.Config),
		documents:      make(map[string]*DocumentRecord),
		feedback:       make(map[string]*FeedbackRecord),
		patterns:       make(map[patternKey]*PatternStatistic),
		patternSamples: make(map[string]int),
		versions:       make(map[string][]*ModelVersion),
		current:        make(map[string]string),
		examples:       make(map[string][]crf.Example),
		quality:        make(map[string][]*DataQualityMetric),
		artifacts:      make(map[string][]byte),
	}
}

var _ Store = (*Memory)(nil)

// SaveTemplate stores or replaces a template configuration.
func (m *Memory) SaveTemplate(_ context.Context, cfg *template.Config) error {
	if cfg == nil || cfg.TemplateID == "" {
		return eris.New("store: template config missing id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[cfg.TemplateID] = cfg
	return nil
}

// LoadTemplate returns the stored configuration for templateID.
func (m *Memory) LoadTemplate(_ context.Context, templateID string) (*template.Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.templates[templateID]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "template %s", templateID)
	}
	return cfg, nil
}

// SaveDocument stores or replaces a document record. The store keeps its own
// copy; later mutations of doc by the caller are not observed.
func (m *Memory) SaveDocument(_ context.Context, doc *DocumentRecord) error {
	if doc == nil || doc.ID == "" {
		return eris.New("store: document record missing id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc.UpdatedAt = time.Now().UTC()
	m.documents[doc.ID] = cloneDocument(doc)
	return nil
}

// LoadDocument returns a copy of the stored record for documentID. Callers
// mutate their copy and persist through SaveDocument.
func (m *Memory) LoadDocument(_ context.Context, documentID string) (*DocumentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.documents[documentID]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "document %s", documentID)
	}
	return cloneDocument(doc), nil
}

// ListDocuments returns the documents of a template, optionally filtered by
// experiment phase, ordered by creation time.
func (m *Memory) ListDocuments(_ context.Context, templateID string, phase ExperimentPhase) ([]*DocumentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*DocumentRecord
	for _, doc := range m.documents {
		if doc.TemplateID != templateID {
			continue
		}
		if phase != PhaseNone && doc.Phase != phase {
			continue
		}
		out = append(out, cloneDocument(doc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func cloneDocument(doc *DocumentRecord) *DocumentRecord {
	cp := *doc
	if doc.Tokens != nil {
		cp.Tokens = make([]pdf.Token, len(doc.Tokens))
		copy(cp.Tokens, doc.Tokens)
	}
	if doc.Result != nil {
		r := *doc.Result
		if doc.Result.Fields != nil {
			r.Fields = make(map[string]extract.FieldResult, len(doc.Result.Fields))
			for name, fr := range doc.Result.Fields {
				r.Fields[name] = fr
			}
		}
		cp.Result = &r
	}
	return &cp
}

// AppendFeedback stores a new feedback record, assigning an ID if absent.
func (m *Memory) AppendFeedback(_ context.Context, rec *FeedbackRecord) error {
	if rec == nil {
		return eris.New("store: nil feedback record")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.feedback[rec.ID]; exists {
		return eris.Errorf("store: feedback %s already exists", rec.ID)
	}
	m.feedback[rec.ID] = rec
	return nil
}

// UnusedFeedback returns the template's feedback not yet consumed by
// training, oldest first.
func (m *Memory) UnusedFeedback(_ context.Context, templateID string) ([]*FeedbackRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*FeedbackRecord
	for _, rec := range m.feedback {
		if rec.TemplateID == templateID && !rec.UsedForTraining {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CountUnusedFeedback counts the template's unconsumed feedback.
func (m *Memory) CountUnusedFeedback(_ context.Context, templateID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, rec := range m.feedback {
		if rec.TemplateID == templateID && !rec.UsedForTraining {
			n++
		}
	}
	return n, nil
}

// MarkFeedbackUsed flips used_for_training exactly once per record.
func (m *Memory) MarkFeedbackUsed(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, id := range ids {
		rec, ok := m.feedback[id]
		if !ok {
			return eris.Wrapf(ErrNotFound, "feedback %s", id)
		}
		if rec.UsedForTraining {
			continue
		}
		rec.UsedForTraining = true
		rec.UsedAt = &now
	}
	return nil
}

// ListFeedback returns all feedback of a template, oldest first.
func (m *Memory) ListFeedback(_ context.Context, templateID string) ([]*FeedbackRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*FeedbackRecord
	for _, rec := range m.feedback {
		if rec.TemplateID == templateID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpsertPatternStatistic atomically increments the frequency of the
// (field, type, value) row, inserting it on first observation.
func (m *Memory) UpsertPatternStatistic(
	_ context.Context, fieldID string, typ PatternType, value string,
) (*PatternStatistic, error) {
	if fieldID == "" || value == "" {
		return nil, eris.New("store: pattern statistic missing key")
	}
	key := patternKey{fieldID: fieldID, typ: typ, value: value}

	m.mu.Lock()
	defer m.mu.Unlock()
	stat, ok := m.patterns[key]
	if !ok {
		stat = &PatternStatistic{FieldID: fieldID, Type: typ, Value: value}
		m.patterns[key] = stat
	}
	stat.Frequency++
	stat.UpdatedAt = time.Now().UTC()
	cp := *stat
	return &cp, nil
}

// IncrementPatternSamples bumps the per-field correction counter.
func (m *Memory) IncrementPatternSamples(_ context.Context, fieldID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patternSamples[fieldID]++
	return m.patternSamples[fieldID], nil
}

// SavePatternStatistic stores recomputed confidence/activation for a row.
func (m *Memory) SavePatternStatistic(_ context.Context, stat *PatternStatistic) error {
	if stat == nil {
		return eris.New("store: nil pattern statistic")
	}
	key := patternKey{fieldID: stat.FieldID, typ: stat.Type, value: stat.Value}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.patterns[key]
	if !ok {
		return eris.Wrapf(ErrNotFound, "pattern %s/%s/%q", stat.FieldID, stat.Type, stat.Value)
	}
	*existing = *stat
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

// PatternsForField returns every pattern row of a field.
func (m *Memory) PatternsForField(_ context.Context, fieldID string) ([]*PatternStatistic, error) {
	return m.listPatterns(fieldID, false)
}

// ActivePatterns returns only the field's activated patterns.
func (m *Memory) ActivePatterns(_ context.Context, fieldID string) ([]*PatternStatistic, error) {
	return m.listPatterns(fieldID, true)
}

func (m *Memory) listPatterns(fieldID string, activeOnly bool) ([]*PatternStatistic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*PatternStatistic
	for _, stat := range m.patterns {
		if stat.FieldID != fieldID {
			continue
		}
		if activeOnly && !stat.IsActive {
			continue
		}
		cp := *stat
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Value < out[j].Value
	})
	return out, nil
}

// AppendModelVersion appends a row to the training history.
func (m *Memory) AppendModelVersion(_ context.Context, mv *ModelVersion) error {
	if mv == nil || mv.TemplateID == "" {
		return eris.New("store: model version missing template id")
	}
	if mv.ID == "" {
		mv.ID = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mv.Version = len(m.versions[mv.TemplateID]) + 1
	m.versions[mv.TemplateID] = append(m.versions[mv.TemplateID], mv)
	return nil
}

// SetCurrentModelVersion swaps the template's current pointer.
func (m *Memory) SetCurrentModelVersion(_ context.Context, templateID, versionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mv := range m.versions[templateID] {
		if mv.ID == versionID {
			m.current[templateID] = versionID
			return nil
		}
	}
	return eris.Wrapf(ErrNotFound, "model version %s", versionID)
}

// CurrentModelVersion returns the template's current model version.
func (m *Memory) CurrentModelVersion(_ context.Context, templateID string) (*ModelVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.current[templateID]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "current model for template %s", templateID)
	}
	for _, mv := range m.versions[templateID] {
		if mv.ID == id {
			cp := *mv
			return &cp, nil
		}
	}
	return nil, eris.Wrapf(ErrNotFound, "model version %s", id)
}

// ListModelVersions returns the template's full training history in order.
func (m *Memory) ListModelVersions(_ context.Context, templateID string) ([]*ModelVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.versions[templateID]
	out := make([]*ModelVersion, len(src))
	for i, mv := range src {
		cp := *mv
		out[i] = &cp
	}
	return out, nil
}

// AppendTrainingExamples extends the template's cumulative training set.
func (m *Memory) AppendTrainingExamples(_ context.Context, templateID string, examples []crf.Example) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.examples[templateID] = append(m.examples[templateID], examples...)
	return nil
}

// TrainingExamples returns the template's cumulative training set.
func (m *Memory) TrainingExamples(_ context.Context, templateID string) ([]crf.Example, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]crf.Example, len(m.examples[templateID]))
	copy(out, m.examples[templateID])
	return out, nil
}

// AppendQualityMetric records a training run's data-quality metrics.
func (m *Memory) AppendQualityMetric(_ context.Context, metric *DataQualityMetric) error {
	if metric == nil || metric.TemplateID == "" {
		return eris.New("store: quality metric missing template id")
	}
	if metric.CreatedAt.IsZero() {
		metric.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quality[metric.TemplateID] = append(m.quality[metric.TemplateID], metric)
	return nil
}

// ListQualityMetrics returns the template's recorded quality metrics.
func (m *Memory) ListQualityMetrics(_ context.Context, templateID string) ([]*DataQualityMetric, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.quality[templateID]
	out := make([]*DataQualityMetric, len(src))
	copy(out, src)
	return out, nil
}

// SaveArtifact stores an opaque model blob and returns its handle.
func (m *Memory) SaveArtifact(_ context.Context, templateID string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", eris.New("store: empty artifact")
	}
	handle := templateID + "/" + uuid.NewString()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts[handle] = cp
	return handle, nil
}

// LoadArtifact returns the blob for a handle.
func (m *Memory) LoadArtifact(_ context.Context, handle string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.artifacts[handle]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "artifact %s", handle)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// DeleteArtifact removes a blob, used to clean up after failed training.
func (m *Memory) DeleteArtifact(_ context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.artifacts, handle)
	return nil
}
