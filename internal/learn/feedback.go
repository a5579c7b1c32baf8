package learn

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fieldlens/fieldlens/internal/store"
	"github.com/fieldlens/fieldlens/internal/template"
)

// Ingestor converts validated corrections into feedback records and pattern
// observations. It never triggers training; the incremental trainer runs its
// own threshold check.
type Ingestor struct {
	docs     store.DocumentRepository
	feedback store.FeedbackRepository
	patterns *PatternLearner
	logger   *zap.Logger
}

// NewIngestor creates a feedback ingestor.
func NewIngestor(
	docs store.DocumentRepository,
	feedback store.FeedbackRepository,
	patterns *PatternLearner,
	logger *zap.Logger,
) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{docs: docs, feedback: feedback, patterns: patterns, logger: logger}
}

// Ingest records corrections against a previously extracted document. Each
// correction becomes a FeedbackRecord with used_for_training=false; pattern
// statistics update synchronously. A corrected value equal to the extracted
// value still produces a record (it confirms the extraction) but no pattern
// observation. The document transitions to validated.
func (in *Ingestor) Ingest(
	ctx context.Context, documentID string, corrections map[string]string, th template.Thresholds,
) ([]*store.FeedbackRecord, error) {
	if len(corrections) == 0 {
		return nil, eris.New("learn: no corrections supplied")
	}

	doc, err := in.docs.LoadDocument(ctx, documentID)
	if err != nil {
		return nil, eris.Wrap(err, "learn: load document")
	}
	if doc.Result == nil {
		return nil, eris.Errorf("learn: document %s has no extraction result", documentID)
	}

	fields := make([]string, 0, len(corrections))
	for name := range corrections {
		fields = append(fields, name)
	}
	sort.Strings(fields)

	var records []*store.FeedbackRecord
	for _, name := range fields {
		corrected := corrections[name]
		prior, ok := doc.Result.Fields[name]
		if !ok {
			return records, eris.Errorf("learn: document %s has no field %q", documentID, name)
		}

		rec := &store.FeedbackRecord{
			ID:             uuid.NewString(),
			DocumentID:     documentID,
			TemplateID:     doc.TemplateID,
			FieldName:      name,
			OriginalValue:  prior.Value,
			CorrectedValue: corrected,
			Confidence:     prior.Confidence,
		}
		if err := in.feedback.AppendFeedback(ctx, rec); err != nil {
			return records, eris.Wrap(err, "learn: append feedback")
		}
		records = append(records, rec)

		if prior.Value != corrected {
			fieldID := store.FieldID(doc.TemplateID, name)
			if err := in.patterns.Observe(ctx, fieldID, prior.Value, corrected, th); err != nil {
				return records, eris.Wrap(err, "learn: observe correction")
			}
		}
	}

	doc.Status = store.StatusValidated
	if err := in.docs.SaveDocument(ctx, doc); err != nil {
		return records, eris.Wrap(err, "learn: update document status")
	}

	in.logger.Info("feedback ingested",
		zap.String("document_id", documentID),
		zap.String("template_id", doc.TemplateID),
		zap.Int("corrections", len(records)),
	)

	return records, nil
}
