package training

import (
	"context"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/fieldlens/fieldlens/internal/crf"
	"github.com/fieldlens/fieldlens/internal/pdf"
	"github.com/fieldlens/fieldlens/internal/store"
)

// BuildExamples converts feedback records into labeled training sequences.
// Records are grouped per document; each corrected value is located in the
// document's captured token stream and labeled Begin/Inside, everything else
// Outside. Documents where no corrected span can be located are skipped;
// they carry no trainable signal.
func BuildExamples(
	ctx context.Context, docs store.DocumentRepository, records []*store.FeedbackRecord,
) ([]crf.Example, error) {
	byDoc := make(map[string]map[string]string)
	for _, rec := range records {
		m, ok := byDoc[rec.DocumentID]
		if !ok {
			m = make(map[string]string)
			byDoc[rec.DocumentID] = m
		}
		m[rec.FieldName] = rec.CorrectedValue
	}

	docIDs := make([]string, 0, len(byDoc))
	for id := range byDoc {
		docIDs = append(docIDs, id)
	}
	sort.Strings(docIDs)

	var examples []crf.Example
	for _, docID := range docIDs {
		doc, err := docs.LoadDocument(ctx, docID)
		if err != nil {
			return nil, eris.Wrapf(err, "training: load document %s", docID)
		}
		if ex, ok := buildExample(doc.Tokens, byDoc[docID]); ok {
			examples = append(examples, ex)
		}
	}
	return examples, nil
}

// buildExample labels one token stream from its corrections. ok is false when
// none of the corrected values could be located.
func buildExample(tokens []pdf.Token, corrections map[string]string) (crf.Example, bool) {
	if len(tokens) == 0 {
		return crf.Example{}, false
	}

	labels := make([]string, len(tokens))
	for i := range labels {
		labels[i] = crf.Outside
	}

	fields := make([]string, 0, len(corrections))
	for name := range corrections {
		fields = append(fields, name)
	}
	sort.Strings(fields)

	labeled := false
	for _, field := range fields {
		start, end := findSpan(tokens, corrections[field])
		if start < 0 {
			continue
		}
		labels[start] = crf.BeginTag(field)
		for i := start + 1; i < end; i++ {
			labels[i] = crf.InsideTag(field)
		}
		labeled = true
	}
	if !labeled {
		return crf.Example{}, false
	}

	return crf.Example{
		Features: crf.FeatureSequence(tokens),
		Labels:   labels,
	}, true
}

// findSpan locates the first token run whose texts match the corrected
// value's words, case-insensitive. Returns [start, end) or (-1, -1).
func findSpan(tokens []pdf.Token, value string) (int, int) {
	words := strings.Fields(strings.ToLower(value))
	if len(words) == 0 {
		return -1, -1
	}
outer:
	for i := 0; i+len(words) <= len(tokens); i++ {
		for j, word := range words {
			if strings.ToLower(tokens[i+j].Text) != word {
				continue outer
			}
		}
		return i, i + len(words)
	}
	return -1, -1
}
