// Package learn turns accepted corrections into reusable knowledge: cleaning
// patterns mined from (original, corrected) pairs and feedback records for
// the incremental trainer.
package learn

import (
	"context"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fieldlens/fieldlens/internal/store"
	"github.com/fieldlens/fieldlens/internal/template"
)

// Noise pattern values emitted by the structural classifiers. The cleaner
// interprets them; the stored rows carry frequency statistics like any other
// pattern.
const (
	noiseBracketWrap    = "bracket_wrap"
	noiseQuoteWrap      = "quote_wrap"
	noiseTrailingPunct  = "trailing_punct"
	noiseMultiValue     = "multi_value_join"
	noiseLocationPrefix = "location_prefix"
)

// candidate is one mined pattern observation.
type candidate struct {
	typ   store.PatternType
	value string
}

// PatternLearner accumulates pattern statistics from accepted corrections.
// A pattern only becomes active once its confidence clears the template's
// activation threshold, preventing premature over-correction from noisy
// early data.
type PatternLearner struct {
	repo   store.PatternRepository
	logger *zap.Logger
}

// NewPatternLearner creates a learner over the pattern repository.
func NewPatternLearner(repo store.PatternRepository, logger *zap.Logger) *PatternLearner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PatternLearner{repo: repo, logger: logger}
}

// Observe mines one (original, corrected) pair, upserts the mined rows, and
// recomputes confidence and activation for every row of the field.
// Confidence uses add-one smoothing: frequency / (samples + 1), so a single
// observation cannot activate a pattern.
func (l *PatternLearner) Observe(
	ctx context.Context, fieldID, original, corrected string, th template.Thresholds,
) error {
	original = strings.TrimSpace(original)
	corrected = strings.TrimSpace(corrected)
	if corrected == "" || original == corrected {
		return nil
	}

	samples, err := l.repo.IncrementPatternSamples(ctx, fieldID)
	if err != nil {
		return eris.Wrap(err, "learn: increment pattern samples")
	}

	for _, cand := range minePatterns(original, corrected) {
		if _, err := l.repo.UpsertPatternStatistic(ctx, fieldID, cand.typ, cand.value); err != nil {
			return eris.Wrapf(err, "learn: upsert pattern %s/%q", cand.typ, cand.value)
		}
	}

	rows, err := l.repo.PatternsForField(ctx, fieldID)
	if err != nil {
		return eris.Wrap(err, "learn: load patterns")
	}
	for _, row := range rows {
		row.SampleCount = samples
		row.Confidence = float64(row.Frequency) / float64(samples+1)
		wasActive := row.IsActive
		row.IsActive = row.Confidence >= th.PatternActivation && samples >= th.PatternMinSamples
		if err := l.repo.SavePatternStatistic(ctx, row); err != nil {
			return eris.Wrap(err, "learn: save pattern")
		}
		if row.IsActive && !wasActive {
			l.logger.Info("pattern activated",
				zap.String("field_id", fieldID),
				zap.String("type", string(row.Type)),
				zap.String("value", row.Value),
				zap.Float64("confidence", row.Confidence),
			)
		}
	}

	return nil
}

// minePatterns derives candidate patterns from one correction pair.
func minePatterns(original, corrected string) []candidate {
	var out []candidate

	if idx := strings.Index(original, corrected); idx >= 0 && original != corrected {
		if prefix := original[:idx]; strings.TrimSpace(prefix) != "" {
			out = append(out, candidate{typ: store.PatternPrefix, value: prefix})
			if strings.HasSuffix(strings.TrimRight(prefix, " "), ",") {
				out = append(out, candidate{typ: store.PatternStructuralNoise, value: noiseLocationPrefix})
			}
		}
		if suffix := original[idx+len(corrected):]; strings.TrimSpace(suffix) != "" {
			out = append(out, candidate{typ: store.PatternSuffix, value: suffix})
			if isPunctRun(suffix) {
				out = append(out, candidate{typ: store.PatternStructuralNoise, value: noiseTrailingPunct})
			}
		}
	}

	if wrapped(original, corrected, "(", ")") || wrapped(original, corrected, "[", "]") || wrapped(original, corrected, "{", "}") {
		out = append(out, candidate{typ: store.PatternStructuralNoise, value: noiseBracketWrap})
	}
	if wrapped(original, corrected, `"`, `"`) || wrapped(original, corrected, "'", "'") {
		out = append(out, candidate{typ: store.PatternStructuralNoise, value: noiseQuoteWrap})
	}
	if isJoinSegment(original, corrected) {
		out = append(out, candidate{typ: store.PatternStructuralNoise, value: noiseMultiValue})
	}

	return out
}

func wrapped(original, corrected, open, closing string) bool {
	return original == open+corrected+closing
}

func isPunctRun(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 3 {
		return false
	}
	return strings.Trim(s, ".,;:") == ""
}

// isJoinSegment reports whether corrected is one segment of a multi-value
// join in original (semicolon, comma, or slash separated).
func isJoinSegment(original, corrected string) bool {
	for _, sep := range []string{";", ",", "/"} {
		if !strings.Contains(original, sep) {
			continue
		}
		for _, part := range strings.Split(original, sep) {
			if strings.TrimSpace(part) == corrected {
				return true
			}
		}
	}
	return false
}

// Cleaner applies active patterns to raw extracted values. Only active
// patterns participate, regardless of which strategy produced the value.
type Cleaner struct {
	repo store.PatternRepository
}

// NewCleaner creates a cleaner over the pattern repository.
func NewCleaner(repo store.PatternRepository) *Cleaner {
	return &Cleaner{repo: repo}
}

// Clean strips the field's active prefixes, suffixes, and structural noise
// from value. Prefixes and suffixes apply longest-first, once each.
func (c *Cleaner) Clean(ctx context.Context, fieldID, value string) (string, error) {
	if value == "" {
		return value, nil
	}
	active, err := c.repo.ActivePatterns(ctx, fieldID)
	if err != nil {
		return value, eris.Wrap(err, "learn: load active patterns")
	}
	return applyPatterns(value, active), nil
}

// applyPatterns is the pure cleaning function over a pattern set.
func applyPatterns(value string, patterns []*store.PatternStatistic) string {
	byType := map[store.PatternType][]*store.PatternStatistic{}
	for _, p := range patterns {
		byType[p.Type] = append(byType[p.Type], p)
	}
	for _, group := range byType {
		sort.Slice(group, func(i, j int) bool { return len(group[i].Value) > len(group[j].Value) })
	}

	for _, p := range byType[store.PatternPrefix] {
		if strings.HasPrefix(value, p.Value) {
			value = strings.TrimSpace(value[len(p.Value):])
			break
		}
	}
	for _, p := range byType[store.PatternSuffix] {
		if strings.HasSuffix(value, p.Value) {
			value = strings.TrimSpace(value[:len(value)-len(p.Value)])
			break
		}
	}

	for _, p := range byType[store.PatternStructuralNoise] {
		switch p.Value {
		case noiseBracketWrap:
			value = unwrap(value, "(", ")")
			value = unwrap(value, "[", "]")
			value = unwrap(value, "{", "}")
		case noiseQuoteWrap:
			value = unwrap(value, `"`, `"`)
			value = unwrap(value, "'", "'")
		case noiseTrailingPunct:
			value = strings.TrimRight(value, ".,;: ")
		case noiseMultiValue:
			value = firstSegment(value)
		case noiseLocationPrefix:
			if idx := strings.Index(value, ", "); idx > 0 {
				value = strings.TrimSpace(value[idx+2:])
			}
		}
	}

	return strings.TrimSpace(value)
}

func unwrap(value, open, closing string) string {
	if len(value) > len(open)+len(closing) && strings.HasPrefix(value, open) && strings.HasSuffix(value, closing) {
		return strings.TrimSpace(value[len(open) : len(value)-len(closing)])
	}
	return value
}

func firstSegment(value string) string {
	for _, sep := range []string{";", ","} {
		if idx := strings.Index(value, sep); idx > 0 {
			return strings.TrimSpace(value[:idx])
		}
	}
	return value
}
