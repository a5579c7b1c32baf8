package extract

import (
	"math"

	"github.com/fieldlens/fieldlens/internal/crf"
	"github.com/fieldlens/fieldlens/internal/pdf"
)

// SequenceDecoder applies a promoted sequence-labeling model to a document's
// token stream. Decoding happens once per document; per-field candidates are
// read out of the decoded tag sequence.
type SequenceDecoder struct {
	model *crf.Model
}

// NewSequenceDecoder wraps a model snapshot. A nil model is valid and means
// no model has been promoted for the template yet; all lookups then degrade
// to no candidate instead of erroring.
func NewSequenceDecoder(model *crf.Model) *SequenceDecoder {
	return &SequenceDecoder{model: model}
}

// Decoded holds the tag sequence and per-token marginal probabilities for one
// document.
type Decoded struct {
	tokens []pdf.Token
	tags   []string
	probs  []float64
}

// Decode tags the token stream. It returns nil when no model is available or
// the stream is empty.
func (d *SequenceDecoder) Decode(tokens []pdf.Token) *Decoded {
	if d == nil || d.model == nil || len(tokens) == 0 {
		return nil
	}
	tags, probs := d.model.Decode(crf.FeatureSequence(tokens))
	if tags == nil {
		return nil
	}
	return &Decoded{tokens: tokens, tags: tags, probs: probs}
}

// Candidate returns the model's proposal for the named field: the first
// Begin-tagged span (with its Inside continuation), valued by joining the
// span's tokens, with confidence the geometric mean of the span's per-token
// marginals. Nil when the model tagged no span for the field.
func (dec *Decoded) Candidate(field string) *Candidate {
	if dec == nil {
		return nil
	}

	begin, inside := crf.BeginTag(field), crf.InsideTag(field)
	start := -1
	for i, tag := range dec.tags {
		if tag == begin {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}

	end := start + 1
	for end < len(dec.tags) && dec.tags[end] == inside {
		end++
	}

	logSum := 0.0
	for i := start; i < end; i++ {
		p := dec.probs[i]
		if p <= 0 {
			return nil
		}
		logSum += math.Log(p)
	}
	conf := math.Exp(logSum / float64(end-start))

	return &Candidate{
		Value:      pdf.JoinText(dec.tokens[start:end]),
		Confidence: math.Max(0, math.Min(conf, 1)),
		Method:     MethodCRF,
	}
}
