// Package crf implements the linear-chain discriminative sequence model used
// for field extraction: Begin/Inside/Outside tagging with Viterbi decoding,
// forward-backward marginals for confidence, and averaged-perceptron
// training. Models are immutable once trained; training produces a new model.
package crf

import (
	"bytes"
	"encoding/gob"
	"math"

	"github.com/rotisserie/eris"
)

// Outside is the tag for tokens that belong to no field span.
const Outside = "O"

// BeginTag and InsideTag build the span tags for a field name.
func BeginTag(field string) string  { return "B-" + field }
func InsideTag(field string) string { return "I-" + field }

// SpanField returns the field name of a B-/I- tag, or "" for Outside.
func SpanField(tag string) string {
	if len(tag) > 2 && (tag[0] == 'B' || tag[0] == 'I') && tag[1] == '-' {
		return tag[2:]
	}
	return ""
}

// Model is a trained linear-chain sequence model: emission weights per
// (feature, tag) and transition weights per (previous tag, tag).
type Model struct {
	Tags        []string
	Emissions   map[string]map[string]float64
	Transitions map[string]map[string]float64
}

// newModel creates an empty model over the given tag set.
func newModel(tags []string) *Model {
	return &Model{
		Tags:        tags,
		Emissions:   make(map[string]map[string]float64),
		Transitions: make(map[string]map[string]float64),
	}
}

func (m *Model) emission(feat, tag string) float64 {
	if row, ok := m.Emissions[feat]; ok {
		return row[tag]
	}
	return 0
}

func (m *Model) transition(prev, tag string) float64 {
	if row, ok := m.Transitions[prev]; ok {
		return row[tag]
	}
	return 0
}

// score returns the local emission score of tag at a position.
func (m *Model) score(feats []string, tag string) float64 {
	var s float64
	for _, f := range feats {
		s += m.emission(f, tag)
	}
	return s
}

// Decode runs Viterbi over the feature sequence and returns the best tag
// sequence together with per-token marginal probabilities of the decoded
// tags, computed by forward-backward over the same scores.
func (m *Model) Decode(seq [][]string) ([]string, []float64) {
	n := len(seq)
	if n == 0 || len(m.Tags) == 0 {
		return nil, nil
	}
	k := len(m.Tags)

	// Local scores, reused by Viterbi and forward-backward.
	local := make([][]float64, n)
	for i := range seq {
		local[i] = make([]float64, k)
		for j, tag := range m.Tags {
			local[i][j] = m.score(seq[i], tag)
		}
	}

	tags := m.viterbi(local)
	marginals := m.marginals(local, tags)
	return tags, marginals
}

func (m *Model) viterbi(local [][]float64) []string {
	n, k := len(local), len(m.Tags)

	delta := make([]float64, k)
	copy(delta, local[0])
	back := make([][]int, n)

	for i := 1; i < n; i++ {
		next := make([]float64, k)
		back[i] = make([]int, k)
		for j, tag := range m.Tags {
			best, arg := math.Inf(-1), 0
			for p, prev := range m.Tags {
				s := delta[p] + m.transition(prev, tag)
				if s > best {
					best, arg = s, p
				}
			}
			next[j] = best + local[i][j]
			back[i][j] = arg
		}
		delta = next
	}

	best, arg := math.Inf(-1), 0
	for j, s := range delta {
		if s > best {
			best, arg = s, j
		}
	}

	tags := make([]string, n)
	for i := n - 1; i >= 0; i-- {
		tags[i] = m.Tags[arg]
		if i > 0 {
			arg = back[i][arg]
		}
	}
	return tags
}

// marginals computes P(tag_i = decoded_i | x) with forward-backward, treating
// the perceptron scores as unnormalized log-potentials.
func (m *Model) marginals(local [][]float64, decoded []string) []float64 {
	n, k := len(local), len(m.Tags)

	alpha := make([][]float64, n)
	beta := make([][]float64, n)
	for i := range alpha {
		alpha[i] = make([]float64, k)
		beta[i] = make([]float64, k)
	}

	copy(alpha[0], local[0])
	for i := 1; i < n; i++ {
		for j, tag := range m.Tags {
			terms := make([]float64, k)
			for p, prev := range m.Tags {
				terms[p] = alpha[i-1][p] + m.transition(prev, tag)
			}
			alpha[i][j] = logSumExp(terms) + local[i][j]
		}
	}

	for i := n - 2; i >= 0; i-- {
		for j, tag := range m.Tags {
			terms := make([]float64, k)
			for q, next := range m.Tags {
				terms[q] = m.transition(tag, next) + local[i+1][q] + beta[i+1][q]
			}
			beta[i][j] = logSumExp(terms)
		}
	}

	logZ := logSumExp(alpha[n-1])

	tagIndex := make(map[string]int, k)
	for j, tag := range m.Tags {
		tagIndex[tag] = j
	}

	probs := make([]float64, n)
	for i := 0; i < n; i++ {
		j := tagIndex[decoded[i]]
		p := math.Exp(alpha[i][j] + beta[i][j] - logZ)
		probs[i] = clamp01(p)
	}
	return probs
}

func logSumExp(xs []float64) float64 {
	max := math.Inf(-1)
	for _, x := range xs {
		if x > max {
			max = x
		}
	}
	if math.IsInf(max, -1) {
		return max
	}
	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - max)
	}
	return max + math.Log(sum)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Encode serializes the model into an opaque artifact blob.
func (m *Model) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, eris.Wrap(err, "crf: encode model")
	}
	return buf.Bytes(), nil
}

// DecodeModel deserializes a model artifact produced by Encode.
func DecodeModel(data []byte) (*Model, error) {
	var m Model
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return nil, eris.Wrap(err, "crf: decode model")
	}
	return &m, nil
}
