package crf

import (
	"math/rand"
	"sort"

	"github.com/rotisserie/eris"
)

// Example is one labeled training sequence: per-token features and the gold
// Begin/Inside/Outside tags.
type Example struct {
	Features [][]string
	Labels   []string
}

// TrainOptions controls the training procedure.
type TrainOptions struct {
	Epochs       int
	HoldoutRatio float64
	Seed         int64
}

// DefaultTrainOptions returns the training defaults.
func DefaultTrainOptions() TrainOptions {
	return TrainOptions{
		Epochs:       8,
		HoldoutRatio: 0.2,
		Seed:         1,
	}
}

// Metrics summarizes held-out evaluation of a trained model. Accuracy is
// token-level; Precision/Recall/F1 are exact-span-level.
type Metrics struct {
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	TrainSize int     `json:"train_size"`
	EvalSize  int     `json:"eval_size"`
}

// Train fits an averaged-perceptron linear-chain model on the examples and
// evaluates it on a held-out split. Given the same examples and options the
// result is deterministic.
func Train(examples []Example, opts TrainOptions) (*Model, Metrics, error) {
	if len(examples) == 0 {
		return nil, Metrics{}, eris.New("crf: no training examples")
	}
	if opts.Epochs <= 0 {
		opts.Epochs = DefaultTrainOptions().Epochs
	}
	if opts.HoldoutRatio <= 0 || opts.HoldoutRatio >= 1 {
		opts.HoldoutRatio = DefaultTrainOptions().HoldoutRatio
	}
	for _, ex := range examples {
		if len(ex.Features) != len(ex.Labels) {
			return nil, Metrics{}, eris.New("crf: example feature/label length mismatch")
		}
	}

	rng := rand.New(rand.NewSource(opts.Seed))

	shuffled := make([]Example, len(examples))
	copy(shuffled, examples)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	holdout := int(float64(len(shuffled)) * opts.HoldoutRatio)
	if holdout < 1 && len(shuffled) > 1 {
		holdout = 1
	}
	train := shuffled[holdout:]
	eval := shuffled[:holdout]
	if len(train) == 0 {
		// Too little data to split; evaluate on the training set.
		train = shuffled
		eval = shuffled
	}

	tags := collectTags(examples)
	tr := newTrainer(tags)

	order := make([]int, len(train))
	for i := range order {
		order[i] = i
	}
	for epoch := 0; epoch < opts.Epochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for _, idx := range order {
			tr.update(train[idx])
		}
	}

	model := tr.average()
	metrics := Evaluate(model, eval)
	metrics.TrainSize = len(train)
	metrics.EvalSize = len(eval)

	return model, metrics, nil
}

// Evaluate measures token accuracy and exact-span precision/recall/F1 of the
// model on the examples.
func Evaluate(model *Model, examples []Example) Metrics {
	var tokens, correctTokens int
	var goldSpans, predSpans, correctSpans int

	for _, ex := range examples {
		pred, _ := model.Decode(ex.Features)
		for i := range ex.Labels {
			tokens++
			if pred[i] == ex.Labels[i] {
				correctTokens++
			}
		}

		gold := extractSpans(ex.Labels)
		got := extractSpans(pred)
		goldSpans += len(gold)
		predSpans += len(got)
		for span := range got {
			if gold[span] {
				correctSpans++
			}
		}
	}

	m := Metrics{}
	if tokens > 0 {
		m.Accuracy = float64(correctTokens) / float64(tokens)
	}
	if predSpans > 0 {
		m.Precision = float64(correctSpans) / float64(predSpans)
	}
	if goldSpans > 0 {
		m.Recall = float64(correctSpans) / float64(goldSpans)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	return m
}

type span struct {
	field      string
	start, end int
}

// extractSpans collects contiguous B-/I- runs as exact spans.
func extractSpans(tags []string) map[span]bool {
	spans := make(map[span]bool)
	i := 0
	for i < len(tags) {
		field := SpanField(tags[i])
		if field == "" {
			i++
			continue
		}
		start := i
		i++
		for i < len(tags) && tags[i] == InsideTag(field) {
			i++
		}
		spans[span{field: field, start: start, end: i - 1}] = true
	}
	return spans
}

func collectTags(examples []Example) []string {
	set := map[string]bool{Outside: true}
	for _, ex := range examples {
		for _, tag := range ex.Labels {
			set[tag] = true
		}
	}
	tags := make([]string, 0, len(set))
	for tag := range set {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// weight tracks a perceptron weight with lazy averaging.
type weight struct {
	value float64
	accum float64
	last  int
}

func (w *weight) add(delta float64, step int) {
	w.accum += w.value * float64(step-w.last)
	w.value += delta
	w.last = step
}

func (w *weight) averaged(total int) float64 {
	if total == 0 {
		return w.value
	}
	return (w.accum + w.value*float64(total-w.last)) / float64(total)
}

// trainer holds mutable averaged-perceptron state. current mirrors the raw
// weight values so decoding during training needs no copying.
type trainer struct {
	tags      []string
	current   *Model
	emissions map[string]map[string]*weight
	trans     map[string]map[string]*weight
	step      int
}

func newTrainer(tags []string) *trainer {
	return &trainer{
		tags:      tags,
		current:   newModel(tags),
		emissions: make(map[string]map[string]*weight),
		trans:     make(map[string]map[string]*weight),
	}
}

// update decodes one example with the current weights and applies the
// structured perceptron update where prediction and gold disagree.
func (t *trainer) update(ex Example) {
	t.step++
	pred, _ := t.current.Decode(ex.Features)

	for i := range ex.Labels {
		if pred[i] == ex.Labels[i] {
			continue
		}
		for _, feat := range ex.Features[i] {
			t.bumpEmission(feat, ex.Labels[i], 1)
			t.bumpEmission(feat, pred[i], -1)
		}
	}
	for i := 1; i < len(ex.Labels); i++ {
		if pred[i] == ex.Labels[i] && pred[i-1] == ex.Labels[i-1] {
			continue
		}
		t.bumpTransition(ex.Labels[i-1], ex.Labels[i], 1)
		t.bumpTransition(pred[i-1], pred[i], -1)
	}
}

func (t *trainer) bumpEmission(feat, tag string, delta float64) {
	row, ok := t.emissions[feat]
	if !ok {
		row = make(map[string]*weight)
		t.emissions[feat] = row
		t.current.Emissions[feat] = make(map[string]float64)
	}
	w, ok := row[tag]
	if !ok {
		w = &weight{}
		row[tag] = w
	}
	w.add(delta, t.step)
	t.current.Emissions[feat][tag] = w.value
}

func (t *trainer) bumpTransition(prev, tag string, delta float64) {
	row, ok := t.trans[prev]
	if !ok {
		row = make(map[string]*weight)
		t.trans[prev] = row
		t.current.Transitions[prev] = make(map[string]float64)
	}
	w, ok := row[tag]
	if !ok {
		w = &weight{}
		row[tag] = w
	}
	w.add(delta, t.step)
	t.current.Transitions[prev][tag] = w.value
}

// average produces the final model with averaged weights.
func (t *trainer) average() *Model {
	m := newModel(t.tags)
	for feat, row := range t.emissions {
		dst := make(map[string]float64, len(row))
		for tag, w := range row {
			if v := w.averaged(t.step); v != 0 {
				dst[tag] = v
			}
		}
		if len(dst) > 0 {
			m.Emissions[feat] = dst
		}
	}
	for prev, row := range t.trans {
		dst := make(map[string]float64, len(row))
		for tag, w := range row {
			if v := w.averaged(t.step); v != 0 {
				dst[tag] = v
			}
		}
		if len(dst) > 0 {
			m.Transitions[prev] = dst
		}
	}
	return m
}
