// Package training runs incremental model training: it gates on the unused
// feedback batch threshold, builds labeled sequences from stored documents,
// fits a new model, and promotes it only when it does not regress against the
// current one.
package training

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fieldlens/fieldlens/internal/crf"
	"github.com/fieldlens/fieldlens/internal/registry"
	"github.com/fieldlens/fieldlens/internal/store"
	"github.com/fieldlens/fieldlens/internal/template"
)

// Mode selects how the training set is assembled.
type Mode string

const (
	// ModeIncremental trains on the cumulative historical example set plus
	// the examples built from the new feedback batch.
	ModeIncremental Mode = "incremental"
	// ModeFullRetrain rebuilds every example from the complete feedback
	// history, used and unused alike.
	ModeFullRetrain Mode = "full_retrain"
)

// ErrTrainingInProgress is returned when a run is already active for the
// template. The caller may retry once the active run finishes.
var ErrTrainingInProgress = eris.New("training: run already in progress")

// Options configures the trainer.
type Options struct {
	Mode    Mode
	Timeout time.Duration
	Train   crf.TrainOptions
}

// DefaultOptions returns the trainer defaults.
func DefaultOptions() Options {
	return Options{
		Mode:    ModeIncremental,
		Timeout: 2 * time.Minute,
		Train:   crf.DefaultTrainOptions(),
	}
}

// Report describes the outcome of one TrainIfReady call.
type Report struct {
	TemplateID      string              `json:"template_id"`
	Ran             bool                `json:"ran"`
	Promoted        bool                `json:"promoted"`
	Reason          string              `json:"reason,omitempty"`
	Metrics         crf.Metrics         `json:"metrics"`
	Version         *store.ModelVersion `json:"version,omitempty"`
	PendingFeedback int                 `json:"pending_feedback"`
}

// Trainer coordinates training runs. At most one run per template is active
// at a time; concurrent callers get ErrTrainingInProgress instead of queueing.
type Trainer struct {
	st     store.Store
	reg    *registry.Registry
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	active map[string]bool
	jobs   map[string]*Job
	latest map[string]*Job
}

// New creates a trainer over the store and model registry.
func New(st store.Store, reg *registry.Registry, opts Options, logger *zap.Logger) *Trainer {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	if opts.Mode == "" {
		opts.Mode = ModeIncremental
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trainer{
		st:     st,
		reg:    reg,
		opts:   opts,
		logger: logger,
		active: make(map[string]bool),
		jobs:   make(map[string]*Job),
		latest: make(map[string]*Job),
	}
}

// TrainIfReady checks the template's unused feedback count against its batch
// threshold and, when reached, runs one training cycle. Below the threshold
// it returns a report with Ran=false and no error.
func (t *Trainer) TrainIfReady(ctx context.Context, templateID string) (*Report, error) {
	tmpl, err := t.st.LoadTemplate(ctx, templateID)
	if err != nil {
		return nil, eris.Wrap(err, "training: load template")
	}
	th := tmpl.Thresholds

	pending, err := t.st.CountUnusedFeedback(ctx, templateID)
	if err != nil {
		return nil, eris.Wrap(err, "training: count unused feedback")
	}
	if pending < th.TrainingBatchSize {
		return &Report{
			TemplateID:      templateID,
			Reason:          fmt.Sprintf("%d of %d corrections collected", pending, th.TrainingBatchSize),
			PendingFeedback: pending,
		}, nil
	}

	if !t.acquire(templateID) {
		return nil, eris.Wrapf(ErrTrainingInProgress, "template %s", templateID)
	}
	defer t.release(templateID)

	ctx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()

	return t.run(ctx, templateID, th)
}

// run executes one training cycle. All repository writes happen after the
// model is fitted and validated, so a cancelled or failed run leaves no
// partial state behind.
func (t *Trainer) run(ctx context.Context, templateID string, th template.Thresholds) (*Report, error) {
	records, err := t.st.UnusedFeedback(ctx, templateID)
	if err != nil {
		return nil, eris.Wrap(err, "training: load unused feedback")
	}

	fresh, err := BuildExamples(ctx, t.st, records)
	if err != nil {
		return nil, err
	}
	if len(fresh) == 0 {
		t.logger.Warn("training skipped",
			zap.String("template_id", templateID),
			zap.Int("feedback", len(records)),
		)
		return &Report{
			TemplateID:      templateID,
			Ran:             true,
			Reason:          "no corrected value could be located in its document tokens",
			PendingFeedback: len(records),
		}, nil
	}

	var all []crf.Example
	switch t.opts.Mode {
	case ModeFullRetrain:
		history, err := t.st.ListFeedback(ctx, templateID)
		if err != nil {
			return nil, eris.Wrap(err, "training: load feedback history")
		}
		if all, err = BuildExamples(ctx, t.st, history); err != nil {
			return nil, err
		}
	default:
		history, err := t.st.TrainingExamples(ctx, templateID)
		if err != nil {
			return nil, eris.Wrap(err, "training: load historical examples")
		}
		all = append(history, fresh...)
	}

	model, metrics, err := crf.Train(all, t.opts.Train)
	if err != nil {
		return nil, eris.Wrap(err, "training: fit model")
	}
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "training: cancelled")
	}

	mv := &store.ModelVersion{
		ID:              uuid.NewString(),
		TemplateID:      templateID,
		TrainingSamples: len(all),
		Accuracy:        metrics.Accuracy,
		Precision:       metrics.Precision,
		Recall:          metrics.Recall,
		F1:              metrics.F1,
		TrainedAt:       time.Now().UTC(),
	}

	current, err := t.st.CurrentModelVersion(ctx, templateID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrap(err, "training: load current version")
	}

	if current != nil && metrics.Accuracy < current.Accuracy-th.PromotionMargin {
		// Regression beyond the margin: record the failed candidate, keep
		// serving the current model, and leave the feedback batch unused so
		// the next run can try again with more data.
		if err := t.st.AppendModelVersion(ctx, mv); err != nil {
			return nil, eris.Wrap(err, "training: record failed candidate")
		}
		t.logger.Warn("training validation failure",
			zap.String("template_id", templateID),
			zap.Float64("candidate_accuracy", metrics.Accuracy),
			zap.Float64("current_accuracy", current.Accuracy),
			zap.Float64("margin", th.PromotionMargin),
		)
		return &Report{
			TemplateID: templateID,
			Ran:        true,
			Reason: fmt.Sprintf("candidate accuracy %.3f below current %.3f - margin %.3f",
				metrics.Accuracy, current.Accuracy, th.PromotionMargin),
			Metrics:         metrics,
			Version:         mv,
			PendingFeedback: len(records),
		}, nil
	}

	blob, err := model.Encode()
	if err != nil {
		return nil, err
	}
	handle, err := t.st.SaveArtifact(ctx, templateID, blob)
	if err != nil {
		return nil, eris.Wrap(err, "training: save artifact")
	}
	mv.ArtifactHandle = handle
	mv.Promoted = true

	if err := t.st.AppendModelVersion(ctx, mv); err != nil {
		_ = t.st.DeleteArtifact(ctx, handle)
		return nil, eris.Wrap(err, "training: record version")
	}
	if err := t.st.SetCurrentModelVersion(ctx, templateID, mv.ID); err != nil {
		_ = t.st.DeleteArtifact(ctx, handle)
		return nil, eris.Wrap(err, "training: promote version")
	}

	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	if err := t.st.MarkFeedbackUsed(ctx, ids); err != nil {
		return nil, eris.Wrap(err, "training: mark feedback used")
	}
	if err := t.st.AppendTrainingExamples(ctx, templateID, fresh); err != nil {
		return nil, eris.Wrap(err, "training: append examples")
	}
	if err := t.st.AppendQualityMetric(ctx, AssessQuality(templateID, mv.ID, records, all)); err != nil {
		return nil, eris.Wrap(err, "training: record quality metric")
	}

	t.reg.Promote(templateID, &registry.Snapshot{Version: mv, Model: model})

	t.logger.Info("model promoted",
		zap.String("template_id", templateID),
		zap.Int("version", mv.Version),
		zap.Int("samples", mv.TrainingSamples),
		zap.Float64("accuracy", metrics.Accuracy),
		zap.Float64("f1", metrics.F1),
	)

	return &Report{
		TemplateID: templateID,
		Ran:        true,
		Promoted:   true,
		Metrics:    metrics,
		Version:    mv,
	}, nil
}

func (t *Trainer) acquire(templateID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active[templateID] {
		return false
	}
	t.active[templateID] = true
	return true
}

func (t *Trainer) release(templateID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, templateID)
}
