// Package engine wires the extraction pipeline together behind one service
// facade: template analysis, dual-strategy extraction with arbitration and
// cleaning, the active-learning gate, feedback ingestion, and training.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fieldlens/fieldlens/internal/experiment"
	"github.com/fieldlens/fieldlens/internal/extract"
	"github.com/fieldlens/fieldlens/internal/learn"
	"github.com/fieldlens/fieldlens/internal/pdf"
	"github.com/fieldlens/fieldlens/internal/registry"
	"github.com/fieldlens/fieldlens/internal/store"
	"github.com/fieldlens/fieldlens/internal/template"
	"github.com/fieldlens/fieldlens/internal/training"
)

// Options configures the engine service.
type Options struct {
	// MaxFileSize bounds accepted PDF uploads in bytes.
	MaxFileSize int64

	// Calibration weights the two extraction strategies during arbitration.
	Calibration extract.Calibration

	// Rules tunes positional matching and label-context boundaries.
	Rules extract.RuleConfig

	// Training configures the incremental trainer.
	Training training.Options

	// AutoTrain starts a background training check after each feedback
	// submission.
	AutoTrain bool
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		MaxFileSize: 100 * 1024 * 1024,
		Calibration: extract.DefaultCalibration(),
		Rules:       extract.DefaultRuleConfig(),
		Training:    training.DefaultOptions(),
		AutoTrain:   true,
	}
}

// Service is the extraction engine facade. All MCP tools route through it.
type Service struct {
	store     store.Store
	validator *pdf.Validator
	tokenizer *pdf.Tokenizer
	analyzer  *template.Analyzer
	rules     *extract.RuleExtractor
	cleaner   *learn.Cleaner
	ingestor  *learn.Ingestor
	registry  *registry.Registry
	trainer   *training.Trainer
	tracker   *experiment.Tracker
	opts      Options
	logger    *zap.Logger
}

// New assembles a service over the given store.
func New(st store.Store, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultOptions().MaxFileSize
	}
	if opts.Calibration == (extract.Calibration{}) {
		opts.Calibration = extract.DefaultCalibration()
	}
	if opts.Rules == (extract.RuleConfig{}) {
		opts.Rules = extract.DefaultRuleConfig()
	}

	reg := registry.New(st, st)
	patterns := learn.NewPatternLearner(st, logger)

	return &Service{
		store:     st,
		validator: pdf.NewValidator(opts.MaxFileSize),
		tokenizer: pdf.NewTokenizer(opts.MaxFileSize),
		analyzer:  template.NewAnalyzer(logger),
		rules:     extract.NewRuleExtractorWithConfig(opts.Rules),
		cleaner:   learn.NewCleaner(st),
		ingestor:  learn.NewIngestor(st, st, patterns, logger),
		registry:  reg,
		trainer:   training.New(st, reg, opts.Training, logger),
		tracker:   experiment.NewTracker(st, st),
		opts:      opts,
		logger:    logger,
	}
}

// AnalysisResult is the outcome of template analysis.
type AnalysisResult struct {
	Config     *template.Config    `json:"config"`
	Validation *pdf.ValidationInfo `json:"validation"`
}

// AnalyzeTemplate validates and tokenizes a template PDF, detects its field
// markers, and persists the resulting configuration. Re-analyzing an existing
// template replaces its configuration.
func (s *Service) AnalyzeTemplate(ctx context.Context, templateID string, data []byte) (*AnalysisResult, error) {
	if templateID == "" {
		return nil, eris.New("engine: template id is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "engine: analyze template")
	}

	info, err := s.validator.Validate(data)
	if err != nil {
		return nil, eris.Wrap(err, "engine: validate template document")
	}
	tokens, err := s.tokenizer.Tokenize(data)
	if err != nil {
		return nil, eris.Wrap(err, "engine: tokenize template document")
	}
	// Tokenizing a large multi-page template dominates the cost; honor a
	// deadline that expired during it before scanning for markers.
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "engine: analyze template")
	}

	cfg, err := s.analyzer.Analyze(templateID, tokens)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveTemplate(ctx, cfg); err != nil {
		return nil, eris.Wrap(err, "engine: save template")
	}

	s.logger.Info("template analyzed",
		zap.String("template_id", templateID),
		zap.Int("fields", len(cfg.Fields)),
		zap.Int("pages", info.Pages),
	)
	return &AnalysisResult{Config: cfg, Validation: info}, nil
}

// ExtractionOutcome is the full result of one document extraction.
type ExtractionOutcome struct {
	Result       *extract.Result       `json:"result"`
	Decision     extract.Decision      `json:"decision"`
	Status       store.DocumentStatus  `json:"status"`
	Phase        store.ExperimentPhase `json:"phase,omitempty"`
	ModelVersion int                   `json:"model_version"`
}

// ExtractDocument runs both strategies over a target document, arbitrates per
// field, cleans values through the template's active patterns, and applies
// the active-learning gate. The document record keeps the token stream so a
// later correction can become a training example.
func (s *Service) ExtractDocument(ctx context.Context, templateID string, data []byte) (*ExtractionOutcome, error) {
	tmpl, err := s.store.LoadTemplate(ctx, templateID)
	if err != nil {
		return nil, eris.Wrap(err, "engine: load template")
	}

	if _, err := s.validator.Validate(data); err != nil {
		return nil, eris.Wrap(err, "engine: validate document")
	}
	tokens, err := s.tokenizer.Tokenize(data)
	if err != nil {
		return nil, eris.Wrap(err, "engine: tokenize document")
	}

	return s.extractFields(ctx, tmpl, tokens)
}

// extractFields runs the extraction pipeline over an already-tokenized
// document: dual extraction per field, arbitration, cleaning, the gate, and
// the persisted record.
func (s *Service) extractFields(ctx context.Context, tmpl *template.Config, tokens []pdf.Token) (*ExtractionOutcome, error) {
	templateID := tmpl.TemplateID

	snap, err := s.registry.Current(ctx, templateID)
	if err != nil {
		return nil, err
	}
	var decoder *extract.SequenceDecoder
	modelVersion := 0
	if snap != nil {
		decoder = extract.NewSequenceDecoder(snap.Model)
		modelVersion = snap.Version.Version
	}
	decoded := decoder.Decode(tokens)

	names := tmpl.FieldNames()
	fields := make(map[string]extract.FieldResult, len(names))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error {
			def := tmpl.Fields[name]
			rule := s.rules.Extract(tokens, def)
			seq := decoded.Candidate(name)
			fr := extract.Arbitrate(rule, seq, s.opts.Calibration)

			if fr.Value != "" {
				cleaned, err := s.cleaner.Clean(gctx, store.FieldID(templateID, name), fr.Value)
				if err != nil {
					return err
				}
				fr.Value = cleaned
			}

			mu.Lock()
			fields[name] = fr
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &extract.Result{
		DocumentID:         uuid.NewString(),
		TemplateID:         templateID,
		Fields:             fields,
		DocumentConfidence: extract.AggregateConfidence(fields, nil),
		ExtractedAt:        time.Now().UTC(),
	}
	decision := extract.DecideValidation(result, tmpl.Thresholds)

	status := store.StatusAutoAccepted
	if decision.ShouldValidate {
		status = store.StatusPendingValidation
	}

	now := time.Now().UTC()
	doc := &store.DocumentRecord{
		ID:         result.DocumentID,
		TemplateID: templateID,
		Tokens:     tokens,
		Result:     result,
		Status:     status,
		Phase:      s.tracker.Phase(templateID),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.SaveDocument(ctx, doc); err != nil {
		return nil, eris.Wrap(err, "engine: save document")
	}

	s.logger.Info("document extracted",
		zap.String("document_id", result.DocumentID),
		zap.String("template_id", templateID),
		zap.Float64("confidence", result.DocumentConfidence),
		zap.Bool("needs_validation", decision.ShouldValidate),
		zap.Int("model_version", modelVersion),
	)

	return &ExtractionOutcome{
		Result:       result,
		Decision:     decision,
		Status:       status,
		Phase:        doc.Phase,
		ModelVersion: modelVersion,
	}, nil
}

// FeedbackOutcome reports what feedback ingestion did and whether training
// was kicked off.
type FeedbackOutcome struct {
	DocumentID      string   `json:"document_id"`
	TemplateID      string   `json:"template_id"`
	Recorded        []string `json:"recorded_fields"`
	PendingFeedback int      `json:"pending_feedback"`
	TrainingJobID   string   `json:"training_job_id,omitempty"`
}

// SubmitFeedback records validated corrections for a document, updates the
// template's pattern statistics, and (when enabled) checks the training
// threshold in the background.
func (s *Service) SubmitFeedback(ctx context.Context, documentID string, corrections map[string]string) (*FeedbackOutcome, error) {
	doc, err := s.store.LoadDocument(ctx, documentID)
	if err != nil {
		return nil, eris.Wrap(err, "engine: load document")
	}
	tmpl, err := s.store.LoadTemplate(ctx, doc.TemplateID)
	if err != nil {
		return nil, eris.Wrap(err, "engine: load template")
	}

	records, err := s.ingestor.Ingest(ctx, documentID, corrections, tmpl.Thresholds)
	if err != nil {
		return nil, err
	}

	recorded := make([]string, len(records))
	for i, rec := range records {
		recorded[i] = rec.FieldName
	}
	sort.Strings(recorded)

	pending, err := s.store.CountUnusedFeedback(ctx, doc.TemplateID)
	if err != nil {
		return nil, eris.Wrap(err, "engine: count unused feedback")
	}

	out := &FeedbackOutcome{
		DocumentID:      documentID,
		TemplateID:      doc.TemplateID,
		Recorded:        recorded,
		PendingFeedback: pending,
	}
	if s.opts.AutoTrain && pending >= tmpl.Thresholds.TrainingBatchSize {
		out.TrainingJobID = s.trainer.TrainAsync(doc.TemplateID).ID
	}
	return out, nil
}

// Train runs a synchronous training check for the template.
func (s *Service) Train(ctx context.Context, templateID string) (*training.Report, error) {
	return s.trainer.TrainIfReady(ctx, templateID)
}

// TrainAsync starts a background training check and returns the job.
func (s *Service) TrainAsync(templateID string) *training.Job {
	return s.trainer.TrainAsync(templateID)
}

// TrainingJob looks up a training job by ID, falling back to the template's
// latest job when id is empty.
func (s *Service) TrainingJob(id, templateID string) (*training.Job, bool) {
	if id != "" {
		return s.trainer.Job(id)
	}
	return s.trainer.LatestJob(templateID)
}

// ModelVersions returns the template's full training history.
func (s *Service) ModelVersions(ctx context.Context, templateID string) ([]*store.ModelVersion, error) {
	return s.store.ListModelVersions(ctx, templateID)
}

// QualityMetrics returns the template's per-run data quality history.
func (s *Service) QualityMetrics(ctx context.Context, templateID string) ([]*store.DataQualityMetric, error) {
	return s.store.ListQualityMetrics(ctx, templateID)
}

// SetPhase switches the experiment phase tagged onto new extractions.
func (s *Service) SetPhase(templateID string, phase store.ExperimentPhase) {
	s.tracker.SetPhase(templateID, phase)
}

// Report builds the baseline/adaptive experiment comparison for a template.
func (s *Service) Report(ctx context.Context, templateID string) (*experiment.Comparison, error) {
	return s.tracker.Report(ctx, templateID)
}

// Template returns a stored template configuration.
func (s *Service) Template(ctx context.Context, templateID string) (*template.Config, error) {
	return s.store.LoadTemplate(ctx, templateID)
}
