// Package mcp exposes the extraction engine over the Model Context Protocol.
package mcp

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/fieldlens/fieldlens/internal/config"
	"github.com/fieldlens/fieldlens/internal/engine"
	"github.com/fieldlens/fieldlens/internal/experiment"
	"github.com/fieldlens/fieldlens/internal/store"
	"github.com/fieldlens/fieldlens/internal/training"
)

// Server represents the MCP server instance
type Server struct {
	config    *config.Config
	engine    *engine.Service
	mcpServer *server.MCPServer
	logger    *zap.Logger
}

// NewServer creates a new MCP server instance
func NewServer(cfg *config.Config, eng *engine.Service, logger *zap.Logger) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	mcpServer := server.NewMCPServer(
		cfg.ServerName,
		cfg.Version,
		server.WithToolCapabilities(false), // We don't support dynamic tool capabilities
	)

	s := &Server{
		config:    cfg,
		engine:    eng,
		mcpServer: mcpServer,
		logger:    logger,
	}

	// Register tools
	s.registerTools()

	return s, nil
}

// registerTools registers all available MCP tools
func (s *Server) registerTools() {
	analyzeTemplateTool := mcp.NewTool(
		"analyze_template",
		mcp.WithDescription("Analyze a template PDF with {field_name} markers and register its field layout"),
		mcp.WithString("template_id",
			mcp.Required(),
			mcp.Description("Identifier for the template"),
		),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Full path to the template PDF file"),
		),
	)
	s.mcpServer.AddTool(analyzeTemplateTool, s.handleAnalyzeTemplate)

	extractDocumentTool := mcp.NewTool(
		"extract_document",
		mcp.WithDescription("Extract field values from a filled document using a registered template"),
		mcp.WithString("template_id",
			mcp.Required(),
			mcp.Description("Identifier of the registered template"),
		),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Full path to the filled PDF file"),
		),
	)
	s.mcpServer.AddTool(extractDocumentTool, s.handleExtractDocument)

	submitFeedbackTool := mcp.NewTool(
		"submit_feedback",
		mcp.WithDescription("Submit validated field corrections for an extracted document"),
		mcp.WithString("document_id",
			mcp.Required(),
			mcp.Description("Identifier returned by extract_document"),
		),
		mcp.WithObject("corrections",
			mcp.Required(),
			mcp.Description("Map of field name to the validated (corrected or confirmed) value"),
		),
	)
	s.mcpServer.AddTool(submitFeedbackTool, s.handleSubmitFeedback)

	runTrainingTool := mcp.NewTool(
		"run_training",
		mcp.WithDescription("Check the template's feedback batch threshold and train a new model when it is reached"),
		mcp.WithString("template_id",
			mcp.Required(),
			mcp.Description("Identifier of the registered template"),
		),
		mcp.WithBoolean("wait",
			mcp.Description("Run synchronously and report the outcome (default true)"),
		),
	)
	s.mcpServer.AddTool(runTrainingTool, s.handleRunTraining)

	trainingStatusTool := mcp.NewTool(
		"training_status",
		mcp.WithDescription("Report the state of a training job"),
		mcp.WithString("template_id",
			mcp.Required(),
			mcp.Description("Identifier of the registered template"),
		),
		mcp.WithString("job_id",
			mcp.Description("Job identifier (defaults to the template's latest job)"),
		),
	)
	s.mcpServer.AddTool(trainingStatusTool, s.handleTrainingStatus)

	modelVersionsTool := mcp.NewTool(
		"model_versions",
		mcp.WithDescription("List the template's model training history"),
		mcp.WithString("template_id",
			mcp.Required(),
			mcp.Description("Identifier of the registered template"),
		),
	)
	s.mcpServer.AddTool(modelVersionsTool, s.handleModelVersions)

	setPhaseTool := mcp.NewTool(
		"set_experiment_phase",
		mcp.WithDescription("Tag the template's new extractions with an experiment phase for baseline/adaptive comparison"),
		mcp.WithString("template_id",
			mcp.Required(),
			mcp.Description("Identifier of the registered template"),
		),
		mcp.WithString("phase",
			mcp.Required(),
			mcp.Description("Experiment phase: 'baseline', 'adaptive', or 'none' to stop tagging"),
		),
	)
	s.mcpServer.AddTool(setPhaseTool, s.handleSetExperimentPhase)

	experimentReportTool := mcp.NewTool(
		"experiment_report",
		mcp.WithDescription("Compare extraction quality between the template's baseline and adaptive phases"),
		mcp.WithString("template_id",
			mcp.Required(),
			mcp.Description("Identifier of the registered template"),
		),
	)
	s.mcpServer.AddTool(experimentReportTool, s.handleExperimentReport)

	dataQualityTool := mcp.NewTool(
		"data_quality",
		mcp.WithDescription("List the training-data quality metrics recorded for the template's training runs"),
		mcp.WithString("template_id",
			mcp.Required(),
			mcp.Description("Identifier of the registered template"),
		),
	)
	s.mcpServer.AddTool(dataQualityTool, s.handleDataQuality)

	engineInfoTool := mcp.NewTool(
		"engine_info",
		mcp.WithDescription("Get server information, available tools, and usage guidance"),
	)
	s.mcpServer.AddTool(engineInfoTool, s.handleEngineInfo)
}

// Handler functions
func (s *Server) handleAnalyzeTemplate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateID, err := request.RequireString("template_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cannot read template file: %v", err)), nil
	}

	result, err := s.engine.AnalyzeTemplate(ctx, templateID, data)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Template %s analyzed successfully\n", templateID)
	fmt.Fprintf(&b, "Pages: %d\n", result.Validation.Pages)
	fmt.Fprintf(&b, "Size: %d bytes\n", result.Validation.Size)
	fmt.Fprintf(&b, "Fields detected: %d\n\n", len(result.Config.Fields))
	for _, name := range result.Config.FieldNames() {
		def := result.Config.Fields[name]
		fmt.Fprintf(&b, "• %s\n", name)
		for _, loc := range def.Locations {
			fmt.Fprintf(&b, "  Page %d at (%.1f, %.1f)", loc.Page, loc.BoundingBox.X, loc.BoundingBox.Y)
			if loc.Context.Label != "" {
				fmt.Fprintf(&b, ", label %q", loc.Context.Label)
			}
			b.WriteString("\n")
		}
		if def.Pattern != "" {
			fmt.Fprintf(&b, "  Pattern: %s\n", def.Pattern)
		}
	}

	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleExtractDocument(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateID, err := request.RequireString("template_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cannot read document file: %v", err)), nil
	}

	outcome, err := s.engine.ExtractDocument(ctx, templateID, data)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Document extracted: %s\n", outcome.Result.DocumentID)
	fmt.Fprintf(&b, "Template: %s\n", templateID)
	if outcome.ModelVersion > 0 {
		fmt.Fprintf(&b, "Model version: %d\n", outcome.ModelVersion)
	} else {
		b.WriteString("Model version: none (rule-based only)\n")
	}
	fmt.Fprintf(&b, "Document confidence: %.2f\n", outcome.Result.DocumentConfidence)
	fmt.Fprintf(&b, "Status: %s\n", outcome.Status)
	if outcome.Decision.ShouldValidate {
		fmt.Fprintf(&b, "Validation required: %s\n", outcome.Decision.Reason)
	}

	names := make([]string, 0, len(outcome.Result.Fields))
	for name := range outcome.Result.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	b.WriteString("\nFields:\n")
	for _, name := range names {
		fr := outcome.Result.Fields[name]
		fmt.Fprintf(&b, "• %s = %q (%.2f, %s)\n", name, fr.Value, fr.Confidence, fr.Method)
	}

	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleSubmitFeedback(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	documentID, err := request.RequireString("document_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	args := request.GetArguments()
	raw, ok := args["corrections"].(map[string]any)
	if !ok || len(raw) == 0 {
		return mcp.NewToolResultError("corrections must be a non-empty object of field name to value"), nil
	}
	corrections := make(map[string]string, len(raw))
	for name, v := range raw {
		value, ok := v.(string)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("correction for field %q must be a string", name)), nil
		}
		corrections[name] = value
	}

	outcome, err := s.engine.SubmitFeedback(ctx, documentID, corrections)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Feedback recorded for document %s\n", documentID)
	fmt.Fprintf(&b, "Fields: %s\n", strings.Join(outcome.Recorded, ", "))
	fmt.Fprintf(&b, "Pending corrections for template %s: %d\n", outcome.TemplateID, outcome.PendingFeedback)
	if outcome.TrainingJobID != "" {
		fmt.Fprintf(&b, "Training job started: %s\n", outcome.TrainingJobID)
	}

	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleRunTraining(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateID, err := request.RequireString("template_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	wait := true
	if v, ok := request.GetArguments()["wait"].(bool); ok {
		wait = v
	}

	if !wait {
		job := s.engine.TrainAsync(templateID)
		return mcp.NewToolResultText(fmt.Sprintf(
			"Training job %s started for template %s", job.ID, templateID)), nil
	}

	report, err := s.engine.Train(ctx, templateID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(formatTrainingReport(report)), nil
}

func (s *Server) handleTrainingStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateID, err := request.RequireString("template_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	jobID := ""
	if v, ok := request.GetArguments()["job_id"].(string); ok {
		jobID = v
	}

	job, ok := s.engine.TrainingJob(jobID, templateID)
	if !ok {
		return mcp.NewToolResultText(fmt.Sprintf(
			"No training job found for template %s", templateID)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Job %s (template %s)\n", job.ID, job.TemplateID)
	fmt.Fprintf(&b, "State: %s\n", job.State())
	fmt.Fprintf(&b, "Started: %s\n", job.StartedAt.Format("2006-01-02 15:04:05 MST"))
	if report, jobErr := job.Result(); jobErr != nil {
		fmt.Fprintf(&b, "Error: %v\n", jobErr)
	} else if report != nil {
		b.WriteString("\n")
		b.WriteString(formatTrainingReport(report))
	}

	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleModelVersions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateID, err := request.RequireString("template_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	versions, err := s.engine.ModelVersions(ctx, templateID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(versions) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf(
			"No models trained yet for template %s", templateID)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Training history for template %s:\n", templateID)
	for _, mv := range versions {
		state := "rejected"
		if mv.Promoted {
			state = "promoted"
		}
		fmt.Fprintf(&b, "• v%d (%s) samples=%d accuracy=%.3f f1=%.3f trained=%s\n",
			mv.Version, state, mv.TrainingSamples, mv.Accuracy, mv.F1,
			mv.TrainedAt.Format("2006-01-02 15:04"))
	}

	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleSetExperimentPhase(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateID, err := request.RequireString("template_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw, err := request.RequireString("phase")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var phase store.ExperimentPhase
	switch raw {
	case "baseline":
		phase = store.PhaseBaseline
	case "adaptive":
		phase = store.PhaseAdaptive
	case "none":
		phase = store.PhaseNone
	default:
		return mcp.NewToolResultError(fmt.Sprintf(
			"phase must be 'baseline', 'adaptive', or 'none', got %q", raw)), nil
	}

	s.engine.SetPhase(templateID, phase)
	if phase == store.PhaseNone {
		return mcp.NewToolResultText(fmt.Sprintf(
			"Template %s no longer tags new extractions with a phase", templateID)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Template %s now tags new extractions as %s", templateID, phase)), nil
}

func (s *Server) handleExperimentReport(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateID, err := request.RequireString("template_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	cmp, err := s.engine.Report(ctx, templateID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Experiment report for template %s\n", templateID)
	writePhaseReport(&b, "Baseline", cmp.Baseline)
	writePhaseReport(&b, "Adaptive", cmp.Adaptive)
	fmt.Fprintf(&b, "\nField accuracy delta (adaptive - baseline): %+.3f\n", cmp.AccuracyDelta)

	return mcp.NewToolResultText(b.String()), nil
}

func writePhaseReport(b *strings.Builder, title string, r experiment.PhaseReport) {
	fmt.Fprintf(b, "\n%s:\n", title)
	fmt.Fprintf(b, "  Documents: %d (auto-accepted %d, pending %d, validated %d)\n",
		r.Documents, r.AutoAccepted, r.PendingValidation, r.Validated)
	fmt.Fprintf(b, "  Avg document confidence: %.3f\n", r.AvgDocumentConfidence)
	fmt.Fprintf(b, "  Fields reviewed: %d, confirmed: %d, accuracy: %.3f\n",
		r.FieldsReviewed, r.FieldsConfirmed, r.FieldAccuracy)
}

func (s *Server) handleDataQuality(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateID, err := request.RequireString("template_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	metrics, err := s.engine.QualityMetrics(ctx, templateID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(metrics) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf(
			"No data quality metrics recorded yet for template %s", templateID)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Data quality history for template %s:\n", templateID)
	for _, m := range metrics {
		fmt.Fprintf(&b, "• model %s: diversity=%.3f leakage=%.3f\n",
			m.ModelVersionID, m.DiversityScore, m.LeakageRatio)
		for _, rec := range m.Recommendations {
			fmt.Fprintf(&b, "  - %s\n", rec)
		}
	}

	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleEngineInfo(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s v%s\n\n", s.config.ServerName, s.config.Version)
	b.WriteString("Adaptive PDF field extraction over MCP. Register a template once,\n")
	b.WriteString("extract filled documents against it, and submit corrections; the\n")
	b.WriteString("engine learns cleaning patterns immediately and retrains its\n")
	b.WriteString("sequence model when enough corrections accumulate.\n\n")

	b.WriteString("🛠️  Available Tools:\n")
	tools := []struct{ name, desc string }{
		{"analyze_template", "Register a template PDF with {field_name} markers"},
		{"extract_document", "Extract field values from a filled document"},
		{"submit_feedback", "Submit validated corrections for an extraction"},
		{"run_training", "Train a new model when the feedback batch is ready"},
		{"training_status", "Report the state of a training job"},
		{"model_versions", "List the template's model training history"},
		{"set_experiment_phase", "Tag new extractions as baseline or adaptive"},
		{"experiment_report", "Compare baseline and adaptive extraction quality"},
		{"data_quality", "List training-data quality metrics"},
		{"engine_info", "This overview"},
	}
	for _, t := range tools {
		fmt.Fprintf(&b, "• %s - %s\n", t.name, t.desc)
	}

	fmt.Fprintf(&b, "\nTraining mode: %s\n", s.config.TrainingMode)
	fmt.Fprintf(&b, "Auto-train after feedback: %t\n", s.config.AutoTrain)
	fmt.Fprintf(&b, "Max file size: %d bytes\n", s.config.MaxFileSize)

	return mcp.NewToolResultText(b.String()), nil
}

func formatTrainingReport(report *training.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Training report for template %s\n", report.TemplateID)
	if !report.Ran {
		fmt.Fprintf(&b, "Not run: %s\n", report.Reason)
		return b.String()
	}
	if report.Promoted {
		fmt.Fprintf(&b, "Model v%d promoted\n", report.Version.Version)
	} else {
		fmt.Fprintf(&b, "Model not promoted: %s\n", report.Reason)
	}
	m := report.Metrics
	fmt.Fprintf(&b, "Accuracy: %.3f  Precision: %.3f  Recall: %.3f  F1: %.3f\n",
		m.Accuracy, m.Precision, m.Recall, m.F1)
	fmt.Fprintf(&b, "Train/eval split: %d/%d\n", m.TrainSize, m.EvalSize)
	return b.String()
}

// Run starts the MCP server in the configured mode
func (s *Server) Run(ctx context.Context) error {
	if s.config.IsServerMode() {
		return s.runServerMode(ctx)
	}
	return s.runStdioMode(ctx)
}

// runStdioMode runs the server in stdio mode
func (s *Server) runStdioMode(_ context.Context) error {
	s.logger.Debug("starting MCP server in stdio mode",
		zap.String("name", s.config.ServerName),
		zap.String("version", s.config.Version),
	)

	if err := server.ServeStdio(s.mcpServer); err != nil {
		return fmt.Errorf("failed to serve stdio: %w", err)
	}
	return nil
}

// runServerMode runs the server in HTTP server mode using the SSE transport
func (s *Server) runServerMode(ctx context.Context) error {
	sse := server.NewSSEServer(s.mcpServer)
	s.logger.Info("starting MCP server in SSE mode", zap.String("address", s.config.Address()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- sse.Start(s.config.Address())
	}()

	select {
	case <-ctx.Done():
		return sse.Shutdown(context.Background())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to serve sse: %w", err)
		}
		return nil
	}
}
