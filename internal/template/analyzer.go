package template

import (
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fieldlens/fieldlens/internal/pdf"
)

// ErrNoMarkersFound indicates the template document contains no field
// markers; analysis is fatal for that template.
var ErrNoMarkersFound = eris.New("template: no field markers found")

// AnalyzerConfig configures marker and label detection.
type AnalyzerConfig struct {
	// MarkerPattern matches a field marker token; the first capture group is
	// the field name.
	MarkerPattern string

	// LabelDelimiters are the characters that terminate a label run.
	LabelDelimiters string

	// ContextWords is how many neighboring words to record on each side.
	ContextWords int

	// LabelWindow bounds the horizontal distance (in PDF units) scanned left
	// of a marker when looking for its label.
	LabelWindow float64

	// DefaultTypicalLength seeds a field's typical value length until
	// corrections refine it.
	DefaultTypicalLength int
}

// DefaultAnalyzerConfig returns the analyzer defaults.
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		MarkerPattern:        `\{([A-Za-z][A-Za-z0-9_]*)\}`,
		LabelDelimiters:      ":：-",
		ContextWords:         3,
		LabelWindow:          250.0,
		DefaultTypicalLength: 32,
	}
}

// Analyzer derives a template Config from the positioned token stream of a
// template document.
type Analyzer struct {
	cfg    AnalyzerConfig
	marker *regexp.Regexp
	logger *zap.Logger
}

// NewAnalyzer creates an analyzer with default configuration.
func NewAnalyzer(logger *zap.Logger) *Analyzer {
	a, err := NewAnalyzerWithConfig(DefaultAnalyzerConfig(), logger)
	if err != nil {
		panic(err) // default pattern is a compile-time constant
	}
	return a
}

// NewAnalyzerWithConfig creates an analyzer with custom configuration.
func NewAnalyzerWithConfig(cfg AnalyzerConfig, logger *zap.Logger) (*Analyzer, error) {
	marker, err := regexp.Compile(cfg.MarkerPattern)
	if err != nil {
		return nil, eris.Wrap(err, "template: compile marker pattern")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{cfg: cfg, marker: marker, logger: logger}, nil
}

// marker is one detected placeholder occurrence.
type markerHit struct {
	name  string
	index int // token index
	token pdf.Token
}

// Analyze scans the token stream for field markers and builds the initial
// template configuration. It is a deterministic pure function over the token
// stream; repeated markers with the same name produce multiple locations
// under one FieldDefinition.
func (a *Analyzer) Analyze(templateID string, tokens []pdf.Token) (*Config, error) {
	hits := a.findMarkers(tokens)
	if len(hits) == 0 {
		return nil, eris.Wrapf(ErrNoMarkersFound, "template %s", templateID)
	}

	now := time.Now().UTC()
	cfg := &Config{
		TemplateID: templateID,
		Fields:     make(map[string]*FieldDefinition, len(hits)),
		Thresholds: DefaultThresholds(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	for _, hit := range hits {
		loc := a.buildLocation(tokens, hit)

		def, ok := cfg.Fields[hit.name]
		if !ok {
			def = &FieldDefinition{
				Name:              hit.name,
				Pattern:           deriveRegex(hit.name),
				PreferredStrategy: "position_based",
				TypicalLength:     a.cfg.DefaultTypicalLength,
				StrategyAccuracy:  map[string]float64{},
			}
			cfg.Fields[hit.name] = def
		}
		def.Locations = append(def.Locations, loc)
	}

	a.fillNextFieldY(cfg, hits)

	a.logger.Info("template analyzed",
		zap.String("template_id", templateID),
		zap.Int("markers", len(hits)),
		zap.Int("fields", len(cfg.Fields)),
	)

	return cfg, nil
}

// findMarkers locates every token matching the marker pattern.
func (a *Analyzer) findMarkers(tokens []pdf.Token) []markerHit {
	var hits []markerHit
	for i, tok := range tokens {
		m := a.marker.FindStringSubmatch(tok.Text)
		if m == nil {
			continue
		}
		hits = append(hits, markerHit{name: m[1], index: i, token: tok})
	}
	return hits
}

// buildLocation records the marker's bounding box and its surrounding label
// context.
func (a *Analyzer) buildLocation(tokens []pdf.Token, hit markerHit) FieldLocation {
	loc := FieldLocation{
		Page: hit.token.Page,
		BoundingBox: Rect{
			X:      hit.token.X,
			Y:      hit.token.Y,
			Width:  hit.token.Width,
			Height: hit.token.Height,
		},
	}

	labelTokens := a.scanLabel(tokens, hit)
	if len(labelTokens) > 0 {
		first, last := labelTokens[0], labelTokens[len(labelTokens)-1]
		loc.Context.Label = strings.TrimRight(pdf.JoinText(labelTokens), a.cfg.LabelDelimiters)
		loc.Context.LabelBox = Rect{
			X:      first.X,
			Y:      first.Y,
			Width:  last.EndX() - first.X,
			Height: first.Height,
		}
	}

	loc.Context.WordsBefore = a.wordsBefore(tokens, hit, len(labelTokens))
	loc.Context.WordsAfter = a.wordsAfter(tokens, hit)

	return loc
}

// scanLabel walks left from the marker on the same line, inside the label
// window, and returns the nearest preceding label run. The run ends at the
// token carrying a delimiter; it extends left until the previous token also
// carries a delimiter (the end of an earlier label) or the window runs out.
func (a *Analyzer) scanLabel(tokens []pdf.Token, hit markerHit) []pdf.Token {
	end := -1
	for i := hit.index - 1; i >= 0; i-- {
		tok := tokens[i]
		if !tok.SameLine(hit.token) {
			break
		}
		if hit.token.X-tok.EndX() > a.cfg.LabelWindow {
			break
		}
		if a.endsWithDelimiter(tok.Text) {
			end = i
			break
		}
	}
	if end < 0 {
		return nil
	}

	start := end
	for i := end - 1; i >= 0; i-- {
		tok := tokens[i]
		if !tok.SameLine(hit.token) || a.endsWithDelimiter(tok.Text) {
			break
		}
		if hit.token.X-tok.EndX() > a.cfg.LabelWindow {
			break
		}
		start = i
	}

	return tokens[start : end+1]
}

func (a *Analyzer) endsWithDelimiter(text string) bool {
	return text != "" && strings.ContainsAny(text[len(text)-1:], a.cfg.LabelDelimiters)
}

// wordsBefore returns up to ContextWords token texts preceding the label (or
// the marker itself when no label was found).
func (a *Analyzer) wordsBefore(tokens []pdf.Token, hit markerHit, labelLen int) []string {
	end := hit.index - labelLen
	start := end - a.cfg.ContextWords
	if start < 0 {
		start = 0
	}
	if end <= start {
		return nil
	}
	var words []string
	for _, tok := range tokens[start:end] {
		words = append(words, tok.Text)
	}
	return words
}

// wordsAfter returns up to ContextWords token texts following the marker.
func (a *Analyzer) wordsAfter(tokens []pdf.Token, hit markerHit) []string {
	start := hit.index + 1
	end := start + a.cfg.ContextWords
	if end > len(tokens) {
		end = len(tokens)
	}
	if start >= end {
		return nil
	}
	var words []string
	for _, tok := range tokens[start:end] {
		words = append(words, tok.Text)
	}
	return words
}

// fillNextFieldY sets each location's stopping hint to the Y coordinate of
// the nearest marker strictly below it on the same page.
func (a *Analyzer) fillNextFieldY(cfg *Config, hits []markerHit) {
	for _, def := range cfg.Fields {
		for i := range def.Locations {
			loc := &def.Locations[i]
			best := 0.0
			for _, hit := range hits {
				if hit.token.Page != loc.Page {
					continue
				}
				if hit.token.Y < loc.BoundingBox.Y && hit.token.Y > best {
					best = hit.token.Y
				}
			}
			loc.NextFieldY = best
		}
	}
}

// Semantic hints for initial regex derivation. These are validity filters,
// not exact grammars; corrections refine them over time.
var (
	dateHints   = []string{"date", "tanggal", "tgl", "waktu"}
	numberHints = []string{"no", "num", "nomor", "nik", "npwp", "amount", "total", "jumlah", "qty", "kode", "id"}

	dateRegex   = `\d{1,2}[\s/.-]+\w+[\s/.-]+\d{2,4}`
	numberRegex = `[0-9][0-9.,/\-]*`
	freeRegex   = `\S.*`
)

// deriveRegex picks an initial validity pattern from the field name's
// semantic hint.
func deriveRegex(name string) string {
	lower := strings.ToLower(name)
	for _, hint := range dateHints {
		if strings.Contains(lower, hint) {
			return dateRegex
		}
	}
	for _, hint := range numberHints {
		if containsWord(lower, hint) {
			return numberRegex
		}
	}
	return freeRegex
}

// containsWord matches hint as a whole underscore-separated word, so "no"
// does not fire inside "nominee".
func containsWord(name, hint string) bool {
	for _, part := range strings.Split(name, "_") {
		if part == hint {
			return true
		}
	}
	return strings.HasPrefix(name, hint+"_") || strings.HasSuffix(name, "_"+hint) || name == hint
}
