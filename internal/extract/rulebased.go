package extract

import (
	"math"
	"regexp"
	"strings"

	"github.com/fieldlens/fieldlens/internal/pdf"
	"github.com/fieldlens/fieldlens/internal/template"
)

// RuleConfig tunes positional matching, the label-context boundary heuristic,
// and the confidence weighting of the rule-based extractor.
type RuleConfig struct {
	// PositionTolerance is the allowed drift (in PDF units) between the
	// template's recorded coordinates and the target document's layout.
	PositionTolerance float64

	// BoundarySlack multiplies the field's typical length to bound how much
	// text label-context extraction may consume.
	BoundarySlack float64

	// Confidence weights; they should sum to 1.
	RegexWeight    float64
	PositionWeight float64
	HistoryWeight  float64

	// HistoryPrior is the historical-accuracy term used while a field has no
	// recorded accuracy for a strategy yet.
	HistoryPrior float64
}

// DefaultRuleConfig returns the rule extractor defaults.
func DefaultRuleConfig() RuleConfig {
	return RuleConfig{
		PositionTolerance: 18.0,
		BoundarySlack:     1.5,
		RegexWeight:       0.4,
		PositionWeight:    0.3,
		HistoryWeight:     0.3,
		HistoryPrior:      0.75,
	}
}

// labelShape matches a token that looks like the start of another labeled
// field, which terminates label-context consumption.
var labelShape = regexp.MustCompile(`^\pL[\pL\pN ]*[:：]$`)

// RuleExtractor implements positional and label-context extraction against a
// target document's token stream.
type RuleExtractor struct {
	cfg RuleConfig
}

// NewRuleExtractor creates a rule extractor with default configuration.
func NewRuleExtractor() *RuleExtractor {
	return NewRuleExtractorWithConfig(DefaultRuleConfig())
}

// NewRuleExtractorWithConfig creates a rule extractor with custom configuration.
func NewRuleExtractorWithConfig(cfg RuleConfig) *RuleExtractor {
	return &RuleExtractor{cfg: cfg}
}

// Extract tries positional extraction first and falls back to label-context
// extraction when the layout does not align. It returns nil when neither
// strategy finds a value.
func (e *RuleExtractor) Extract(tokens []pdf.Token, def *template.FieldDefinition) *Candidate {
	if def == nil || len(def.Locations) == 0 {
		return nil
	}

	for _, loc := range def.Locations {
		if value, alignErr, ok := e.extractPositional(tokens, def, loc); ok {
			posScore := 1 - math.Min(alignErr/e.cfg.PositionTolerance, 1)
			return e.candidate(value, def, MethodPosition, posScore)
		}
	}

	for _, loc := range def.Locations {
		if value, ok := e.extractByLabel(tokens, def, loc); ok {
			// Label anchoring gives no positional alignment signal; use a
			// fixed mid score for that term.
			return e.candidate(value, def, MethodRule, 0.7)
		}
	}

	return nil
}

// extractPositional collects tokens inside the tolerance window around the
// recorded location, stopping at the next field's Y or the length budget. The
// returned alignment error is the anchor token's drift from the recorded box;
// later tokens sit right of the box by construction and carry no signal.
func (e *RuleExtractor) extractPositional(
	tokens []pdf.Token, def *template.FieldDefinition, loc template.FieldLocation,
) (string, float64, bool) {
	tol := e.cfg.PositionTolerance
	budget := e.lengthBudget(def)

	var collected []pdf.Token
	anchorErr := 0.0
	for _, tok := range tokens {
		if tok.Page != loc.Page {
			continue
		}
		dy := math.Abs(tok.Y - loc.BoundingBox.Y)
		if dy > tol {
			continue
		}
		if tok.EndX() < loc.BoundingBox.X-tol {
			continue
		}
		if loc.NextFieldY > 0 && tok.Y <= loc.NextFieldY+tol/2 {
			continue
		}
		if lengthOf(collected)+len(tok.Text) > budget {
			break
		}
		collected = append(collected, tok)
		if len(collected) == 1 {
			anchorErr = dy + math.Max(0, loc.BoundingBox.X-tok.X)
		}
	}

	if len(collected) == 0 {
		return "", 0, false
	}
	return pdf.JoinText(collected), anchorErr, true
}

// extractByLabel locates the recorded label text and consumes subsequent
// tokens until a boundary: the next field's Y position, the typical-length
// budget, or a token shaped like another label.
func (e *RuleExtractor) extractByLabel(
	tokens []pdf.Token, def *template.FieldDefinition, loc template.FieldLocation,
) (string, bool) {
	label := loc.Context.Label
	if label == "" {
		return "", false
	}
	labelWords := strings.Fields(strings.ToLower(label))

	start := findLabel(tokens, labelWords)
	if start < 0 {
		return "", false
	}

	budget := e.lengthBudget(def)
	anchor := tokens[start+len(labelWords)-1]

	var collected []pdf.Token
	for i := start + len(labelWords); i < len(tokens); i++ {
		tok := tokens[i]
		if tok.Page != anchor.Page {
			break
		}
		if loc.NextFieldY > 0 && tok.Y <= loc.NextFieldY+1 {
			break
		}
		if labelShape.MatchString(tok.Text) {
			break
		}
		// Values continue on the label's line; a drop of more than one line
		// means the field was left blank.
		if anchor.Y-tok.Y > anchor.Height*2.5 {
			break
		}
		if lengthOf(collected)+len(tok.Text) > budget {
			break
		}
		collected = append(collected, tok)
	}

	if len(collected) == 0 {
		return "", false
	}
	return pdf.JoinText(collected), true
}

// candidate applies the regex validity filter and the weighted confidence
// function.
func (e *RuleExtractor) candidate(
	value string, def *template.FieldDefinition, method Method, posScore float64,
) *Candidate {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}

	exactness := 1.0
	if def.Pattern != "" {
		if re, err := regexp.Compile(def.Pattern); err == nil {
			match := re.FindString(value)
			if match == "" {
				return nil
			}
			if match != value {
				// Partial match: keep the matching portion, discount by how
				// much was cut away.
				exactness = 0.5 + 0.4*float64(len(match))/float64(len(value))
				value = match
			}
		}
	}

	history := e.cfg.HistoryPrior
	if acc, ok := def.StrategyAccuracy[string(method)]; ok && acc > 0 {
		history = acc
	}

	conf := e.cfg.RegexWeight*exactness + e.cfg.PositionWeight*posScore + e.cfg.HistoryWeight*history
	return &Candidate{
		Value:      value,
		Confidence: math.Max(0, math.Min(conf, 1)),
		Method:     method,
	}
}

func (e *RuleExtractor) lengthBudget(def *template.FieldDefinition) int {
	typical := def.TypicalLength
	if typical <= 0 {
		typical = 32
	}
	return int(float64(typical) * e.cfg.BoundarySlack)
}

// findLabel returns the index of the first token sequence matching the label
// words (case-insensitive, trailing delimiters ignored), or -1.
func findLabel(tokens []pdf.Token, labelWords []string) int {
	if len(labelWords) == 0 {
		return -1
	}
outer:
	for i := 0; i+len(labelWords) <= len(tokens); i++ {
		for j, word := range labelWords {
			got := strings.ToLower(strings.TrimRight(tokens[i+j].Text, ":：-"))
			want := strings.TrimRight(word, ":：-")
			if got != want {
				continue outer
			}
			if j > 0 && !tokens[i+j].SameLine(tokens[i]) {
				continue outer
			}
		}
		return i
	}
	return -1
}

func lengthOf(tokens []pdf.Token) int {
	n := 0
	for _, tok := range tokens {
		n += len(tok.Text) + 1
	}
	return n
}
