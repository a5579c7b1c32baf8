package pdf

import (
	"bytes"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/rotisserie/eris"
)

const (
	defaultFontSize = 12.0

	// Fragments closer than this fraction of the font size are glued into
	// one word; wider gaps start a new token.
	wordGapRatio = 0.3

	// Fragments whose baselines differ by less than this fraction of the
	// font size are considered to be on the same line.
	lineToleranceRatio = 0.5
)

// Token is a single positioned word extracted from a PDF page. Coordinates
// are in PDF space: X grows right, Y grows up, so lower Y means further down
// the page.
type Token struct {
	Text     string  `json:"text"`
	Page     int     `json:"page"`
	Line     int     `json:"line"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Font     string  `json:"font,omitempty"`
	FontSize float64 `json:"font_size,omitempty"`
}

// EndX returns the right edge of the token.
func (t Token) EndX() float64 {
	return t.X + t.Width
}

// SameLine reports whether the other token sits on the same visual line.
func (t Token) SameLine(other Token) bool {
	return t.Page == other.Page && t.Line == other.Line
}

// Tokenizer turns PDF bytes into a positioned word-level token stream.
type Tokenizer struct {
	maxFileSize int64
}

// NewTokenizer creates a tokenizer that rejects inputs larger than maxFileSize bytes.
func NewTokenizer(maxFileSize int64) *Tokenizer {
	return &Tokenizer{maxFileSize: maxFileSize}
}

// Tokenize extracts positioned word tokens from raw PDF bytes. Pages that
// fail to parse are skipped; an input with no extractable text yields an
// empty slice, not an error.
func (t *Tokenizer) Tokenize(data []byte) (tokens []Token, err error) {
	if len(data) == 0 {
		return nil, eris.New("pdf: empty input")
	}
	if t.maxFileSize > 0 && int64(len(data)) > t.maxFileSize {
		return nil, eris.Errorf("pdf: input too large: %d bytes (max %d)", len(data), t.maxFileSize)
	}

	// ledongthuc/pdf panics on some malformed content streams.
	defer func() {
		if r := recover(); r != nil {
			tokens = nil
			err = eris.Errorf("pdf: panic while tokenizing: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, eris.Wrap(err, "pdf: open reader")
	}

	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		pageTokens := groupWords(page.Content().Text, pageNum)
		tokens = append(tokens, pageTokens...)
	}

	return tokens, nil
}

// fragment is an intermediate positioned text run, after splitting raw
// content-stream runs on internal whitespace.
type fragment struct {
	text     string
	x, y, w  float64
	font     string
	fontSize float64
}

// groupWords converts raw positioned text runs into word tokens. Runs are
// split on whitespace, bucketed into lines by baseline, then glued back
// together when the horizontal gap is small enough to be intra-word kerning.
func groupWords(runs []pdf.Text, pageNum int) []Token {
	fragments := splitRuns(runs)
	if len(fragments) == 0 {
		return nil
	}

	sort.SliceStable(fragments, func(i, j int) bool {
		if fragments[i].y != fragments[j].y {
			return fragments[i].y > fragments[j].y
		}
		return fragments[i].x < fragments[j].x
	})

	var tokens []Token
	line := 0
	lineY := fragments[0].y

	var cur *Token
	flush := func() {
		if cur != nil {
			tokens = append(tokens, *cur)
			cur = nil
		}
	}

	for _, f := range fragments {
		size := f.fontSize
		if size <= 0 {
			size = defaultFontSize
		}

		if diff := lineY - f.y; diff > size*lineToleranceRatio {
			flush()
			line++
			lineY = f.y
		}

		if cur != nil && f.x-cur.EndX() <= size*wordGapRatio && f.x >= cur.X {
			cur.Text += f.text
			cur.Width = f.x + f.w - cur.X
			continue
		}

		flush()
		cur = &Token{
			Text:     f.text,
			Page:     pageNum,
			Line:     line,
			X:        f.x,
			Y:        f.y,
			Width:    f.w,
			Height:   size,
			Font:     f.font,
			FontSize: f.fontSize,
		}
	}
	flush()

	return tokens
}

// splitRuns breaks raw runs on internal whitespace, estimating X offsets of
// the parts proportionally to their length within the run.
func splitRuns(runs []pdf.Text) []fragment {
	var out []fragment
	for _, run := range runs {
		if strings.TrimSpace(run.S) == "" {
			continue
		}
		total := float64(len(run.S))
		offset := 0
		for _, part := range strings.Fields(run.S) {
			idx := strings.Index(run.S[offset:], part) + offset
			frac := float64(idx) / total
			width := run.W * float64(len(part)) / total
			out = append(out, fragment{
				text:     part,
				x:        run.X + run.W*frac,
				y:        run.Y,
				w:        width,
				font:     run.Font,
				fontSize: run.FontSize,
			})
			offset = idx + len(part)
		}
	}
	return out
}

// Lines groups a token stream back into per-line slices ordered top to
// bottom, preserving the original left-to-right token order within a line.
func Lines(tokens []Token) [][]Token {
	var lines [][]Token
	var cur []Token
	for i, tok := range tokens {
		if i > 0 && !tok.SameLine(tokens[i-1]) {
			lines = append(lines, cur)
			cur = nil
		}
		cur = append(cur, tok)
	}
	if len(cur) > 0 {
		lines = append(lines, cur)
	}
	return lines
}

// JoinText concatenates token texts with single spaces.
func JoinText(tokens []Token) string {
	parts := make([]string, len(tokens))
	for i, tok := range tokens {
		parts[i] = tok.Text
	}
	return strings.Join(parts, " ")
}
