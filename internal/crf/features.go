package crf

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/fieldlens/fieldlens/internal/pdf"
)

// labelLookback bounds how far back the feature extractor scans for the
// nearest delimiter-terminated token when emitting label-proximity features.
const labelLookback = 12

// Features returns the feature strings for token i of the stream. The set
// mixes lexical features (lowercased form, shape, affixes), layout features
// (position buckets, line boundaries), and contextual features (neighboring
// tokens, nearest preceding label).
func Features(tokens []pdf.Token, i int) []string {
	tok := tokens[i]
	lower := strings.ToLower(tok.Text)

	feats := []string{
		"bias",
		"w=" + lower,
		"shape=" + shape(tok.Text),
		"xb=" + bucket(tok.X, 72),
		"yb=" + bucket(tok.Y, 72),
	}

	if n := len(lower); n >= 3 {
		feats = append(feats, "pre3="+lower[:3], "suf3="+lower[n-3:])
	}
	if isNumeric(tok.Text) {
		feats = append(feats, "numeric")
	}
	if strings.ContainsAny(tok.Text, "0123456789") {
		feats = append(feats, "hasdigit")
	}

	if i == 0 || !tok.SameLine(tokens[i-1]) {
		feats = append(feats, "linestart")
	} else {
		feats = append(feats, "prev="+strings.ToLower(tokens[i-1].Text))
		feats = append(feats, "prevshape="+shape(tokens[i-1].Text))
	}
	if i == len(tokens)-1 || !tok.SameLine(tokens[i+1]) {
		feats = append(feats, "lineend")
	} else {
		feats = append(feats, "next="+strings.ToLower(tokens[i+1].Text))
	}

	if label, dist := nearestLabel(tokens, i); label != "" {
		feats = append(feats, "label="+label)
		feats = append(feats, fmt.Sprintf("labeldist=%d", dist))
	}

	return feats
}

// FeatureSequence computes the feature strings for every token of a stream.
func FeatureSequence(tokens []pdf.Token) [][]string {
	seq := make([][]string, len(tokens))
	for i := range tokens {
		seq[i] = Features(tokens, i)
	}
	return seq
}

// nearestLabel scans backwards for the closest token ending with a label
// delimiter and returns its lowercased text (delimiter stripped) and the
// token distance, capped at labelLookback.
func nearestLabel(tokens []pdf.Token, i int) (string, int) {
	for d := 1; d <= labelLookback && i-d >= 0; d++ {
		text := tokens[i-d].Text
		if text == "" {
			continue
		}
		if last := text[len(text)-1]; last == ':' || last == '-' {
			return strings.ToLower(strings.TrimRight(text, ":-")), d
		}
	}
	return "", 0
}

// shape maps a token to its character-class skeleton with runs collapsed,
// e.g. "Budi" -> "Xx", "12-03" -> "d-d".
func shape(text string) string {
	var b strings.Builder
	var prev rune
	for _, r := range text {
		var c rune
		switch {
		case unicode.IsUpper(r):
			c = 'X'
		case unicode.IsLower(r):
			c = 'x'
		case unicode.IsDigit(r):
			c = 'd'
		default:
			c = r
		}
		if c != prev {
			b.WriteRune(c)
			prev = c
		}
	}
	return b.String()
}

func isNumeric(text string) bool {
	hasDigit := false
	for _, r := range text {
		if unicode.IsDigit(r) {
			hasDigit = true
			continue
		}
		if !strings.ContainsRune(".,-/", r) {
			return false
		}
	}
	return hasDigit
}

func bucket(v, size float64) string {
	if size <= 0 {
		size = 72
	}
	return fmt.Sprintf("%d", int(v/size))
}
