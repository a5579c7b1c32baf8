package extract

import "math"

// Calibration scales raw confidence scores from the two strategies so they
// are comparable. The exact weighting is a documented tunable, not a derived
// formula: raw model marginals run slightly hot on short spans, so the model
// side defaults a little below the rule side.
type Calibration struct {
	RuleWeight float64
	CRFWeight  float64
}

// DefaultCalibration returns the default strategy calibration.
func DefaultCalibration() Calibration {
	return Calibration{RuleWeight: 1.0, CRFWeight: 0.95}
}

// Arbitrate selects between the optional rule-based and sequence-labeling
// candidates for one field. It is a pure function: with both present the
// higher calibrated confidence wins (ties prefer the rule candidate); with
// one present it wins; with neither the field is reported as method "none"
// with confidence 0.
func Arbitrate(rule, seq *Candidate, cal Calibration) FieldResult {
	ruleScore := math.Inf(-1)
	seqScore := math.Inf(-1)
	if rule != nil {
		ruleScore = rule.Confidence * cal.RuleWeight
	}
	if seq != nil {
		seqScore = seq.Confidence * cal.CRFWeight
	}

	switch {
	case rule == nil && seq == nil:
		return FieldResult{Method: MethodNone, Confidence: 0}
	case seq == nil || (rule != nil && ruleScore >= seqScore):
		return fieldResult(rule, ruleScore)
	default:
		return fieldResult(seq, seqScore)
	}
}

func fieldResult(c *Candidate, calibrated float64) FieldResult {
	return FieldResult{
		Value:      c.Value,
		Confidence: math.Max(0, math.Min(calibrated, 1)),
		Method:     c.Method,
	}
}
