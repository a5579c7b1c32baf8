package template

import "time"

// Config describes everything the engine knows about one document template:
// where its fields live, how their values look, and the thresholds that
// govern gating and training for documents of this template.
type Config struct {
	TemplateID string                      `json:"template_id"`
	Fields     map[string]*FieldDefinition `json:"fields"`
	Thresholds Thresholds                  `json:"thresholds"`
	CreatedAt  time.Time                   `json:"created_at"`
	UpdatedAt  time.Time                   `json:"updated_at"`
}

// FieldDefinition captures extraction knowledge for a single field. Repeated
// markers with the same name contribute multiple locations.
type FieldDefinition struct {
	Name              string             `json:"name"`
	Locations         []FieldLocation    `json:"locations"`
	Pattern           string             `json:"pattern,omitempty"`
	PreferredStrategy string             `json:"preferred_strategy,omitempty"`
	TypicalLength     int                `json:"typical_length,omitempty"`
	StrategyAccuracy  map[string]float64 `json:"strategy_accuracy,omitempty"`
}

// FieldLocation is one recorded position of a field in the template document.
type FieldLocation struct {
	Page        int          `json:"page"`
	BoundingBox Rect         `json:"bounding_box"`
	Context     FieldContext `json:"context"`

	// NextFieldY is the Y coordinate of the nearest marker below this one on
	// the same page, used as a stopping hint during extraction. Zero when
	// this is the lowest field on the page.
	NextFieldY float64 `json:"next_field_y,omitempty"`
}

// FieldContext records the label and neighboring words around a field marker.
type FieldContext struct {
	Label       string   `json:"label,omitempty"`
	LabelBox    Rect     `json:"label_box,omitempty"`
	WordsBefore []string `json:"words_before,omitempty"`
	WordsAfter  []string `json:"words_after,omitempty"`
}

// Rect is an axis-aligned box in PDF coordinate space.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Thresholds holds the per-template tunables for the active-learning gate,
// pattern activation, and incremental training.
type Thresholds struct {
	FieldConfidence    float64 `json:"field_confidence"`
	DocumentConfidence float64 `json:"document_confidence"`
	MaxFallbackFields  int     `json:"max_fallback_fields"`
	TrainingBatchSize  int     `json:"training_batch_size"`
	PromotionMargin    float64 `json:"promotion_margin"`
	PatternActivation  float64 `json:"pattern_activation"`
	PatternMinSamples  int     `json:"pattern_min_samples"`
}

// DefaultThresholds returns the threshold values used when a template does
// not override them.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FieldConfidence:    0.6,
		DocumentConfidence: 0.75,
		MaxFallbackFields:  2,
		TrainingBatchSize:  5,
		PromotionMargin:    0.05,
		PatternActivation:  0.5,
		PatternMinSamples:  2,
	}
}

// Field returns the definition for name, or nil.
func (c *Config) Field(name string) *FieldDefinition {
	if c == nil {
		return nil
	}
	return c.Fields[name]
}

// FieldNames returns the field names in no particular order.
func (c *Config) FieldNames() []string {
	names := make([]string, 0, len(c.Fields))
	for name := range c.Fields {
		names = append(names, name)
	}
	return names
}
