package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldlens/fieldlens/internal/pdf"
)

func tok(text string, line int, x, y float64) pdf.Token {
	return pdf.Token{
		Text:     text,
		Page:     1,
		Line:     line,
		X:        x,
		Y:        y,
		Width:    float64(len(text)) * 6,
		Height:   12,
		FontSize: 12,
	}
}

// registrationForm is a synthetic template document: a heading line followed
// by three labeled marker lines.
func registrationForm() []pdf.Token {
	return []pdf.Token{
		tok("Formulir", 0, 72, 700),
		tok("Pendaftaran", 0, 130, 700),

		tok("Nama:", 1, 72, 680),
		tok("{nama}", 1, 120, 680),

		tok("Tanggal", 2, 72, 660),
		tok("Lahir:", 2, 120, 660),
		tok("{tanggal_lahir}", 2, 165, 660),

		tok("NIK:", 3, 72, 640),
		tok("{nik}", 3, 110, 640),
	}
}

func TestAnalyze_DetectsMarkersAndLabels(t *testing.T) {
	analyzer := NewAnalyzer(nil)

	cfg, err := analyzer.Analyze("registration", registrationForm())
	require.NoError(t, err)
	require.Len(t, cfg.Fields, 3)
	assert.Equal(t, "registration", cfg.TemplateID)
	assert.Equal(t, DefaultThresholds(), cfg.Thresholds)

	nama := cfg.Fields["nama"]
	require.NotNil(t, nama)
	require.Len(t, nama.Locations, 1)
	loc := nama.Locations[0]
	assert.Equal(t, "Nama", loc.Context.Label)
	assert.Equal(t, 120.0, loc.BoundingBox.X)
	assert.Equal(t, 680.0, loc.BoundingBox.Y)
	assert.Equal(t, []string{"Formulir", "Pendaftaran"}, loc.Context.WordsBefore)
	assert.Equal(t, "position_based", nama.PreferredStrategy)

	// The nearest marker below {nama} is {tanggal_lahir}.
	assert.Equal(t, 660.0, loc.NextFieldY)
	// The last marker on the page has nothing below it.
	assert.Equal(t, 0.0, cfg.Fields["nik"].Locations[0].NextFieldY)
}

func TestAnalyze_MultiWordLabel(t *testing.T) {
	analyzer := NewAnalyzer(nil)

	cfg, err := analyzer.Analyze("registration", registrationForm())
	require.NoError(t, err)

	lahir := cfg.Fields["tanggal_lahir"]
	require.NotNil(t, lahir)
	assert.Equal(t, "Tanggal Lahir", lahir.Locations[0].Context.Label)
}

func TestAnalyze_DerivesPatternsFromFieldNames(t *testing.T) {
	analyzer := NewAnalyzer(nil)

	cfg, err := analyzer.Analyze("registration", registrationForm())
	require.NoError(t, err)

	assert.Equal(t, freeRegex, cfg.Fields["nama"].Pattern)
	assert.Equal(t, dateRegex, cfg.Fields["tanggal_lahir"].Pattern)
	assert.Equal(t, numberRegex, cfg.Fields["nik"].Pattern)
}

func TestAnalyze_RepeatedMarkerProducesMultipleLocations(t *testing.T) {
	analyzer := NewAnalyzer(nil)

	tokens := append(registrationForm(),
		tok("Nama:", 4, 72, 620),
		tok("{nama}", 4, 120, 620),
	)

	cfg, err := analyzer.Analyze("registration", tokens)
	require.NoError(t, err)
	assert.Len(t, cfg.Fields["nama"].Locations, 2)
}

func TestAnalyze_NoMarkers(t *testing.T) {
	analyzer := NewAnalyzer(nil)

	cfg, err := analyzer.Analyze("blank", []pdf.Token{
		tok("Nama:", 0, 72, 700),
		tok("Budi", 0, 120, 700),
	})
	assert.Nil(t, cfg)
	assert.ErrorIs(t, err, ErrNoMarkersFound)
}

func TestDeriveRegex_WholeWordNumberHints(t *testing.T) {
	// "no" must match as a whole word, not inside "nominee".
	assert.Equal(t, numberRegex, deriveRegex("no_polisi"))
	assert.Equal(t, freeRegex, deriveRegex("nominee"))
	assert.Equal(t, numberRegex, deriveRegex("nik"))
	assert.Equal(t, dateRegex, deriveRegex("expiry_date"))
}
