package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldlens/fieldlens/internal/crf"
	"github.com/fieldlens/fieldlens/internal/pdf"
)

func labeledDocument() []pdf.Token {
	return []pdf.Token{
		tok("Nama:", 0, 72, 700),
		tok("Budi", 0, 125, 700),
		tok("Santoso", 0, 160, 700),
		tok("NIK:", 1, 72, 680),
		tok("3201011234", 1, 110, 680),
	}
}

func trainedModel(t *testing.T) *crf.Model {
	t.Helper()

	tokens := labeledDocument()
	labels := []string{
		crf.Outside, crf.BeginTag("nama"), crf.InsideTag("nama"),
		crf.Outside, crf.BeginTag("nik"),
	}

	var examples []crf.Example
	for i := 0; i < 3; i++ {
		examples = append(examples, crf.Example{
			Features: crf.FeatureSequence(tokens),
			Labels:   labels,
		})
	}

	model, _, err := crf.Train(examples, crf.DefaultTrainOptions())
	require.NoError(t, err)
	return model
}

func TestSequenceDecoder_ProposesSpans(t *testing.T) {
	decoder := NewSequenceDecoder(trainedModel(t))

	decoded := decoder.Decode(labeledDocument())
	require.NotNil(t, decoded)

	nama := decoded.Candidate("nama")
	require.NotNil(t, nama)
	assert.Equal(t, "Budi Santoso", nama.Value)
	assert.Equal(t, MethodCRF, nama.Method)
	assert.Greater(t, nama.Confidence, 0.0)
	assert.LessOrEqual(t, nama.Confidence, 1.0)

	nik := decoded.Candidate("nik")
	require.NotNil(t, nik)
	assert.Equal(t, "3201011234", nik.Value)
}

func TestSequenceDecoder_UnknownField(t *testing.T) {
	decoder := NewSequenceDecoder(trainedModel(t))

	decoded := decoder.Decode(labeledDocument())
	require.NotNil(t, decoded)
	assert.Nil(t, decoded.Candidate("alamat"))
}

func TestSequenceDecoder_NilModelDegradesGracefully(t *testing.T) {
	decoder := NewSequenceDecoder(nil)
	decoded := decoder.Decode(labeledDocument())
	assert.Nil(t, decoded)
	assert.Nil(t, decoded.Candidate("nama"))
}

func TestSequenceDecoder_EmptyStream(t *testing.T) {
	decoder := NewSequenceDecoder(trainedModel(t))
	assert.Nil(t, decoder.Decode(nil))
}
