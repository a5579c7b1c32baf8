package pdf

import (
	"bytes"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/rotisserie/eris"
)

// Validator performs structural validation of PDF inputs before they enter
// the extraction pipeline, so corrupt uploads fail fast with a clear error.
type Validator struct {
	maxFileSize int64
}

// NewValidator creates a new PDF validator with the specified size constraint.
func NewValidator(maxFileSize int64) *Validator {
	return &Validator{maxFileSize: maxFileSize}
}

// ValidationInfo summarizes a successfully validated document.
type ValidationInfo struct {
	Pages int   `json:"pages"`
	Size  int64 `json:"size"`
}

// Validate checks that data is a structurally sound PDF and returns basic
// document info. Validation is relaxed: documents with recoverable defects
// still pass, matching what the tokenizer can read.
func (v *Validator) Validate(data []byte) (*ValidationInfo, error) {
	if len(data) == 0 {
		return nil, eris.New("pdf: empty input")
	}
	if v.maxFileSize > 0 && int64(len(data)) > v.maxFileSize {
		return nil, eris.Errorf("pdf: input too large: %d bytes (max %d)", len(data), v.maxFileSize)
	}
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return nil, eris.New("pdf: missing %PDF header")
	}

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	ctx, err := api.ReadContext(bytes.NewReader(data), conf)
	if err != nil {
		return nil, eris.Wrap(err, "pdf: read context")
	}
	if err := ctx.EnsurePageCount(); err != nil {
		return nil, eris.Wrap(err, "pdf: ensure page count")
	}

	return &ValidationInfo{
		Pages: ctx.PageCount,
		Size:  int64(len(data)),
	}, nil
}
