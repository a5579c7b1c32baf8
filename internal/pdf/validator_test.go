package pdf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidator_RejectsBadInputs(t *testing.T) {
	v := NewValidator(64)

	tests := []struct {
		name    string
		data    []byte
		wantErr string
	}{
		{
			name:    "empty input",
			data:    nil,
			wantErr: "empty input",
		},
		{
			name:    "over size limit",
			data:    make([]byte, 128),
			wantErr: "too large",
		},
		{
			name:    "missing header",
			data:    []byte("not a pdf at all"),
			wantErr: "missing %PDF header",
		},
		{
			name:    "header only",
			data:    []byte("%PDF-1.7 but truncated"),
			wantErr: "pdf:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := v.Validate(tt.data)
			assert.Nil(t, info)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestNewValidator(t *testing.T) {
	v := NewValidator(2 * 1024 * 1024)
	assert.NotNil(t, v)
	assert.Equal(t, int64(2*1024*1024), v.maxFileSize)
}
