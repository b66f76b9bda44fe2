// ABOUTME: Tests for source syntax validation
// ABOUTME: Covers valid programs, parse faults, and SyntaxError positions

package script

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		wantErr bool
		line    int
	}{
		{
			name:   "simple function",
			source: "def add(a, b):\n    return a + b\n",
		},
		{
			name:   "top-level control and while",
			source: "N = 3\nif N > 2:\n    N = 2\n\ndef spin():\n    i = 0\n    while i < N:\n        i += 1\n    return i\n",
		},
		{
			name:   "empty source",
			source: "",
		},
		{
			name:    "missing colon",
			source:  "def broken(\n    return 1\n",
			wantErr: true,
		},
		{
			name:    "bad indentation on second line",
			source:  "def f():\n    x = 1\n      return x\n",
			wantErr: true,
			line:    3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.source, "unit")
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)

			var serr *SyntaxError
			require.True(t, errors.As(err, &serr))
			assert.Equal(t, "unit", serr.Label)
			assert.NotEmpty(t, serr.Detail)
			if tt.line > 0 {
				assert.Equal(t, tt.line, serr.Line)
			}
			assert.Contains(t, err.Error(), "syntax error in unit")
		})
	}
}

func TestValidate_DoesNotResolveNames(t *testing.T) {
	// Names defined in a preamble are unknown to a lone function body.
	err := Validate("def f():\n    return helper(1)\n", "f")
	assert.NoError(t, err)
}
