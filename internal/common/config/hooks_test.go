package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStringMap(t *testing.T) {
	tests := map[string]struct {
		input    string
		expected map[string]string
		err      bool
	}{
		"empty": {
			input:    "",
			expected: map[string]string{},
		},
		"single": {
			input:    "host=localhost",
			expected: map[string]string{"host": "localhost"},
		},
		"several with extra whitespace": {
			input:    "  host=localhost   port=5432 password= ",
			expected: map[string]string{"host": "localhost", "port": "5432", "password": ""},
		},
		"value containing equals": {
			input:    "options=-c=x",
			expected: map[string]string{"options": "-c=x"},
		},
		"missing equals": {
			input: "host",
			err:   true,
		},
		"missing key": {
			input: "=value",
			err:   true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			result, err := ParseStringMap(tc.input)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, result)
		})
	}
}
