package mcpclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUvxProbeOutput(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		expected string
		wantErr  bool
	}{
		{
			name: "backtick quoting",
			output: "The executable `_nonexistent_command` was not found.\n" +
				"The following executables are provided by `mcp-weather`:\n" +
				"- weather-server\n",
			expected: "weather-server",
		},
		{
			name: "double quote quoting",
			output: "The following executables are provided by \"mcp-files\":\n" +
				"- files_server\n",
			expected: "files_server",
		},
		{
			name:    "no advertisement",
			output:  "error: failed to resolve project\n",
			wantErr: true,
		},
		{
			name:    "empty output",
			output:  "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			executable, err := parseUvxProbeOutput(tt.output)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, executable)
		})
	}
}
