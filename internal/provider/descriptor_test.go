package provider

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorValidate(t *testing.T) {
	tests := []struct {
		name       string
		descriptor Descriptor
		wantErr    bool
	}{
		{
			name:       "valid uvx",
			descriptor: Descriptor{Type: TypeUvx, Location: "file:///p", ExecutableCommand: "srv"},
		},
		{
			name:       "valid uvx without command",
			descriptor: Descriptor{Type: TypeUvx, Location: "file:///p"},
		},
		{
			name:       "valid remote",
			descriptor: Descriptor{Type: TypeRemote, Location: "http://localhost:9000/sse"},
		},
		{
			name:       "uvx missing location",
			descriptor: Descriptor{Type: TypeUvx},
			wantErr:    true,
		},
		{
			name:       "remote with executable command",
			descriptor: Descriptor{Type: TypeRemote, Location: "http://x", ExecutableCommand: "srv"},
			wantErr:    true,
		},
		{
			name:       "unknown type",
			descriptor: Descriptor{Type: "npm", Location: "x"},
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.descriptor.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDescriptorIsComparable(t *testing.T) {
	a := Descriptor{Type: TypeUvx, Location: "file:///p", ExecutableCommand: "srv"}
	b := Descriptor{Type: TypeUvx, Location: "file:///p", ExecutableCommand: "srv"}
	c := Descriptor{Type: TypeUvx, Location: "file:///p"}

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	set := map[Descriptor]struct{}{a: {}}
	_, found := set[b]
	assert.True(t, found, "equal descriptors must hash to the same key")
}

func TestDescriptorJSONRoundTrip(t *testing.T) {
	d := Descriptor{Type: TypeRemote, Location: "http://localhost:9000/sse"}

	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"mcp","location":"http://localhost:9000/sse"}`, string(data))

	var decoded Descriptor
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, d, decoded)
}

func TestDescriptorUnmarshalRejectsUnknownType(t *testing.T) {
	var d Descriptor
	err := json.Unmarshal([]byte(`{"type":"npm","location":"x"}`), &d)
	assert.Error(t, err)
}
