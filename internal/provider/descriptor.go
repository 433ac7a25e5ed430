package provider

import (
	"encoding/json"
	"fmt"
)

// Type discriminates the descriptor variants in the persisted provider
// list.
type Type string

const (
	// TypeUvx is a subprocess provider installed from a packaged project
	// reference and spawned over stdio.
	TypeUvx Type = "uvx"
	// TypeRemote is a remote MCP server reached over SSE.
	TypeRemote Type = "mcp"
)

// Descriptor identifies one upstream MCP provider. The whole value is the
// identity: the repository stores a set keyed by it, and the container
// uses it to pair desired state with loaded providers. It must stay
// comparable.
type Descriptor struct {
	Type Type `json:"type"`
	// Location is a URL: a project reference for uvx providers, the SSE
	// endpoint for remote providers.
	Location string `json:"location"`
	// ExecutableCommand names the server executable inside a uvx project.
	// When empty, the connection layer probes the project to discover it.
	ExecutableCommand string `json:"executable_command,omitempty"`
}

// Validate checks the descriptor for structural problems.
func (d Descriptor) Validate() error {
	switch d.Type {
	case TypeUvx:
		if d.Location == "" {
			return fmt.Errorf("uvx provider requires a location")
		}
	case TypeRemote:
		if d.Location == "" {
			return fmt.Errorf("mcp provider requires a location")
		}
		if d.ExecutableCommand != "" {
			return fmt.Errorf("executable_command is only valid for uvx providers")
		}
	default:
		return fmt.Errorf("unknown provider type: %q", d.Type)
	}
	return nil
}

// String renders the descriptor for logs.
func (d Descriptor) String() string {
	if d.Type == TypeUvx && d.ExecutableCommand != "" {
		return fmt.Sprintf("%s:%s (%s)", d.Type, d.Location, d.ExecutableCommand)
	}
	return fmt.Sprintf("%s:%s", d.Type, d.Location)
}

// UnmarshalJSON validates the discriminator while decoding, so malformed
// records are rejected at the repository boundary.
func (d *Descriptor) UnmarshalJSON(data []byte) error {
	type plain Descriptor
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*d = Descriptor(p)
	return d.Validate()
}
