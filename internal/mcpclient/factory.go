package mcpclient

import (
	"context"
	"fmt"

	"apiary/internal/provider"
	"apiary/pkg/logging"
)

// DialFunc constructs a fresh, unconnected MCP client for one provider.
// The caller performs Initialize and owns the returned client. Each call
// builds a new client, so a dead provider is retried from scratch on
// every reconnect attempt.
type DialFunc func(ctx context.Context) (MCPClient, error)

// NewDialer builds the dial function for a descriptor. Resolution work
// that can fail per-connection (uvx executable probing) happens inside
// the returned func, not here.
func NewDialer(d provider.Descriptor) (DialFunc, error) {
	switch d.Type {
	case provider.TypeUvx:
		return func(ctx context.Context) (MCPClient, error) {
			executable := d.ExecutableCommand
			if executable == "" {
				probed, err := ProbeUvxExecutable(ctx, d.Location)
				if err != nil {
					return nil, fmt.Errorf("failed to discover executable for %s: %w", d.Location, err)
				}
				logging.Info("MCPClientFactory", "Discovered executable %q for %s", probed, d.Location)
				executable = probed
			}
			return NewStdioClient("uvx", []string{"--from", d.Location, executable}, nil), nil
		}, nil

	case provider.TypeRemote:
		return func(ctx context.Context) (MCPClient, error) {
			return NewSSEClient(d.Location, nil), nil
		}, nil

	default:
		return nil, fmt.Errorf("unsupported provider type: %s (supported: %s, %s)",
			d.Type, provider.TypeUvx, provider.TypeRemote)
	}
}
