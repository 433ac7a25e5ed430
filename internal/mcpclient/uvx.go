package mcpclient

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
)

// uvx prints the commands a project provides when asked to run one that
// does not exist:
//
//	The executable `_nonexistent_command` was not found.
//	The following executables are provided by `some-project`:
//	- some-server
var uvxProvidedByPattern = regexp.MustCompile("provided by [`\"].*?[`\"]:\\n-\\s*([\\w-]+)")

// ProbeUvxExecutable discovers the server executable of a uvx project
// that did not declare one. It deliberately invokes a nonexistent command
// and parses the advertised executable out of the tool's output.
func ProbeUvxExecutable(ctx context.Context, location string) (string, error) {
	cmd := exec.CommandContext(ctx, "uvx", "--from", location, "_nonexistent_command")
	// uvx exits nonzero here by construction; only the output matters.
	output, _ := cmd.CombinedOutput()

	executable, err := parseUvxProbeOutput(string(output))
	if err != nil {
		return "", fmt.Errorf("unable to probe %s: %w", location, err)
	}
	return executable, nil
}

func parseUvxProbeOutput(output string) (string, error) {
	match := uvxProvidedByPattern.FindStringSubmatch(output)
	if match == nil {
		return "", fmt.Errorf("no executable advertised in uvx output: %s", output)
	}
	return match[1], nil
}
