// Package mcpext implements the agent extension of the MCP protocol:
// listing agent templates and agent instances, creating and destroying
// agents, and running an agent with a prompt.
//
// The extension rides on an existing mcp-go client session. Standard MCP
// operations keep going through the regular client API; the agents/*
// methods are issued as raw JSON-RPC requests on the same transport.
// Servers signal support under capabilities.experimental["agents"]:
//
//	{"capabilities": {"experimental": {"agents": {"templates": true}}}}
package mcpext
