package mcp

import (
	"context"
	"encoding/json"
	"regexp"

	"github.com/nidhogg/nuka-swarm/internal/agent"
)

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// ToolName is the registry name of a remote tool: the server and tool
// names joined by an underscore, with characters providers reject replaced.
func ToolName(server, tool string) string {
	return unsafeName.ReplaceAllString(server+"_"+tool, "_")
}

// RegisterTools adds every tool the client discovered to reg and returns
// the registered names.
func RegisterTools(reg *agent.ToolRegistry, c *Client) ([]string, error) {
	var names []string
	for _, info := range c.Tools() {
		remote := info.Name
		name := ToolName(c.Name(), remote)
		desc := info.Description
		if desc == "" {
			desc = remote + " (" + c.Name() + ")"
		}
		tool := agent.NewFuncTool(name, desc, info.InputSchema,
			func(ctx context.Context, args json.RawMessage) (string, error) {
				return c.CallTool(ctx, remote, args)
			})
		if err := reg.Register(tool); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, nil
}
