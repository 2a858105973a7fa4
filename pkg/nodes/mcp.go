package nodes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/value"
)

// MCP spawns a Model Context Protocol server as a child process, performs
// the stdio handshake, calls one tool, and tears the child down. The raw
// tool result is the node's output.
type MCP struct{}

func (h *MCP) Execute(ctx context.Context, params map[string]any, rt *Runtime) (any, error) {
	server, ok := params["server"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingParam, "server")
	}
	command := cast.ToString(server["command"])
	if command == "" {
		return nil, fmt.Errorf("%w: %q", ErrMissingParam, "server.command")
	}
	tool, err := requireString(params, "tool")
	if err != nil {
		return nil, err
	}

	var args []string
	if rawArgs, ok := server["args"].([]any); ok {
		for _, a := range rawArgs {
			args = append(args, cast.ToString(a))
		}
	}
	var env []string
	if rawEnv, ok := server["env"].(map[string]any); ok {
		for k, v := range rawEnv {
			env = append(env, fmt.Sprintf("%s=%s", k, cast.ToString(v)))
		}
	}

	arguments := map[string]any{}
	if rawArguments, ok := params["arguments"].(map[string]any); ok {
		arguments = rawArguments
	}

	rt.Logger.Debug("calling MCP tool",
		zap.String("command", command),
		zap.String("tool", tool))

	mcpClient, err := client.NewStdioMCPClient(command, env, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: mcp: spawn server: %v", ErrHandler, err)
	}
	defer mcpClient.Close()

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.Capabilities = mcp.ClientCapabilities{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "daedalus",
		Version: "1.0.0",
	}
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("%w: mcp: initialize: %v", ErrHandler, err)
	}

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = tool
	callReq.Params.Arguments = arguments
	result, err := mcpClient.CallTool(ctx, callReq)
	if err != nil {
		return nil, fmt.Errorf("%w: mcp: call tool %q: %v", ErrHandler, tool, err)
	}
	if result.IsError {
		encoded, _ := json.Marshal(result.Content)
		return nil, fmt.Errorf("%w: mcp: tool %q reported an error: %s", ErrHandler, tool, encoded)
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("%w: mcp: encode result: %v", ErrHandler, err)
	}
	return value.FromJSON(encoded), nil
}
