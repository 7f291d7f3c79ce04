package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/flemzord/toolgate/internal/gateway"
	"github.com/flemzord/toolgate/internal/policy"
	"github.com/flemzord/toolgate/pkg/client"
)

func mcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Expose the gateway's tools to an MCP client over stdio",
		Long: "Serves the Model Context Protocol on stdin/stdout. Every tool call is " +
			"forwarded to a running gateway with a fixed role and session, so policy, " +
			"confirmations and audit apply as for any other caller.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			roleName, _ := cmd.Flags().GetString("role")
			role, err := policy.ParseRole(roleName)
			if err != nil {
				return err
			}
			sessionID, _ := cmd.Flags().GetString("session")
			if sessionID == "" {
				sessionID = "mcp-" + uuid.NewString()
			}
			wait, _ := cmd.Flags().GetBool("wait")

			b := &mcpBridge{client: c, role: role, session: sessionID, wait: wait}
			s, err := b.server(cmd.Context())
			if err != nil {
				return err
			}
			return server.ServeStdio(s)
		},
	}
	addClientFlags(cmd)
	cmd.Flags().String("role", "guest", "Role every call is made with")
	cmd.Flags().String("session", "", "Session ID (default: random per process)")
	cmd.Flags().Bool("wait", true, "Block on confirmations instead of returning the request ID")
	return cmd
}

// mcpBridge maps MCP tool calls onto gateway invocations.
type mcpBridge struct {
	client  *client.Client
	role    policy.Role
	session string
	wait    bool
}

func (b *mcpBridge) server(ctx context.Context) (*server.MCPServer, error) {
	tools, err := b.client.Tools(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing gateway tools: %w", err)
	}

	s := server.NewMCPServer("toolgate", version, server.WithToolCapabilities(false))
	for _, t := range tools {
		if !t.Available || !roleAllows(b.role, t.MinRole) {
			continue
		}
		desc := t.Description
		if desc == "" {
			desc = "Invoke " + t.Name + " through the gateway"
		}
		s.AddTool(mcp.NewTool(t.Name,
			mcp.WithDescription(desc),
			mcp.WithString("command", mcp.Required(), mcp.Description("Command line or argument for the tool")),
			mcp.WithObject("input", mcp.Description("Optional structured input")),
			mcp.WithString("request_id", mcp.Description("Approved confirmation to redeem")),
		), b.handler(t.Name))
	}
	return s, nil
}

func roleAllows(role policy.Role, minRole string) bool {
	if minRole == "" {
		return true
	}
	need, err := policy.ParseRole(minRole)
	if err != nil {
		return false
	}
	return role >= need
}

func (b *mcpBridge) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		command, err := req.RequireString("command")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		gwReq := gateway.Request{
			Role:      b.role,
			Tool:      name,
			Command:   command,
			SessionID: b.session,
			RequestID: req.GetString("request_id", ""),
		}
		if in, ok := req.GetArguments()["input"]; ok && in != nil {
			raw, err := json.Marshal(in)
			if err != nil {
				return mcp.NewToolResultError("input: " + err.Error()), nil
			}
			gwReq.Input = raw
		}

		res, err := b.client.Invoke(ctx, gwReq, b.wait)
		if err != nil {
			return nil, err
		}
		return toolResult(res), nil
	}
}

func toolResult(res gateway.Result) *mcp.CallToolResult {
	switch {
	case res.Error != nil:
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s", res.Error.Kind, res.Error.Message))
	case res.Elevated:
		return mcp.NewToolResultText(fmt.Sprintf(
			"This call needs human approval. Ask the operator to approve confirmation %s, then call again with request_id=%s.",
			res.RequestID, res.RequestID))
	default:
		return mcp.NewToolResultText(res.Data)
	}
}
