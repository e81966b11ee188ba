package tracker

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-session-tracker/pkg/reconnect"
)

// issueInput is the input for the session_reconnect_issue tool.
type issueInput struct {
	SessionID  string `json:"session_id" jsonschema:"the session to issue a credential for"`
	TTLSeconds int    `json:"ttl_seconds,omitempty" jsonschema:"validity window in seconds; server default when omitted"`
}

// issueOutput returns the raw secret exactly once.
type issueOutput struct {
	SessionID string    `json:"session_id"`
	Secret    string    `json:"secret"`
	ExpiresAt time.Time `json:"expires_at"`
}

// redeemInput is the input for the session_reconnect_redeem tool.
type redeemInput struct {
	SessionID string `json:"session_id" jsonschema:"the disconnected session to resume"`
	Secret    string `json:"secret" jsonschema:"the credential secret obtained from session_reconnect_issue"`
}

// redeemOutput reports the reactivated session.
type redeemOutput struct {
	SessionID      string `json:"session_id"`
	Status         string `json:"status"`
	ReconnectCount int    `json:"reconnect_count"`
}

// RegisterTools registers the reconnection credential tools with the MCP
// server.
func (t *Tracker) RegisterTools(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name: "session_reconnect_issue",
		Description: "Issue a short-lived reconnection credential for a session. " +
			"The returned secret is shown exactly once and allows the session " +
			"to be resumed after a dropped connection.",
	}, t.handleIssue)

	mcp.AddTool(server, &mcp.Tool{
		Name: "session_reconnect_redeem",
		Description: "Redeem a reconnection credential to resume a disconnected " +
			"session. Each credential can be redeemed at most once.",
	}, t.handleRedeem)
}

func (t *Tracker) handleIssue(ctx context.Context, _ *mcp.CallToolRequest, in issueInput) (*mcp.CallToolResult, issueOutput, error) {
	cred, err := t.reconnect.Issue(ctx, in.SessionID, time.Duration(in.TTLSeconds)*time.Second)
	if err != nil {
		return credentialError(err), issueOutput{}, nil
	}
	return nil, issueOutput{
		SessionID: cred.SessionID,
		Secret:    cred.Secret,
		ExpiresAt: cred.ExpiresAt,
	}, nil
}

func (t *Tracker) handleRedeem(ctx context.Context, _ *mcp.CallToolRequest, in redeemInput) (*mcp.CallToolResult, redeemOutput, error) {
	sess, err := t.reconnect.Redeem(ctx, in.SessionID, in.Secret)
	if err != nil {
		return credentialError(err), redeemOutput{}, nil
	}
	return nil, redeemOutput{
		SessionID:      sess.ID,
		Status:         string(sess.Status),
		ReconnectCount: sess.ReconnectCount,
	}, nil
}

// credentialError builds a tool error result carrying the machine-readable
// failure kind so clients can choose retry behavior per kind.
func credentialError(err error) *mcp.CallToolResult {
	msg := err.Error()
	if kind := reconnect.FailureKind(err); kind != "" {
		msg = kind + ": " + msg
	}
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			&mcp.TextContent{Text: msg},
		},
	}
}
