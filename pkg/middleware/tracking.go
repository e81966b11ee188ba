package middleware

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-session-tracker/pkg/request"
	"github.com/txn2/mcp-session-tracker/pkg/session"
)

// methodToolsCall is the MCP method carrying tool invocations.
const methodToolsCall = "tools/call"

// TrackerConfig configures the tracking middleware.
type TrackerConfig struct {
	// Clock supplies time. Defaults to the real clock.
	Clock clock.Clock
}

// Tracker resolves the session for each inbound operation call, times the
// call, and records its outcome. Sessions are created lazily on the first
// call observed for a connection: the transport's own connection-validity
// notion is never consulted, the two systems communicate only through the
// fact that a call occurred.
type Tracker struct {
	manager  *session.Manager
	recorder *request.Recorder
	clock    clock.Clock

	// states maps transport-level connection ids to their slot, for
	// transports that do not install a ConnState in the context.
	states sync.Map
}

// NewTracker creates the tracking interceptor.
func NewTracker(manager *session.Manager, recorder *request.Recorder, cfg TrackerConfig) *Tracker {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Tracker{
		manager:  manager,
		recorder: recorder,
		clock:    cfg.Clock,
	}
}

// Middleware returns the MCP protocol-level middleware. For every inbound
// request (notifications excepted) it resolves the session, runs the
// wrapped handler, and writes exactly one request record regardless of
// outcome. The wrapped handler's result and error pass through unchanged;
// the only externally observable effect is the telemetry side effect, which
// is itself failure-isolated.
func (t *Tracker) Middleware() mcp.Middleware {
	return func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			if strings.HasPrefix(method, "notifications/") {
				return next(ctx, method, req)
			}

			sessionID := t.resolveSession(ctx, req)

			ctx, slot := withUsageSlot(ctx)
			start := t.clock.Now()

			result, err := next(ctx, method, req)

			completed := t.clock.Now()
			status, errMsg := classifyOutcome(ctx, result, err)

			t.recorder.Record(ctx, request.Sample{
				SessionID:    sessionID,
				Operation:    operationName(method, req),
				Start:        start,
				Completed:    completed,
				Status:       status,
				ErrorMessage: errMsg,
				Usage:        slot.take(),
			})
			if sessionID != request.SessionIDUnknown {
				t.manager.Touch(ctx, sessionID)
			}

			return result, err
		}
	}
}

// resolveSession returns the session id for the call, creating a session on
// the first call observed for the connection. Creation is serialized on the
// connection slot's mutex, so concurrent first calls yield one session.
func (t *Tracker) resolveSession(ctx context.Context, req mcp.Request) string {
	cs := GetConnState(ctx)
	if cs == nil {
		cs = t.stateFor(req)
	}
	if cs == nil {
		return request.SessionIDUnknown
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.sessionID != "" {
		return cs.sessionID
	}

	client := cs.Client
	if client.Name == "" {
		client.Name = "unknown-client"
	}
	sess := t.manager.Create(ctx, client, cs.User)
	cs.sessionID = sess.ID
	return cs.sessionID
}

// stateFor returns the registry slot for the request's transport-level
// connection, allocating one on first sight.
func (t *Tracker) stateFor(req mcp.Request) *ConnState {
	if req == nil {
		return nil
	}
	transportSession := req.GetSession()
	if transportSession == nil {
		return nil
	}
	id := transportSession.ID()
	if id == "" {
		return nil
	}
	state, _ := t.states.LoadOrStore(id, &ConnState{})
	return state.(*ConnState)
}

// Disconnect signals an explicit disconnect for the connection with the
// given transport-level id, releasing its slot. Unknown ids are a no-op.
func (t *Tracker) Disconnect(ctx context.Context, transportID string, reason session.DisconnectReason) {
	state, ok := t.states.LoadAndDelete(transportID)
	if !ok {
		return
	}
	cs := state.(*ConnState)
	if id := cs.SessionID(); id != "" {
		_ = t.manager.Disconnect(ctx, id, reason)
	}
}

// operationName resolves the recorded operation name: the tool name for
// tool calls, the protocol method otherwise.
func operationName(method string, req mcp.Request) string {
	if method != methodToolsCall || req == nil {
		return method
	}
	params, ok := req.GetParams().(*mcp.CallToolParamsRaw)
	if !ok || params == nil || params.Name == "" {
		return method
	}
	return params.Name
}

// classifyOutcome maps the wrapped handler's result to a record status. A
// cancelled or deadline-exceeded call is a timeout, not a dropped record: a
// cancelled operation still consumed time and appears in telemetry.
func classifyOutcome(ctx context.Context, result mcp.Result, err error) (request.Status, string) {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return request.StatusTimeout, err.Error()
		}
		return request.StatusError, err.Error()
	}
	if callResult, ok := result.(*mcp.CallToolResult); ok && callResult != nil && callResult.IsError {
		return request.StatusError, extractErrorMessage(callResult)
	}
	return request.StatusSuccess, ""
}

// extractErrorMessage pulls the error text from a CallToolResult.
func extractErrorMessage(result *mcp.CallToolResult) string {
	if result == nil || len(result.Content) == 0 {
		return ""
	}
	if textContent, ok := result.Content[0].(*mcp.TextContent); ok {
		return textContent.Text
	}
	return ""
}
