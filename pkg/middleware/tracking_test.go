package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-session-tracker/pkg/request"
	"github.com/txn2/mcp-session-tracker/pkg/session"
)

const testMethodCall = "tools/call"

func newTestTracker(t *testing.T) (*Tracker, *session.Manager, *request.MemoryStore, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC))

	manager := session.NewManager(session.NewMemoryStore(), session.ManagerConfig{Clock: mock})
	store := request.NewMemoryStore()
	recorder := request.NewRecorder(store, request.RecorderConfig{Clock: mock})
	tracker := NewTracker(manager, recorder, TrackerConfig{Clock: mock})
	return tracker, manager, store, mock
}

// newToolCallRequest builds a tools/call request the way the SDK delivers it.
func newToolCallRequest(t *testing.T, toolName string, args map[string]any) *mcp.ServerRequest[*mcp.CallToolParamsRaw] {
	t.Helper()
	var argsJSON json.RawMessage
	if args != nil {
		var err error
		argsJSON, err = json.Marshal(args)
		require.NoError(t, err)
	}
	return &mcp.ServerRequest[*mcp.CallToolParamsRaw]{
		Params: &mcp.CallToolParamsRaw{
			Name:      toolName,
			Arguments: argsJSON,
		},
	}
}

func connContext(name string) context.Context {
	return WithConnState(context.Background(), &ConnState{
		Client: session.ClientDescriptor{Name: name},
	})
}

func TestMiddleware_CreatesSessionLazily(t *testing.T) {
	tracker, manager, store, _ := newTestTracker(t)
	mw := tracker.Middleware()

	wrapped := mw(func(_ context.Context, _ string, _ mcp.Request) (mcp.Result, error) {
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "ok"}}}, nil
	})

	require.Empty(t, manager.ActiveSessions(), "no session before the first call")

	ctx := connContext("cli")
	_, err := wrapped(ctx, testMethodCall, newToolCallRequest(t, "query_runner", nil))
	require.NoError(t, err)

	actives := manager.ActiveSessions()
	require.Len(t, actives, 1)
	assert.Equal(t, "cli", actives[0].Client.Name)

	records, err := store.ListBySession(context.Background(), actives[0].ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "query_runner", records[0].Operation)
	assert.Equal(t, request.StatusSuccess, records[0].Status)
}

func TestMiddleware_ConcurrentFirstCallsOneSession(t *testing.T) {
	tracker, manager, store, _ := newTestTracker(t)
	mw := tracker.Middleware()

	wrapped := mw(func(_ context.Context, _ string, _ mcp.Request) (mcp.Result, error) {
		return &mcp.CallToolResult{}, nil
	})

	// One connection, many concurrent first calls.
	cs := &ConnState{Client: session.ClientDescriptor{Name: "cli"}}
	ctx := WithConnState(context.Background(), cs)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = wrapped(ctx, testMethodCall, newToolCallRequest(t, "query_runner", nil))
		}()
	}
	wg.Wait()

	actives := manager.ActiveSessions()
	require.Len(t, actives, 1, "concurrent first calls must resolve to a single session")

	records, err := store.ListBySession(context.Background(), actives[0].ID)
	require.NoError(t, err)
	assert.Len(t, records, 50, "every call must be attributed to that one session")
}

func TestMiddleware_ReusesSessionAcrossCalls(t *testing.T) {
	tracker, manager, _, _ := newTestTracker(t)
	mw := tracker.Middleware()

	wrapped := mw(func(_ context.Context, _ string, _ mcp.Request) (mcp.Result, error) {
		return &mcp.CallToolResult{}, nil
	})

	ctx := connContext("cli")
	for range 3 {
		_, err := wrapped(ctx, testMethodCall, newToolCallRequest(t, "query_runner", nil))
		require.NoError(t, err)
	}

	assert.Len(t, manager.ActiveSessions(), 1)
}

func TestMiddleware_SkipsNotifications(t *testing.T) {
	tracker, manager, store, _ := newTestTracker(t)
	mw := tracker.Middleware()

	called := false
	wrapped := mw(func(_ context.Context, _ string, _ mcp.Request) (mcp.Result, error) {
		called = true
		return nil, nil
	})

	_, err := wrapped(connContext("cli"), "notifications/initialized", nil)
	require.NoError(t, err)
	assert.True(t, called)
	assert.Empty(t, manager.ActiveSessions(), "notifications must not create sessions")

	stats, err := store.GlobalStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Count, "notifications must not be recorded")
}

func TestMiddleware_UnattributedWithoutConnection(t *testing.T) {
	tracker, manager, store, _ := newTestTracker(t)
	mw := tracker.Middleware()

	wrapped := mw(func(_ context.Context, _ string, _ mcp.Request) (mcp.Result, error) {
		return &mcp.ListToolsResult{}, nil
	})

	_, err := wrapped(context.Background(), "tools/list", nil)
	require.NoError(t, err)

	assert.Empty(t, manager.ActiveSessions())
	records, err := store.ListBySession(context.Background(), request.SessionIDUnknown)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "tools/list", records[0].Operation)
}

func TestMiddleware_HandlerErrorRecorded(t *testing.T) {
	tracker, manager, store, _ := newTestTracker(t)
	mw := tracker.Middleware()

	handlerErr := errors.New("tool exploded")
	wrapped := mw(func(_ context.Context, _ string, _ mcp.Request) (mcp.Result, error) {
		return nil, handlerErr
	})

	result, err := wrapped(connContext("cli"), testMethodCall, newToolCallRequest(t, "query_runner", nil))
	assert.ErrorIs(t, err, handlerErr, "the handler's error must pass through unchanged")
	assert.Nil(t, result)

	actives := manager.ActiveSessions()
	require.Len(t, actives, 1)
	records, lerr := store.ListBySession(context.Background(), actives[0].ID)
	require.NoError(t, lerr)
	require.Len(t, records, 1)
	assert.Equal(t, request.StatusError, records[0].Status)
	assert.Equal(t, "tool exploded", records[0].ErrorMessage)
}

func TestMiddleware_ToolResultErrorRecorded(t *testing.T) {
	tracker, manager, store, _ := newTestTracker(t)
	mw := tracker.Middleware()

	wrapped := mw(func(_ context.Context, _ string, _ mcp.Request) (mcp.Result, error) {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: "permission denied"}},
		}, nil
	})

	_, err := wrapped(connContext("cli"), testMethodCall, newToolCallRequest(t, "query_runner", nil))
	require.NoError(t, err)

	actives := manager.ActiveSessions()
	require.Len(t, actives, 1)
	records, err := store.ListBySession(context.Background(), actives[0].ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, request.StatusError, records[0].Status)
	assert.Equal(t, "permission denied", records[0].ErrorMessage)
}

func TestMiddleware_CancellationRecordedAsTimeout(t *testing.T) {
	tracker, manager, store, _ := newTestTracker(t)
	mw := tracker.Middleware()

	wrapped := mw(func(ctx context.Context, _ string, _ mcp.Request) (mcp.Result, error) {
		return nil, context.Canceled
	})

	_, err := wrapped(connContext("cli"), testMethodCall, newToolCallRequest(t, "query_runner", nil))
	assert.ErrorIs(t, err, context.Canceled)

	actives := manager.ActiveSessions()
	require.Len(t, actives, 1)
	records, lerr := store.ListBySession(context.Background(), actives[0].ID)
	require.NoError(t, lerr)
	require.Len(t, records, 1)
	assert.Equal(t, request.StatusTimeout, records[0].Status,
		"a cancelled call is a timeout record, never a dropped one")
}

func TestMiddleware_DurationFromClock(t *testing.T) {
	tracker, manager, store, mock := newTestTracker(t)
	mw := tracker.Middleware()

	wrapped := mw(func(_ context.Context, _ string, _ mcp.Request) (mcp.Result, error) {
		mock.Add(642 * time.Millisecond)
		return &mcp.CallToolResult{}, nil
	})

	_, err := wrapped(connContext("cli"), testMethodCall, newToolCallRequest(t, "query_runner", nil))
	require.NoError(t, err)

	actives := manager.ActiveSessions()
	require.Len(t, actives, 1)
	records, err := store.ListBySession(context.Background(), actives[0].ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(642), records[0].DurationMS)
}

func TestMiddleware_TouchesSessionAfterCall(t *testing.T) {
	tracker, manager, _, mock := newTestTracker(t)
	mw := tracker.Middleware()

	wrapped := mw(func(_ context.Context, _ string, _ mcp.Request) (mcp.Result, error) {
		mock.Add(time.Second)
		return &mcp.CallToolResult{}, nil
	})

	ctx := connContext("cli")
	_, err := wrapped(ctx, testMethodCall, newToolCallRequest(t, "query_runner", nil))
	require.NoError(t, err)

	actives := manager.ActiveSessions()
	require.Len(t, actives, 1)
	assert.Equal(t, time.Second, actives[0].LastActivityAt.Sub(actives[0].ConnectedAt))
}

func TestMiddleware_UsageReporting(t *testing.T) {
	tracker, manager, store, _ := newTestTracker(t)
	mw := tracker.Middleware()

	wrapped := mw(func(ctx context.Context, _ string, _ mcp.Request) (mcp.Result, error) {
		ReportUsage(ctx, 100, 40)
		ReportUsage(ctx, 20, 8)
		return &mcp.CallToolResult{}, nil
	})

	_, err := wrapped(connContext("cli"), testMethodCall, newToolCallRequest(t, "query_runner", nil))
	require.NoError(t, err)

	actives := manager.ActiveSessions()
	require.Len(t, actives, 1)
	records, err := store.ListBySession(context.Background(), actives[0].ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].Usage)
	assert.Equal(t, int64(120), records[0].Usage.InputTokens)
	assert.Equal(t, int64(48), records[0].Usage.OutputTokens)
}

func TestMiddleware_NonToolCallOperationName(t *testing.T) {
	tracker, _, store, _ := newTestTracker(t)
	mw := tracker.Middleware()

	wrapped := mw(func(_ context.Context, _ string, _ mcp.Request) (mcp.Result, error) {
		return &mcp.ListToolsResult{}, nil
	})

	_, err := wrapped(connContext("cli"), "tools/list", nil)
	require.NoError(t, err)

	stats, err := store.GlobalStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Count)
}

func TestReportUsage_OutsideInvocationIsNoop(t *testing.T) {
	ReportUsage(context.Background(), 10, 5)
}

func TestTracker_Disconnect(t *testing.T) {
	tracker, manager, _, _ := newTestTracker(t)

	sess := manager.Create(context.Background(), session.ClientDescriptor{Name: "cli"}, nil)
	cs := &ConnState{}
	cs.sessionID = sess.ID
	tracker.states.Store("transport-1", cs)

	tracker.Disconnect(context.Background(), "transport-1", session.ReasonExplicit)

	got, err := manager.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusDisconnected, got.Status)
	assert.Equal(t, session.ReasonExplicit, got.DisconnectReason)

	// Unknown ids are a no-op.
	tracker.Disconnect(context.Background(), "transport-unknown", session.ReasonExplicit)
}

func TestOperationName(t *testing.T) {
	req := newToolCallRequest(t, "query_runner", nil)
	assert.Equal(t, "query_runner", operationName(testMethodCall, req))
	assert.Equal(t, "tools/list", operationName("tools/list", req))
	assert.Equal(t, testMethodCall, operationName(testMethodCall, nil))
	assert.Equal(t, testMethodCall,
		operationName(testMethodCall, newToolCallRequest(t, "", nil)))
}

func TestClassifyOutcome(t *testing.T) {
	ctx := context.Background()

	status, msg := classifyOutcome(ctx, &mcp.CallToolResult{}, nil)
	assert.Equal(t, request.StatusSuccess, status)
	assert.Empty(t, msg)

	status, msg = classifyOutcome(ctx, nil, errors.New("boom"))
	assert.Equal(t, request.StatusError, status)
	assert.Equal(t, "boom", msg)

	status, _ = classifyOutcome(ctx, nil, context.DeadlineExceeded)
	assert.Equal(t, request.StatusTimeout, status)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	status, _ = classifyOutcome(cancelled, nil, errors.New("wrapped transport failure"))
	assert.Equal(t, request.StatusTimeout, status,
		"an error on a cancelled context classifies as timeout")

	status, msg = classifyOutcome(ctx, &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: "bad input"}},
	}, nil)
	assert.Equal(t, request.StatusError, status)
	assert.Equal(t, "bad input", msg)
}
