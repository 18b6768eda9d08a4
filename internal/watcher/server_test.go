package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	watchercdp "github.com/argus-tools/argus/internal/cdp"
	"github.com/argus-tools/argus/internal/common/config"
	"github.com/argus-tools/argus/internal/source"
	"github.com/argus-tools/argus/pkg/types"
)

func newTestWatcher(t *testing.T, mutate func(*config.Config)) *Watcher {
	t.Helper()
	t.Setenv("ARGUS_HOME", t.TempDir())
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	w, err := New(cfg, Options{
		ID:           "w-test",
		Source:       types.SourceExtension,
		ExtensionIn:  strings.NewReader(""),
		ExtensionOut: io.Discard,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { w.files.Close() })
	return w
}

func doRequest(w *Watcher, method, uri, body string) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(uri)
	if body != "" {
		req.SetBodyString(body)
	}
	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, nil, nil)
	w.ServeHTTP(ctx)
	return ctx
}

func decodeInto(t *testing.T, ctx *fasthttp.RequestCtx, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), v))
}

func errorCodeOf(t *testing.T, ctx *fasthttp.RequestCtx) string {
	t.Helper()
	var env types.Envelope
	decodeInto(t, ctx, &env)
	require.False(t, env.OK)
	require.NotNil(t, env.Error)
	return env.Error.Code
}

func TestHealthz(t *testing.T) {
	w := newTestWatcher(t, nil)
	ctx := doRequest(w, "GET", "/healthz", "")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var env types.Envelope
	decodeInto(t, ctx, &env)
	assert.True(t, env.OK)
}

func TestStatusDetached(t *testing.T) {
	w := newTestWatcher(t, nil)
	ctx := doRequest(w, "GET", "/status", "")

	var resp types.StatusResponse
	decodeInto(t, ctx, &resp)
	assert.True(t, resp.OK)
	assert.False(t, resp.Attached)
	assert.Nil(t, resp.Target)
	require.NotNil(t, resp.Record)
	assert.Equal(t, "w-test", resp.Record.ID)
	assert.Equal(t, 0, resp.Buffers.LogCount)
}

func TestLogsRoundTrip(t *testing.T) {
	w := newTestWatcher(t, nil)
	w.pipeline.AppendSystem(types.LevelInfo, "hello world")

	ctx := doRequest(w, "GET", "/logs?after=0", "")
	var resp types.LogsResponse
	decodeInto(t, ctx, &resp)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "hello world", resp.Events[0].Text)
	assert.Equal(t, types.LogSourceSystem, resp.Events[0].Source)
	assert.Greater(t, resp.Events[0].ID, int64(0))
	assert.Equal(t, resp.Events[0].ID, resp.NextAfter)

	ctx = doRequest(w, "GET", "/logs?after="+itoa(resp.NextAfter), "")
	var second types.LogsResponse
	decodeInto(t, ctx, &second)
	assert.Empty(t, second.Events)
	assert.Equal(t, resp.NextAfter, second.NextAfter)
}

func itoa(v int64) string {
	data, _ := json.Marshal(v)
	return string(data)
}

func TestLogsFilters(t *testing.T) {
	w := newTestWatcher(t, nil)
	w.pipeline.AppendSystem(types.LevelInfo, "plain message")
	w.pipeline.AppendSystem(types.LevelWarning, "Rate Limit hit")

	ctx := doRequest(w, "GET", "/logs?levels=warning", "")
	var resp types.LogsResponse
	decodeInto(t, ctx, &resp)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, types.LevelWarning, resp.Events[0].Level)

	// Case-sensitive by default: lowercase pattern misses "Rate Limit".
	ctx = doRequest(w, "GET", "/logs?match=rate+limit", "")
	decodeInto(t, ctx, &resp)
	assert.Empty(t, resp.Events)

	ctx = doRequest(w, "GET", "/logs?match=rate+limit&matchCase=insensitive", "")
	decodeInto(t, ctx, &resp)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "Rate Limit hit", resp.Events[0].Text)
}

func TestLogsInvalidMatch(t *testing.T) {
	w := newTestWatcher(t, nil)

	ctx := doRequest(w, "GET", "/logs?match=%5B", "") // bare "["
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
	assert.Equal(t, types.CodeInvalidMatch, errorCodeOf(t, ctx))

	ctx = doRequest(w, "GET", "/logs?matchCase=bogus", "")
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
	assert.Equal(t, types.CodeInvalidMatchCase, errorCodeOf(t, ctx))
}

func TestTailTimesOut(t *testing.T) {
	w := newTestWatcher(t, nil)
	w.pipeline.AppendSystem(types.LevelInfo, "existing")

	_, nextID, _ := w.logs.Stats()
	after := nextID - 1

	start := time.Now()
	ctx := doRequest(w, "GET", "/tail?after="+itoa(after)+"&timeoutMs=1000", "")
	elapsed := time.Since(start)

	var resp types.LogsResponse
	decodeInto(t, ctx, &resp)
	assert.Empty(t, resp.Events)
	assert.True(t, resp.TimedOut)
	assert.Equal(t, after, resp.NextAfter)
	assert.GreaterOrEqual(t, elapsed, 900*time.Millisecond)
}

func TestTailWakesOnAppend(t *testing.T) {
	w := newTestWatcher(t, nil)
	go func() {
		time.Sleep(100 * time.Millisecond)
		w.pipeline.AppendSystem(types.LevelInfo, "late arrival")
	}()

	start := time.Now()
	ctx := doRequest(w, "GET", "/tail?after=0&timeoutMs=10000", "")
	elapsed := time.Since(start)

	var resp types.LogsResponse
	decodeInto(t, ctx, &resp)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "late arrival", resp.Events[0].Text)
	assert.False(t, resp.TimedOut)
	assert.Less(t, elapsed, 5*time.Second)
}

func TestNetDisabled(t *testing.T) {
	w := newTestWatcher(t, func(cfg *config.Config) {
		cfg.Watcher.CaptureNetwork = false
	})
	ctx := doRequest(w, "GET", "/net", "")
	assert.Equal(t, fasthttp.StatusConflict, ctx.Response.StatusCode())
	assert.Equal(t, types.CodeNetDisabled, errorCodeOf(t, ctx))

	ctx = doRequest(w, "GET", "/net/tail", "")
	assert.Equal(t, types.CodeNetDisabled, errorCodeOf(t, ctx))
}

func TestNetSnapshotFilter(t *testing.T) {
	w := newTestWatcher(t, nil)
	w.netBuf.Add(&types.NetworkRequestSummary{URL: "https://api.example.test/v1/users", Method: "GET"})
	w.netBuf.Add(&types.NetworkRequestSummary{URL: "https://cdn.example.test/app.js", Method: "GET"})

	ctx := doRequest(w, "GET", "/net?url=api.example", "")
	var resp types.NetResponse
	decodeInto(t, ctx, &resp)
	require.Len(t, resp.Requests, 1)
	assert.Contains(t, resp.Requests[0].URL, "/v1/users")
}

func TestEvalRequiresAttachment(t *testing.T) {
	w := newTestWatcher(t, nil)
	ctx := doRequest(w, "POST", "/eval", `{"expression":"1+1"}`)
	assert.Equal(t, fasthttp.StatusConflict, ctx.Response.StatusCode())
	assert.Equal(t, types.CodeCDPNotAttached, errorCodeOf(t, ctx))
}

func TestEvalRejectsEmptyExpression(t *testing.T) {
	w := newTestWatcher(t, nil)
	ctx := doRequest(w, "POST", "/eval", `{"expression":"  "}`)
	assert.Equal(t, types.CodeInvalidBody, errorCodeOf(t, ctx))
}

// fakeAdapter stands in for a source whose session is already attached,
// answering commands from canned JSON results.
type fakeAdapter struct {
	responses map[string]string
}

func (a *fakeAdapter) Session() source.Session                                     { return (*fakeAttachedSession)(a) }
func (a *fakeAdapter) ListTargets(ctx context.Context) ([]types.TargetInfo, error) { return nil, nil }
func (a *fakeAdapter) AttachTarget(ctx context.Context, targetID string) error     { return nil }
func (a *fakeAdapter) DetachTarget(ctx context.Context) error                      { return nil }
func (a *fakeAdapter) Run(ctx context.Context)                                     {}
func (a *fakeAdapter) Stop()                                                       {}

type fakeAttachedSession fakeAdapter

func (s *fakeAttachedSession) Execute(ctx context.Context, method string, params, res any) error {
	raw, ok := s.responses[method]
	if !ok {
		return fmt.Errorf("unexpected command %s", method)
	}
	if res == nil || raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), res)
}

func (s *fakeAttachedSession) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	raw, ok := s.responses[method]
	if !ok {
		return nil, fmt.Errorf("unexpected command %s", method)
	}
	return json.RawMessage(raw), nil
}

func (s *fakeAttachedSession) OnEvent(method string, fn watchercdp.EventHandler) func() {
	return func() {}
}
func (s *fakeAttachedSession) Attached() bool           { return true }
func (s *fakeAttachedSession) Target() types.TargetInfo { return types.TargetInfo{ID: "t1"} }

func TestEvalReturnsValue(t *testing.T) {
	w := newTestWatcher(t, nil)
	w.adapter = &fakeAdapter{responses: map[string]string{
		"Runtime.evaluate": `{"result":{"type":"number","value":2}}`,
	}}

	ctx := doRequest(w, "POST", "/eval", `{"expression":"1+1"}`)
	var resp types.EvalResponse
	decodeInto(t, ctx, &resp)
	assert.True(t, resp.OK)
	assert.Equal(t, "2", string(resp.Result))
	assert.Nil(t, resp.Exception)
}

func TestEvalExceptionNullsResult(t *testing.T) {
	w := newTestWatcher(t, nil)
	w.adapter = &fakeAdapter{responses: map[string]string{
		"Runtime.evaluate": `{
			"result": {"type":"object","subtype":"error","description":"Error: boom"},
			"exceptionDetails": {"exceptionId":1,"text":"Uncaught","exception":{"type":"object","subtype":"error","description":"Error: boom"}}
		}`,
	}}

	ctx := doRequest(w, "POST", "/eval", `{"expression":"throw new Error(\"boom\")"}`)
	var resp types.EvalResponse
	decodeInto(t, ctx, &resp)
	assert.True(t, resp.OK)
	assert.Equal(t, "null", string(resp.Result), "a throwing evaluation produces no result")
	require.NotNil(t, resp.Exception)
	assert.Contains(t, resp.Exception.Text, "boom")
}

func TestKeydownRequiresKey(t *testing.T) {
	w := newTestWatcher(t, nil)
	ctx := doRequest(w, "POST", "/dom/keydown", `{}`)
	assert.Equal(t, types.CodeInvalidBody, errorCodeOf(t, ctx))
}

func TestEmulationStatusWhileDetached(t *testing.T) {
	w := newTestWatcher(t, nil)
	ctx := doRequest(w, "POST", "/emulation", `{"op":"status"}`)

	var resp types.EmulationResponse
	decodeInto(t, ctx, &resp)
	assert.True(t, resp.OK)
	assert.False(t, resp.Attached)
	assert.False(t, resp.Applied)
}

func TestThrottleUnknownOp(t *testing.T) {
	w := newTestWatcher(t, nil)
	ctx := doRequest(w, "POST", "/throttle", `{"op":"boost"}`)
	assert.Equal(t, types.CodeInvalidBody, errorCodeOf(t, ctx))
}

func TestTraceStopWithoutStart(t *testing.T) {
	w := newTestWatcher(t, nil)
	ctx := doRequest(w, "POST", "/trace/stop", "")
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
	assert.Equal(t, types.CodeNotFound, errorCodeOf(t, ctx))
}

func TestUnknownRoute(t *testing.T) {
	w := newTestWatcher(t, nil)
	ctx := doRequest(w, "GET", "/nope", "")
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
	assert.Equal(t, types.CodeNotFound, errorCodeOf(t, ctx))
}

func TestInvalidJSONBody(t *testing.T) {
	w := newTestWatcher(t, nil)
	ctx := doRequest(w, "POST", "/eval", `{"expression":`)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
	assert.Equal(t, types.CodeInvalidBody, errorCodeOf(t, ctx))
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[string]int{
		types.CodeInvalidBody:    fasthttp.StatusBadRequest,
		types.CodeInvalidMatch:   fasthttp.StatusBadRequest,
		types.CodeOriginMismatch: fasthttp.StatusBadRequest,
		types.CodeNotFound:       fasthttp.StatusNotFound,
		types.CodeNoMatch:        fasthttp.StatusNotFound,
		types.CodeCDPNotAttached: fasthttp.StatusConflict,
		types.CodeNetDisabled:    fasthttp.StatusConflict,
		types.CodeCDPTimeout:     fasthttp.StatusGatewayTimeout,
		types.CodeCDPClosed:      fasthttp.StatusBadGateway,
		types.CodeOperatorError:  fasthttp.StatusBadGateway,
	}
	for code, want := range cases {
		assert.Equal(t, want, httpStatusFor(code), code)
	}
}

func TestParseTailTimeoutClamps(t *testing.T) {
	args := &fasthttp.Args{}
	assert.Equal(t, tailTimeoutDefault, parseTailTimeout(args))

	args.Set("timeoutMs", "50")
	assert.Equal(t, tailTimeoutMin, parseTailTimeout(args))

	args.Set("timeoutMs", "600000")
	assert.Equal(t, tailTimeoutMax, parseTailTimeout(args))

	args.Set("timeoutMs", "2500")
	assert.Equal(t, 2500*time.Millisecond, parseTailTimeout(args))
}

func TestShutdownIdempotent(t *testing.T) {
	w := newTestWatcher(t, nil)
	w.Shutdown(context.Background())
	w.Shutdown(context.Background())

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("Done did not close after Shutdown")
	}
}

func TestDefaultIDStable(t *testing.T) {
	first := DefaultID()
	second := DefaultID()
	assert.Equal(t, first, second)
	assert.True(t, strings.HasPrefix(first, "w-"))
}
