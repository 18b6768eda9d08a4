package trace

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/chromedp/cdproto/tracing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	watchercdp "github.com/argus-tools/argus/internal/cdp"
	"github.com/argus-tools/argus/pkg/types"
)

// fakeSession accepts Tracing.start/end and lets tests emit events.
type fakeSession struct {
	mu       sync.Mutex
	handlers map[string][]watchercdp.EventHandler
	started  bool
	// endEmitsComplete fires tracingComplete synchronously from End.
	endEmitsComplete bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{handlers: map[string][]watchercdp.EventHandler{}, endEmitsComplete: true}
}

func (f *fakeSession) OnEvent(method string, fn watchercdp.EventHandler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = append(f.handlers[method], fn)
	return func() {}
}

func (f *fakeSession) emit(method, params string) {
	f.mu.Lock()
	handlers := append([]watchercdp.EventHandler{}, f.handlers[method]...)
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(json.RawMessage(params))
	}
}

func (f *fakeSession) Execute(ctx context.Context, method string, params, res any) error {
	switch method {
	case "Tracing.start":
		f.mu.Lock()
		f.started = true
		f.mu.Unlock()
		return nil
	case "Tracing.end":
		if f.endEmitsComplete {
			f.emit("Tracing.tracingComplete", `{}`)
		}
		return nil
	default:
		return fmt.Errorf("unexpected command %s", method)
	}
}

func TestRecorderStartStop(t *testing.T) {
	t.Setenv("ARGUS_HOME", t.TempDir())
	sess := newFakeSession()
	r := NewRecorder(sess, zap.NewNop())

	info, err := r.Start(context.Background(), StartOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, info.TraceID)
	assert.True(t, strings.HasSuffix(info.Path, ".json"))
	require.NotNil(t, r.Active())

	sess.emit("Tracing.dataCollected", `{"value":[{"name":"a","ph":"X"},{"name":"b","ph":"X"}]}`)
	sess.emit("Tracing.dataCollected", `{"value":[{"name":"c","ph":"X"}]}`)

	done, err := r.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, done.Events)
	assert.Nil(t, r.Active())

	data, err := os.ReadFile(done.Path)
	require.NoError(t, err)
	var events []map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &events), "file must be a valid JSON array: %s", data)
	require.Len(t, events, 3)
	assert.Equal(t, "a", events[0]["name"])
	assert.Equal(t, "c", events[2]["name"])
}

func TestRecorderCompressed(t *testing.T) {
	t.Setenv("ARGUS_HOME", t.TempDir())
	sess := newFakeSession()
	r := NewRecorder(sess, zap.NewNop())

	info, err := r.Start(context.Background(), StartOptions{Compress: true})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(info.Path, ".json.gz"))

	sess.emit("Tracing.dataCollected", `{"value":[{"name":"z"}]}`)
	done, err := r.Stop(context.Background())
	require.NoError(t, err)

	file, err := os.Open(done.Path)
	require.NoError(t, err)
	defer file.Close()
	zr, err := gzip.NewReader(file)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	var events []map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &events))
	require.Len(t, events, 1)
}

func TestRecorderSingleFlight(t *testing.T) {
	t.Setenv("ARGUS_HOME", t.TempDir())
	sess := newFakeSession()
	r := NewRecorder(sess, zap.NewNop())

	_, err := r.Start(context.Background(), StartOptions{})
	require.NoError(t, err)

	_, err = r.Start(context.Background(), StartOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	_, err = r.Stop(context.Background())
	require.NoError(t, err)

	// A new trace may start after the previous one stops.
	_, err = r.Start(context.Background(), StartOptions{})
	require.NoError(t, err)
}

func TestTraceOptionsMapping(t *testing.T) {
	cfg, err := traceConfig([]string{"v8"}, "record-continuously, enable-sampling")
	require.NoError(t, err)
	assert.Equal(t, tracing.RecordModeRecordContinuously, cfg.RecordMode)
	assert.True(t, cfg.EnableSampling)
	assert.Equal(t, []string{"v8"}, cfg.IncludedCategories)

	cfg, err = traceConfig(nil, "")
	require.NoError(t, err)
	assert.Equal(t, tracing.RecordModeRecordUntilFull, cfg.RecordMode)

	cfg, err = traceConfig(nil, "trace-to-console,enable-systrace,enable-argument-filter")
	require.NoError(t, err)
	assert.Equal(t, tracing.RecordModeEchoToConsole, cfg.RecordMode)
	assert.True(t, cfg.EnableSystrace)
	assert.True(t, cfg.EnableArgumentFilter)

	_, err = traceConfig(nil, "turbo-mode")
	require.Error(t, err)
	assert.Equal(t, types.CodeInvalidBody, types.ErrorCode(err))
}

func TestRecorderStartRejectsUnknownOption(t *testing.T) {
	t.Setenv("ARGUS_HOME", t.TempDir())
	sess := newFakeSession()
	r := NewRecorder(sess, zap.NewNop())

	_, err := r.Start(context.Background(), StartOptions{Options: "bogus"})
	require.Error(t, err)
	assert.Equal(t, types.CodeInvalidBody, types.ErrorCode(err))
	assert.Nil(t, r.Active())
}

func TestRecorderStopWithoutStart(t *testing.T) {
	sess := newFakeSession()
	r := NewRecorder(sess, zap.NewNop())
	_, err := r.Stop(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.CodeNotFound, types.ErrorCode(err))
}

func TestRecorderAbortOnDetach(t *testing.T) {
	t.Setenv("ARGUS_HOME", t.TempDir())
	sess := newFakeSession()
	r := NewRecorder(sess, zap.NewNop())

	_, err := r.Start(context.Background(), StartOptions{})
	require.NoError(t, err)
	sess.emit("Tracing.dataCollected", `{"value":[{"name":"partial"}]}`)

	info := r.Abort("connection closed")
	require.NotNil(t, info)
	assert.Equal(t, 1, info.Events)
	assert.Nil(t, r.Active())

	// The partial file is still a readable JSON array.
	data, err := os.ReadFile(info.Path)
	require.NoError(t, err)
	var events []map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &events))
	require.Len(t, events, 1)

	assert.Nil(t, r.Abort("twice"), "abort with no active trace is a no-op")
}

func TestRecorderEventsAfterFinishDropped(t *testing.T) {
	t.Setenv("ARGUS_HOME", t.TempDir())
	sess := newFakeSession()
	r := NewRecorder(sess, zap.NewNop())

	_, err := r.Start(context.Background(), StartOptions{})
	require.NoError(t, err)
	done, err := r.Stop(context.Background())
	require.NoError(t, err)

	// The fake keeps handlers subscribed; late events must not corrupt
	// the closed file.
	sess.emit("Tracing.dataCollected", `{"value":[{"name":"late"}]}`)
	data, err := os.ReadFile(done.Path)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}
