// Package trace records Chrome tracing sessions to disk. Events stream
// in via Tracing.dataCollected and land in a JSON array file (optionally
// gzip-compressed) under the traces artifact directory.
package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	cdppkg "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/tracing"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	watchercdp "github.com/argus-tools/argus/internal/cdp"
	"github.com/argus-tools/argus/internal/common/argushome"
	"github.com/argus-tools/argus/pkg/types"
)

// defaultCategories is a useful general-purpose set when the caller
// names none.
var defaultCategories = []string{
	"devtools.timeline",
	"disabled-by-default-devtools.timeline",
	"blink.user_timing",
	"v8.execute",
}

const completeTimeout = 30 * time.Second

// Session is the protocol surface the recorder needs.
type Session interface {
	cdppkg.Executor
	OnEvent(method string, fn watchercdp.EventHandler) func()
}

// StartOptions configure one recording.
type StartOptions struct {
	Categories []string
	Options    string
	Compress   bool
}

// Info describes a finished or running recording.
type Info struct {
	TraceID string
	Path    string
	Events  int
}

// Recorder runs at most one tracing session at a time.
type Recorder struct {
	sess   Session
	logger *zap.Logger

	mu     sync.Mutex
	active *recording
}

type recording struct {
	id   string
	path string

	mu       sync.Mutex
	file     *os.File
	sink     writeFlushCloser
	events   int
	closed   bool
	complete chan struct{}

	unsubData     func()
	unsubComplete func()
}

type writeFlushCloser interface {
	Write(p []byte) (int, error)
	Close() error
}

func NewRecorder(sess Session, logger *zap.Logger) *Recorder {
	return &Recorder{sess: sess, logger: logger}
}

// Start begins a recording and returns its id and destination path.
func (r *Recorder) Start(ctx context.Context, opts StartOptions) (*Info, error) {
	r.mu.Lock()
	if r.active != nil {
		id := r.active.id
		r.mu.Unlock()
		return nil, types.NewAPIError(types.CodeOperatorError,
			fmt.Sprintf("trace %s is already running", id))
	}
	r.mu.Unlock()

	categories := opts.Categories
	if len(categories) == 0 {
		categories = defaultCategories
	}
	cfg, err := traceConfig(categories, opts.Options)
	if err != nil {
		return nil, err
	}

	dir, err := argushome.TracesDir()
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	name := "trace-" + id + ".json"
	if opts.Compress {
		name += ".gz"
	}
	path := filepath.Join(dir, name)

	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	rec := &recording{
		id:       id,
		path:     path,
		file:     file,
		complete: make(chan struct{}),
	}
	if opts.Compress {
		rec.sink = gzip.NewWriter(file)
	} else {
		rec.sink = file
	}
	if _, err := rec.sink.Write([]byte("[")); err != nil {
		rec.discard()
		return nil, err
	}

	rec.unsubData = r.sess.OnEvent("Tracing.dataCollected", rec.onData)
	rec.unsubComplete = r.sess.OnEvent("Tracing.tracingComplete", func(json.RawMessage) {
		rec.finish()
	})

	start := tracing.Start().
		WithTransferMode(tracing.TransferModeReportEvents).
		WithTraceConfig(cfg)
	if err := start.Do(cdppkg.WithExecutor(ctx, r.sess)); err != nil {
		rec.unsubscribe()
		rec.discard()
		return nil, err
	}

	r.mu.Lock()
	r.active = rec
	r.mu.Unlock()
	r.logger.Info("Trace started",
		zap.String("trace_id", id),
		zap.String("path", path),
		zap.String("categories", strings.Join(categories, ",")))
	return &Info{TraceID: id, Path: path}, nil
}

// Stop ends the active recording and waits for Chrome to flush the
// buffered events.
func (r *Recorder) Stop(ctx context.Context) (*Info, error) {
	r.mu.Lock()
	rec := r.active
	r.mu.Unlock()
	if rec == nil {
		return nil, types.NewAPIError(types.CodeNotFound, "no trace is running")
	}

	if err := tracing.End().Do(cdppkg.WithExecutor(ctx, r.sess)); err != nil {
		// End can fail when the target died mid-trace; salvage what we have.
		r.logger.Warn("Tracing.end failed; finalizing partial trace", zap.Error(err))
		rec.finish()
	}

	select {
	case <-rec.complete:
	case <-time.After(completeTimeout):
		r.logger.Warn("Timed out waiting for tracingComplete; finalizing partial trace",
			zap.String("trace_id", rec.id))
		rec.finish()
		<-rec.complete
	case <-ctx.Done():
		rec.finish()
		<-rec.complete
	}

	r.mu.Lock()
	r.active = nil
	r.mu.Unlock()

	rec.mu.Lock()
	events := rec.events
	rec.mu.Unlock()
	r.logger.Info("Trace stopped",
		zap.String("trace_id", rec.id),
		zap.Int("events", events))
	return &Info{TraceID: rec.id, Path: rec.path, Events: events}, nil
}

// Abort finalizes the active recording without an End command; used when
// the session detaches mid-trace.
func (r *Recorder) Abort(reason string) *Info {
	r.mu.Lock()
	rec := r.active
	r.active = nil
	r.mu.Unlock()
	if rec == nil {
		return nil
	}
	r.logger.Warn("Trace aborted",
		zap.String("trace_id", rec.id),
		zap.String("reason", reason))
	rec.finish()
	<-rec.complete

	rec.mu.Lock()
	events := rec.events
	rec.mu.Unlock()
	return &Info{TraceID: rec.id, Path: rec.path, Events: events}
}

// Active reports the running recording, if any.
func (r *Recorder) Active() *Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil
	}
	r.active.mu.Lock()
	events := r.active.events
	r.active.mu.Unlock()
	return &Info{TraceID: r.active.id, Path: r.active.path, Events: events}
}

// traceConfig translates the legacy comma-separated options string
// ("record-continuously,enable-sampling") into the structured config the
// protocol accepts.
func traceConfig(categories []string, options string) (*tracing.TraceConfig, error) {
	cfg := &tracing.TraceConfig{
		RecordMode:         tracing.RecordModeRecordUntilFull,
		IncludedCategories: categories,
	}
	for _, opt := range strings.Split(options, ",") {
		switch strings.TrimSpace(opt) {
		case "":
		case "record-until-full":
			cfg.RecordMode = tracing.RecordModeRecordUntilFull
		case "record-continuously":
			cfg.RecordMode = tracing.RecordModeRecordContinuously
		case "record-as-much-as-possible":
			cfg.RecordMode = tracing.RecordModeRecordAsMuchAsPossible
		case "trace-to-console":
			cfg.RecordMode = tracing.RecordModeEchoToConsole
		case "enable-sampling":
			cfg.EnableSampling = true
		case "enable-systrace":
			cfg.EnableSystrace = true
		case "enable-argument-filter":
			cfg.EnableArgumentFilter = true
		default:
			return nil, types.NewAPIError(types.CodeInvalidBody,
				fmt.Sprintf("unknown trace option %q", strings.TrimSpace(opt)))
		}
	}
	return cfg, nil
}

func (rec *recording) onData(params json.RawMessage) {
	var ev tracing.EventDataCollected
	if err := json.Unmarshal(params, &ev); err != nil {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.closed {
		return
	}
	for _, raw := range ev.Value {
		data, err := raw.MarshalJSON()
		if err != nil {
			continue
		}
		if rec.events > 0 {
			if _, err := rec.sink.Write([]byte(",")); err != nil {
				return
			}
		}
		if _, err := rec.sink.Write(data); err != nil {
			return
		}
		rec.events++
	}
}

// finish closes the JSON array and the file. Idempotent.
func (rec *recording) finish() {
	rec.mu.Lock()
	if rec.closed {
		rec.mu.Unlock()
		return
	}
	rec.closed = true
	rec.sink.Write([]byte("]"))
	rec.sink.Close()
	if rec.sink != writeFlushCloser(rec.file) {
		rec.file.Close()
	}
	rec.mu.Unlock()

	rec.unsubscribe()
	close(rec.complete)
}

// discard removes a recording that never started.
func (rec *recording) discard() {
	rec.sink.Close()
	if rec.sink != writeFlushCloser(rec.file) {
		rec.file.Close()
	}
	os.Remove(rec.path)
}

func (rec *recording) unsubscribe() {
	if rec.unsubData != nil {
		rec.unsubData()
	}
	if rec.unsubComplete != nil {
		rec.unsubComplete()
	}
}
