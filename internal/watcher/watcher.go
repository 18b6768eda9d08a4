// Package watcher wires the capture pipeline, the page source adapter,
// the operator HTTP API, and the shared registry into one long-running
// process. One watcher observes one page.
package watcher

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	cdppkg "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/argus-tools/argus/internal/buffer"
	"github.com/argus-tools/argus/internal/capture"
	"github.com/argus-tools/argus/internal/common/argushome"
	"github.com/argus-tools/argus/internal/common/config"
	"github.com/argus-tools/argus/internal/emulation"
	"github.com/argus-tools/argus/internal/registry"
	"github.com/argus-tools/argus/internal/source"
	"github.com/argus-tools/argus/internal/trace"
	"github.com/argus-tools/argus/internal/watcher/metrics"
	"github.com/argus-tools/argus/pkg/types"
)

// Options identify one watcher and its page source.
type Options struct {
	// ID names the watcher in the registry. Empty derives a stable id
	// from the working directory.
	ID   string
	Host string
	Port int

	Source types.Source
	Chrome types.ChromeAddr
	Match  *types.TargetMatch

	// BootScripts are installed on every new document after each attach,
	// ahead of any scripts added at runtime.
	BootScripts []string

	// ExtensionIn/Out carry Native Messaging frames when Source is
	// "extension"; normally os.Stdin and os.Stdout.
	ExtensionIn  io.Reader
	ExtensionOut io.Writer
}

// DefaultID derives a watcher id from the working directory, so the
// same project dir reuses the same id across restarts.
func DefaultID() string {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "unknown"
	}
	return fmt.Sprintf("w-%x", xxhash.Sum64String(cwd))
}

// Watcher is the long-running observer process.
type Watcher struct {
	cfg     *config.Config
	opts    Options
	logger  *zap.Logger
	metrics *metrics.MetricsCollector

	logs     *buffer.LogBuffer
	netBuf   *buffer.NetBuffer
	pipeline *capture.Pipeline
	adapter  source.Adapter
	emu      *emulation.Controller
	throttle *emulation.Throttle
	recorder *trace.Recorder
	store    *registry.Store
	proc     *process.Process
	files    *fileLog

	mu          sync.Mutex
	record      types.WatcherRecord
	listener    net.Listener
	server      *fasthttp.Server
	heartbeater *registry.Heartbeater
	bootScripts []string

	unsubCapture func()
	shutdownOnce sync.Once
	done         chan struct{}
}

// New assembles a watcher. Start runs it.
func New(cfg *config.Config, opts Options, logger *zap.Logger) (*Watcher, error) {
	if opts.ID == "" {
		opts.ID = DefaultID()
	}
	if opts.Source == "" {
		opts.Source = types.SourceCDP
	}

	ignore, err := compilePatterns(cfg.Watcher.IgnoreFramePatterns)
	if err != nil {
		return nil, fmt.Errorf("watcher.ignore_frame_patterns: %w", err)
	}
	redact, err := compilePatterns(cfg.Watcher.RedactPatterns)
	if err != nil {
		return nil, fmt.Errorf("watcher.redact_patterns: %w", err)
	}

	registryPath, err := argushome.RegistryPath()
	if err != nil {
		return nil, err
	}

	cwd, _ := os.Getwd()
	w := &Watcher{
		cfg:     cfg,
		opts:    opts,
		logger:  logger,
		metrics: metrics.NewMetricsCollector(cfg.Metrics.Namespace, logger),
		logs:    buffer.NewLogBuffer(cfg.Watcher.LogBufferSize),
		netBuf:  buffer.NewNetBuffer(cfg.Watcher.NetBufferSize),
		store:   registry.New(registryPath, logger),
		files:   newFileLog(opts.ID, logger),
		done:    make(chan struct{}),
	}
	w.bootScripts = append(w.bootScripts, opts.BootScripts...)
	w.record = types.WatcherRecord{
		ID:        opts.ID,
		Host:      opts.Host,
		PID:       os.Getpid(),
		Cwd:       cwd,
		StartedAt: time.Now().UnixMilli(),
		Match:     opts.Match,
		Source:    opts.Source,
	}

	w.pipeline = capture.NewPipeline(capture.Config{
		IgnoreFrames:      ignore,
		StripPrefixes:     cfg.Watcher.StripURLPrefixes,
		Redact:            redact,
		CaptureNetwork:    cfg.Watcher.CaptureNetwork,
		ResolveSourcemaps: cfg.Watcher.ResolveSourcemaps,
	}, w.logs, w.netBuf, logger)
	w.pipeline.SetSink(func(ev *types.LogEvent) {
		w.metrics.RecordLogEvent(string(ev.Level))
		w.files.Append(ev)
	})

	hooks := source.Hooks{
		OnAttach:         w.onAttach,
		OnDetach:         w.onDetach,
		OnPageNavigation: w.onPageNavigation,
		OnPageLoad:       w.onPageLoad,
		OnPageIntl:       w.onPageIntl,
	}
	switch opts.Source {
	case types.SourceCDP:
		chrome := opts.Chrome
		w.record.Chrome = &chrome
		adapter := source.NewCDPAdapter(source.CDPOptions{
			Chrome:      chrome,
			Match:       opts.Match,
			CallTimeout: cfg.Watcher.CDPTimeout,
		}, hooks, logger)
		adapter.CDPSession().SetMetrics(w.metrics)
		w.adapter = adapter
	case types.SourceExtension:
		in := opts.ExtensionIn
		out := opts.ExtensionOut
		if in == nil {
			in = os.Stdin
		}
		if out == nil {
			out = os.Stdout
		}
		w.adapter = source.NewExtensionAdapter(in, out, hooks, logger)
	default:
		return nil, fmt.Errorf("unknown source %q", opts.Source)
	}

	sess := w.adapter.Session()
	w.emu = emulation.NewController(sess, logger)
	w.throttle = emulation.NewThrottle(sess, logger)
	w.recorder = trace.NewRecorder(sess, logger)
	w.unsubCapture = w.pipeline.Subscribe(sess)

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		w.proc = proc
	}
	return w, nil
}

// Start binds the API, announces the watcher in the registry, begins
// heartbeating, and runs the source adapter. It returns once the
// watcher is announced; Done reports termination.
func (w *Watcher) Start(ctx context.Context) error {
	ready := make(chan int, 1)
	serveErr := make(chan error, 1)
	go func() {
		err := w.Serve(w.opts.Host, w.opts.Port, ready)
		serveErr <- err
		w.Shutdown(context.Background())
	}()

	select {
	case _, ok := <-ready:
		if !ok {
			return <-serveErr
		}
	case err := <-serveErr:
		return err
	case <-ctx.Done():
		w.Shutdown(context.Background())
		return ctx.Err()
	}

	w.mu.Lock()
	rec := w.record
	w.mu.Unlock()
	if err := w.store.Announce(&rec, registry.DefaultProbe); err != nil {
		w.Shutdown(context.Background())
		return err
	}
	w.mu.Lock()
	w.record = rec
	w.heartbeater = registry.NewHeartbeater(w.store, &w.record, w.cfg.Watcher.HeartbeatInterval, w.logger)
	w.heartbeater.Start()
	w.mu.Unlock()

	go func() {
		w.adapter.Run(ctx)
		w.Shutdown(context.Background())
	}()

	w.logger.Info("Watcher started",
		zap.String("id", rec.ID),
		zap.String("url", rec.URL()),
		zap.String("source", string(rec.Source)))
	return nil
}

// Done closes when the watcher has shut down.
func (w *Watcher) Done() <-chan struct{} { return w.done }

// Shutdown stops everything in dependency order: heartbeat first so the
// registry goes quiet, then the API, the source, the file log, and
// finally the registry record. Idempotent.
func (w *Watcher) Shutdown(ctx context.Context) {
	w.shutdownOnce.Do(func() {
		w.logger.Info("Watcher shutting down", zap.String("id", w.opts.ID))

		w.mu.Lock()
		hb := w.heartbeater
		server := w.server
		w.mu.Unlock()
		if hb != nil {
			hb.Stop()
		}
		if server != nil {
			server.ShutdownWithContext(ctx)
		}
		if info := w.recorder.Abort("watcher shutdown"); info != nil {
			w.logger.Info("Aborted trace on shutdown", zap.String("trace_id", info.TraceID))
		}
		if w.unsubCapture != nil {
			w.unsubCapture()
		}
		w.adapter.Stop()
		w.files.Close()
		if err := w.store.Remove(w.opts.ID); err != nil {
			w.logger.Warn("Registry remove failed", zap.Error(err))
		}
		close(w.done)
	})
}

// onAttach replays persistent state onto the fresh session: network
// capture, emulation and throttle overrides, and boot scripts added via
// the API survive reconnects this way.
func (w *Watcher) onAttach(target types.TargetInfo) {
	w.pipeline.SetPage(target.URL, target.Title)
	w.pipeline.AppendSystem(types.LevelInfo,
		fmt.Sprintf("attached to %s", target.URL))

	sess := w.adapter.Session()
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Watcher.CDPTimeout)
	defer cancel()
	ectx := cdppkg.WithExecutor(ctx, sess)

	if w.cfg.Watcher.CaptureNetwork {
		if err := network.Enable().Do(ectx); err != nil {
			w.logger.Warn("Network.enable failed", zap.Error(err))
		}
	}
	w.emu.OnAttach(ctx)
	w.throttle.OnAttach(ctx)

	w.mu.Lock()
	scripts := append([]string{}, w.bootScripts...)
	w.mu.Unlock()
	for _, src := range scripts {
		if _, err := page.AddScriptToEvaluateOnNewDocument(src).Do(ectx); err != nil {
			w.logger.Warn("Boot script re-install failed", zap.Error(err))
		}
	}

	w.mu.Lock()
	w.record.Match = sessionMatch(w.adapter, w.opts.Match)
	w.mu.Unlock()
}

func (w *Watcher) onDetach(reason string) {
	w.pipeline.AppendSystem(types.LevelWarning,
		fmt.Sprintf("detached: %s", reason))
	w.pipeline.ResetInflight()
	if info := w.recorder.Abort(reason); info != nil {
		w.pipeline.AppendSystem(types.LevelWarning,
			fmt.Sprintf("trace %s aborted (%d events salvaged)", info.TraceID, info.Events))
	}
}

func (w *Watcher) onPageNavigation(url string) {
	w.pipeline.SetPage(url, "")
	w.pipeline.AppendSystem(types.LevelInfo, fmt.Sprintf("navigated to %s", url))
	w.files.Rotate()
}

func (w *Watcher) onPageLoad() {
	w.pipeline.AppendSystem(types.LevelInfo, "page load event fired")
}

func (w *Watcher) onPageIntl(language, timezone string) {
	if language == "" && timezone == "" {
		return
	}
	w.pipeline.AppendSystem(types.LevelDebug,
		fmt.Sprintf("page intl: language=%s timezone=%s", language, timezone))
}

// sessionMatch keeps the registry's match column current when attach
// moves the session to an explicit target.
func sessionMatch(a source.Adapter, fallback *types.TargetMatch) *types.TargetMatch {
	if cdp, ok := a.(*source.CDPAdapter); ok {
		if m := cdp.CDPSession().Match(); m != nil {
			return m
		}
	}
	return fallback
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
