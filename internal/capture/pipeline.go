package capture

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	cdppkg "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"go.uber.org/zap"

	"github.com/argus-tools/argus/internal/buffer"
	watchercdp "github.com/argus-tools/argus/internal/cdp"
	"github.com/argus-tools/argus/pkg/types"
)

// Config tunes the pipeline's normalization passes.
type Config struct {
	// IgnoreFrames are regexes over frame URLs; the first non-matching
	// frame wins stack-frame selection.
	IgnoreFrames []*regexp.Regexp
	// StripPrefixes are literal URL prefixes removed from File for display.
	StripPrefixes []string
	// Redact patterns are blanked out of text and string args.
	Redact []*regexp.Regexp
	// CaptureNetwork enables the Network.* handlers.
	CaptureNetwork bool
	// ResolveSourcemaps enables sibling-map lookup for frame locations.
	ResolveSourcemaps bool
}

// EventSource is the slice of the session the pipeline consumes:
// subscriptions plus an executor for one-shot getProperties previews.
type EventSource interface {
	cdppkg.Executor
	OnEvent(method string, fn watchercdp.EventHandler) func()
}

// Pipeline turns raw protocol events into LogEvents and
// NetworkRequestSummaries and appends them to the ring buffers.
type Pipeline struct {
	cfg    Config
	logs   *buffer.LogBuffer
	net    *buffer.NetBuffer
	logger *zap.Logger
	maps   *SourcemapResolver

	pageMu    sync.RWMutex
	pageURL   string
	pageTitle string

	netMu    sync.Mutex
	inflight map[network.RequestID]*inflightRequest

	sinkMu sync.RWMutex
	sink   func(*types.LogEvent)
}

type inflightRequest struct {
	summary *types.NetworkRequestSummary
	start   time.Time
}

func NewPipeline(cfg Config, logs *buffer.LogBuffer, netBuf *buffer.NetBuffer, logger *zap.Logger) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		logs:     logs,
		net:      netBuf,
		logger:   logger,
		inflight: map[network.RequestID]*inflightRequest{},
	}
	if cfg.ResolveSourcemaps {
		p.maps = NewSourcemapResolver()
	}
	return p
}

// SetPage records the current page context stamped onto new LogEvents.
func (p *Pipeline) SetPage(url, title string) {
	p.pageMu.Lock()
	p.pageURL, p.pageTitle = url, title
	p.pageMu.Unlock()
}

// SetSink installs an optional secondary consumer (the file log writer).
// It runs synchronously after the buffer append.
func (p *Pipeline) SetSink(fn func(*types.LogEvent)) {
	p.sinkMu.Lock()
	p.sink = fn
	p.sinkMu.Unlock()
}

// Subscribe wires the pipeline to a session's event stream. The returned
// func detaches every handler.
func (p *Pipeline) Subscribe(src EventSource) func() {
	unsubs := []func(){
		src.OnEvent("Runtime.consoleAPICalled", func(params json.RawMessage) {
			p.handleConsole(src, params)
		}),
		src.OnEvent("Runtime.exceptionThrown", func(params json.RawMessage) {
			p.handleException(src, params)
		}),
	}
	if p.cfg.CaptureNetwork {
		unsubs = append(unsubs,
			src.OnEvent("Network.requestWillBeSent", p.handleRequestWillBeSent),
			src.OnEvent("Network.responseReceived", p.handleResponseReceived),
			src.OnEvent("Network.loadingFinished", p.handleLoadingFinished),
			src.OnEvent("Network.loadingFailed", p.handleLoadingFailed),
		)
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// AppendSystem records a watcher-generated event (attach, detach, errors).
func (p *Pipeline) AppendSystem(level types.LogLevel, text string) {
	p.append(&types.LogEvent{
		Ts:     time.Now().UnixMilli(),
		Level:  level,
		Text:   text,
		Source: types.LogSourceSystem,
	})
}

func (p *Pipeline) append(ev *types.LogEvent) {
	p.pageMu.RLock()
	ev.PageURL, ev.PageTitle = p.pageURL, p.pageTitle
	p.pageMu.RUnlock()
	p.logs.Add(ev)

	p.sinkMu.RLock()
	sink := p.sink
	p.sinkMu.RUnlock()
	if sink != nil {
		sink(ev)
	}
}

// consoleLevel maps the CDP console API type onto the canonical levels.
func consoleLevel(t runtime.APIType) types.LogLevel {
	switch t {
	case runtime.APITypeWarning:
		return types.LevelWarning
	case runtime.APITypeError, runtime.APITypeAssert:
		return types.LevelError
	case runtime.APITypeInfo:
		return types.LevelInfo
	case runtime.APITypeDebug:
		return types.LevelDebug
	default:
		// dir, dirxml, table, trace, count, timeEnd and friends.
		return types.LevelLog
	}
}

func (p *Pipeline) handleConsole(src EventSource, params json.RawMessage) {
	var ev runtime.EventConsoleAPICalled
	if err := json.Unmarshal(params, &ev); err != nil {
		p.logger.Warn("Discarding malformed consoleAPICalled event", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	args := make([]json.RawMessage, 0, len(ev.Args))
	parts := make([]string, 0, len(ev.Args))
	for _, arg := range ev.Args {
		preview := PreviewArg(ctx, src, arg)
		preview = p.redactRaw(preview)
		args = append(args, preview)
		parts = append(parts, ArgText(preview))
	}

	record := &types.LogEvent{
		Ts:     eventTime(ev.Timestamp),
		Level:  consoleLevel(ev.Type),
		Text:   strings.Join(parts, " "),
		Args:   args,
		Source: types.LogSourceConsole,
	}
	p.stampLocation(record, ev.StackTrace)
	p.append(record)
}

func (p *Pipeline) handleException(src EventSource, params json.RawMessage) {
	var ev runtime.EventExceptionThrown
	if err := json.Unmarshal(params, &ev); err != nil {
		p.logger.Warn("Discarding malformed exceptionThrown event", zap.Error(err))
		return
	}
	details := ev.ExceptionDetails
	if details == nil {
		return
	}

	record := &types.LogEvent{
		Ts:     eventTime(ev.Timestamp),
		Level:  types.LevelException,
		Text:   p.redactText(exceptionText(details)),
		Source: types.LogSourceException,
	}
	if details.Exception != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		preview := p.redactRaw(PreviewArg(ctx, src, details.Exception))
		cancel()
		record.Args = []json.RawMessage{preview}
	}

	if details.StackTrace != nil {
		p.stampLocation(record, details.StackTrace)
	} else if details.URL != "" {
		loc := Location{File: details.URL, Line: int(details.LineNumber) + 1, Column: int(details.ColumnNumber) + 1}
		p.stampResolved(record, loc)
	}
	p.append(record)
}

// exceptionText prefers the exception object's description; the generic
// "Uncaught" placeholders get the description appended so the record is
// actionable on its own.
func exceptionText(details *runtime.ExceptionDetails) string {
	description := ""
	if details.Exception != nil {
		description = details.Exception.Description
	}
	text := details.Text
	switch {
	case description == "":
		return text
	case text == "" ||
		text == "Uncaught" ||
		text == "Uncaught (in promise)":
		if text == "" {
			return description
		}
		return text + " " + description
	default:
		return description
	}
}

func (p *Pipeline) stampLocation(record *types.LogEvent, trace *runtime.StackTrace) {
	loc, ok := SelectFrame(trace, p.cfg.IgnoreFrames)
	if !ok {
		return
	}
	p.stampResolved(record, loc)
}

func (p *Pipeline) stampResolved(record *types.LogEvent, loc Location) {
	loc = p.maps.Resolve(loc)
	record.File = StripPrefixes(loc.File, p.cfg.StripPrefixes)
	record.Line = loc.Line
	record.Column = loc.Column
}

func (p *Pipeline) redactText(s string) string {
	return Redact(s, p.cfg.Redact)
}

func (p *Pipeline) redactRaw(raw json.RawMessage) json.RawMessage {
	if len(p.cfg.Redact) == 0 {
		return raw
	}
	redacted := Redact(string(raw), p.cfg.Redact)
	if !json.Valid([]byte(redacted)) {
		// A pattern straddled JSON syntax; drop the value, keep the shape.
		return json.RawMessage(`"` + redactedPlaceholder + `"`)
	}
	return json.RawMessage(redacted)
}

func eventTime(ts *runtime.Timestamp) int64 {
	if ts != nil {
		return ts.Time().UnixMilli()
	}
	return time.Now().UnixMilli()
}
