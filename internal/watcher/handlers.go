package watcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	cdppkg "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/valyala/fasthttp"

	"github.com/argus-tools/argus/internal/buffer"
	"github.com/argus-tools/argus/internal/dom"
	"github.com/argus-tools/argus/internal/source"
	"github.com/argus-tools/argus/internal/storage"
	"github.com/argus-tools/argus/internal/trace"
	"github.com/argus-tools/argus/pkg/types"
)

const (
	defaultSnapshotLimit = 500
	maxSnapshotLimit     = 5000

	tailTimeoutDefault = 25 * time.Second
	tailTimeoutMin     = 1 * time.Second
	tailTimeoutMax     = 120 * time.Second
)

// opCtx bounds one operator-triggered CDP interaction.
func (w *Watcher) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), w.cfg.Watcher.CDPTimeout)
}

// session returns the attached session or cdp_not_attached.
func (w *Watcher) session() (source.Session, error) {
	sess := w.adapter.Session()
	if !sess.Attached() {
		return nil, types.NewAPIError(types.CodeCDPNotAttached, "not attached to a page")
	}
	return sess, nil
}

func (w *Watcher) handleHealthz(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, &types.Envelope{OK: true})
}

func (w *Watcher) handleStatus(ctx *fasthttp.RequestCtx) {
	sess := w.adapter.Session()
	attached := sess.Attached()

	w.mu.Lock()
	record := w.record
	w.mu.Unlock()

	logCount, logNext, logDropped := w.logs.Stats()
	netCount, netNext, netDropped := w.netBuf.Stats()
	w.metrics.SetBufferDropped("logs", logDropped)
	w.metrics.SetBufferDropped("net", netDropped)

	resp := &types.StatusResponse{
		OK:       true,
		Attached: attached,
		Record:   &record,
		Buffers: types.BufferStats{
			LogCount:   logCount,
			LogNextID:  logNext,
			LogDropped: logDropped,
			NetCount:   netCount,
			NetNextID:  netNext,
			NetDropped: netDropped,
		},
	}
	if attached {
		target := sess.Target()
		resp.Target = &target
	}
	if w.proc != nil {
		stats := types.ProcessStats{}
		if mem, err := w.proc.MemoryInfo(); err == nil && mem != nil {
			stats.RSSBytes = mem.RSS
		}
		if cpu, err := w.proc.CPUPercent(); err == nil {
			stats.CPUPercent = cpu
		}
		resp.Process = &stats
	}
	writeJSON(ctx, resp)
}

// parseLogFilter builds a LogFilter from snapshot/tail query args.
func parseLogFilter(args *fasthttp.Args) (buffer.LogFilter, error) {
	var f buffer.LogFilter
	if v := string(args.Peek("since")); v != "" {
		since, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, types.NewAPIError(types.CodeInvalidBody, fmt.Sprintf("since: %v", err))
		}
		f.SinceTs = since
	}
	if v := string(args.Peek("levels")); v != "" {
		for _, level := range strings.Split(v, ",") {
			level = strings.TrimSpace(level)
			if level != "" {
				f.Levels = append(f.Levels, types.LogLevel(level))
			}
		}
	}
	f.Source = string(args.Peek("source"))

	insensitive := false
	if v := string(args.Peek("matchCase")); v != "" {
		switch v {
		case "sensitive", "true":
		case "insensitive", "false":
			insensitive = true
		default:
			return f, types.NewAPIError(types.CodeInvalidMatchCase,
				fmt.Sprintf("matchCase must be sensitive or insensitive, got %q", v))
		}
	}
	for _, raw := range args.PeekMulti("match") {
		pattern := string(raw)
		if insensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return f, types.NewAPIError(types.CodeInvalidMatch,
				fmt.Sprintf("match %q: %v", raw, err))
		}
		f.Match = append(f.Match, re)
	}
	return f, nil
}

func parseAfterLimit(args *fasthttp.Args) (after int64, limit int, err error) {
	limit = defaultSnapshotLimit
	if v := string(args.Peek("after")); v != "" {
		after, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, 0, types.NewAPIError(types.CodeInvalidBody, fmt.Sprintf("after: %v", err))
		}
	}
	if v := string(args.Peek("limit")); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return 0, 0, types.NewAPIError(types.CodeInvalidBody, "limit must be a positive integer")
		}
		if limit > maxSnapshotLimit {
			limit = maxSnapshotLimit
		}
	}
	return after, limit, nil
}

func parseTailTimeout(args *fasthttp.Args) time.Duration {
	timeout := tailTimeoutDefault
	if v := string(args.Peek("timeoutMs")); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}
	if timeout < tailTimeoutMin {
		timeout = tailTimeoutMin
	}
	if timeout > tailTimeoutMax {
		timeout = tailTimeoutMax
	}
	return timeout
}

func (w *Watcher) handleLogs(ctx *fasthttp.RequestCtx) {
	after, limit, err := parseAfterLimit(ctx.QueryArgs())
	if err != nil {
		writeError(ctx, err)
		return
	}
	filter, err := parseLogFilter(ctx.QueryArgs())
	if err != nil {
		writeError(ctx, err)
		return
	}
	events := w.logs.Snapshot(after, filter, limit)
	writeJSON(ctx, &types.LogsResponse{
		OK:        true,
		Events:    events,
		NextAfter: nextAfterLog(after, events),
	})
}

func (w *Watcher) handleTail(ctx *fasthttp.RequestCtx) {
	after, limit, err := parseAfterLimit(ctx.QueryArgs())
	if err != nil {
		writeError(ctx, err)
		return
	}
	filter, err := parseLogFilter(ctx.QueryArgs())
	if err != nil {
		writeError(ctx, err)
		return
	}
	timeout := parseTailTimeout(ctx.QueryArgs())
	events := w.logs.WaitForAfter(ctx, after, filter, limit, timeout)
	writeJSON(ctx, &types.LogsResponse{
		OK:        true,
		Events:    events,
		NextAfter: nextAfterLog(after, events),
		TimedOut:  len(events) == 0,
	})
}

func nextAfterLog(after int64, events []*types.LogEvent) int64 {
	if len(events) > 0 {
		return events[len(events)-1].ID
	}
	return after
}

func nextAfterNet(after int64, requests []*types.NetworkRequestSummary) int64 {
	if len(requests) > 0 {
		return requests[len(requests)-1].ID
	}
	return after
}

func (w *Watcher) netFilter(args *fasthttp.Args) (buffer.NetFilter, error) {
	var f buffer.NetFilter
	if !w.cfg.Watcher.CaptureNetwork {
		return f, types.NewAPIError(types.CodeNetDisabled, "network capture is disabled")
	}
	if v := string(args.Peek("since")); v != "" {
		since, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, types.NewAPIError(types.CodeInvalidBody, fmt.Sprintf("since: %v", err))
		}
		f.SinceTs = since
	}
	f.URLContains = string(args.Peek("url"))
	return f, nil
}

func (w *Watcher) handleNet(ctx *fasthttp.RequestCtx) {
	after, limit, err := parseAfterLimit(ctx.QueryArgs())
	if err != nil {
		writeError(ctx, err)
		return
	}
	filter, err := w.netFilter(ctx.QueryArgs())
	if err != nil {
		writeError(ctx, err)
		return
	}
	requests := w.netBuf.Snapshot(after, filter, limit)
	writeJSON(ctx, &types.NetResponse{
		OK:        true,
		Requests:  requests,
		NextAfter: nextAfterNet(after, requests),
	})
}

func (w *Watcher) handleNetTail(ctx *fasthttp.RequestCtx) {
	after, limit, err := parseAfterLimit(ctx.QueryArgs())
	if err != nil {
		writeError(ctx, err)
		return
	}
	filter, err := w.netFilter(ctx.QueryArgs())
	if err != nil {
		writeError(ctx, err)
		return
	}
	timeout := parseTailTimeout(ctx.QueryArgs())
	requests := w.netBuf.WaitForAfter(ctx, after, filter, limit, timeout)
	writeJSON(ctx, &types.NetResponse{
		OK:        true,
		Requests:  requests,
		NextAfter: nextAfterNet(after, requests),
		TimedOut:  len(requests) == 0,
	})
}

func (w *Watcher) handleTargets(ctx *fasthttp.RequestCtx) {
	opCtx, cancel := w.opCtx()
	defer cancel()
	targets, err := w.adapter.ListTargets(opCtx)
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, &types.TargetsResponse{OK: true, Targets: targets})
}

func (w *Watcher) handleAttach(ctx *fasthttp.RequestCtx) {
	var req types.AttachRequest
	if err := decodeBody(ctx, &req); err != nil {
		writeError(ctx, err)
		return
	}
	if req.TargetID == "" {
		writeError(ctx, types.NewAPIError(types.CodeInvalidBody, "targetId is required"))
		return
	}
	opCtx, cancel := w.opCtx()
	defer cancel()
	if err := w.adapter.AttachTarget(opCtx, req.TargetID); err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, &types.Envelope{OK: true})
}

func (w *Watcher) handleDetach(ctx *fasthttp.RequestCtx) {
	opCtx, cancel := w.opCtx()
	defer cancel()
	if err := w.adapter.DetachTarget(opCtx); err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, &types.Envelope{OK: true})
}

func (w *Watcher) handleEval(ctx *fasthttp.RequestCtx) {
	var req types.EvalRequest
	if err := decodeBody(ctx, &req); err != nil {
		writeError(ctx, err)
		return
	}
	if strings.TrimSpace(req.Expression) == "" {
		writeError(ctx, types.NewAPIError(types.CodeInvalidBody, "expression is required"))
		return
	}
	sess, err := w.session()
	if err != nil {
		writeError(ctx, err)
		return
	}

	timeout := w.cfg.Watcher.CDPTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	opCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	awaitPromise := req.AwaitPromise == nil || *req.AwaitPromise
	returnByValue := req.ReturnByValue == nil || *req.ReturnByValue
	obj, exc, err := runtime.Evaluate(req.Expression).
		WithAwaitPromise(awaitPromise).
		WithReturnByValue(returnByValue).
		Do(cdppkg.WithExecutor(opCtx, sess))
	if err != nil {
		writeError(ctx, err)
		return
	}

	resp := &types.EvalResponse{OK: true, Result: json.RawMessage("null")}
	if exc != nil {
		// A throwing evaluation reports the exception only; the result
		// object Chrome returns alongside it is the thrown value, not a
		// produced result.
		details, _ := json.Marshal(exc)
		text := exc.Text
		if exc.Exception != nil && exc.Exception.Description != "" {
			text = exc.Exception.Description
		}
		resp.Exception = &types.EvalException{Text: text, Details: details}
	} else {
		resp.Result = evalResult(obj)
	}
	writeJSON(ctx, resp)
}

// evalResult flattens a RemoteObject: by-value results come back as
// their JSON value, everything else as the object summary.
func evalResult(obj *runtime.RemoteObject) json.RawMessage {
	if obj == nil {
		return json.RawMessage("null")
	}
	if len(obj.Value) > 0 {
		return json.RawMessage(obj.Value)
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

func query(sel types.Selector) dom.Query {
	return dom.Query{Selector: sel.Selector, All: sel.All, Text: sel.Text}
}

func (w *Watcher) handleDomTree(ctx *fasthttp.RequestCtx) {
	var req types.DomTreeRequest
	if err := decodeBody(ctx, &req); err != nil {
		writeError(ctx, err)
		return
	}
	sess, err := w.session()
	if err != nil {
		writeError(ctx, err)
		return
	}
	opCtx, cancel := w.opCtx()
	defer cancel()
	roots, err := dom.Tree(opCtx, sess, query(req.Selector), dom.TreeOptions{
		Depth:    req.Depth,
		MaxNodes: req.MaxNodes,
	})
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, &types.DomTreeResponse{OK: true, Matches: len(roots), Roots: roots})
}

func (w *Watcher) handleDomInfo(ctx *fasthttp.RequestCtx) {
	var req types.DomInfoRequest
	if err := decodeBody(ctx, &req); err != nil {
		writeError(ctx, err)
		return
	}
	sess, err := w.session()
	if err != nil {
		writeError(ctx, err)
		return
	}
	opCtx, cancel := w.opCtx()
	defer cancel()
	elements, err := dom.Info(opCtx, sess, query(req.Selector), req.OuterHTMLMaxChars)
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, &types.DomInfoResponse{OK: true, Matches: len(elements), Elements: elements})
}

func (w *Watcher) handleDomHover(ctx *fasthttp.RequestCtx) {
	var req types.HoverRequest
	if err := decodeBody(ctx, &req); err != nil {
		writeError(ctx, err)
		return
	}
	sess, err := w.session()
	if err != nil {
		writeError(ctx, err)
		return
	}
	opCtx, cancel := w.opCtx()
	defer cancel()
	n, err := dom.Hover(opCtx, sess, query(req.Selector))
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, &types.DomOpResponse{OK: true, Matches: n, Hovered: n})
}

func (w *Watcher) handleDomClick(ctx *fasthttp.RequestCtx) {
	var req types.ClickRequest
	if err := decodeBody(ctx, &req); err != nil {
		writeError(ctx, err)
		return
	}
	sess, err := w.session()
	if err != nil {
		writeError(ctx, err)
		return
	}
	opCtx, cancel := w.opCtx()
	defer cancel()

	// Coordinates without a selector click an absolute viewport point.
	if req.Selector.Selector == "" {
		if req.X == nil || req.Y == nil {
			writeError(ctx, types.NewAPIError(types.CodeInvalidBody,
				"either selector or x/y coordinates are required"))
			return
		}
		if err := dom.ClickPoint(opCtx, sess, *req.X, *req.Y); err != nil {
			writeError(ctx, err)
			return
		}
		writeJSON(ctx, &types.DomOpResponse{OK: true, Matches: 1, Clicked: 1})
		return
	}

	n, err := dom.Click(opCtx, sess, query(req.Selector), req.X, req.Y)
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, &types.DomOpResponse{OK: true, Matches: n, Clicked: n})
}

func (w *Watcher) handleDomFocus(ctx *fasthttp.RequestCtx) {
	var req types.FocusRequest
	if err := decodeBody(ctx, &req); err != nil {
		writeError(ctx, err)
		return
	}
	sess, err := w.session()
	if err != nil {
		writeError(ctx, err)
		return
	}
	opCtx, cancel := w.opCtx()
	defer cancel()
	n, err := dom.Focus(opCtx, sess, query(req.Selector))
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, &types.DomOpResponse{OK: true, Matches: n, Focused: n})
}

func (w *Watcher) handleDomKeydown(ctx *fasthttp.RequestCtx) {
	var req types.KeydownRequest
	if err := decodeBody(ctx, &req); err != nil {
		writeError(ctx, err)
		return
	}
	if req.Key == "" {
		writeError(ctx, types.NewAPIError(types.CodeInvalidBody, "key is required"))
		return
	}
	sess, err := w.session()
	if err != nil {
		writeError(ctx, err)
		return
	}
	opCtx, cancel := w.opCtx()
	defer cancel()

	var modifiers []string
	for _, m := range strings.Split(req.Modifiers, ",") {
		if m = strings.TrimSpace(m); m != "" {
			modifiers = append(modifiers, m)
		}
	}
	var q *dom.Query
	if req.Selector != "" {
		q = &dom.Query{Selector: req.Selector}
	}
	_, mods, err := dom.Keydown(opCtx, sess, q, req.Key, modifiers)
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, &types.KeydownResponse{OK: true, Key: req.Key, Modifiers: int64(mods)})
}

func (w *Watcher) handleDomScroll(ctx *fasthttp.RequestCtx) {
	var req types.ScrollRequest
	if err := decodeBody(ctx, &req); err != nil {
		writeError(ctx, err)
		return
	}
	sess, err := w.session()
	if err != nil {
		writeError(ctx, err)
		return
	}
	opCtx, cancel := w.opCtx()
	defer cancel()

	// Anchor the gesture at the first match, or the viewport origin
	// corner offset when no selector is given.
	x, y := 100.0, 100.0
	matches := 0
	if req.Selector.Selector != "" {
		res, err := dom.Resolve(opCtx, sess, query(req.Selector))
		if err != nil {
			writeError(ctx, err)
			return
		}
		matches = len(res.IDs)
		if matches == 0 {
			writeJSON(ctx, &types.DomOpResponse{OK: true, Matches: 0})
			return
		}
		cx, cy, err := dom.Center(opCtx, sess, res.IDs[0])
		if err != nil {
			writeError(ctx, err)
			return
		}
		x, y = cx, cy
	}
	if err := dom.Scroll(opCtx, sess, x, y, req.DeltaX, req.DeltaY); err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, &types.DomOpResponse{OK: true, Matches: matches})
}

func (w *Watcher) handleDomScrollTo(ctx *fasthttp.RequestCtx) {
	var req types.ScrollToRequest
	if err := decodeBody(ctx, &req); err != nil {
		writeError(ctx, err)
		return
	}
	sess, err := w.session()
	if err != nil {
		writeError(ctx, err)
		return
	}
	opCtx, cancel := w.opCtx()
	defer cancel()

	if req.Selector.Selector == "" {
		if req.X == nil && req.Y == nil {
			writeError(ctx, types.NewAPIError(types.CodeInvalidBody,
				"either selector or x/y coordinates are required"))
			return
		}
		var x, y float64
		if req.X != nil {
			x = *req.X
		}
		if req.Y != nil {
			y = *req.Y
		}
		if err := dom.ScrollToPoint(opCtx, sess, x, y, req.Relative, req.Smooth); err != nil {
			writeError(ctx, err)
			return
		}
		writeJSON(ctx, &types.DomOpResponse{OK: true})
		return
	}

	n, err := dom.ScrollTo(opCtx, sess, query(req.Selector))
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, &types.DomOpResponse{OK: true, Matches: n})
}

func (w *Watcher) handleDomAdd(ctx *fasthttp.RequestCtx) {
	var req types.DomAddRequest
	if err := decodeBody(ctx, &req); err != nil {
		writeError(ctx, err)
		return
	}
	sess, err := w.session()
	if err != nil {
		writeError(ctx, err)
		return
	}
	opCtx, cancel := w.opCtx()
	defer cancel()
	matches, added, err := dom.Add(opCtx, sess, query(req.Selector), req.HTML, req.Text, dom.AddOptions{
		Position: req.Position,
		Nth:      req.Nth,
		First:    req.First,
		Expect:   req.Expect,
	})
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, &types.DomOpResponse{OK: true, Matches: matches, Added: added})
}

func (w *Watcher) handleDomAddScript(ctx *fasthttp.RequestCtx) {
	var req types.AddScriptRequest
	if err := decodeBody(ctx, &req); err != nil {
		writeError(ctx, err)
		return
	}
	if strings.TrimSpace(req.Source) == "" {
		writeError(ctx, types.NewAPIError(types.CodeInvalidBody, "source is required"))
		return
	}
	sess, err := w.session()
	if err != nil {
		writeError(ctx, err)
		return
	}
	opCtx, cancel := w.opCtx()
	defer cancel()
	ectx := cdppkg.WithExecutor(opCtx, sess)

	// Install for future documents and run in the current one, so the
	// script takes effect without a reload.
	if _, err := page.AddScriptToEvaluateOnNewDocument(req.Source).Do(ectx); err != nil {
		writeError(ctx, err)
		return
	}
	if _, exc, err := runtime.Evaluate(req.Source).Do(ectx); err != nil {
		writeError(ctx, err)
		return
	} else if exc != nil {
		writeError(ctx, types.NewAPIError(types.CodeOperatorError, exc.Text))
		return
	}

	w.mu.Lock()
	w.bootScripts = append(w.bootScripts, req.Source)
	w.mu.Unlock()
	writeJSON(ctx, &types.Envelope{OK: true})
}

func (w *Watcher) handleDomRemove(ctx *fasthttp.RequestCtx) {
	var req types.DomRemoveRequest
	if err := decodeBody(ctx, &req); err != nil {
		writeError(ctx, err)
		return
	}
	sess, err := w.session()
	if err != nil {
		writeError(ctx, err)
		return
	}
	opCtx, cancel := w.opCtx()
	defer cancel()
	matches, removed, err := dom.Remove(opCtx, sess, query(req.Selector), req.Expect)
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, &types.DomOpResponse{OK: true, Matches: matches, Removed: removed})
}

func (w *Watcher) handleDomModify(ctx *fasthttp.RequestCtx) {
	var req types.DomModifyRequest
	if err := decodeBody(ctx, &req); err != nil {
		writeError(ctx, err)
		return
	}
	sess, err := w.session()
	if err != nil {
		writeError(ctx, err)
		return
	}
	opCtx, cancel := w.opCtx()
	defer cancel()
	matches, modified, err := dom.Modify(opCtx, sess, query(req.Selector), &req)
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, &types.DomOpResponse{OK: true, Matches: matches, Modified: modified})
}

func (w *Watcher) handleDomFill(ctx *fasthttp.RequestCtx) {
	var req types.FillRequest
	if err := decodeBody(ctx, &req); err != nil {
		writeError(ctx, err)
		return
	}
	sess, err := w.session()
	if err != nil {
		writeError(ctx, err)
		return
	}
	opCtx, cancel := w.opCtx()
	defer cancel()
	matches, filled, err := dom.Fill(opCtx, sess, query(req.Selector), req.Value)
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, &types.DomOpResponse{OK: true, Matches: matches, Filled: filled})
}

func (w *Watcher) handleDomSetFile(ctx *fasthttp.RequestCtx) {
	var req types.SetFileRequest
	if err := decodeBody(ctx, &req); err != nil {
		writeError(ctx, err)
		return
	}
	sess, err := w.session()
	if err != nil {
		writeError(ctx, err)
		return
	}
	opCtx, cancel := w.opCtx()
	defer cancel()
	matches, set, err := dom.SetFiles(opCtx, sess, query(req.Selector), req.Files)
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, &types.DomOpResponse{OK: true, Matches: matches, Set: set})
}

func (w *Watcher) handleStorageLocal(ctx *fasthttp.RequestCtx) {
	var req types.StorageRequest
	if err := decodeBody(ctx, &req); err != nil {
		writeError(ctx, err)
		return
	}
	sess, err := w.session()
	if err != nil {
		writeError(ctx, err)
		return
	}
	opCtx, cancel := w.opCtx()
	defer cancel()
	res, err := storage.Local(opCtx, sess, req.Op, req.Key, req.Value, req.Origin)
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, &types.StorageResponse{
		OK:     true,
		Origin: res.Origin,
		Value:  res.Value,
		Items:  res.Items,
		Count:  res.Count,
	})
}

func (w *Watcher) handleEmulation(ctx *fasthttp.RequestCtx) {
	var req types.EmulationRequest
	if err := decodeBody(ctx, &req); err != nil {
		writeError(ctx, err)
		return
	}
	opCtx, cancel := w.opCtx()
	defer cancel()

	var (
		state  types.EmulationState
		status types.DesiredStatus
	)
	switch req.Op {
	case "set":
		if req.State.IsEmpty() {
			writeError(ctx, types.NewAPIError(types.CodeInvalidBody, "state must name at least one aspect"))
			return
		}
		state, status = w.emu.Set(opCtx, req.State)
	case "clear":
		var err error
		state, status, err = w.emu.Clear(opCtx, req.Aspects)
		if err != nil {
			writeError(ctx, err)
			return
		}
	case "status", "":
		state, status = w.emu.Status()
	default:
		writeError(ctx, types.NewAPIError(types.CodeInvalidBody,
			fmt.Sprintf("unknown op %q", req.Op)))
		return
	}
	writeJSON(ctx, &types.EmulationResponse{OK: true, State: &state, DesiredStatus: status})
}

func (w *Watcher) handleThrottle(ctx *fasthttp.RequestCtx) {
	var req types.ThrottleRequest
	if err := decodeBody(ctx, &req); err != nil {
		writeError(ctx, err)
		return
	}
	opCtx, cancel := w.opCtx()
	defer cancel()

	var (
		state  types.ThrottleState
		status types.DesiredStatus
	)
	switch req.Op {
	case "set":
		var err error
		state, status, err = w.throttle.Set(opCtx, req.State)
		if err != nil {
			writeError(ctx, err)
			return
		}
	case "clear":
		state, status = w.throttle.Clear(opCtx)
	case "status", "":
		state, status = w.throttle.Status()
	default:
		writeError(ctx, types.NewAPIError(types.CodeInvalidBody,
			fmt.Sprintf("unknown op %q", req.Op)))
		return
	}
	writeJSON(ctx, &types.ThrottleResponse{OK: true, State: &state, DesiredStatus: status})
}

func (w *Watcher) handleTraceStart(ctx *fasthttp.RequestCtx) {
	var req types.TraceStartRequest
	if err := decodeBody(ctx, &req); err != nil {
		writeError(ctx, err)
		return
	}
	if _, err := w.session(); err != nil {
		writeError(ctx, err)
		return
	}
	opCtx, cancel := w.opCtx()
	defer cancel()
	info, err := w.recorder.Start(opCtx, trace.StartOptions{
		Categories: req.Categories,
		Options:    req.Options,
		Compress:   req.Compress,
	})
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, &types.TraceStartResponse{OK: true, TraceID: info.TraceID, Path: info.Path})
}

func (w *Watcher) handleTraceStop(ctx *fasthttp.RequestCtx) {
	// Stop waits for Chrome to flush; give it its own generous bound
	// rather than the per-call default.
	opCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	info, err := w.recorder.Stop(opCtx)
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, &types.TraceStopResponse{
		OK:      true,
		TraceID: info.TraceID,
		Path:    info.Path,
		Events:  info.Events,
	})
}

func (w *Watcher) handleScreenshot(ctx *fasthttp.RequestCtx) {
	var req types.ScreenshotRequest
	if err := decodeBody(ctx, &req); err != nil {
		writeError(ctx, err)
		return
	}
	sess, err := w.session()
	if err != nil {
		writeError(ctx, err)
		return
	}
	opCtx, cancel := w.opCtx()
	defer cancel()
	res, err := dom.Screenshot(opCtx, sess, req.Selector)
	if err != nil {
		writeError(ctx, err)
		return
	}
	resp := &types.ScreenshotResponse{OK: true, Path: res.Path, Clipped: res.Clipped}
	if req.IncludeData {
		resp.DataBase64 = base64.StdEncoding.EncodeToString(res.Data)
	}
	writeJSON(ctx, resp)
}

func (w *Watcher) handleReload(ctx *fasthttp.RequestCtx) {
	var req types.ReloadRequest
	if err := decodeBody(ctx, &req); err != nil {
		writeError(ctx, err)
		return
	}
	sess, err := w.session()
	if err != nil {
		writeError(ctx, err)
		return
	}
	opCtx, cancel := w.opCtx()
	defer cancel()
	reload := page.Reload()
	if req.IgnoreCache {
		reload = reload.WithIgnoreCache(true)
	}
	if err := reload.Do(cdppkg.WithExecutor(opCtx, sess)); err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, &types.Envelope{OK: true})
}

func (w *Watcher) handleShutdown(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, &types.Envelope{OK: true})
	go w.Shutdown(context.Background())
}
