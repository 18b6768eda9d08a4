package watcher

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/argus-tools/argus/pkg/types"
)

// maxRequestBody bounds every API request; nothing legitimate comes
// close.
const maxRequestBody = 4 << 20

// httpStatusFor maps API error codes onto HTTP statuses. The CLI keys
// off the JSON code; the status exists for curl users and proxies.
func httpStatusFor(code string) int {
	switch code {
	case types.CodeInvalidBody, types.CodeInvalidMatch, types.CodeInvalidMatchCase,
		types.CodeMultipleMatches, types.CodeCountMismatch, types.CodeUnknownKey,
		types.CodeOriginMismatch:
		return fasthttp.StatusBadRequest
	case types.CodeNotFound, types.CodeNoMatch:
		return fasthttp.StatusNotFound
	case types.CodeCDPNotAttached, types.CodeNetDisabled:
		return fasthttp.StatusConflict
	case types.CodeCDPTimeout:
		return fasthttp.StatusGatewayTimeout
	default:
		return fasthttp.StatusBadGateway
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		writeError(ctx, types.NewAPIError(types.CodeOperatorError, err.Error()))
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func writeError(ctx *fasthttp.RequestCtx, err error) {
	code := types.ErrorCode(err)
	envelope := types.Envelope{
		OK:    false,
		Error: &types.ErrorBody{Code: code, Message: err.Error()},
	}
	body, _ := json.Marshal(&envelope)
	ctx.SetStatusCode(httpStatusFor(code))
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// decodeBody parses a JSON request body. Empty bodies decode into the
// zero value so optional-body endpoints work with bare POSTs.
func decodeBody(ctx *fasthttp.RequestCtx, v interface{}) error {
	body := ctx.Request.Body()
	if len(body) > maxRequestBody {
		return types.NewAPIError(types.CodeInvalidBody, "request body too large")
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return types.NewAPIError(types.CodeInvalidBody, fmt.Sprintf("invalid json: %v", err))
	}
	return nil
}

// Serve binds the API to loopback and serves until Shutdown. Port 0
// asks the kernel for an ephemeral port; the resolved port is reported
// through the returned channel before accepting begins.
func (w *Watcher) Serve(host string, port int, ready chan<- int) error {
	if host == "" {
		host = "127.0.0.1"
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		if ready != nil {
			close(ready)
		}
		return fmt.Errorf("listen on %s:%d: %w", host, port, err)
	}
	limited := netutil.LimitListener(ln, w.cfg.Watcher.MaxConns)

	actual := ln.Addr().(*net.TCPAddr).Port
	w.mu.Lock()
	w.listener = limited
	w.record.Host = host
	w.record.Port = actual
	w.mu.Unlock()
	if ready != nil {
		ready <- actual
		close(ready)
	}

	w.logger.Info("Watcher API listening",
		zap.String("host", host),
		zap.Int("port", actual))

	server := &fasthttp.Server{
		Handler:            w.ServeHTTP,
		Name:               "argus-watcher",
		MaxRequestBodySize: maxRequestBody,
		// No write timeout: long-poll handlers hold connections for up
		// to two minutes by design.
		IdleTimeout: 3 * time.Minute,
	}
	w.mu.Lock()
	w.server = server
	w.mu.Unlock()

	return server.Serve(limited)
}

// ServeHTTP routes one request. All state the handlers touch is owned
// by the watcher's components; the router itself is stateless.
func (w *Watcher) ServeHTTP(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	method := string(ctx.Method())

	switch {
	case method == "GET" && path == "/status":
		w.handleStatus(ctx)
	case method == "GET" && path == "/healthz":
		w.handleHealthz(ctx)
	case method == "GET" && path == "/metrics":
		w.metrics.ServeHTTP(ctx)
	case method == "GET" && path == "/logs":
		w.handleLogs(ctx)
	case method == "GET" && path == "/tail":
		w.handleTail(ctx)
	case method == "GET" && path == "/net":
		w.handleNet(ctx)
	case method == "GET" && path == "/net/tail":
		w.handleNetTail(ctx)
	case method == "GET" && path == "/targets":
		w.handleTargets(ctx)
	case method == "POST" && path == "/attach":
		w.handleAttach(ctx)
	case method == "POST" && path == "/detach":
		w.handleDetach(ctx)
	case method == "POST" && path == "/eval":
		w.handleEval(ctx)
	case method == "POST" && path == "/dom/tree":
		w.handleDomTree(ctx)
	case method == "POST" && path == "/dom/info":
		w.handleDomInfo(ctx)
	case method == "POST" && path == "/dom/hover":
		w.handleDomHover(ctx)
	case method == "POST" && path == "/dom/click":
		w.handleDomClick(ctx)
	case method == "POST" && path == "/dom/focus":
		w.handleDomFocus(ctx)
	case method == "POST" && path == "/dom/keydown":
		w.handleDomKeydown(ctx)
	case method == "POST" && path == "/dom/scroll":
		w.handleDomScroll(ctx)
	case method == "POST" && path == "/dom/scroll-to":
		w.handleDomScrollTo(ctx)
	case method == "POST" && path == "/dom/add":
		w.handleDomAdd(ctx)
	case method == "POST" && path == "/dom/add-script":
		w.handleDomAddScript(ctx)
	case method == "POST" && path == "/dom/remove":
		w.handleDomRemove(ctx)
	case method == "POST" && path == "/dom/modify":
		w.handleDomModify(ctx)
	case method == "POST" && path == "/dom/fill":
		w.handleDomFill(ctx)
	case method == "POST" && path == "/dom/set-file":
		w.handleDomSetFile(ctx)
	case method == "POST" && path == "/storage/local":
		w.handleStorageLocal(ctx)
	case method == "POST" && path == "/emulation":
		w.handleEmulation(ctx)
	case method == "POST" && path == "/throttle":
		w.handleThrottle(ctx)
	case method == "POST" && path == "/trace/start":
		w.handleTraceStart(ctx)
	case method == "POST" && path == "/trace/stop":
		w.handleTraceStop(ctx)
	case method == "POST" && path == "/screenshot":
		w.handleScreenshot(ctx)
	case method == "POST" && path == "/reload":
		w.handleReload(ctx)
	case method == "POST" && path == "/shutdown":
		w.handleShutdown(ctx)
	default:
		writeError(ctx, types.NewAPIError(types.CodeNotFound,
			fmt.Sprintf("no route for %s %s", method, path)))
	}

	w.metrics.RecordHTTPRequest(path, ctx.Response.StatusCode())
}
