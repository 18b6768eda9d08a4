package cdp

import (
	"context"
	"encoding/json"
	"time"

	cdppkg "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/argus-tools/argus/pkg/types"
)

// Run drives the connect → attach → read cycle until ctx is canceled.
// Each failure backs off exponentially (1s doubling to a 10s cap); a
// completed attach resets the backoff.
func (s *Session) Run(ctx context.Context) {
	s.registerInternalHandlers()

	backoff := backoffInitial
	for {
		if ctx.Err() != nil {
			return
		}
		err := s.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Warn("CDP connection lost",
				zap.Duration("retry_in", backoff),
				zap.Error(err))
		}
		s.metrics.RecordReconnect()
		if s.lastAttachOK.Swap(false) {
			backoff = backoffInitial
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

// connectOnce performs target discovery, dials, runs the attach
// sequence, and pumps frames until the socket dies.
func (s *Session) connectOnce(ctx context.Context) error {
	endpoint := Endpoint{Host: s.opts.ChromeHost, Port: s.opts.ChromePort}
	targets, err := ListTargets(ctx, endpoint)
	if err != nil {
		return err
	}
	target, err := MatchTarget(targets, s.Match())
	if err != nil {
		return err
	}
	if target.WebSocketDebuggerURL == "" {
		return types.NewAPIError(types.CodeConnectFailed,
			"matched target has no webSocketDebuggerUrl (another debugger attached?)")
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, target.WebSocketDebuggerURL, nil)
	if err != nil {
		return types.NewAPIError(types.CodeConnectFailed, err.Error())
	}
	conn.SetReadLimit(maxMessageSize)

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.targetMu.Lock()
	s.target = *target
	s.targetMu.Unlock()

	// The reader must run before the attach sequence: enable commands
	// need their responses delivered.
	readErr := make(chan error, 1)
	go func() { readErr <- s.readLoop(conn) }()

	if err := s.attachSequence(ctx, *target); err != nil {
		s.logger.Warn("Attach sequence failed", zap.Error(err))
		s.teardownConn(conn, err)
		<-readErr
		return err
	}

	s.attached.Store(true)
	s.lastAttachOK.Store(true)
	if s.hooks.OnAttach != nil {
		s.hooks.OnAttach(*target)
	}
	s.logger.Info("Attached to target",
		zap.String("target_id", target.ID),
		zap.String("url", target.URL))

	select {
	case err := <-readErr:
		s.teardownConn(conn, err)
		return err
	case <-ctx.Done():
		s.teardownConn(conn, ctx.Err())
		<-readErr
		return ctx.Err()
	}
}

// attachSequence enables the domains the capture pipeline needs and
// resolves page intl data. The attached flag flips only after this
// completes, so no operator observes a half-initialized session.
func (s *Session) attachSequence(ctx context.Context, target types.TargetInfo) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultCallTimeout)
	defer cancel()
	ectx := cdppkg.WithExecutor(ctx, s)

	if err := runtime.Enable().Do(ectx); err != nil {
		return err
	}
	if err := page.Enable().Do(ectx); err != nil {
		return err
	}

	if s.hooks.OnPageIntl != nil {
		language := s.evaluateString(ectx, "navigator.language")
		timezone := s.evaluateString(ectx, "Intl.DateTimeFormat().resolvedOptions().timeZone")
		s.hooks.OnPageIntl(language, timezone)
	}
	return nil
}

// evaluateString runs a tiny expression and returns its string value;
// failures degrade to empty.
func (s *Session) evaluateString(ectx context.Context, expr string) string {
	obj, exc, err := runtime.Evaluate(expr).WithReturnByValue(true).Do(ectx)
	if err != nil || exc != nil || obj == nil {
		return ""
	}
	var out string
	if err := json.Unmarshal([]byte(obj.Value), &out); err != nil {
		return ""
	}
	return out
}

func (s *Session) teardownConn(conn *websocket.Conn, cause error) {
	wasAttached := s.attached.Swap(false)
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	conn.Close()
	s.failAllPending(types.NewAPIError(types.CodeCDPClosed, "CDP connection closed"))
	if wasAttached && s.hooks.OnDetach != nil {
		reason := "connection closed"
		if cause != nil {
			reason = cause.Error()
		}
		s.hooks.OnDetach(reason)
	}
}

// registerInternalHandlers wires the page lifecycle hooks. Top-frame
// navigations rotate file logs upstream; load events feed waiters.
func (s *Session) registerInternalHandlers() {
	s.internalOnce.Do(func() {
		s.OnEvent("Page.frameNavigated", func(params json.RawMessage) {
			var ev page.EventFrameNavigated
			if err := json.Unmarshal(params, &ev); err != nil || ev.Frame == nil {
				return
			}
			if ev.Frame.ParentID != "" {
				return
			}
			s.targetMu.Lock()
			s.target.URL = ev.Frame.URL
			s.targetMu.Unlock()
			if s.hooks.OnPageNavigation != nil {
				s.hooks.OnPageNavigation(ev.Frame.URL)
			}
		})
		s.OnEvent("Page.loadEventFired", func(json.RawMessage) {
			if s.hooks.OnPageLoad != nil {
				s.hooks.OnPageLoad()
			}
		})
	})
}

// Close tears down the current connection, if any. Run's context governs
// whether a reconnect follows.
func (s *Session) Close() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		s.teardownConn(conn, nil)
	}
}
