// Package cdp implements the JSON-RPC client the watcher speaks over a
// single WebSocket to Chrome. It correlates request ids to pending
// calls, fans events out to subscribers, and drives the reconnect and
// attach sequence. The session satisfies cdproto's cdp.Executor, so
// typed protocol commands run against it directly.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/argus-tools/argus/pkg/types"
)

// DefaultCallTimeout bounds a CDP call when the context has no deadline.
const DefaultCallTimeout = 30 * time.Second

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 10 * time.Second
	// maxMessageSize caps a single CDP frame; screenshots and traces
	// arrive base64-encoded and can be large.
	maxMessageSize = 256 << 20
)

// wireMessage is the CDP wire frame: numeric id for request/response
// pairs, dotted method for events.
type wireMessage struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

type callResult struct {
	result json.RawMessage
	err    error
}

// pendingCall is one in-flight request. It is settled exactly once: by
// the matching response, by its timeout, or by socket close.
type pendingCall struct {
	id int64
	ch chan callResult
}

// EventHandler receives the raw params of one protocol event.
type EventHandler func(params json.RawMessage)

type eventSub struct {
	id int64
	fn EventHandler
}

// Hooks are the session lifecycle callbacks the watcher wires in. All
// fire from the session's own goroutines; handlers must not block.
type Hooks struct {
	OnAttach         func(target types.TargetInfo)
	OnDetach         func(reason string)
	OnPageNavigation func(url string)
	OnPageLoad       func()
	// OnPageIntl reports navigator.language and the resolved timezone
	// once per attach.
	OnPageIntl func(language, timezone string)
}

// Options configure a session.
type Options struct {
	// ChromeHost/ChromePort locate the DevTools HTTP endpoint.
	ChromeHost string
	ChromePort int
	// Match selects the target to attach to; empty picks the first.
	Match *types.TargetMatch
	// CallTimeout overrides DefaultCallTimeout when positive.
	CallTimeout time.Duration
}

// Session owns one WebSocket to Chrome. The reconnect loop re-runs the
// full attach sequence on every new connection.
type Session struct {
	opts   Options
	hooks  Hooks
	logger *zap.Logger

	nextID atomic.Int64

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[int64]*pendingCall

	writeMu sync.Mutex

	subsMu    sync.RWMutex
	subs      map[string][]*eventSub
	nextSubID int64

	attached     atomic.Bool
	lastAttachOK atomic.Bool
	internalOnce sync.Once

	targetMu sync.RWMutex
	target   types.TargetInfo

	matchMu sync.RWMutex
	match   *types.TargetMatch

	metrics Metrics
}

// Metrics is the observability hook; a no-op implementation is used
// when the watcher runs without Prometheus.
type Metrics interface {
	RecordReconnect()
	RecordCall(method string, err error)
	SetPendingCalls(n int)
}

type nopMetrics struct{}

func (nopMetrics) RecordReconnect()                    {}
func (nopMetrics) RecordCall(method string, err error) {}
func (nopMetrics) SetPendingCalls(n int)               {}

// NewSession builds a session; Run starts it.
func NewSession(opts Options, hooks Hooks, logger *zap.Logger) *Session {
	return &Session{
		opts:    opts,
		hooks:   hooks,
		logger:  logger,
		match:   opts.Match,
		pending: map[int64]*pendingCall{},
		subs:    map[string][]*eventSub{},
		metrics: nopMetrics{},
	}
}

// SetMatch replaces the target predicate used by the next (re)connect.
func (s *Session) SetMatch(m *types.TargetMatch) {
	s.matchMu.Lock()
	s.match = m
	s.matchMu.Unlock()
}

// Match returns the current target predicate.
func (s *Session) Match() *types.TargetMatch {
	s.matchMu.RLock()
	defer s.matchMu.RUnlock()
	return s.match
}

// SetMetrics installs the metrics sink. Call before Run.
func (s *Session) SetMetrics(m Metrics) {
	if m != nil {
		s.metrics = m
	}
}

// Attached reports whether the attach sequence completed on the current
// connection.
func (s *Session) Attached() bool { return s.attached.Load() }

// Target returns the target summary of the current attachment.
func (s *Session) Target() types.TargetInfo {
	s.targetMu.RLock()
	defer s.targetMu.RUnlock()
	return s.target
}

// OnEvent subscribes fn to a protocol event method. Handlers for one
// method run synchronously in subscription order. The returned func
// unsubscribes.
func (s *Session) OnEvent(method string, fn EventHandler) func() {
	s.subsMu.Lock()
	s.nextSubID++
	sub := &eventSub{id: s.nextSubID, fn: fn}
	s.subs[method] = append(s.subs[method], sub)
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		list := s.subs[method]
		for i, candidate := range list {
			if candidate.id == sub.id {
				s.subs[method] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
}

// Call sends method with raw params and waits for the matching response,
// the timeout, or socket close.
func (s *Session) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	res, err := s.call(ctx, method, params)
	s.metrics.RecordCall(method, err)
	return res, err
}

func (s *Session) call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	timeout := s.opts.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	id := s.nextID.Add(1)
	pc := &pendingCall{id: id, ch: make(chan callResult, 1)}

	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return nil, types.NewAPIError(types.CodeCDPNotAttached, "no CDP connection")
	}
	s.pending[id] = pc
	s.metrics.SetPendingCalls(len(s.pending))
	s.mu.Unlock()

	msg := wireMessage{ID: id, Method: method, Params: params}
	data, err := json.Marshal(&msg)
	if err != nil {
		s.dropPending(id)
		return nil, fmt.Errorf("marshal %s: %w", method, err)
	}

	s.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	s.writeMu.Unlock()
	if err != nil {
		s.dropPending(id)
		return nil, types.NewAPIError(types.CodeWSError, fmt.Sprintf("write %s: %v", method, err))
	}

	select {
	case res := <-pc.ch:
		return res.result, res.err
	case <-ctx.Done():
		s.dropPending(id)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, types.NewAPIError(types.CodeCDPTimeout, fmt.Sprintf("%s timed out", method))
		}
		return nil, ctx.Err()
	}
}

// Execute implements cdproto's cdp.Executor so typed commands
// (dom.GetDocument().Do, input.DispatchMouseEvent().Do, ...) run over
// this session.
func (s *Session) Execute(ctx context.Context, method string, params, res any) error {
	var payload json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal %s params: %w", method, err)
		}
		payload = data
	}
	result, err := s.Call(ctx, method, payload)
	if err != nil {
		return err
	}
	if res != nil && len(result) > 0 {
		if err := json.Unmarshal(result, res); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

func (s *Session) dropPending(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.metrics.SetPendingCalls(len(s.pending))
	s.mu.Unlock()
}

// failAllPending rejects every in-flight call; used on socket close.
func (s *Session) failAllPending(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = map[int64]*pendingCall{}
	s.metrics.SetPendingCalls(0)
	s.mu.Unlock()
	for _, pc := range pending {
		pc.ch <- callResult{err: err}
	}
}

// eventQueueSize bounds the per-connection event backlog. A full queue
// drops events rather than stall the reader.
const eventQueueSize = 4096

type queuedEvent struct {
	method string
	params json.RawMessage
}

// readLoop pumps frames until the connection dies. Responses settle
// pending calls directly; events queue to a dispatcher goroutine, which
// preserves wire order within one connection. Handlers may therefore
// issue blocking protocol calls: the reader stays free to deliver the
// responses those calls wait on.
func (s *Session) readLoop(conn *websocket.Conn) error {
	queue := make(chan queuedEvent, eventQueueSize)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range queue {
			s.dispatchEvent(ev.method, ev.params)
		}
	}()
	defer func() {
		// Unblock any handler waiting on a response before draining.
		s.failAllPending(types.NewAPIError(types.CodeCDPClosed, "CDP connection closed"))
		close(queue)
		<-drained
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("Discarding unparseable CDP frame", zap.Error(err))
			continue
		}
		if msg.ID != 0 {
			s.deliverResponse(&msg)
			continue
		}
		if msg.Method != "" {
			select {
			case queue <- queuedEvent{method: msg.Method, params: msg.Params}:
			default:
				s.logger.Warn("Event queue full; dropping event",
					zap.String("method", msg.Method))
			}
		}
	}
}

func (s *Session) deliverResponse(msg *wireMessage) {
	s.mu.Lock()
	pc, ok := s.pending[msg.ID]
	if ok {
		delete(s.pending, msg.ID)
		s.metrics.SetPendingCalls(len(s.pending))
	}
	s.mu.Unlock()
	if !ok {
		// Late response after timeout; nothing is waiting.
		return
	}
	if msg.Error != nil {
		pc.ch <- callResult{err: types.NewAPIError(types.CodeOperatorError, msg.Error.Message)}
		return
	}
	pc.ch <- callResult{result: msg.Result}
}

func (s *Session) dispatchEvent(method string, params json.RawMessage) {
	s.subsMu.RLock()
	list := make([]*eventSub, len(s.subs[method]))
	copy(list, s.subs[method])
	s.subsMu.RUnlock()
	for _, sub := range list {
		sub.fn(params)
	}
}
