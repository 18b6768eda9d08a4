package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	watchercdp "github.com/argus-tools/argus/internal/cdp"
	"github.com/argus-tools/argus/pkg/types"
)

// ExtensionAdapter tunnels the debugger protocol through a browser
// extension: Chrome launches this process as a Native Messaging host and
// the extension relays chrome.debugger traffic over stdio. Attachment is
// user-driven in the browser UI, so ListTargets/AttachTarget only relay
// requests; the tab_attached frame is what actually flips the state.
type ExtensionAdapter struct {
	framer  *nativeFramer
	hooks   Hooks
	logger  *zap.Logger
	session *extensionSession

	targetsMu sync.Mutex
	targetsCh chan []types.TargetInfo
}

func NewExtensionAdapter(r io.Reader, w io.Writer, hooks Hooks, logger *zap.Logger) *ExtensionAdapter {
	a := &ExtensionAdapter{
		framer:    newNativeFramer(r, w),
		hooks:     hooks,
		logger:    logger,
		targetsCh: make(chan []types.TargetInfo, 1),
	}
	a.session = &extensionSession{
		framer:  a.framer,
		pending: map[int64]chan bridgeResult{},
		subs:    map[string][]*extensionSub{},
	}
	return a
}

func (a *ExtensionAdapter) Session() Session { return a.session }

// eventQueueSize bounds the bridge event backlog. A full queue drops
// events rather than stall the reader.
const eventQueueSize = 4096

type queuedBridgeEvent struct {
	method string
	params json.RawMessage
}

// Run pumps inbound frames until stdin closes, which is how Chrome
// terminates a native host. CDP events drain on a separate goroutine so
// event handlers may issue blocking protocol calls; the reader stays
// free to deliver the responses those calls wait on.
func (a *ExtensionAdapter) Run(ctx context.Context) {
	queue := make(chan queuedBridgeEvent, eventQueueSize)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range queue {
			a.session.dispatch(ev.method, ev.params)
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			msg, err := a.framer.read()
			if err != nil {
				a.logger.Info("Native messaging channel closed", zap.Error(err))
				wasAttached := a.session.wasAttached()
				a.session.detach("channel closed")
				close(queue)
				<-drained
				if a.hooks.OnDetach != nil && wasAttached {
					a.hooks.OnDetach("channel closed")
				}
				return
			}
			a.handle(msg, queue)
		}
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}
}

func (a *ExtensionAdapter) handle(msg *bridgeMessage, queue chan<- queuedBridgeEvent) {
	switch msg.Kind {
	case kindCDPResponse:
		a.session.deliver(msg)
	case kindCDPEvent:
		select {
		case queue <- queuedBridgeEvent{method: msg.Method, params: msg.Params}:
		default:
			a.logger.Warn("Event queue full; dropping event", zap.String("method", msg.Method))
		}
	case kindTabAttached:
		if msg.Target == nil {
			return
		}
		a.session.attach(*msg.Target)
		if a.hooks.OnAttach != nil {
			a.hooks.OnAttach(*msg.Target)
		}
	case kindTabDetached:
		reason := msg.Reason
		if reason == "" {
			reason = "tab detached"
		}
		wasAttached := a.session.wasAttached()
		a.session.detach(reason)
		if wasAttached && a.hooks.OnDetach != nil {
			a.hooks.OnDetach(reason)
		}
	case kindTabUpdated:
		a.session.setURL(msg.URL)
		if a.hooks.OnPageNavigation != nil {
			a.hooks.OnPageNavigation(msg.URL)
		}
	case kindTabLoaded:
		if a.hooks.OnPageLoad != nil {
			a.hooks.OnPageLoad()
		}
	case kindTabIntl:
		if a.hooks.OnPageIntl != nil {
			a.hooks.OnPageIntl(msg.Language, msg.Timezone)
		}
	case kindTargets:
		select {
		case a.targetsCh <- msg.Targets:
		default:
		}
	default:
		a.logger.Warn("Unknown native frame kind", zap.String("kind", msg.Kind))
	}
}

// ListTargets asks the extension for the tabs the user exposed.
func (a *ExtensionAdapter) ListTargets(ctx context.Context) ([]types.TargetInfo, error) {
	a.targetsMu.Lock()
	defer a.targetsMu.Unlock()

	// Drain a stale unsolicited answer.
	select {
	case <-a.targetsCh:
	default:
	}
	if err := a.framer.write(&bridgeMessage{Kind: kindListTargets}); err != nil {
		return nil, types.NewAPIError(types.CodeWSError, err.Error())
	}
	select {
	case targets := <-a.targetsCh:
		return targets, nil
	case <-ctx.Done():
		return nil, types.NewAPIError(types.CodeCDPTimeout, "extension did not answer list_targets")
	}
}

// AttachTarget relays the request; attachment completes when the
// extension answers with tab_attached.
func (a *ExtensionAdapter) AttachTarget(ctx context.Context, targetID string) error {
	msg := &bridgeMessage{Kind: kindAttachTab, Target: &types.TargetInfo{ID: targetID}}
	if err := a.framer.write(msg); err != nil {
		return types.NewAPIError(types.CodeWSError, err.Error())
	}
	return nil
}

func (a *ExtensionAdapter) DetachTarget(ctx context.Context) error {
	if err := a.framer.write(&bridgeMessage{Kind: kindDetachTab}); err != nil {
		return types.NewAPIError(types.CodeWSError, err.Error())
	}
	return nil
}

func (a *ExtensionAdapter) Stop() {
	a.session.detach("adapter stopped")
}

type bridgeResult struct {
	result json.RawMessage
	err    error
}

type extensionSub struct {
	id int64
	fn watchercdp.EventHandler
}

// extensionSession mirrors the direct CDP session's correlation logic on
// top of bridge frames.
type extensionSession struct {
	framer *nativeFramer

	nextID atomic.Int64

	mu       sync.Mutex
	pending  map[int64]chan bridgeResult
	attached bool

	subsMu    sync.RWMutex
	subs      map[string][]*extensionSub
	nextSubID int64

	targetMu sync.RWMutex
	target   types.TargetInfo
}

func (s *extensionSession) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

func (s *extensionSession) wasAttached() bool { return s.Attached() }

func (s *extensionSession) Target() types.TargetInfo {
	s.targetMu.RLock()
	defer s.targetMu.RUnlock()
	return s.target
}

func (s *extensionSession) attach(target types.TargetInfo) {
	s.targetMu.Lock()
	s.target = target
	s.targetMu.Unlock()
	s.mu.Lock()
	s.attached = true
	s.mu.Unlock()
}

func (s *extensionSession) setURL(url string) {
	s.targetMu.Lock()
	s.target.URL = url
	s.targetMu.Unlock()
}

// detach fails every pending call and flips the attached flag.
func (s *extensionSession) detach(reason string) {
	s.mu.Lock()
	s.attached = false
	pending := s.pending
	s.pending = map[int64]chan bridgeResult{}
	s.mu.Unlock()
	err := types.NewAPIError(types.CodeCDPClosed, reason)
	for _, ch := range pending {
		ch <- bridgeResult{err: err}
	}
}

func (s *extensionSession) OnEvent(method string, fn watchercdp.EventHandler) func() {
	s.subsMu.Lock()
	s.nextSubID++
	sub := &extensionSub{id: s.nextSubID, fn: fn}
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

func (s *extensionSession) dispatch(method string, params json.RawMessage) {
	s.subsMu.RLock()
	list := make([]*extensionSub, len(s.subs[method]))
	copy(list, s.subs[method])
	s.subsMu.RUnlock()
	for _, sub := range list {
		sub.fn(params)
	}
}

func (s *extensionSession) deliver(msg *bridgeMessage) {
	s.mu.Lock()
	ch, ok := s.pending[msg.ID]
	if ok {
		delete(s.pending, msg.ID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if msg.Error != "" {
		ch <- bridgeResult{err: types.NewAPIError(types.CodeOperatorError, msg.Error)}
		return
	}
	ch <- bridgeResult{result: msg.Result}
}

func (s *extensionSession) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, watchercdp.DefaultCallTimeout)
		defer cancel()
	}

	s.mu.Lock()
	if !s.attached {
		s.mu.Unlock()
		return nil, types.NewAPIError(types.CodeCDPNotAttached, "no tab attached")
	}
	id := s.nextID.Add(1)
	ch := make(chan bridgeResult, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	msg := &bridgeMessage{Kind: kindCDPCommand, ID: id, Method: method, Params: params}
	if err := s.framer.write(msg); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, types.NewAPIError(types.CodeWSError, err.Error())
	}

	select {
	case res := <-ch:
		return res.result, res.err
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, types.NewAPIError(types.CodeCDPTimeout, fmt.Sprintf("%s timed out", method))
		}
		return nil, ctx.Err()
	}
}

func (s *extensionSession) Execute(ctx context.Context, method string, params, res any) error {
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

var (
	_ Session = (*extensionSession)(nil)
	_ Session = (*watchercdp.Session)(nil)
	_ Adapter = (*ExtensionAdapter)(nil)
	_ Adapter = (*CDPAdapter)(nil)
)
