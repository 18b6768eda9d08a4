package source

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/argus-tools/argus/pkg/types"
)

func TestNativeFramerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := newNativeFramer(&buf, &buf)

	in := &bridgeMessage{Kind: kindCDPCommand, ID: 7, Method: "Runtime.evaluate", Params: json.RawMessage(`{"expression":"1+1"}`)}
	require.NoError(t, f.write(in))

	out, err := f.read()
	require.NoError(t, err)
	assert.Equal(t, in.Kind, out.Kind)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Method, out.Method)
	assert.JSONEq(t, string(in.Params), string(out.Params))
}

func TestNativeFramerRejectsOversizedFrames(t *testing.T) {
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], maxInboundFrame+1)
	f := newNativeFramer(bytes.NewReader(header[:]), io.Discard)
	_, err := f.read()
	require.Error(t, err)

	big := &bridgeMessage{Kind: kindCDPResponse, Result: json.RawMessage(`"` + string(bytes.Repeat([]byte{'x'}, maxOutboundFrame)) + `"`)}
	fw := newNativeFramer(nil, io.Discard)
	require.Error(t, fw.write(big))
}

// extHarness runs an ExtensionAdapter against in-memory pipes standing in
// for the extension's stdio.
type extHarness struct {
	adapter *ExtensionAdapter
	framer  *nativeFramer // the extension's side
	cancel  context.CancelFunc
}

func newExtHarness(t *testing.T, hooks Hooks) *extHarness {
	t.Helper()
	hostIn, extOut := io.Pipe() // extension writes -> host reads
	extIn, hostOut := io.Pipe() // host writes -> extension reads

	adapter := NewExtensionAdapter(hostIn, hostOut, hooks, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go adapter.Run(ctx)
	t.Cleanup(func() {
		cancel()
		extOut.Close()
		extIn.Close()
	})
	return &extHarness{
		adapter: adapter,
		framer:  newNativeFramer(extIn, extOut),
		cancel:  cancel,
	}
}

func (h *extHarness) attach(t *testing.T, target types.TargetInfo) {
	t.Helper()
	require.NoError(t, h.framer.write(&bridgeMessage{Kind: kindTabAttached, Target: &target}))
	require.Eventually(t, h.adapter.Session().Attached, 2*time.Second, 10*time.Millisecond)
}

func TestExtensionAttachDetachLifecycle(t *testing.T) {
	attached := make(chan types.TargetInfo, 1)
	detached := make(chan string, 1)
	h := newExtHarness(t, Hooks{
		OnAttach: func(ti types.TargetInfo) { attached <- ti },
		OnDetach: func(reason string) { detached <- reason },
	})

	h.attach(t, types.TargetInfo{ID: "tab-1", URL: "https://app.test/"})
	select {
	case ti := <-attached:
		assert.Equal(t, "tab-1", ti.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("OnAttach never fired")
	}
	assert.Equal(t, "https://app.test/", h.adapter.Session().Target().URL)

	require.NoError(t, h.framer.write(&bridgeMessage{Kind: kindTabDetached, Reason: "user closed tab"}))
	select {
	case reason := <-detached:
		assert.Equal(t, "user closed tab", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("OnDetach never fired")
	}
	assert.False(t, h.adapter.Session().Attached())
}

func TestExtensionCallRoundTrip(t *testing.T) {
	h := newExtHarness(t, Hooks{})
	h.attach(t, types.TargetInfo{ID: "tab-1"})

	// The fake extension answers the next command.
	go func() {
		msg, err := h.framer.read()
		if err != nil || msg.Kind != kindCDPCommand {
			return
		}
		h.framer.write(&bridgeMessage{Kind: kindCDPResponse, ID: msg.ID, Result: json.RawMessage(`{"answer":42}`)})
	}()

	res, err := h.adapter.Session().Call(context.Background(), "test.echo", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer":42}`, string(res))
}

func TestExtensionCallErrorAndNotAttached(t *testing.T) {
	h := newExtHarness(t, Hooks{})

	_, err := h.adapter.Session().Call(context.Background(), "test.echo", nil)
	require.Error(t, err)
	assert.Equal(t, types.CodeCDPNotAttached, types.ErrorCode(err))

	h.attach(t, types.TargetInfo{ID: "tab-1"})
	go func() {
		msg, err := h.framer.read()
		if err != nil {
			return
		}
		h.framer.write(&bridgeMessage{Kind: kindCDPResponse, ID: msg.ID, Error: "target crashed"})
	}()
	_, err = h.adapter.Session().Call(context.Background(), "test.echo", nil)
	require.Error(t, err)
	assert.Equal(t, types.CodeOperatorError, types.ErrorCode(err))
	assert.Contains(t, err.Error(), "target crashed")
}

func TestExtensionEventDispatch(t *testing.T) {
	h := newExtHarness(t, Hooks{})
	h.attach(t, types.TargetInfo{ID: "tab-1"})

	got := make(chan string, 1)
	h.adapter.Session().OnEvent("Runtime.consoleAPICalled", func(params json.RawMessage) {
		got <- string(params)
	})
	require.NoError(t, h.framer.write(&bridgeMessage{
		Kind:   kindCDPEvent,
		Method: "Runtime.consoleAPICalled",
		Params: json.RawMessage(`{"type":"log"}`),
	}))
	select {
	case params := <-got:
		assert.JSONEq(t, `{"type":"log"}`, params)
	case <-time.After(2 * time.Second):
		t.Fatal("event never dispatched")
	}
}

func TestExtensionEventHandlerMayCall(t *testing.T) {
	h := newExtHarness(t, Hooks{})
	h.attach(t, types.TargetInfo{ID: "tab-1"})

	// The fake extension answers the command the handler issues.
	go func() {
		msg, err := h.framer.read()
		if err != nil || msg.Kind != kindCDPCommand {
			return
		}
		h.framer.write(&bridgeMessage{Kind: kindCDPResponse, ID: msg.ID, Result: json.RawMessage(`{"ok":true}`)})
	}()

	type outcome struct {
		res json.RawMessage
		err error
	}
	got := make(chan outcome, 1)
	h.adapter.Session().OnEvent("Custom.lookup", func(json.RawMessage) {
		res, err := h.adapter.Session().Call(context.Background(), "test.deref", nil)
		got <- outcome{res, err}
	})
	require.NoError(t, h.framer.write(&bridgeMessage{Kind: kindCDPEvent, Method: "Custom.lookup"}))

	select {
	case o := <-got:
		require.NoError(t, o.err)
		assert.JSONEq(t, `{"ok":true}`, string(o.res))
	case <-time.After(5 * time.Second):
		t.Fatal("call issued from an event handler never completed")
	}
}

func TestExtensionDetachFailsPendingCalls(t *testing.T) {
	h := newExtHarness(t, Hooks{})
	h.attach(t, types.TargetInfo{ID: "tab-1"})

	errCh := make(chan error, 1)
	go func() {
		_, err := h.adapter.Session().Call(context.Background(), "test.slow", nil)
		errCh <- err
	}()
	// Let the command frame reach the pipe before detaching.
	msg, err := h.framer.read()
	require.NoError(t, err)
	require.Equal(t, kindCDPCommand, msg.Kind)

	require.NoError(t, h.framer.write(&bridgeMessage{Kind: kindTabDetached}))
	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Equal(t, types.CodeCDPClosed, types.ErrorCode(err))
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not failed on detach")
	}
}

func TestExtensionListTargets(t *testing.T) {
	h := newExtHarness(t, Hooks{})

	go func() {
		msg, err := h.framer.read()
		if err != nil || msg.Kind != kindListTargets {
			return
		}
		h.framer.write(&bridgeMessage{Kind: kindTargets, Targets: []types.TargetInfo{
			{ID: "tab-1", Type: "page", URL: "https://a.test/"},
			{ID: "tab-2", Type: "page", URL: "https://b.test/"},
		}})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	targets, err := h.adapter.ListTargets(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "tab-2", targets[1].ID)
}
