package emulation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/argus-tools/argus/pkg/types"
)

// fakeSession records commands and answers Runtime.evaluate with a
// canned user agent.
type fakeSession struct {
	mu       sync.Mutex
	attached bool
	calls    []string
	params   map[string]string
	failOn   string
}

func newFakeSession(attached bool) *fakeSession {
	return &fakeSession{attached: attached, params: map[string]string{}}
}

func (f *fakeSession) Attached() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attached
}

func (f *fakeSession) Execute(ctx context.Context, method string, params, res any) error {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	if params != nil {
		if data, err := json.Marshal(params); err == nil {
			f.params[method] = string(data)
		}
	}
	fail := f.failOn
	f.mu.Unlock()
	if fail != "" && fail == method {
		return fmt.Errorf("%s refused", method)
	}
	if method == "Runtime.evaluate" && res != nil {
		return json.Unmarshal([]byte(`{"result":{"type":"string","value":"BaselineUA/1.0"}}`), res)
	}
	return nil
}

func (f *fakeSession) called(method string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.calls {
		if m == method {
			return true
		}
	}
	return false
}

func TestEmulationSetAppliesWhenAttached(t *testing.T) {
	sess := newFakeSession(true)
	c := NewController(sess, zap.NewNop())

	state, status := c.Set(context.Background(), &types.EmulationState{
		Viewport: &types.ViewportSpec{Width: 390, Height: 844, DPR: 3, Mobile: true},
		Touch:    &types.TouchSpec{Enabled: true},
	})

	assert.True(t, status.Attached)
	assert.True(t, status.Applied)
	assert.Empty(t, status.LastError)
	require.NotNil(t, state.Viewport)
	assert.EqualValues(t, 390, state.Viewport.Width)
	assert.True(t, sess.called("Emulation.setDeviceMetricsOverride"))
	assert.True(t, sess.called("Emulation.setTouchEmulationEnabled"))
	assert.Contains(t, sess.params["Emulation.setDeviceMetricsOverride"], `"mobile":true`)
}

func TestEmulationSetWhileDetachedIsDesiredOnly(t *testing.T) {
	sess := newFakeSession(false)
	c := NewController(sess, zap.NewNop())

	state, status := c.Set(context.Background(), &types.EmulationState{
		Viewport: &types.ViewportSpec{Width: 800, Height: 600},
	})

	assert.False(t, status.Attached)
	assert.False(t, status.Applied)
	require.NotNil(t, state.Viewport)
	assert.False(t, sess.called("Emulation.setDeviceMetricsOverride"))
}

func TestEmulationOnAttachReplaysDesiredState(t *testing.T) {
	sess := newFakeSession(false)
	c := NewController(sess, zap.NewNop())
	c.Set(context.Background(), &types.EmulationState{
		Viewport: &types.ViewportSpec{Width: 800, Height: 600},
	})

	sess.mu.Lock()
	sess.attached = true
	sess.mu.Unlock()
	c.OnAttach(context.Background())

	assert.True(t, sess.called("Runtime.evaluate")) // baseline UA capture
	assert.True(t, sess.called("Emulation.setDeviceMetricsOverride"))

	_, status := c.Status()
	assert.True(t, status.Applied, "successful replay flips applied")
	assert.Empty(t, status.LastError)
}

func TestEmulationOnAttachReplayFailureRecorded(t *testing.T) {
	sess := newFakeSession(false)
	c := NewController(sess, zap.NewNop())
	c.Set(context.Background(), &types.EmulationState{
		Viewport: &types.ViewportSpec{Width: 800, Height: 600},
	})

	sess.mu.Lock()
	sess.attached = true
	sess.failOn = "Emulation.setDeviceMetricsOverride"
	sess.mu.Unlock()
	c.OnAttach(context.Background())

	_, status := c.Status()
	assert.False(t, status.Applied)
	assert.Contains(t, status.LastError, "refused")
}

func TestEmulationSetMergesAspects(t *testing.T) {
	sess := newFakeSession(true)
	c := NewController(sess, zap.NewNop())

	c.Set(context.Background(), &types.EmulationState{Viewport: &types.ViewportSpec{Width: 1024, Height: 768}})
	state, _ := c.Set(context.Background(), &types.EmulationState{Touch: &types.TouchSpec{Enabled: true}})

	require.NotNil(t, state.Viewport, "earlier viewport survives a touch-only set")
	require.NotNil(t, state.Touch)
}

func TestEmulationClearAspects(t *testing.T) {
	sess := newFakeSession(true)
	c := NewController(sess, zap.NewNop())
	c.OnAttach(context.Background()) // capture baseline UA
	ua := "Custom/2.0"
	c.Set(context.Background(), &types.EmulationState{
		Viewport:  &types.ViewportSpec{Width: 390, Height: 844},
		UserAgent: &types.UserAgentSpec{Value: &ua},
	})

	state, _, err := c.Clear(context.Background(), []string{"viewport"})
	require.NoError(t, err)
	assert.Nil(t, state.Viewport)
	require.NotNil(t, state.UserAgent, "userAgent survives viewport-only clear")
	assert.True(t, sess.called("Emulation.clearDeviceMetricsOverride"))

	state, _, err = c.Clear(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, state.IsEmpty())
	// Full clear restores the captured baseline UA.
	assert.Contains(t, sess.params["Emulation.setUserAgentOverride"], "BaselineUA/1.0")

	_, _, err = c.Clear(context.Background(), []string{"bogus"})
	require.Error(t, err)
	assert.Equal(t, types.CodeInvalidBody, types.ErrorCode(err))
}

func TestEmulationApplyFailureRecorded(t *testing.T) {
	sess := newFakeSession(true)
	sess.failOn = "Emulation.setDeviceMetricsOverride"
	c := NewController(sess, zap.NewNop())

	state, status := c.Set(context.Background(), &types.EmulationState{
		Viewport: &types.ViewportSpec{Width: 390, Height: 844},
	})

	assert.True(t, status.Attached)
	assert.False(t, status.Applied)
	assert.Contains(t, status.LastError, "refused")
	require.NotNil(t, state.Viewport, "desired state is kept for the next attach")
}

func TestThrottleValidation(t *testing.T) {
	sess := newFakeSession(true)
	th := NewThrottle(sess, zap.NewNop())

	_, _, err := th.Set(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, types.CodeInvalidBody, types.ErrorCode(err))

	_, _, err = th.Set(context.Background(), &types.ThrottleState{CPU: &types.CPUSpec{Rate: 0.5}})
	require.Error(t, err)
	assert.Equal(t, types.CodeInvalidBody, types.ErrorCode(err))
}

func TestThrottleSetAndClear(t *testing.T) {
	sess := newFakeSession(true)
	th := NewThrottle(sess, zap.NewNop())

	state, status, err := th.Set(context.Background(), &types.ThrottleState{CPU: &types.CPUSpec{Rate: 4}})
	require.NoError(t, err)
	assert.True(t, status.Applied)
	require.NotNil(t, state.CPU)
	assert.Equal(t, 4.0, state.CPU.Rate)
	assert.Contains(t, sess.params["Emulation.setCPUThrottlingRate"], `"rate":4`)

	state, status = th.Clear(context.Background())
	assert.True(t, state.IsEmpty())
	assert.True(t, status.Applied)
	assert.Contains(t, sess.params["Emulation.setCPUThrottlingRate"], `"rate":1`)
}

func TestThrottleOnAttachReplays(t *testing.T) {
	sess := newFakeSession(false)
	th := NewThrottle(sess, zap.NewNop())
	_, status, err := th.Set(context.Background(), &types.ThrottleState{CPU: &types.CPUSpec{Rate: 6}})
	require.NoError(t, err)
	assert.False(t, status.Applied)

	sess.mu.Lock()
	sess.attached = true
	sess.mu.Unlock()
	th.OnAttach(context.Background())
	assert.True(t, sess.called("Emulation.setCPUThrottlingRate"))

	_, status = th.Status()
	assert.True(t, status.Applied, "successful replay flips applied")
	assert.Empty(t, status.LastError)
}

func TestThrottleOnAttachReplayFailureRecorded(t *testing.T) {
	sess := newFakeSession(false)
	th := NewThrottle(sess, zap.NewNop())
	_, _, err := th.Set(context.Background(), &types.ThrottleState{CPU: &types.CPUSpec{Rate: 6}})
	require.NoError(t, err)

	sess.mu.Lock()
	sess.attached = true
	sess.failOn = "Emulation.setCPUThrottlingRate"
	sess.mu.Unlock()
	th.OnAttach(context.Background())

	_, status := th.Status()
	assert.False(t, status.Applied)
	assert.Contains(t, status.LastError, "refused")
}
