// Package emulation keeps desired device/throttle state and re-applies
// it after every attach. Desired state is persistent: a reconnect or
// navigation never silently drops an override; only an explicit clear
// does.
package emulation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	cdppkg "github.com/chromedp/cdproto/cdp"
	cdpemulation "github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/runtime"
	"go.uber.org/zap"

	"github.com/argus-tools/argus/pkg/types"
)

// Session is the protocol slice the controllers need.
type Session interface {
	cdppkg.Executor
	Attached() bool
}

// Controller owns the desired emulation state.
type Controller struct {
	sess   Session
	logger *zap.Logger

	mu         sync.Mutex
	state      types.EmulationState
	applied    bool
	lastError  string
	baselineUA string
}

func NewController(sess Session, logger *zap.Logger) *Controller {
	return &Controller{sess: sess, logger: logger}
}

// OnAttach captures the baseline user agent once, then replays the
// desired state onto the fresh target.
func (c *Controller) OnAttach(ctx context.Context) {
	c.captureBaseline(ctx)

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state.IsEmpty() {
		return
	}
	err := c.apply(ctx, state)
	c.setApplied(err == nil, err)
	if err != nil {
		c.logger.Warn("Re-applying emulation state failed", zap.Error(err))
	}
}

func (c *Controller) captureBaseline(ctx context.Context) {
	c.mu.Lock()
	have := c.baselineUA != ""
	c.mu.Unlock()
	if have {
		return
	}
	ectx := cdppkg.WithExecutor(ctx, c.sess)
	obj, exc, err := runtime.Evaluate("navigator.userAgent").WithReturnByValue(true).Do(ectx)
	if err != nil || exc != nil || obj == nil {
		return
	}
	var ua string
	if json.Unmarshal([]byte(obj.Value), &ua) != nil || ua == "" {
		return
	}
	c.mu.Lock()
	c.baselineUA = ua
	c.mu.Unlock()
}

// Set merges the given aspects into the desired state and applies it
// when attached. The desired state is recorded even when the apply
// fails; the next attach retries it.
func (c *Controller) Set(ctx context.Context, incoming *types.EmulationState) (types.EmulationState, types.DesiredStatus) {
	if incoming == nil {
		incoming = &types.EmulationState{}
	}
	c.mu.Lock()
	if incoming.Viewport != nil {
		c.state.Viewport = incoming.Viewport
	}
	if incoming.Touch != nil {
		c.state.Touch = incoming.Touch
	}
	if incoming.UserAgent != nil {
		c.state.UserAgent = incoming.UserAgent
	}
	state := c.state
	c.mu.Unlock()

	c.tryApply(ctx, state)
	return c.Status()
}

// Clear drops the named aspects (all of them when empty) and undoes the
// overrides on the live target.
func (c *Controller) Clear(ctx context.Context, aspects []string) (types.EmulationState, types.DesiredStatus, error) {
	all := len(aspects) == 0
	clearViewport, clearTouch, clearUA := all, all, all
	for _, aspect := range aspects {
		switch aspect {
		case "viewport":
			clearViewport = true
		case "touch":
			clearTouch = true
		case "userAgent", "ua":
			clearUA = true
		default:
			return types.EmulationState{}, types.DesiredStatus{}, types.NewAPIError(types.CodeInvalidBody,
				fmt.Sprintf("unknown emulation aspect %q", aspect))
		}
	}

	c.mu.Lock()
	if clearViewport {
		c.state.Viewport = nil
	}
	if clearTouch {
		c.state.Touch = nil
	}
	if clearUA {
		c.state.UserAgent = nil
	}
	baseline := c.baselineUA
	c.mu.Unlock()

	if c.sess.Attached() {
		ectx := cdppkg.WithExecutor(ctx, c.sess)
		var firstErr error
		record := func(err error) {
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if clearViewport {
			record(cdpemulation.ClearDeviceMetricsOverride().Do(ectx))
		}
		if clearTouch {
			record(cdpemulation.SetTouchEmulationEnabled(false).Do(ectx))
		}
		if clearUA && baseline != "" {
			record(cdpemulation.SetUserAgentOverride(baseline).Do(ectx))
		}
		c.setApplied(firstErr == nil, firstErr)
	}

	state, status := c.Status()
	return state, status, nil
}

// Status reports the desired state plus whether it is live on the page.
func (c *Controller) Status() (types.EmulationState, types.DesiredStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, types.DesiredStatus{
		Attached:  c.sess.Attached(),
		Applied:   c.applied,
		LastError: c.lastError,
	}
}

func (c *Controller) tryApply(ctx context.Context, state types.EmulationState) {
	if !c.sess.Attached() {
		c.setApplied(false, nil)
		return
	}
	err := c.apply(ctx, state)
	c.setApplied(err == nil, err)
}

func (c *Controller) setApplied(applied bool, err error) {
	c.mu.Lock()
	c.applied = applied
	if err != nil {
		c.lastError = err.Error()
	} else {
		c.lastError = ""
	}
	c.mu.Unlock()
}

func (c *Controller) apply(ctx context.Context, state types.EmulationState) error {
	ectx := cdppkg.WithExecutor(ctx, c.sess)

	if v := state.Viewport; v != nil {
		dpr := v.DPR
		if dpr <= 0 {
			dpr = 1
		}
		err := cdpemulation.SetDeviceMetricsOverride(v.Width, v.Height, dpr, v.Mobile).Do(ectx)
		if err != nil {
			return fmt.Errorf("viewport override: %w", err)
		}
	}
	if t := state.Touch; t != nil {
		if err := cdpemulation.SetTouchEmulationEnabled(t.Enabled).Do(ectx); err != nil {
			return fmt.Errorf("touch emulation: %w", err)
		}
	}
	if ua := state.UserAgent; ua != nil {
		value := ""
		if ua.Value != nil {
			value = *ua.Value
		} else {
			c.mu.Lock()
			value = c.baselineUA
			c.mu.Unlock()
		}
		if value != "" {
			if err := cdpemulation.SetUserAgentOverride(value).Do(ectx); err != nil {
				return fmt.Errorf("user agent override: %w", err)
			}
		}
	}
	return nil
}
