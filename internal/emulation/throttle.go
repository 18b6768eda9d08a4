package emulation

import (
	"context"
	"fmt"
	"sync"

	cdppkg "github.com/chromedp/cdproto/cdp"
	cdpemulation "github.com/chromedp/cdproto/emulation"
	"go.uber.org/zap"

	"github.com/argus-tools/argus/pkg/types"
)

// Throttle owns the desired CPU throttling state with the same
// persistent-until-cleared semantics as the emulation controller.
type Throttle struct {
	sess   Session
	logger *zap.Logger

	mu        sync.Mutex
	state     types.ThrottleState
	applied   bool
	lastError string
}

func NewThrottle(sess Session, logger *zap.Logger) *Throttle {
	return &Throttle{sess: sess, logger: logger}
}

// OnAttach replays the desired throttle onto a fresh target.
func (t *Throttle) OnAttach(ctx context.Context) {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()
	if state.IsEmpty() {
		return
	}
	err := t.apply(ctx, state)
	t.setApplied(err == nil, err)
	if err != nil {
		t.logger.Warn("Re-applying CPU throttle failed", zap.Error(err))
	}
}

// Set validates and records the desired throttle, applying it when
// attached. Rate 1 means no slowdown; fractions are rejected.
func (t *Throttle) Set(ctx context.Context, incoming *types.ThrottleState) (types.ThrottleState, types.DesiredStatus, error) {
	if incoming == nil || incoming.CPU == nil {
		return types.ThrottleState{}, types.DesiredStatus{}, types.NewAPIError(types.CodeInvalidBody, "cpu.rate is required")
	}
	if incoming.CPU.Rate < 1 {
		return types.ThrottleState{}, types.DesiredStatus{}, types.NewAPIError(types.CodeInvalidBody,
			fmt.Sprintf("cpu.rate must be >= 1, got %g", incoming.CPU.Rate))
	}

	t.mu.Lock()
	t.state.CPU = incoming.CPU
	state := t.state
	t.mu.Unlock()

	if t.sess.Attached() {
		err := t.apply(ctx, state)
		t.setApplied(err == nil, err)
	} else {
		t.setApplied(false, nil)
	}
	state, status := t.Status()
	return state, status, nil
}

// Clear restores full-speed execution and drops the desired state.
func (t *Throttle) Clear(ctx context.Context) (types.ThrottleState, types.DesiredStatus) {
	t.mu.Lock()
	t.state.CPU = nil
	t.mu.Unlock()

	if t.sess.Attached() {
		ectx := cdppkg.WithExecutor(ctx, t.sess)
		err := cdpemulation.SetCPUThrottlingRate(1).Do(ectx)
		t.setApplied(err == nil, err)
	}
	state, status := t.Status()
	return state, status
}

func (t *Throttle) Status() (types.ThrottleState, types.DesiredStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, types.DesiredStatus{
		Attached:  t.sess.Attached(),
		Applied:   t.applied,
		LastError: t.lastError,
	}
}

func (t *Throttle) setApplied(applied bool, err error) {
	t.mu.Lock()
	t.applied = applied
	if err != nil {
		t.lastError = err.Error()
	} else {
		t.lastError = ""
	}
	t.mu.Unlock()
}

func (t *Throttle) apply(ctx context.Context, state types.ThrottleState) error {
	if state.CPU == nil {
		return nil
	}
	ectx := cdppkg.WithExecutor(ctx, t.sess)
	if err := cdpemulation.SetCPUThrottlingRate(state.CPU.Rate).Do(ectx); err != nil {
		return fmt.Errorf("cpu throttle: %w", err)
	}
	return nil
}
