package source

import (
	"context"
	"time"

	"go.uber.org/zap"

	watchercdp "github.com/argus-tools/argus/internal/cdp"
	"github.com/argus-tools/argus/pkg/types"
)

// CDPAdapter drives a direct DevTools websocket session.
type CDPAdapter struct {
	session  *watchercdp.Session
	endpoint watchercdp.Endpoint
}

// CDPOptions configure a direct-CDP adapter.
type CDPOptions struct {
	Chrome      types.ChromeAddr
	Match       *types.TargetMatch
	CallTimeout time.Duration
}

func NewCDPAdapter(opts CDPOptions, hooks Hooks, logger *zap.Logger) *CDPAdapter {
	session := watchercdp.NewSession(watchercdp.Options{
		ChromeHost:  opts.Chrome.Host,
		ChromePort:  opts.Chrome.Port,
		Match:       opts.Match,
		CallTimeout: opts.CallTimeout,
	}, watchercdp.Hooks{
		OnAttach:         hooks.OnAttach,
		OnDetach:         hooks.OnDetach,
		OnPageNavigation: hooks.OnPageNavigation,
		OnPageLoad:       hooks.OnPageLoad,
		OnPageIntl:       hooks.OnPageIntl,
	}, logger)

	return &CDPAdapter{
		session:  session,
		endpoint: watchercdp.Endpoint{Host: opts.Chrome.Host, Port: opts.Chrome.Port},
	}
}

func (a *CDPAdapter) Session() Session { return a.session }

// CDPSession exposes the concrete session for callers that need the
// metrics hook.
func (a *CDPAdapter) CDPSession() *watchercdp.Session { return a.session }

func (a *CDPAdapter) ListTargets(ctx context.Context) ([]types.TargetInfo, error) {
	return watchercdp.ListTargets(ctx, a.endpoint)
}

// AttachTarget pins the match predicate to one target id and forces a
// reconnect, which re-runs the attach sequence against it.
func (a *CDPAdapter) AttachTarget(ctx context.Context, targetID string) error {
	a.session.SetMatch(&types.TargetMatch{TargetID: targetID})
	a.session.Close()
	return nil
}

func (a *CDPAdapter) DetachTarget(ctx context.Context) error {
	a.session.Close()
	return nil
}

func (a *CDPAdapter) Run(ctx context.Context) { a.session.Run(ctx) }

func (a *CDPAdapter) Stop() { a.session.Close() }
