// Package source abstracts how a watcher reaches its page. The "cdp"
// adapter speaks directly to a local Chrome's DevTools socket; the
// "extension" adapter tunnels the same protocol through a browser
// extension over Native Messaging. Everything above this package sees
// one handle, regardless of transport.
package source

import (
	"context"
	"encoding/json"

	cdppkg "github.com/chromedp/cdproto/cdp"

	watchercdp "github.com/argus-tools/argus/internal/cdp"
	"github.com/argus-tools/argus/pkg/types"
)

// Session is the protocol surface operators and capture pipelines use.
// Both adapters provide it.
type Session interface {
	cdppkg.Executor
	Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
	OnEvent(method string, fn watchercdp.EventHandler) func()
	Attached() bool
	Target() types.TargetInfo
}

// Adapter owns the transport lifecycle around a Session.
type Adapter interface {
	// Session is valid for the adapter's whole lifetime; calls made while
	// detached fail with cdp_not_attached.
	Session() Session
	// ListTargets enumerates attachable targets. The extension adapter
	// reports only what the user exposed in the browser UI.
	ListTargets(ctx context.Context) ([]types.TargetInfo, error)
	// AttachTarget moves the session to the given target id.
	AttachTarget(ctx context.Context, targetID string) error
	// DetachTarget drops the current attachment without stopping the
	// adapter; direct CDP will re-attach per its match predicate.
	DetachTarget(ctx context.Context) error
	// Run drives the adapter until ctx is canceled.
	Run(ctx context.Context)
	// Stop tears the transport down.
	Stop()
}

// Hooks are the lifecycle callbacks an adapter fires. The zero value is
// fully inert.
type Hooks struct {
	OnAttach         func(target types.TargetInfo)
	OnDetach         func(reason string)
	OnPageNavigation func(url string)
	OnPageLoad       func()
	OnPageIntl       func(language, timezone string)
}
