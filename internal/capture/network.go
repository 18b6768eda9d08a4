package capture

import (
	"encoding/json"
	"time"

	cdppkg "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"go.uber.org/zap"

	"github.com/argus-tools/argus/pkg/types"
)

// The network handlers key every transition by requestId. The summary is
// appended to the buffer on requestWillBeSent and completed in place;
// readers always see the latest known state of each request.

func (p *Pipeline) handleRequestWillBeSent(params json.RawMessage) {
	var ev network.EventRequestWillBeSent
	if err := json.Unmarshal(params, &ev); err != nil || ev.Request == nil {
		p.logger.Warn("Discarding malformed requestWillBeSent event", zap.Error(err))
		return
	}

	summary := &types.NetworkRequestSummary{
		Ts:           time.Now().UnixMilli(),
		RequestID:    string(ev.RequestID),
		URL:          p.redactText(ev.Request.URL),
		Method:       ev.Request.Method,
		ResourceType: string(ev.Type),
	}
	start := monotonicTime(ev.Timestamp)

	p.netMu.Lock()
	// A redirect reuses the requestId; the newest send wins.
	p.inflight[ev.RequestID] = &inflightRequest{summary: summary, start: start}
	p.netMu.Unlock()

	p.net.Add(summary)
}

func (p *Pipeline) handleResponseReceived(params json.RawMessage) {
	var ev network.EventResponseReceived
	if err := json.Unmarshal(params, &ev); err != nil || ev.Response == nil {
		p.logger.Warn("Discarding malformed responseReceived event", zap.Error(err))
		return
	}
	p.complete(ev.RequestID, func(summary *types.NetworkRequestSummary) {
		summary.Status = int(ev.Response.Status)
		if ev.Type != "" {
			summary.ResourceType = string(ev.Type)
		}
		if ev.Response.EncodedDataLength > 0 {
			summary.EncodedDataLength = ev.Response.EncodedDataLength
		}
	})
}

func (p *Pipeline) handleLoadingFinished(params json.RawMessage) {
	var ev network.EventLoadingFinished
	if err := json.Unmarshal(params, &ev); err != nil {
		p.logger.Warn("Discarding malformed loadingFinished event", zap.Error(err))
		return
	}
	p.finish(ev.RequestID, monotonicTime(ev.Timestamp), func(summary *types.NetworkRequestSummary) {
		if ev.EncodedDataLength > 0 {
			summary.EncodedDataLength = ev.EncodedDataLength
		}
	})
}

func (p *Pipeline) handleLoadingFailed(params json.RawMessage) {
	var ev network.EventLoadingFailed
	if err := json.Unmarshal(params, &ev); err != nil {
		p.logger.Warn("Discarding malformed loadingFailed event", zap.Error(err))
		return
	}
	errorText := ev.ErrorText
	if ev.Canceled && errorText == "" {
		errorText = "canceled"
	}
	p.finish(ev.RequestID, monotonicTime(ev.Timestamp), func(summary *types.NetworkRequestSummary) {
		summary.ErrorText = errorText
	})
}

// complete mutates an in-flight summary under the buffer lock so
// concurrent snapshots never see a torn write.
func (p *Pipeline) complete(id network.RequestID, fn func(*types.NetworkRequestSummary)) {
	p.netMu.Lock()
	req, ok := p.inflight[id]
	p.netMu.Unlock()
	if !ok {
		return
	}
	p.net.Update(func() { fn(req.summary) })
}

// finish is complete plus duration and in-flight cleanup; used by the
// terminal loadingFinished/loadingFailed transitions.
func (p *Pipeline) finish(id network.RequestID, end time.Time, fn func(*types.NetworkRequestSummary)) {
	p.netMu.Lock()
	req, ok := p.inflight[id]
	if ok {
		delete(p.inflight, id)
	}
	p.netMu.Unlock()
	if !ok {
		return
	}
	duration := end.Sub(req.start)
	p.net.Update(func() {
		fn(req.summary)
		if duration > 0 {
			req.summary.DurationMs = float64(duration) / float64(time.Millisecond)
		}
	})
}

func monotonicTime(ts *cdppkg.MonotonicTime) time.Time {
	if ts == nil {
		return time.Now()
	}
	return ts.Time()
}

// ResetInflight drops pending request state; called on detach so stale
// ids from the previous connection cannot complete new summaries.
func (p *Pipeline) ResetInflight() {
	p.netMu.Lock()
	p.inflight = map[network.RequestID]*inflightRequest{}
	p.netMu.Unlock()
}
