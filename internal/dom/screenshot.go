package dom

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	cdppkg "github.com/chromedp/cdproto/cdp"
	cdpdom "github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/page"

	"github.com/argus-tools/argus/internal/common/argushome"
	"github.com/argus-tools/argus/pkg/types"
)

// ScreenshotResult reports where the capture landed.
type ScreenshotResult struct {
	Path    string
	Clipped bool
	Data    []byte
}

// Screenshot captures the viewport, or just the first element matching
// selector when one is given, and writes a PNG under the screenshots
// artifact directory.
func Screenshot(ctx context.Context, exec cdppkg.Executor, selector string) (*ScreenshotResult, error) {
	ectx := cdppkg.WithExecutor(ctx, exec)

	capture := page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng)
	clipped := false
	if selector != "" {
		clip, err := clipFor(ctx, exec, selector)
		if err != nil {
			return nil, err
		}
		capture = capture.WithClip(clip)
		clipped = true
	}

	data, err := capture.Do(ectx)
	if err != nil {
		return nil, err
	}

	dir, err := argushome.ScreenshotsDir()
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("screenshot-%s.png", time.Now().Format("20060102-150405.000"))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, err
	}
	return &ScreenshotResult{Path: path, Clipped: clipped, Data: data}, nil
}

// clipFor computes the capture viewport from the element's border box.
func clipFor(ctx context.Context, exec cdppkg.Executor, selector string) (*page.Viewport, error) {
	res, err := Resolve(ctx, exec, Query{Selector: selector})
	if err != nil {
		return nil, err
	}
	if len(res.IDs) == 0 {
		return nil, types.NewAPIError(types.CodeNotFound,
			fmt.Sprintf("no element found for selector %q", selector))
	}
	ectx := cdppkg.WithExecutor(ctx, exec)
	box, err := cdpdom.GetBoxModel().WithNodeID(res.IDs[0]).Do(ectx)
	if err != nil {
		return nil, types.NewAPIError(types.CodeOperatorError,
			"element has no box model (hidden or detached?)")
	}
	quad := box.Border
	if len(quad) < 8 {
		quad = box.Content
	}
	if len(quad) < 8 {
		return nil, types.NewAPIError(types.CodeOperatorError, "box model quad malformed")
	}
	minX, minY := quad[0], quad[1]
	maxX, maxY := quad[0], quad[1]
	for i := 2; i+1 < len(quad); i += 2 {
		minX = min(minX, quad[i])
		maxX = max(maxX, quad[i])
		minY = min(minY, quad[i+1])
		maxY = max(maxY, quad[i+1])
	}
	return &page.Viewport{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY, Scale: 1}, nil
}
