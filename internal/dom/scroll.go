package dom

import (
	"context"
	"fmt"

	cdppkg "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"

	"github.com/argus-tools/argus/pkg/types"
)

// Scroll synthesizes a scroll gesture at the viewport point (x, y).
// Positive dy scrolls the content down (toward the page end), matching
// window.scrollBy semantics; the gesture distances are inverted because
// CDP expresses them as finger travel.
func Scroll(ctx context.Context, exec cdppkg.Executor, x, y, dx, dy float64) error {
	ectx := cdppkg.WithExecutor(ctx, exec)
	gesture := input.SynthesizeScrollGesture(x, y)
	if dx != 0 {
		gesture = gesture.WithXDistance(-dx)
	}
	if dy != 0 {
		gesture = gesture.WithYDistance(-dy)
	}
	return gesture.Do(ectx)
}

// ScrollToPoint scrolls the window to (or by, when relative) the given
// document coordinates.
func ScrollToPoint(ctx context.Context, exec cdppkg.Executor, x, y float64, relative, smooth bool) error {
	fn := "scrollTo"
	if relative {
		fn = "scrollBy"
	}
	behavior := "auto"
	if smooth {
		behavior = "smooth"
	}
	expr := fmt.Sprintf(`window.%s({ left: %g, top: %g, behavior: %q })`, fn, x, y, behavior)
	ectx := cdppkg.WithExecutor(ctx, exec)
	_, exc, err := runtime.Evaluate(expr).Do(ectx)
	if err != nil {
		return err
	}
	if exc != nil {
		return types.NewAPIError(types.CodeOperatorError, exceptionSummary(exc))
	}
	return nil
}

// ScrollTo brings each matched element into view, centered when the
// browser supports it.
func ScrollTo(ctx context.Context, exec cdppkg.Executor, q Query) (int, error) {
	res, err := Resolve(ctx, exec, q)
	if err != nil {
		return 0, err
	}
	ectx := cdppkg.WithExecutor(ctx, exec)
	for _, id := range res.IDs {
		err := callOn(ectx, id,
			`function() { this.scrollIntoView({ block: "center", inline: "nearest" }); }`, nil)
		if err != nil {
			return 0, err
		}
	}
	return len(res.IDs), nil
}
