package dom

import (
	"context"
	"fmt"
	"strings"

	cdppkg "github.com/chromedp/cdproto/cdp"
	cdpdom "github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"

	"github.com/argus-tools/argus/pkg/types"
)

// center returns the midpoint of a node's content box in viewport
// coordinates.
func center(ectx context.Context, id cdppkg.NodeID) (float64, float64, error) {
	box, err := cdpdom.GetBoxModel().WithNodeID(id).Do(ectx)
	if err != nil {
		return 0, 0, types.NewAPIError(types.CodeOperatorError,
			fmt.Sprintf("node %d has no box model (hidden or detached?)", id))
	}
	return quadCenter(box.Content)
}

// Center is the exported form for callers anchoring gestures on a node.
func Center(ctx context.Context, exec cdppkg.Executor, id cdppkg.NodeID) (float64, float64, error) {
	return center(cdppkg.WithExecutor(ctx, exec), id)
}

func quadCenter(quad cdpdom.Quad) (float64, float64, error) {
	if len(quad) < 8 {
		return 0, 0, types.NewAPIError(types.CodeOperatorError, "box model quad malformed")
	}
	var x, y float64
	for i := 0; i+1 < len(quad); i += 2 {
		x += quad[i]
		y += quad[i+1]
	}
	points := float64(len(quad) / 2)
	return x / points, y / points, nil
}

// Hover moves the mouse over each matched element.
func Hover(ctx context.Context, exec cdppkg.Executor, q Query) (int, error) {
	res, err := Resolve(ctx, exec, q)
	if err != nil {
		return 0, err
	}
	ectx := cdppkg.WithExecutor(ctx, exec)
	for _, id := range res.IDs {
		x, y, err := center(ectx, id)
		if err != nil {
			return 0, err
		}
		if err := input.DispatchMouseEvent(input.MouseMoved, x, y).Do(ectx); err != nil {
			return 0, err
		}
	}
	return len(res.IDs), nil
}

// ClickPoint clicks an absolute viewport coordinate.
func ClickPoint(ctx context.Context, exec cdppkg.Executor, x, y float64) error {
	return clickAt(cdppkg.WithExecutor(ctx, exec), x, y)
}

// Click clicks the center of each matched element, offset by (dx, dy)
// when supplied.
func Click(ctx context.Context, exec cdppkg.Executor, q Query, dx, dy *float64) (int, error) {
	res, err := Resolve(ctx, exec, q)
	if err != nil {
		return 0, err
	}
	ectx := cdppkg.WithExecutor(ctx, exec)
	for _, id := range res.IDs {
		x, y, err := center(ectx, id)
		if err != nil {
			return 0, err
		}
		if dx != nil {
			x += *dx
		}
		if dy != nil {
			y += *dy
		}
		if err := clickAt(ectx, x, y); err != nil {
			return 0, err
		}
	}
	return len(res.IDs), nil
}

// clickAt synthesizes the full move/press/release sequence so pages
// tracking hover state behave as with a real pointer.
func clickAt(ectx context.Context, x, y float64) error {
	if err := input.DispatchMouseEvent(input.MouseMoved, x, y).Do(ectx); err != nil {
		return err
	}
	press := input.DispatchMouseEvent(input.MousePressed, x, y).
		WithButton(input.Left).
		WithClickCount(1)
	if err := press.Do(ectx); err != nil {
		return err
	}
	release := input.DispatchMouseEvent(input.MouseReleased, x, y).
		WithButton(input.Left).
		WithClickCount(1)
	return release.Do(ectx)
}

// Focus focuses each matched element via the DOM domain, which handles
// focusability rules the way the browser does.
func Focus(ctx context.Context, exec cdppkg.Executor, q Query) (int, error) {
	res, err := Resolve(ctx, exec, q)
	if err != nil {
		return 0, err
	}
	ectx := cdppkg.WithExecutor(ctx, exec)
	for _, id := range res.IDs {
		if err := cdpdom.Focus().WithNodeID(id).Do(ectx); err != nil {
			return 0, err
		}
	}
	return len(res.IDs), nil
}

// ParseModifiers converts modifier names to the CDP bitmask.
func ParseModifiers(names []string) (input.Modifier, error) {
	var mods input.Modifier
	for _, name := range names {
		switch strings.ToLower(name) {
		case "alt":
			mods |= input.ModifierAlt
		case "ctrl", "control":
			mods |= input.ModifierCtrl
		case "meta", "cmd", "command":
			mods |= input.ModifierMeta
		case "shift":
			mods |= input.ModifierShift
		default:
			return 0, types.NewAPIError(types.CodeInvalidBody,
				fmt.Sprintf("unknown modifier %q", name))
		}
	}
	return mods, nil
}

// keyDef carries what DispatchKeyEvent needs beyond the key name.
type keyDef struct {
	key  string
	code string
	text string
	vk   int64
}

// keyTable covers the keys automation scripts actually send. Single
// printable characters are handled separately.
var keyTable = map[string]keyDef{
	"enter":      {key: "Enter", code: "Enter", text: "\r", vk: 13},
	"tab":        {key: "Tab", code: "Tab", text: "\t", vk: 9},
	"escape":     {key: "Escape", code: "Escape", vk: 27},
	"esc":        {key: "Escape", code: "Escape", vk: 27},
	"backspace":  {key: "Backspace", code: "Backspace", vk: 8},
	"delete":     {key: "Delete", code: "Delete", vk: 46},
	"space":      {key: " ", code: "Space", text: " ", vk: 32},
	"arrowup":    {key: "ArrowUp", code: "ArrowUp", vk: 38},
	"arrowdown":  {key: "ArrowDown", code: "ArrowDown", vk: 40},
	"arrowleft":  {key: "ArrowLeft", code: "ArrowLeft", vk: 37},
	"arrowright": {key: "ArrowRight", code: "ArrowRight", vk: 39},
	"home":       {key: "Home", code: "Home", vk: 36},
	"end":        {key: "End", code: "End", vk: 35},
	"pageup":     {key: "PageUp", code: "PageUp", vk: 33},
	"pagedown":   {key: "PageDown", code: "PageDown", vk: 34},
	"f5":         {key: "F5", code: "F5", vk: 116},
}

// lookupKey resolves a key name, falling back to single printable
// characters; anything else is unknown_key.
func lookupKey(name string) (keyDef, error) {
	if def, ok := keyTable[strings.ToLower(name)]; ok {
		return def, nil
	}
	runes := []rune(name)
	if len(runes) == 1 && runes[0] >= ' ' {
		return keyDef{key: name, text: name}, nil
	}
	return keyDef{}, types.NewAPIError(types.CodeUnknownKey, fmt.Sprintf("unknown key %q", name))
}

// Keydown dispatches a keyDown/keyUp pair. When a query is supplied the
// element is focused first so the key lands where expected.
func Keydown(ctx context.Context, exec cdppkg.Executor, q *Query, keyName string, modifiers []string) (int, input.Modifier, error) {
	def, err := lookupKey(keyName)
	if err != nil {
		return 0, 0, err
	}
	mods, err := ParseModifiers(modifiers)
	if err != nil {
		return 0, 0, err
	}

	matches := 0
	if q != nil && q.Selector != "" {
		matches, err = Focus(ctx, exec, *q)
		if err != nil {
			return 0, 0, err
		}
		if matches == 0 {
			return 0, mods, nil
		}
	}

	ectx := cdppkg.WithExecutor(ctx, exec)
	down := input.DispatchKeyEvent(input.KeyDown).
		WithKey(def.key).
		WithCode(def.code).
		WithWindowsVirtualKeyCode(def.vk).
		WithNativeVirtualKeyCode(def.vk).
		WithModifiers(mods)
	if def.text != "" && mods&(input.ModifierCtrl|input.ModifierMeta|input.ModifierAlt) == 0 {
		down = down.WithText(def.text)
	}
	if err := down.Do(ectx); err != nil {
		return matches, mods, err
	}
	up := input.DispatchKeyEvent(input.KeyUp).
		WithKey(def.key).
		WithCode(def.code).
		WithWindowsVirtualKeyCode(def.vk).
		WithNativeVirtualKeyCode(def.vk).
		WithModifiers(mods)
	return matches, mods, up.Do(ectx)
}
