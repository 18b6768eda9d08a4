package dom

import (
	"context"
	"fmt"
	"path/filepath"

	cdppkg "github.com/chromedp/cdproto/cdp"
	cdpdom "github.com/chromedp/cdproto/dom"

	"github.com/argus-tools/argus/pkg/types"
)

// positionAliases maps the friendly names onto insertAdjacent* values.
var positionAliases = map[string]string{
	"beforebegin": "beforebegin",
	"afterbegin":  "afterbegin",
	"beforeend":   "beforeend",
	"afterend":    "afterend",
	"before":      "beforebegin",
	"prepend":     "afterbegin",
	"append":      "beforeend",
	"after":       "afterend",
}

func resolvePosition(position string) (string, error) {
	if position == "" {
		return "beforeend", nil
	}
	if resolved, ok := positionAliases[position]; ok {
		return resolved, nil
	}
	return "", types.NewAPIError(types.CodeInvalidBody,
		fmt.Sprintf("invalid position %q; use beforebegin/afterbegin/beforeend/afterend or before/prepend/append/after", position))
}

// narrow applies the expect/nth/first refinements shared by mutations.
// Nth is 1-based.
func narrow(ids []cdppkg.NodeID, nth *int, first bool, expect *int) ([]cdppkg.NodeID, error) {
	if expect != nil && len(ids) != *expect {
		return nil, types.NewAPIError(types.CodeCountMismatch,
			fmt.Sprintf("expected %d matches, found %d", *expect, len(ids)))
	}
	if nth != nil {
		if *nth < 1 || *nth > len(ids) {
			return nil, types.NewAPIError(types.CodeCountMismatch,
				fmt.Sprintf("nth=%d out of range for %d matches", *nth, len(ids)))
		}
		return ids[*nth-1 : *nth], nil
	}
	if first && len(ids) > 1 {
		return ids[:1], nil
	}
	return ids, nil
}

// AddOptions refine where and how new content is inserted.
type AddOptions struct {
	Position string
	Nth      *int
	First    bool
	Expect   *int
}

// Add inserts markup (or plain text) adjacent to each narrowed match.
// Returns (matches, inserted).
func Add(ctx context.Context, exec cdppkg.Executor, q Query, html, text string, opts AddOptions) (int, int, error) {
	if (html == "") == (text == "") {
		return 0, 0, types.NewAPIError(types.CodeInvalidBody, "exactly one of html or text is required")
	}
	position, err := resolvePosition(opts.Position)
	if err != nil {
		return 0, 0, err
	}

	res, err := Resolve(ctx, exec, q)
	if err != nil {
		return 0, 0, err
	}
	matches := len(res.IDs)
	ids, err := narrow(res.IDs, opts.Nth, opts.First, opts.Expect)
	if err != nil {
		return matches, 0, err
	}

	content, asText := html, false
	if text != "" {
		content, asText = text, true
	}
	ectx := cdppkg.WithExecutor(ctx, exec)
	inserted := 0
	for _, id := range ids {
		err := callOn(ectx, id, `function(position, content, asText) {
			if (asText) { this.insertAdjacentText(position, content); }
			else { this.insertAdjacentHTML(position, content); }
		}`, nil, position, content, asText)
		if err != nil {
			return matches, inserted, err
		}
		inserted++
	}
	return matches, inserted, nil
}

// Remove deletes each matched node. Returns (matches, removed).
func Remove(ctx context.Context, exec cdppkg.Executor, q Query, expect *int) (int, int, error) {
	res, err := Resolve(ctx, exec, q)
	if err != nil {
		return 0, 0, err
	}
	matches := len(res.IDs)
	ids, err := narrow(res.IDs, nil, false, expect)
	if err != nil {
		return matches, 0, err
	}

	ectx := cdppkg.WithExecutor(ctx, exec)
	removed := 0
	for _, id := range ids {
		if err := cdpdom.RemoveNode(id).Do(ectx); err != nil {
			return matches, removed, err
		}
		removed++
	}
	return matches, removed, nil
}

// Modify applies one discriminated mutation to each match. Returns
// (matches, modified).
func Modify(ctx context.Context, exec cdppkg.Executor, q Query, mod *types.DomModifyRequest) (int, int, error) {
	fn, args, err := modifyCall(mod)
	if err != nil {
		return 0, 0, err
	}
	res, err := Resolve(ctx, exec, q)
	if err != nil {
		return 0, 0, err
	}
	ectx := cdppkg.WithExecutor(ctx, exec)
	modified := 0
	for _, id := range res.IDs {
		if err := callOn(ectx, id, fn, nil, args...); err != nil {
			return len(res.IDs), modified, err
		}
		modified++
	}
	return len(res.IDs), modified, nil
}

func modifyCall(mod *types.DomModifyRequest) (string, []interface{}, error) {
	switch mod.Type {
	case "attr":
		if mod.Name == "" {
			return "", nil, types.NewAPIError(types.CodeInvalidBody, "attr modification requires name")
		}
		if mod.Remove {
			return `function(name) { this.removeAttribute(name); }`,
				[]interface{}{mod.Name}, nil
		}
		return `function(name, value) { this.setAttribute(name, value); }`,
			[]interface{}{mod.Name, mod.Value}, nil
	case "class":
		if len(mod.Add)+len(mod.Drop)+len(mod.Toggle) == 0 {
			return "", nil, types.NewAPIError(types.CodeInvalidBody, "class modification requires add, drop, or toggle")
		}
		return `function(add, drop, toggle) {
			add.forEach((c) => this.classList.add(c));
			drop.forEach((c) => this.classList.remove(c));
			toggle.forEach((c) => this.classList.toggle(c));
		}`, []interface{}{orEmpty(mod.Add), orEmpty(mod.Drop), orEmpty(mod.Toggle)}, nil
	case "style":
		if len(mod.Styles) == 0 {
			return "", nil, types.NewAPIError(types.CodeInvalidBody, "style modification requires styles")
		}
		return `function(styles) {
			for (const [prop, value] of Object.entries(styles)) {
				this.style.setProperty(prop, value);
			}
		}`, []interface{}{mod.Styles}, nil
	case "text":
		return `function(content) { this.textContent = content; }`,
			[]interface{}{mod.Content}, nil
	case "html":
		return `function(content) { this.innerHTML = content; }`,
			[]interface{}{mod.Content}, nil
	default:
		return "", nil, types.NewAPIError(types.CodeInvalidBody,
			fmt.Sprintf("invalid modify type %q; use attr/class/style/text/html", mod.Type))
	}
}

func orEmpty(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

// Fill sets the value of each matched form control and dispatches
// input+change. The prototype setter is used so framework-managed
// inputs (React and friends) observe the write.
func Fill(ctx context.Context, exec cdppkg.Executor, q Query, value string) (int, int, error) {
	res, err := Resolve(ctx, exec, q)
	if err != nil {
		return 0, 0, err
	}
	ectx := cdppkg.WithExecutor(ctx, exec)
	filled := 0
	for _, id := range res.IDs {
		err := callOn(ectx, id, `function(value) {
			const proto = Object.getPrototypeOf(this);
			const desc = Object.getOwnPropertyDescriptor(proto, "value");
			if (desc && desc.set) { desc.set.call(this, value); } else { this.value = value; }
			this.dispatchEvent(new Event("input", { bubbles: true }));
			this.dispatchEvent(new Event("change", { bubbles: true }));
		}`, nil, value)
		if err != nil {
			return len(res.IDs), filled, err
		}
		filled++
	}
	return len(res.IDs), filled, nil
}

// SetFiles populates file inputs. Paths must be absolute because the
// browser resolves them, not the caller's shell.
func SetFiles(ctx context.Context, exec cdppkg.Executor, q Query, files []string) (int, int, error) {
	if len(files) == 0 {
		return 0, 0, types.NewAPIError(types.CodeInvalidBody, "files must not be empty")
	}
	for _, f := range files {
		if !filepath.IsAbs(f) {
			return 0, 0, types.NewAPIError(types.CodeInvalidBody,
				fmt.Sprintf("file path %q must be absolute", f))
		}
	}
	res, err := Resolve(ctx, exec, q)
	if err != nil {
		return 0, 0, err
	}
	ectx := cdppkg.WithExecutor(ctx, exec)
	set := 0
	for _, id := range res.IDs {
		if err := cdpdom.SetFileInputFiles(files).WithNodeID(id).Do(ectx); err != nil {
			return len(res.IDs), set, err
		}
		set++
	}
	return len(res.IDs), set, nil
}
