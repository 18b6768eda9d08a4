// Package dom implements the element operators: selector resolution,
// tree and info queries, synthetic input, mutation, and screenshots.
// Every operation resolves its targets fresh; node ids are never cached
// across calls because any navigation invalidates them.
package dom

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	cdppkg "github.com/chromedp/cdproto/cdp"
	cdpdom "github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/runtime"

	"github.com/argus-tools/argus/pkg/types"
)

// Query selects elements. Text additionally filters by trimmed
// textContent: literal equality, or a /pattern/flags regex test.
type Query struct {
	Selector string
	All      bool
	Text     string
}

// Resolution is the outcome of a selector query. Doc is the full
// document tree the ids live in, so follow-up walks need no extra calls.
type Resolution struct {
	IDs []cdppkg.NodeID
	Doc *cdppkg.Node
}

// Resolve runs the shared selector steps: full-depth getDocument,
// querySelectorAll, optional text filter, multiplicity check.
func Resolve(ctx context.Context, exec cdppkg.Executor, q Query) (*Resolution, error) {
	if strings.TrimSpace(q.Selector) == "" {
		return nil, types.NewAPIError(types.CodeInvalidBody, "selector must not be empty")
	}
	ectx := cdppkg.WithExecutor(ctx, exec)

	doc, err := cdpdom.GetDocument().WithDepth(-1).Do(ectx)
	if err != nil {
		return nil, err
	}
	ids, err := cdpdom.QuerySelectorAll(doc.NodeID, q.Selector).Do(ectx)
	if err != nil {
		return nil, err
	}

	if q.Text != "" && len(ids) > 0 {
		ids, err = filterByText(ectx, ids, q.Text)
		if err != nil {
			return nil, err
		}
	}

	if !q.All && len(ids) > 1 {
		return nil, types.NewAPIError(types.CodeMultipleMatches,
			fmt.Sprintf("selector matched %d elements; pass all=true or narrow the selector", len(ids)))
	}
	return &Resolution{IDs: ids, Doc: doc}, nil
}

// textMatcher is either a literal comparison or a compiled regex.
type textMatcher struct {
	literal string
	re      *regexp.Regexp
}

func (m *textMatcher) match(s string) bool {
	if m.re != nil {
		return m.re.MatchString(s)
	}
	return s == m.literal
}

// parseTextFilter accepts a literal, or /pattern/flags with the flags
// JS supports; g has no Go equivalent and is accepted as a no-op.
func parseTextFilter(text string) (*textMatcher, error) {
	if len(text) < 2 || !strings.HasPrefix(text, "/") {
		return &textMatcher{literal: text}, nil
	}
	end := strings.LastIndex(text, "/")
	if end == 0 {
		return &textMatcher{literal: text}, nil
	}
	pattern, flags := text[1:end], text[end+1:]
	var prefix string
	for _, flag := range flags {
		switch flag {
		case 'i':
			prefix += "i"
		case 'm':
			prefix += "m"
		case 's':
			prefix += "s"
		case 'g':
			// Match-any semantics already.
		default:
			return nil, types.NewAPIError(types.CodeInvalidMatch,
				fmt.Sprintf("unsupported regex flag %q in text filter", string(flag)))
		}
	}
	if prefix != "" {
		pattern = "(?" + prefix + ")" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, types.NewAPIError(types.CodeInvalidMatch, fmt.Sprintf("bad text regex: %v", err))
	}
	return &textMatcher{re: re}, nil
}

func filterByText(ectx context.Context, ids []cdppkg.NodeID, text string) ([]cdppkg.NodeID, error) {
	matcher, err := parseTextFilter(text)
	if err != nil {
		return nil, err
	}
	kept := ids[:0]
	for _, id := range ids {
		content, err := textContent(ectx, id)
		if err != nil {
			continue
		}
		if matcher.match(strings.TrimSpace(content)) {
			kept = append(kept, id)
		}
	}
	return kept, nil
}

func textContent(ectx context.Context, id cdppkg.NodeID) (string, error) {
	obj, err := cdpdom.ResolveNode().WithNodeID(id).Do(ectx)
	if err != nil {
		return "", err
	}
	res, exc, err := runtime.CallFunctionOn("function() { return this.textContent; }").
		WithObjectID(obj.ObjectID).
		WithReturnByValue(true).
		Do(ectx)
	if err != nil {
		return "", err
	}
	if exc != nil || res == nil {
		return "", fmt.Errorf("textContent unavailable for node %d", id)
	}
	var out string
	if err := json.Unmarshal([]byte(res.Value), &out); err != nil {
		return "", err
	}
	return out, nil
}

// resolveObject turns a node id into a remote object for CallFunctionOn.
func resolveObject(ectx context.Context, id cdppkg.NodeID) (runtime.RemoteObjectID, error) {
	obj, err := cdpdom.ResolveNode().WithNodeID(id).Do(ectx)
	if err != nil {
		return "", err
	}
	if obj == nil || obj.ObjectID == "" {
		return "", types.NewAPIError(types.CodeNotFound, fmt.Sprintf("node %d has no remote object", id))
	}
	return obj.ObjectID, nil
}

// callOn invokes fn (a JS function literal) on the node with the given
// by-value arguments and decodes the by-value result into out when
// non-nil.
func callOn(ectx context.Context, id cdppkg.NodeID, fn string, out interface{}, args ...interface{}) error {
	objID, err := resolveObject(ectx, id)
	if err != nil {
		return err
	}
	callArgs := make([]*runtime.CallArgument, 0, len(args))
	for _, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return err
		}
		callArgs = append(callArgs, &runtime.CallArgument{Value: data})
	}
	call := runtime.CallFunctionOn(fn).
		WithObjectID(objID).
		WithReturnByValue(true)
	if len(callArgs) > 0 {
		call = call.WithArguments(callArgs)
	}
	res, exc, err := call.Do(ectx)
	if err != nil {
		return err
	}
	if exc != nil {
		return types.NewAPIError(types.CodeOperatorError, exceptionSummary(exc))
	}
	if out != nil && res != nil && len(res.Value) > 0 {
		return json.Unmarshal([]byte(res.Value), out)
	}
	return nil
}

func exceptionSummary(exc *runtime.ExceptionDetails) string {
	if exc.Exception != nil && exc.Exception.Description != "" {
		return exc.Exception.Description
	}
	return exc.Text
}
