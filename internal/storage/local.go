// Package storage implements the localStorage operations. Everything
// runs as page-world JavaScript because the DOMStorage domain requires
// a security-origin handshake the page can answer more simply itself.
package storage

import (
	"context"
	"encoding/json"
	"fmt"

	cdppkg "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"

	"github.com/argus-tools/argus/pkg/types"
)

// Result is the outcome of one storage operation.
type Result struct {
	Origin string
	Value  *string
	Items  map[string]string
	Count  int
}

// Local executes one of {get, set, remove, list, clear}. When
// expectOrigin is non-empty the page's location.origin must equal it
// exactly, otherwise the operation aborts with origin_mismatch before
// touching anything.
func Local(ctx context.Context, exec cdppkg.Executor, op, key, value, expectOrigin string) (*Result, error) {
	expr, err := buildExpression(op, key, value)
	if err != nil {
		return nil, err
	}

	ectx := cdppkg.WithExecutor(ctx, exec)
	origin, err := pageOrigin(ectx)
	if err != nil {
		return nil, err
	}
	if expectOrigin != "" && origin != expectOrigin {
		return nil, types.NewAPIError(types.CodeOriginMismatch,
			fmt.Sprintf("page origin is %s, not %s", origin, expectOrigin))
	}

	obj, exc, err := runtime.Evaluate(expr).WithReturnByValue(true).Do(ectx)
	if err != nil {
		return nil, err
	}
	if exc != nil {
		return nil, types.NewAPIError(types.CodeOperatorError, exceptionSummary(exc))
	}

	res := &Result{Origin: origin}
	switch op {
	case "get":
		if obj != nil && len(obj.Value) > 0 && string(obj.Value) != "null" {
			var v string
			if err := json.Unmarshal([]byte(obj.Value), &v); err != nil {
				return nil, err
			}
			res.Value = &v
		}
	case "list":
		if obj != nil && len(obj.Value) > 0 {
			if err := json.Unmarshal([]byte(obj.Value), &res.Items); err != nil {
				return nil, err
			}
		}
		res.Count = len(res.Items)
	case "set", "remove", "clear":
		if obj != nil && len(obj.Value) > 0 {
			// These expressions return the resulting item count.
			_ = json.Unmarshal([]byte(obj.Value), &res.Count)
		}
	}
	return res, nil
}

func buildExpression(op, key, value string) (string, error) {
	keyJS, _ := json.Marshal(key)
	valueJS, _ := json.Marshal(value)
	switch op {
	case "get":
		if key == "" {
			return "", types.NewAPIError(types.CodeInvalidBody, "get requires key")
		}
		return fmt.Sprintf("localStorage.getItem(%s)", keyJS), nil
	case "set":
		if key == "" {
			return "", types.NewAPIError(types.CodeInvalidBody, "set requires key")
		}
		return fmt.Sprintf("(localStorage.setItem(%s, %s), localStorage.length)", keyJS, valueJS), nil
	case "remove":
		if key == "" {
			return "", types.NewAPIError(types.CodeInvalidBody, "remove requires key")
		}
		return fmt.Sprintf("(localStorage.removeItem(%s), localStorage.length)", keyJS), nil
	case "list":
		return "Object.fromEntries(Object.entries(localStorage))", nil
	case "clear":
		return "(localStorage.clear(), localStorage.length)", nil
	default:
		return "", types.NewAPIError(types.CodeInvalidBody,
			fmt.Sprintf("invalid storage op %q; use get/set/remove/list/clear", op))
	}
}

func pageOrigin(ectx context.Context) (string, error) {
	obj, exc, err := runtime.Evaluate("location.origin").WithReturnByValue(true).Do(ectx)
	if err != nil {
		return "", err
	}
	if exc != nil || obj == nil {
		return "", types.NewAPIError(types.CodeOperatorError, "cannot resolve page origin")
	}
	var origin string
	if err := json.Unmarshal([]byte(obj.Value), &origin); err != nil {
		return "", err
	}
	return origin, nil
}

func exceptionSummary(exc *runtime.ExceptionDetails) string {
	if exc.Exception != nil && exc.Exception.Description != "" {
		return exc.Exception.Description
	}
	return exc.Text
}
