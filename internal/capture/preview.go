// Package capture translates raw CDP events into the canonical records
// stored in the ring buffers: console and exception events become
// LogEvents, Network.* lifecycle events become NetworkRequestSummaries.
package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	cdppkg "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
)

// maxPreviewKeys caps how many properties a preview expands. Everything
// beyond it collapses into the "…" sentinel.
const maxPreviewKeys = 50

// thrownSentinel replaces a value whose serialization failed. The
// pipeline must never propagate a serialization error to the CDP reader.
const thrownSentinel = `"[Thrown]"`

// PreviewArg renders one remote object as a bounded, shallow JSON
// preview. Preference order: by-value scalar, embedded preview,
// one-shot getProperties, description string. Never recurses.
func PreviewArg(ctx context.Context, exec cdppkg.Executor, obj *runtime.RemoteObject) json.RawMessage {
	if obj == nil {
		return json.RawMessage("null")
	}
	if preview := previewArg(ctx, exec, obj); preview != nil {
		return preview
	}
	return json.RawMessage(thrownSentinel)
}

func previewArg(ctx context.Context, exec cdppkg.Executor, obj *runtime.RemoteObject) json.RawMessage {
	if len(obj.Value) > 0 {
		if json.Valid(obj.Value) {
			return json.RawMessage(obj.Value)
		}
		return nil
	}
	if obj.UnserializableValue != "" {
		return marshalOrNil(string(obj.UnserializableValue))
	}
	if obj.Preview != nil {
		return previewFromObjectPreview(obj.Preview)
	}
	if obj.ObjectID != "" && exec != nil {
		if preview := previewFromProperties(ctx, exec, obj.ObjectID); preview != nil {
			return preview
		}
	}
	return marshalOrNil(obj.Description)
}

// previewFromObjectPreview flattens the preview Chrome already computed.
func previewFromObjectPreview(p *runtime.ObjectPreview) json.RawMessage {
	if p.Type != runtime.TypeObject || p.Subtype == runtime.SubtypeNull {
		return marshalOrNil(p.Description)
	}
	pairs := make([]kv, 0, len(p.Properties)+1)
	for i, prop := range p.Properties {
		if i >= maxPreviewKeys {
			break
		}
		pairs = append(pairs, kv{prop.Name, propertyPreviewValue(prop)})
	}
	if p.Overflow || len(p.Properties) > maxPreviewKeys {
		extra := len(p.Properties) - maxPreviewKeys
		if extra < 1 {
			extra = 1
		}
		pairs = append(pairs, kv{"…", fmt.Sprintf("+%d more", extra)})
	}
	return marshalPairs(pairs, p.Subtype == runtime.SubtypeArray)
}

func propertyPreviewValue(prop *runtime.PropertyPreview) interface{} {
	switch prop.Type {
	case runtime.TypeNumber:
		if n, err := strconv.ParseFloat(prop.Value, 64); err == nil {
			return n
		}
		return prop.Value
	case runtime.TypeBoolean:
		return prop.Value == "true"
	case runtime.TypeUndefined:
		return nil
	case runtime.TypeObject:
		if prop.Subtype == runtime.SubtypeNull {
			return nil
		}
		// Shallow by contract: nested objects stay descriptions.
		return prop.Value
	default:
		return prop.Value
	}
}

// previewFromProperties issues a single non-recursive getProperties.
func previewFromProperties(ctx context.Context, exec cdppkg.Executor, id runtime.RemoteObjectID) json.RawMessage {
	ectx := cdppkg.WithExecutor(ctx, exec)
	props, _, _, _, err := runtime.GetProperties(id).WithOwnProperties(true).Do(ectx)
	if err != nil {
		return nil
	}
	pairs := make([]kv, 0, len(props)+1)
	total := 0
	for _, prop := range props {
		if !prop.Enumerable {
			continue
		}
		total++
		if len(pairs) >= maxPreviewKeys {
			continue
		}
		pairs = append(pairs, kv{prop.Name, descriptorValue(prop)})
	}
	if total > maxPreviewKeys {
		pairs = append(pairs, kv{"…", fmt.Sprintf("+%d more", total-maxPreviewKeys)})
	}
	return marshalPairs(pairs, false)
}

func descriptorValue(prop *runtime.PropertyDescriptor) interface{} {
	if prop.Value == nil {
		return nil
	}
	if len(prop.Value.Value) > 0 && json.Valid(prop.Value.Value) {
		return json.RawMessage(prop.Value.Value)
	}
	if prop.Value.Description != "" {
		return prop.Value.Description
	}
	return string(prop.Value.Type)
}

type kv struct {
	key string
	val interface{}
}

// marshalPairs keeps key order, which encoding/json maps would not.
func marshalPairs(pairs []kv, array bool) json.RawMessage {
	if array {
		values := make([]interface{}, 0, len(pairs))
		for _, p := range pairs {
			values = append(values, p.val)
		}
		return marshalOrNil(values)
	}
	buf := []byte{'{'}
	for i, p := range pairs {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, err := json.Marshal(p.key)
		if err != nil {
			return nil
		}
		val, err := json.Marshal(p.val)
		if err != nil {
			return nil
		}
		buf = append(buf, key...)
		buf = append(buf, ':')
		buf = append(buf, val...)
	}
	return append(buf, '}')
}

func marshalOrNil(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// ArgText renders one preview as display text: bare strings lose their
// quotes, everything else stays compact JSON.
func ArgText(preview json.RawMessage) string {
	var s string
	if err := json.Unmarshal(preview, &s); err == nil {
		return s
	}
	return string(preview)
}
