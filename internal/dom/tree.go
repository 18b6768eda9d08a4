package dom

import (
	"context"
	"strings"
	"unicode/utf8"

	cdppkg "github.com/chromedp/cdproto/cdp"
	cdpdom "github.com/chromedp/cdproto/dom"

	"github.com/argus-tools/argus/pkg/types"
)

const (
	DefaultTreeDepth = 2
	MaxTreeNodes     = 5000

	elementNode = 1
)

// TreeOptions bound a tree walk.
type TreeOptions struct {
	Depth    int
	MaxNodes int
}

func (o TreeOptions) normalized() TreeOptions {
	if o.Depth <= 0 {
		o.Depth = DefaultTreeDepth
	}
	if o.MaxNodes <= 0 || o.MaxNodes > MaxTreeNodes {
		o.MaxNodes = MaxTreeNodes
	}
	return o
}

// Tree resolves the query and walks each match breadth-first up to the
// depth and node caps. The node budget is shared across all roots.
func Tree(ctx context.Context, exec cdppkg.Executor, q Query, opts TreeOptions) ([]*types.DomNode, error) {
	res, err := Resolve(ctx, exec, q)
	if err != nil {
		return nil, err
	}
	if len(res.IDs) == 0 {
		return []*types.DomNode{}, nil
	}
	opts = opts.normalized()

	index := indexNodes(res.Doc)
	budget := opts.MaxNodes
	out := make([]*types.DomNode, 0, len(res.IDs))
	for _, id := range res.IDs {
		node, ok := index[id]
		if !ok {
			continue
		}
		converted := walk(node, opts.Depth, &budget)
		if converted != nil {
			out = append(out, converted)
		}
	}
	return out, nil
}

// indexNodes flattens the document into a NodeID lookup.
func indexNodes(root *cdppkg.Node) map[cdppkg.NodeID]*cdppkg.Node {
	index := map[cdppkg.NodeID]*cdppkg.Node{}
	stack := []*cdppkg.Node{root}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node == nil {
			continue
		}
		index[node.NodeID] = node
		stack = append(stack, node.Children...)
	}
	return index
}

// walk converts one subtree. Depth counts element generations below the
// root; budget counts emitted nodes across the whole response.
func walk(node *cdppkg.Node, depth int, budget *int) *types.DomNode {
	if *budget <= 0 {
		return nil
	}
	*budget--

	out := &types.DomNode{
		NodeID:     int64(node.NodeID),
		Tag:        strings.ToLower(node.NodeName),
		Attributes: attributeMap(node.Attributes),
	}

	children := elementChildren(node)
	if len(children) == 0 {
		return out
	}
	if depth <= 0 {
		out.Truncated = true
		out.TruncatedReason = "depth"
		return out
	}
	for _, child := range children {
		converted := walk(child, depth-1, budget)
		if converted == nil {
			out.Truncated = true
			out.TruncatedReason = "max_nodes"
			break
		}
		out.Children = append(out.Children, converted)
	}
	return out
}

// elementChildren drops text and comment nodes.
func elementChildren(node *cdppkg.Node) []*cdppkg.Node {
	children := make([]*cdppkg.Node, 0, len(node.Children))
	for _, child := range node.Children {
		if child.NodeType == elementNode {
			children = append(children, child)
		}
	}
	return children
}

// attributeMap converts CDP's flat name/value pair list.
func attributeMap(flat []string) map[string]string {
	if len(flat) == 0 {
		return nil
	}
	attrs := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		attrs[flat[i]] = flat[i+1]
	}
	return attrs
}

// Info options clamp outerHTML size.
const (
	DefaultOuterHTMLMaxChars = 50_000
	HardOuterHTMLMaxChars    = 500_000
)

// Info describes each matched element: attributes, child element count,
// and clamped outerHTML.
func Info(ctx context.Context, exec cdppkg.Executor, q Query, maxChars int) ([]*types.DomElementInfo, error) {
	res, err := Resolve(ctx, exec, q)
	if err != nil {
		return nil, err
	}
	if maxChars <= 0 {
		maxChars = DefaultOuterHTMLMaxChars
	}
	if maxChars > HardOuterHTMLMaxChars {
		maxChars = HardOuterHTMLMaxChars
	}
	ectx := cdppkg.WithExecutor(ctx, exec)
	index := indexNodes(res.Doc)

	out := make([]*types.DomElementInfo, 0, len(res.IDs))
	for _, id := range res.IDs {
		info := &types.DomElementInfo{NodeID: int64(id)}
		if node, ok := index[id]; ok {
			info.Tag = strings.ToLower(node.NodeName)
			info.Attributes = attributeMap(node.Attributes)
			info.ChildElementCount = int64(len(elementChildren(node)))
		}
		html, err := cdpdom.GetOuterHTML().WithNodeID(id).Do(ectx)
		if err != nil {
			return nil, err
		}
		if len(html) > maxChars {
			cut := maxChars
			// Back up to a rune boundary so the clamp never splits a
			// multi-byte character.
			for cut > 0 && !utf8.RuneStart(html[cut]) {
				cut--
			}
			html = html[:cut]
			info.OuterHTMLTruncated = true
		}
		info.OuterHTML = html
		out = append(out, info)
	}
	return out, nil
}
