package dom

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"unicode/utf8"

	cdppkg "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-tools/argus/pkg/types"
)

// fakeExec answers typed commands from canned JSON results.
type fakeExec struct {
	responses map[string]string
	calls     []string
}

func (f *fakeExec) Execute(ctx context.Context, method string, params, res any) error {
	f.calls = append(f.calls, method)
	raw, ok := f.responses[method]
	if !ok {
		return fmt.Errorf("unexpected command %s", method)
	}
	if res == nil || raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), res)
}

func docWith(ids ...int) *fakeExec {
	encoded, _ := json.Marshal(ids)
	return &fakeExec{responses: map[string]string{
		"DOM.getDocument": `{"root":{
			"nodeId":1,"backendNodeId":1,"nodeType":9,"nodeName":"#document","localName":"","nodeValue":"",
			"childNodeCount":1,
			"children":[
				{"nodeId":2,"backendNodeId":2,"nodeType":1,"nodeName":"HTML","localName":"html","nodeValue":"","childNodeCount":2,
				 "children":[
					{"nodeId":5,"backendNodeId":5,"nodeType":1,"nodeName":"DIV","localName":"div","nodeValue":"",
					 "attributes":["class","card","data-testid","first"],"childNodeCount":1,
					 "children":[
						{"nodeId":6,"backendNodeId":6,"nodeType":3,"nodeName":"#text","localName":"","nodeValue":"hello"},
						{"nodeId":8,"backendNodeId":8,"nodeType":1,"nodeName":"SPAN","localName":"span","nodeValue":"","childNodeCount":0}
					 ]},
					{"nodeId":7,"backendNodeId":7,"nodeType":1,"nodeName":"DIV","localName":"div","nodeValue":"",
					 "attributes":["class","card"],"childNodeCount":0}
				 ]}
			]}}`,
		"DOM.querySelectorAll": `{"nodeIds":` + string(encoded) + `}`,
	}}
}

func TestResolveSingleAndMultiple(t *testing.T) {
	exec := docWith(5)
	res, err := Resolve(context.Background(), exec, Query{Selector: ".card"})
	require.NoError(t, err)
	assert.Equal(t, []cdppkg.NodeID{5}, res.IDs)

	exec = docWith(5, 7)
	_, err = Resolve(context.Background(), exec, Query{Selector: ".card"})
	require.Error(t, err)
	assert.Equal(t, types.CodeMultipleMatches, types.ErrorCode(err))
	assert.Contains(t, err.Error(), "2")

	res, err = Resolve(context.Background(), exec, Query{Selector: ".card", All: true})
	require.NoError(t, err)
	assert.Len(t, res.IDs, 2)
}

func TestResolveEmptySelectorRejected(t *testing.T) {
	_, err := Resolve(context.Background(), docWith(), Query{Selector: "  "})
	require.Error(t, err)
	assert.Equal(t, types.CodeInvalidBody, types.ErrorCode(err))
}

func TestResolveZeroMatchesIsSuccess(t *testing.T) {
	res, err := Resolve(context.Background(), docWith(), Query{Selector: ".absent"})
	require.NoError(t, err)
	assert.Empty(t, res.IDs)
}

func TestParseTextFilter(t *testing.T) {
	m, err := parseTextFilter("Submit")
	require.NoError(t, err)
	assert.True(t, m.match("Submit"))
	assert.False(t, m.match("submit"))

	m, err = parseTextFilter("/sub/i")
	require.NoError(t, err)
	assert.True(t, m.match("Submit"))
	assert.False(t, m.match("cancel"))

	m, err = parseTextFilter("/^a.c$/s")
	require.NoError(t, err)
	assert.True(t, m.match("a\nc"))

	_, err = parseTextFilter("/ok/x")
	require.Error(t, err)
	assert.Equal(t, types.CodeInvalidMatch, types.ErrorCode(err))

	_, err = parseTextFilter("/+(/")
	require.Error(t, err)
	assert.Equal(t, types.CodeInvalidMatch, types.ErrorCode(err))
}

func TestTreeWalk(t *testing.T) {
	exec := docWith(5)
	roots, err := Tree(context.Background(), exec, Query{Selector: ".card"}, TreeOptions{Depth: 2})
	require.NoError(t, err)
	require.Len(t, roots, 1)

	root := roots[0]
	assert.Equal(t, int64(5), root.NodeID)
	assert.Equal(t, "div", root.Tag)
	assert.Equal(t, map[string]string{"class": "card", "data-testid": "first"}, root.Attributes)
	// The text child is filtered; only the span survives.
	require.Len(t, root.Children, 1)
	assert.Equal(t, "span", root.Children[0].Tag)
	assert.False(t, root.Truncated)
}

func TestTreeDepthTruncation(t *testing.T) {
	exec := docWith(2) // the <html> element, which has div children
	roots, err := Tree(context.Background(), exec, Query{Selector: "html"}, TreeOptions{Depth: 1})
	require.NoError(t, err)
	require.Len(t, roots, 1)

	require.Len(t, roots[0].Children, 2)
	first := roots[0].Children[0]
	assert.True(t, first.Truncated)
	assert.Equal(t, "depth", first.TruncatedReason)
	assert.Empty(t, first.Children)
}

func TestTreeNodeBudget(t *testing.T) {
	exec := docWith(2)
	roots, err := Tree(context.Background(), exec, Query{Selector: "html"}, TreeOptions{Depth: 5, MaxNodes: 2})
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.True(t, roots[0].Truncated)
	assert.Equal(t, "max_nodes", roots[0].TruncatedReason)
}

func TestInfoClampsAtRuneBoundary(t *testing.T) {
	exec := docWith(5)
	exec.responses["DOM.getOuterHTML"] = `{"outerHTML":"<div>ééé</div>"}`

	infos, err := Info(context.Background(), exec, Query{Selector: ".card"}, 6)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.True(t, infos[0].OuterHTMLTruncated)
	// The clamp lands mid-rune; the cut backs up to the boundary.
	assert.Equal(t, "<div>", infos[0].OuterHTML)
	assert.True(t, utf8.ValidString(infos[0].OuterHTML))
}

func TestAttributeMap(t *testing.T) {
	assert.Nil(t, attributeMap(nil))
	assert.Equal(t, map[string]string{"id": "x", "class": "a b"},
		attributeMap([]string{"id", "x", "class", "a b"}))
}

func TestResolvePosition(t *testing.T) {
	for alias, want := range map[string]string{
		"":            "beforeend",
		"beforebegin": "beforebegin",
		"before":      "beforebegin",
		"prepend":     "afterbegin",
		"append":      "beforeend",
		"after":       "afterend",
	} {
		got, err := resolvePosition(alias)
		require.NoError(t, err, alias)
		assert.Equal(t, want, got, alias)
	}

	_, err := resolvePosition("middle")
	require.Error(t, err)
	assert.Equal(t, types.CodeInvalidBody, types.ErrorCode(err))
}

func TestNarrow(t *testing.T) {
	ids := []cdppkg.NodeID{10, 20, 30}

	kept, err := narrow(ids, nil, false, nil)
	require.NoError(t, err)
	assert.Len(t, kept, 3)

	kept, err = narrow(ids, nil, true, nil)
	require.NoError(t, err)
	assert.Equal(t, []cdppkg.NodeID{10}, kept)

	second := 2
	kept, err = narrow(ids, &second, false, nil)
	require.NoError(t, err)
	assert.Equal(t, []cdppkg.NodeID{20}, kept)

	oob := 4
	_, err = narrow(ids, &oob, false, nil)
	require.Error(t, err)
	assert.Equal(t, types.CodeCountMismatch, types.ErrorCode(err))

	two := 2
	_, err = narrow(ids, nil, false, &two)
	require.Error(t, err)
	assert.Equal(t, types.CodeCountMismatch, types.ErrorCode(err))

	three := 3
	kept, err = narrow(ids, nil, false, &three)
	require.NoError(t, err)
	assert.Len(t, kept, 3)
}

func TestParseModifiers(t *testing.T) {
	mods, err := ParseModifiers([]string{"ctrl", "Shift"})
	require.NoError(t, err)
	assert.Equal(t, input.ModifierCtrl|input.ModifierShift, mods)

	mods, err = ParseModifiers([]string{"cmd"})
	require.NoError(t, err)
	assert.Equal(t, input.ModifierMeta, mods)

	_, err = ParseModifiers([]string{"hyper"})
	require.Error(t, err)
	assert.Equal(t, types.CodeInvalidBody, types.ErrorCode(err))
}

func TestLookupKey(t *testing.T) {
	def, err := lookupKey("Enter")
	require.NoError(t, err)
	assert.Equal(t, "Enter", def.key)
	assert.EqualValues(t, 13, def.vk)

	def, err = lookupKey("a")
	require.NoError(t, err)
	assert.Equal(t, "a", def.key)
	assert.Equal(t, "a", def.text)

	_, err = lookupKey("MagicKey")
	require.Error(t, err)
	assert.Equal(t, types.CodeUnknownKey, types.ErrorCode(err))
}

func TestQuadCenter(t *testing.T) {
	x, y, err := quadCenter([]float64{0, 0, 100, 0, 100, 50, 0, 50})
	require.NoError(t, err)
	assert.Equal(t, 50.0, x)
	assert.Equal(t, 25.0, y)

	_, _, err = quadCenter([]float64{1, 2})
	require.Error(t, err)
}

func TestModifyCallValidation(t *testing.T) {
	_, _, err := modifyCall(&types.DomModifyRequest{Type: "attr"})
	require.Error(t, err)

	fn, args, err := modifyCall(&types.DomModifyRequest{Type: "attr", Name: "href", Value: "/x"})
	require.NoError(t, err)
	assert.Contains(t, fn, "setAttribute")
	assert.Equal(t, []interface{}{"href", "/x"}, args)

	fn, _, err = modifyCall(&types.DomModifyRequest{Type: "attr", Name: "href", Remove: true})
	require.NoError(t, err)
	assert.Contains(t, fn, "removeAttribute")

	_, _, err = modifyCall(&types.DomModifyRequest{Type: "class"})
	require.Error(t, err)

	_, args, err = modifyCall(&types.DomModifyRequest{Type: "class", Add: []string{"on"}})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{[]string{"on"}, []string{}, []string{}}, args)

	_, _, err = modifyCall(&types.DomModifyRequest{Type: "style"})
	require.Error(t, err)

	_, _, err = modifyCall(&types.DomModifyRequest{Type: "font"})
	require.Error(t, err)
	assert.Equal(t, types.CodeInvalidBody, types.ErrorCode(err))
}

func TestSetFilesValidation(t *testing.T) {
	_, _, err := SetFiles(context.Background(), docWith(5), Query{Selector: "input"}, nil)
	require.Error(t, err)
	assert.Equal(t, types.CodeInvalidBody, types.ErrorCode(err))

	_, _, err = SetFiles(context.Background(), docWith(5), Query{Selector: "input"}, []string{"relative/path.txt"})
	require.Error(t, err)
	assert.Equal(t, types.CodeInvalidBody, types.ErrorCode(err))
}

func TestAddRequiresExactlyOneContent(t *testing.T) {
	_, _, err := Add(context.Background(), docWith(5), Query{Selector: "div"}, "", "", AddOptions{})
	require.Error(t, err)

	_, _, err = Add(context.Background(), docWith(5), Query{Selector: "div"}, "<b>x</b>", "x", AddOptions{})
	require.Error(t, err)
}
