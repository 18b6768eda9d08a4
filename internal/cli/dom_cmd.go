package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/argus-tools/argus/pkg/types"
)

// selectorFlags are the shared element-picking flags of every dom
// subcommand.
type selectorFlags struct {
	selector string
	testid   string
	all      bool
	text     string
}

func (f *selectorFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.selector, "selector", "s", "", "CSS selector")
	cmd.Flags().StringVar(&f.testid, "testid", "", "shorthand for [data-testid=\"...\"]")
	cmd.Flags().BoolVar(&f.all, "all", false, "operate on every match instead of requiring exactly one")
	cmd.Flags().StringVar(&f.text, "text", "", "filter matches by trimmed text content (literal or /regex/flags)")
}

func (f *selectorFlags) toSelector() (types.Selector, error) {
	if f.selector != "" && f.testid != "" {
		return types.Selector{}, usagef("--selector and --testid are mutually exclusive")
	}
	selector := f.selector
	if f.testid != "" {
		selector = fmt.Sprintf("[data-testid=%q]", f.testid)
	}
	if selector == "" {
		return types.Selector{}, usagef("one of --selector or --testid is required")
	}
	return types.Selector{Selector: selector, All: f.all, Text: f.text}, nil
}

// printOp renders a DomOpResponse for humans.
func printOp(a *app, resp *types.DomOpResponse) error {
	if a.out.jsonMode {
		return a.out.JSON(resp)
	}
	a.out.Linef("ok (%d matched)", resp.Matches)
	return nil
}

func newDomCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dom",
		Short: "Inspect and mutate the page DOM",
	}
	cmd.AddCommand(
		newDomTreeCommand(a),
		newDomInfoCommand(a),
		newDomHoverCommand(a),
		newDomClickCommand(a),
		newDomFocusCommand(a),
		newDomKeydownCommand(a),
		newDomScrollCommand(a),
		newDomScrollToCommand(a),
		newDomAddCommand(a),
		newDomAddScriptCommand(a),
		newDomRemoveCommand(a),
		newDomModifyCommand(a),
		newDomFillCommand(a),
		newDomSetFileCommand(a),
	)
	return cmd
}

func newDomTreeCommand(a *app) *cobra.Command {
	sel := &selectorFlags{}
	var depth, maxNodes int
	cmd := &cobra.Command{
		Use:   "tree [id]",
		Short: "Print the element tree under each match",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			selector, err := sel.toSelector()
			if err != nil {
				return err
			}
			client, _, err := a.resolve(cmd.Context(), idArg(args))
			if err != nil {
				return err
			}
			var resp types.DomTreeResponse
			req := &types.DomTreeRequest{Selector: selector, Depth: depth, MaxNodes: maxNodes}
			if err := client.Post(cmd.Context(), "/dom/tree", req, &resp); err != nil {
				return err
			}
			if a.out.jsonMode {
				return a.out.JSON(&resp)
			}
			for _, root := range resp.Roots {
				printNode(a, root, 0)
			}
			return nil
		},
	}
	sel.register(cmd)
	cmd.Flags().IntVar(&depth, "depth", 0, "tree depth (default 2)")
	cmd.Flags().IntVar(&maxNodes, "max-nodes", 0, "node budget across all roots")
	return cmd
}

func printNode(a *app, node *types.DomNode, indent int) {
	attrs := ""
	if id, ok := node.Attributes["id"]; ok {
		attrs += "#" + id
	}
	if class, ok := node.Attributes["class"]; ok {
		attrs += " ." + class
	}
	suffix := ""
	if node.Truncated {
		suffix = fmt.Sprintf(" …(%s)", node.TruncatedReason)
	}
	a.out.Linef("%*s<%s>%s%s", indent*2, "", node.Tag, attrs, suffix)
	for _, child := range node.Children {
		printNode(a, child, indent+1)
	}
}

func newDomInfoCommand(a *app) *cobra.Command {
	sel := &selectorFlags{}
	var maxChars int
	cmd := &cobra.Command{
		Use:   "info [id]",
		Short: "Describe each matched element",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			selector, err := sel.toSelector()
			if err != nil {
				return err
			}
			client, _, err := a.resolve(cmd.Context(), idArg(args))
			if err != nil {
				return err
			}
			var resp types.DomInfoResponse
			req := &types.DomInfoRequest{Selector: selector, OuterHTMLMaxChars: maxChars}
			if err := client.Post(cmd.Context(), "/dom/info", req, &resp); err != nil {
				return err
			}
			if a.out.jsonMode {
				return a.out.JSON(&resp)
			}
			for _, el := range resp.Elements {
				a.out.Linef("<%s> children=%d truncated=%v", el.Tag, el.ChildElementCount, el.OuterHTMLTruncated)
				a.out.Linef("%s", el.OuterHTML)
			}
			return nil
		},
	}
	sel.register(cmd)
	cmd.Flags().IntVar(&maxChars, "max-chars", 0, "outerHTML clamp (default 50000)")
	return cmd
}

// simpleDomCommand covers the selector-only operations.
func simpleDomCommand(a *app, use, short, path string) *cobra.Command {
	sel := &selectorFlags{}
	cmd := &cobra.Command{
		Use:   use + " [id]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			selector, err := sel.toSelector()
			if err != nil {
				return err
			}
			client, _, err := a.resolve(cmd.Context(), idArg(args))
			if err != nil {
				return err
			}
			var resp types.DomOpResponse
			req := &types.HoverRequest{Selector: selector}
			if err := client.Post(cmd.Context(), path, req, &resp); err != nil {
				return err
			}
			return printOp(a, &resp)
		},
	}
	sel.register(cmd)
	return cmd
}

func newDomHoverCommand(a *app) *cobra.Command {
	return simpleDomCommand(a, "hover", "Move the mouse over each match", "/dom/hover")
}

func newDomFocusCommand(a *app) *cobra.Command {
	return simpleDomCommand(a, "focus", "Focus the matched element", "/dom/focus")
}

func newDomScrollToCommand(a *app) *cobra.Command {
	return simpleDomCommand(a, "scroll-to", "Scroll each match into view", "/dom/scroll-to")
}

func newDomClickCommand(a *app) *cobra.Command {
	sel := &selectorFlags{}
	var x, y float64
	cmd := &cobra.Command{
		Use:   "click [id]",
		Short: "Click the matched element or a viewport point",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &types.ClickRequest{}
			if sel.selector != "" || sel.testid != "" {
				selector, err := sel.toSelector()
				if err != nil {
					return err
				}
				req.Selector = selector
			}
			if cmd.Flags().Changed("x") {
				req.X = &x
			}
			if cmd.Flags().Changed("y") {
				req.Y = &y
			}
			client, _, err := a.resolve(cmd.Context(), idArg(args))
			if err != nil {
				return err
			}
			var resp types.DomOpResponse
			if err := client.Post(cmd.Context(), "/dom/click", req, &resp); err != nil {
				return err
			}
			return printOp(a, &resp)
		},
	}
	sel.register(cmd)
	cmd.Flags().Float64Var(&x, "x", 0, "viewport x (absolute, or offset with a selector)")
	cmd.Flags().Float64Var(&y, "y", 0, "viewport y")
	return cmd
}

func newDomKeydownCommand(a *app) *cobra.Command {
	var modifiers, selector string
	cmd := &cobra.Command{
		Use:   "keydown [id] <key>",
		Short: "Dispatch a key press (enter, escape, tab, arrow keys, single characters)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, key := "", args[0]
			if len(args) == 2 {
				id, key = args[0], args[1]
			}
			client, _, err := a.resolve(cmd.Context(), id)
			if err != nil {
				return err
			}
			req := &types.KeydownRequest{Key: key, Modifiers: modifiers, Selector: selector}
			var resp types.KeydownResponse
			if err := client.Post(cmd.Context(), "/dom/keydown", req, &resp); err != nil {
				return err
			}
			if a.out.jsonMode {
				return a.out.JSON(&resp)
			}
			a.out.Linef("sent %s", resp.Key)
			return nil
		},
	}
	cmd.Flags().StringVar(&modifiers, "modifiers", "", "comma list of alt, ctrl, meta, shift")
	cmd.Flags().StringVarP(&selector, "selector", "s", "", "focus this element first")
	return cmd
}

func newDomScrollCommand(a *app) *cobra.Command {
	sel := &selectorFlags{}
	var dx, dy float64
	cmd := &cobra.Command{
		Use:   "scroll [id]",
		Short: "Scroll the page or the matched element's container",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &types.ScrollRequest{DeltaX: dx, DeltaY: dy}
			if sel.selector != "" || sel.testid != "" {
				selector, err := sel.toSelector()
				if err != nil {
					return err
				}
				req.Selector = selector
			}
			client, _, err := a.resolve(cmd.Context(), idArg(args))
			if err != nil {
				return err
			}
			var resp types.DomOpResponse
			if err := client.Post(cmd.Context(), "/dom/scroll", req, &resp); err != nil {
				return err
			}
			return printOp(a, &resp)
		},
	}
	sel.register(cmd)
	cmd.Flags().Float64Var(&dx, "dx", 0, "horizontal scroll distance in px")
	cmd.Flags().Float64Var(&dy, "dy", 0, "vertical scroll distance in px")
	return cmd
}

func newDomAddCommand(a *app) *cobra.Command {
	sel := &selectorFlags{}
	var html, text, position string
	var nth, expect int
	var first bool
	cmd := &cobra.Command{
		Use:   "add [id]",
		Short: "Insert markup or text adjacent to the matched element",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			selector, err := sel.toSelector()
			if err != nil {
				return err
			}
			req := &types.DomAddRequest{
				Selector: selector,
				HTML:     html,
				Text:     text,
				Position: position,
				First:    first,
			}
			if cmd.Flags().Changed("nth") {
				req.Nth = &nth
			}
			if cmd.Flags().Changed("expect") {
				req.Expect = &expect
			}
			client, _, err := a.resolve(cmd.Context(), idArg(args))
			if err != nil {
				return err
			}
			var resp types.DomOpResponse
			if err := client.Post(cmd.Context(), "/dom/add", req, &resp); err != nil {
				return err
			}
			return printOp(a, &resp)
		},
	}
	sel.register(cmd)
	cmd.Flags().StringVar(&html, "html", "", "HTML fragment to insert")
	cmd.Flags().StringVar(&text, "content", "", "plain text to insert")
	cmd.Flags().StringVar(&position, "position", "", "beforebegin|afterbegin|beforeend|afterend or before|prepend|append|after")
	cmd.Flags().IntVar(&nth, "nth", 0, "narrow to the nth match (1-based)")
	cmd.Flags().BoolVar(&first, "first", false, "narrow to the first match")
	cmd.Flags().IntVar(&expect, "expect", 0, "abort unless exactly this many matches")
	return cmd
}

func newDomAddScriptCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add-script [id] <source>",
		Short: "Inject a script now and on every future document",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, src := "", args[0]
			if len(args) == 2 {
				id, src = args[0], args[1]
			}
			client, _, err := a.resolve(cmd.Context(), id)
			if err != nil {
				return err
			}
			var resp types.Envelope
			if err := client.Post(cmd.Context(), "/dom/add-script", &types.AddScriptRequest{Source: src}, &resp); err != nil {
				return err
			}
			if a.out.jsonMode {
				return a.out.JSON(&resp)
			}
			a.out.Linef("ok")
			return nil
		},
	}
	return cmd
}

func newDomRemoveCommand(a *app) *cobra.Command {
	sel := &selectorFlags{}
	var expect int
	cmd := &cobra.Command{
		Use:   "remove [id]",
		Short: "Remove the matched elements",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			selector, err := sel.toSelector()
			if err != nil {
				return err
			}
			req := &types.DomRemoveRequest{Selector: selector}
			if cmd.Flags().Changed("expect") {
				req.Expect = &expect
			}
			client, _, err := a.resolve(cmd.Context(), idArg(args))
			if err != nil {
				return err
			}
			var resp types.DomOpResponse
			if err := client.Post(cmd.Context(), "/dom/remove", req, &resp); err != nil {
				return err
			}
			return printOp(a, &resp)
		},
	}
	sel.register(cmd)
	cmd.Flags().IntVar(&expect, "expect", 0, "abort unless exactly this many matches")
	return cmd
}

func newDomModifyCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modify",
		Short: "Modify attributes, classes, styles, or content of matched elements",
	}
	cmd.AddCommand(
		newModifyAttrCommand(a),
		newModifyClassCommand(a),
		newModifyStyleCommand(a),
		newModifyContentCommand(a, "text", "Replace the text content"),
		newModifyContentCommand(a, "html", "Replace the inner HTML"),
	)
	return cmd
}

func postModify(a *app, cmd *cobra.Command, args []string, req *types.DomModifyRequest) error {
	client, _, err := a.resolve(cmd.Context(), idArg(args))
	if err != nil {
		return err
	}
	var resp types.DomOpResponse
	if err := client.Post(cmd.Context(), "/dom/modify", req, &resp); err != nil {
		return err
	}
	return printOp(a, &resp)
}

func newModifyAttrCommand(a *app) *cobra.Command {
	sel := &selectorFlags{}
	var name, value string
	var remove bool
	cmd := &cobra.Command{
		Use:   "attr [id]",
		Short: "Set or remove an attribute",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			selector, err := sel.toSelector()
			if err != nil {
				return err
			}
			if name == "" {
				return usagef("--name is required")
			}
			return postModify(a, cmd, args, &types.DomModifyRequest{
				Selector: selector, Type: "attr", Name: name, Value: value, Remove: remove,
			})
		},
	}
	sel.register(cmd)
	cmd.Flags().StringVar(&name, "name", "", "attribute name")
	cmd.Flags().StringVar(&value, "value", "", "attribute value")
	cmd.Flags().BoolVar(&remove, "remove", false, "remove the attribute instead of setting it")
	return cmd
}

func newModifyClassCommand(a *app) *cobra.Command {
	sel := &selectorFlags{}
	var add, drop, toggle []string
	cmd := &cobra.Command{
		Use:   "class [id]",
		Short: "Add, drop, or toggle classes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			selector, err := sel.toSelector()
			if err != nil {
				return err
			}
			if len(add)+len(drop)+len(toggle) == 0 {
				return usagef("at least one of --add, --drop, --toggle is required")
			}
			return postModify(a, cmd, args, &types.DomModifyRequest{
				Selector: selector, Type: "class", Add: add, Drop: drop, Toggle: toggle,
			})
		},
	}
	sel.register(cmd)
	cmd.Flags().StringArrayVar(&add, "add", nil, "class to add (repeatable)")
	cmd.Flags().StringArrayVar(&drop, "drop", nil, "class to drop (repeatable)")
	cmd.Flags().StringArrayVar(&toggle, "toggle", nil, "class to toggle (repeatable)")
	return cmd
}

func newModifyStyleCommand(a *app) *cobra.Command {
	sel := &selectorFlags{}
	var styles []string
	cmd := &cobra.Command{
		Use:   "style [id]",
		Short: "Set inline style properties",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			selector, err := sel.toSelector()
			if err != nil {
				return err
			}
			parsed := map[string]string{}
			for _, kv := range styles {
				name, value, ok := strings.Cut(kv, "=")
				if !ok || name == "" {
					return usagef("--set expects prop=value, got %q", kv)
				}
				parsed[name] = value
			}
			if len(parsed) == 0 {
				return usagef("at least one --set prop=value is required")
			}
			return postModify(a, cmd, args, &types.DomModifyRequest{
				Selector: selector, Type: "style", Styles: parsed,
			})
		},
	}
	sel.register(cmd)
	cmd.Flags().StringArrayVar(&styles, "set", nil, "style property as prop=value (repeatable)")
	return cmd
}

func newModifyContentCommand(a *app, kind, short string) *cobra.Command {
	sel := &selectorFlags{}
	var content string
	cmd := &cobra.Command{
		Use:   kind + " [id]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			selector, err := sel.toSelector()
			if err != nil {
				return err
			}
			return postModify(a, cmd, args, &types.DomModifyRequest{
				Selector: selector, Type: kind, Content: content,
			})
		},
	}
	sel.register(cmd)
	cmd.Flags().StringVar(&content, "content", "", "replacement content")
	return cmd
}

func newDomFillCommand(a *app) *cobra.Command {
	sel := &selectorFlags{}
	var value string
	cmd := &cobra.Command{
		Use:   "fill [id]",
		Short: "Set an input's value and fire input/change events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			selector, err := sel.toSelector()
			if err != nil {
				return err
			}
			client, _, err := a.resolve(cmd.Context(), idArg(args))
			if err != nil {
				return err
			}
			var resp types.DomOpResponse
			req := &types.FillRequest{Selector: selector, Value: value}
			if err := client.Post(cmd.Context(), "/dom/fill", req, &resp); err != nil {
				return err
			}
			return printOp(a, &resp)
		},
	}
	sel.register(cmd)
	cmd.Flags().StringVar(&value, "value", "", "value to set")
	return cmd
}

func newDomSetFileCommand(a *app) *cobra.Command {
	sel := &selectorFlags{}
	var files []string
	cmd := &cobra.Command{
		Use:   "set-file [id]",
		Short: "Attach files to a file input (absolute paths)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			selector, err := sel.toSelector()
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return usagef("at least one --file is required")
			}
			client, _, err := a.resolve(cmd.Context(), idArg(args))
			if err != nil {
				return err
			}
			var resp types.DomOpResponse
			req := &types.SetFileRequest{Selector: selector, Files: files}
			if err := client.Post(cmd.Context(), "/dom/set-file", req, &resp); err != nil {
				return err
			}
			return printOp(a, &resp)
		},
	}
	sel.register(cmd)
	cmd.Flags().StringArrayVar(&files, "file", nil, "absolute file path (repeatable)")
	return cmd
}
