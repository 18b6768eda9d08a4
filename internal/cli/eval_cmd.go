package cli

import (
	"bytes"
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/argus-tools/argus/pkg/types"
)

type evalOptions struct {
	noAwait           bool
	timeoutMs         int
	retry             int
	interval          time.Duration
	count             int
	until             bool
	silent            bool
	noFailOnException bool
}

func newEvalCommand(a *app) *cobra.Command {
	o := &evalOptions{}
	cmd := &cobra.Command{
		Use:   "eval [id] <expression>",
		Short: "Evaluate a JavaScript expression in the page",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, expression := "", args[0]
			if len(args) == 2 {
				id, expression = args[0], args[1]
			}
			if o.until && o.count > 0 {
				return usagef("--until and --count are mutually exclusive")
			}
			client, _, err := a.resolve(cmd.Context(), id)
			if err != nil {
				return err
			}
			return o.run(cmd.Context(), a, client, expression)
		},
	}
	cmd.Flags().BoolVar(&o.noAwait, "no-await", false, "do not await promise results")
	cmd.Flags().IntVar(&o.timeoutMs, "timeout", 0, "evaluation timeout in milliseconds")
	cmd.Flags().IntVar(&o.retry, "retry", 0, "retry transient failures this many times")
	cmd.Flags().DurationVar(&o.interval, "interval", time.Second, "delay between repeated evaluations")
	cmd.Flags().IntVar(&o.count, "count", 0, "repeat the evaluation this many times")
	cmd.Flags().BoolVar(&o.until, "until", false, "repeat until the result is truthy")
	cmd.Flags().BoolVar(&o.silent, "silent", false, "suppress result output")
	cmd.Flags().BoolVar(&o.noFailOnException, "no-fail-on-exception", false, "exit 0 even when the page throws")
	return cmd
}

func (o *evalOptions) run(ctx context.Context, a *app, client *Client, expression string) error {
	iterations := 1
	if o.count > 0 {
		iterations = o.count
	}

	for i := 0; o.until || i < iterations; i++ {
		if i > 0 {
			select {
			case <-time.After(o.interval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		resp, err := o.evalOnce(ctx, client, expression)
		if err != nil {
			return err
		}
		if !o.silent {
			if err := o.print(a, resp); err != nil {
				return err
			}
		}
		if resp.Exception != nil && !o.noFailOnException {
			return types.NewAPIError(types.CodeOperatorError, resp.Exception.Text)
		}
		if o.until && truthy(resp.Result) {
			return nil
		}
	}
	if o.until {
		return ctx.Err()
	}
	return nil
}

// evalOnce posts /eval, retrying transport-level failures.
func (o *evalOptions) evalOnce(ctx context.Context, client *Client, expression string) (*types.EvalResponse, error) {
	req := &types.EvalRequest{Expression: expression, TimeoutMs: o.timeoutMs}
	if o.noAwait {
		await := false
		req.AwaitPromise = &await
	}

	var lastErr error
	for attempt := 0; attempt <= o.retry; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(o.interval):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		var resp types.EvalResponse
		err := client.Post(ctx, "/eval", req, &resp)
		if err == nil {
			return &resp, nil
		}
		lastErr = err
		if !retriable(err) {
			break
		}
	}
	return nil, lastErr
}

func retriable(err error) bool {
	switch types.ErrorCode(err) {
	case types.CodeCDPNotAttached, types.CodeCDPClosed, types.CodeCDPTimeout,
		types.CodeConnectFailed, types.CodeWSError:
		return true
	}
	return false
}

func (o *evalOptions) print(a *app, resp *types.EvalResponse) error {
	if a.out.jsonMode {
		return a.out.JSON(resp)
	}
	if resp.Exception != nil {
		a.out.Linef("exception: %s", resp.Exception.Text)
		return nil
	}
	a.out.Linef("%s", string(resp.Result))
	return nil
}

// truthy applies JavaScript truthiness to a by-value result.
func truthy(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	switch string(trimmed) {
	case "", "null", "false", "0", `""`, "undefined":
		return false
	}
	return true
}
