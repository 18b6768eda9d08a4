package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/argus-tools/argus/internal/common/logger"
	"github.com/argus-tools/argus/pkg/types"
)

// app carries the state shared by every command: the stderr logger, the
// output writer, and the --json switch.
type app struct {
	logger   *zap.Logger
	out      *printer
	jsonMode bool
}

// NewRootCommand builds the argus command tree.
func NewRootCommand() *cobra.Command {
	a := &app{logger: logger.NewDefault()}

	root := &cobra.Command{
		Use:           "argus",
		Short:         "Watch and drive browser pages over the Chrome DevTools Protocol",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.out = &printer{out: cmd.OutOrStdout(), jsonMode: a.jsonMode}
		},
	}
	root.PersistentFlags().BoolVar(&a.jsonMode, "json", false, "emit machine-readable JSON")

	root.AddCommand(
		newListCommand(a),
		newLogsCommand(a),
		newTailCommand(a),
		newNetCommand(a),
		newEvalCommand(a),
		newDomCommand(a),
		newStorageCommand(a),
		newEmulationCommand(a),
		newThrottleCommand(a),
		newTraceCommand(a),
		newScreenshotCommand(a),
		newReloadCommand(a),
		newPageCommand(a),
		newWatcherCommand(a),
		newChromeCommand(a),
	)
	return root
}

// Execute runs the command tree and maps the error onto an exit code.
func Execute() int {
	root := NewRootCommand()
	err := root.Execute()
	if err != nil {
		var sel *SelectionError
		if errors.As(err, &sel) && len(sel.Candidates) > 0 {
			fmt.Fprintf(os.Stderr, "Error: %s\n", sel.Message)
			for _, rec := range sel.Candidates {
				fmt.Fprintf(os.Stderr, "  %-20s %s cwd=%s\n", rec.ID, rec.URL(), rec.Cwd)
			}
		} else {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		}
	}
	return ExitCode(err)
}

// idArg extracts the optional leading [id] positional.
func idArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

// resolve picks the addressed watcher and returns a client for it.
func (a *app) resolve(ctx context.Context, id string) (*Client, *types.WatcherRecord, error) {
	resolver, err := NewResolver(a.logger)
	if err != nil {
		return nil, nil, err
	}
	rec, err := resolver.Resolve(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return NewClient(rec), rec, nil
}
