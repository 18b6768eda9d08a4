package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/argus-tools/argus/internal/common/argushome"
	"github.com/argus-tools/argus/internal/common/config"
	"github.com/argus-tools/argus/internal/common/logger"
	"github.com/argus-tools/argus/internal/watcher"
	"github.com/argus-tools/argus/pkg/types"
)

type watcherStartOptions struct {
	id         string
	host       string
	port       int
	configPath string
	chrome     chromeEndpointFlags
	match      matchFlags

	bootScripts    []string
	logBuffer      int
	netBuffer      int
	captureNetwork bool
	ignore         []string
	stripPrefixes  []string
}

// matchFlags mirror types.TargetMatch as command-line flags.
type matchFlags struct {
	urlContains   string
	titleContains string
	urlRegex      string
	titleRegex    string
	targetType    string
	origin        string
	targetID      string
	parentURL     string
}

func (f *matchFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.urlContains, "url-contains", "", "match targets whose URL contains this")
	cmd.Flags().StringVar(&f.titleContains, "title-contains", "", "match targets whose title contains this")
	cmd.Flags().StringVar(&f.urlRegex, "url-regex", "", "match targets whose URL matches this regex")
	cmd.Flags().StringVar(&f.titleRegex, "title-regex", "", "match targets whose title matches this regex")
	cmd.Flags().StringVar(&f.targetType, "type", "", "match targets of this type (usually page)")
	cmd.Flags().StringVar(&f.origin, "origin", "", "match targets with this origin")
	cmd.Flags().StringVar(&f.targetID, "target-id", "", "attach to this exact target id")
	cmd.Flags().StringVar(&f.parentURL, "parent-url", "", "match targets whose parent URL contains this")
}

func (f *matchFlags) toMatch() *types.TargetMatch {
	m := &types.TargetMatch{
		URLContains:   f.urlContains,
		TitleContains: f.titleContains,
		URLRegex:      f.urlRegex,
		TitleRegex:    f.titleRegex,
		Type:          f.targetType,
		Origin:        f.origin,
		TargetID:      f.targetID,
		ParentURL:     f.parentURL,
	}
	if m.IsEmpty() {
		return nil
	}
	return m
}

func newWatcherCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watcher",
		Short: "Run and manage watcher processes",
	}
	cmd.AddCommand(
		newWatcherStartCommand(a, types.SourceCDP),
		newWatcherNativeHostCommand(a),
		newWatcherStopCommand(a),
		newWatcherStatusCommand(a),
		newWatcherListCommand(a),
		newWatcherPruneCommand(a),
		newWatcherAttachCommand(a),
		newWatcherDetachCommand(a),
	)
	return cmd
}

func runWatcher(cmd *cobra.Command, o *watcherStartOptions, source types.Source) error {
	cfg, err := loadWatcherConfig(o.configPath)
	if err != nil {
		return err
	}
	if o.logBuffer > 0 {
		cfg.Watcher.LogBufferSize = o.logBuffer
	}
	if o.netBuffer > 0 {
		cfg.Watcher.NetBufferSize = o.netBuffer
	}
	if cmd.Flags().Changed("capture-network") {
		cfg.Watcher.CaptureNetwork = o.captureNetwork
	}
	cfg.Watcher.IgnoreFramePatterns = append(cfg.Watcher.IgnoreFramePatterns, o.ignore...)
	cfg.Watcher.StripURLPrefixes = append(cfg.Watcher.StripURLPrefixes, o.stripPrefixes...)

	var bootScripts []string
	for _, path := range o.bootScripts {
		src, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read boot script %s: %w", path, err)
		}
		bootScripts = append(bootScripts, string(src))
	}

	runLogger, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer runLogger.Sync()

	w, err := watcher.New(cfg, watcher.Options{
		ID:          o.id,
		Host:        o.host,
		Port:        o.port,
		Source:      source,
		Chrome:      types.ChromeAddr{Host: o.chrome.host, Port: o.chrome.port},
		Match:       o.match.toMatch(),
		BootScripts: bootScripts,
	}, runLogger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := w.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		w.Shutdown(context.Background())
		<-w.Done()
	case <-w.Done():
	}
	return nil
}

// loadWatcherConfig reads --config, or the default argus.yaml under the
// artifacts base when none is given.
func loadWatcherConfig(path string) (*config.Config, error) {
	if path == "" {
		base, err := argushome.Base()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(base, "argus.yaml")
	}
	return config.Load(path)
}

func newWatcherStartCommand(a *app, source types.Source) *cobra.Command {
	o := &watcherStartOptions{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run a watcher against a local Chrome's DevTools socket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatcher(cmd, o, source)
		},
	}
	cmd.Flags().StringVar(&o.id, "id", "", "watcher id (default derived from cwd)")
	cmd.Flags().StringVar(&o.host, "host", "", "API bind host (default 127.0.0.1)")
	cmd.Flags().IntVar(&o.port, "port", 0, "API bind port (default ephemeral)")
	cmd.Flags().StringVarP(&o.configPath, "config", "c", "", "path to argus.yaml")
	cmd.Flags().StringVar(&o.chrome.host, "chrome-host", "127.0.0.1", "DevTools host")
	cmd.Flags().IntVar(&o.chrome.port, "chrome-port", 9222, "DevTools port")
	cmd.Flags().StringArrayVar(&o.bootScripts, "boot-script", nil, "JS file installed on every new document (repeatable)")
	cmd.Flags().IntVar(&o.logBuffer, "log-buffer", 0, "log ring capacity override")
	cmd.Flags().IntVar(&o.netBuffer, "net-buffer", 0, "network ring capacity override")
	cmd.Flags().BoolVar(&o.captureNetwork, "capture-network", true, "capture network request summaries")
	cmd.Flags().StringArrayVar(&o.ignore, "ignore", nil, "regex over stack-frame URLs to skip (repeatable)")
	cmd.Flags().StringArrayVar(&o.stripPrefixes, "strip-prefix", nil, "URL prefix to strip from file locations (repeatable)")
	o.match.register(cmd)
	return cmd
}

func newWatcherNativeHostCommand(a *app) *cobra.Command {
	o := &watcherStartOptions{}
	cmd := &cobra.Command{
		Use:   "native-host",
		Short: "Run as a Native Messaging host for the browser extension",
		Long: "Chrome launches this process itself when the extension connects; " +
			"frames arrive on stdin and leave on stdout, so nothing else may " +
			"touch those streams.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatcher(cmd, o, types.SourceExtension)
		},
	}
	cmd.Flags().StringVar(&o.id, "id", "", "watcher id (default derived from cwd)")
	cmd.Flags().IntVar(&o.port, "port", 0, "API bind port (default ephemeral)")
	cmd.Flags().StringVarP(&o.configPath, "config", "c", "", "path to argus.yaml")
	return cmd
}

func newWatcherStopCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stop [id]",
		Short: "Ask a watcher to shut down",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, rec, err := a.resolve(cmd.Context(), idArg(args))
			if err != nil {
				return err
			}
			if err := client.Post(cmd.Context(), "/shutdown", nil, nil); err != nil {
				return err
			}
			a.out.Linef("watcher %s stopping", rec.ID)
			return nil
		},
	}
}

func newWatcherStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status [id]",
		Short: "Show a watcher's attachment and buffer state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := a.resolve(cmd.Context(), idArg(args))
			if err != nil {
				return err
			}
			var resp types.StatusResponse
			if err := client.Get(cmd.Context(), "/status", &resp); err != nil {
				return err
			}
			if a.out.jsonMode {
				return a.out.JSON(&resp)
			}
			a.out.Linef("id=%s attached=%v", resp.Record.ID, resp.Attached)
			if resp.Target != nil {
				a.out.Linef("target: %s (%s)", resp.Target.URL, resp.Target.Title)
			}
			a.out.Linef("logs: %d buffered, %d dropped; net: %d buffered, %d dropped",
				resp.Buffers.LogCount, resp.Buffers.LogDropped,
				resp.Buffers.NetCount, resp.Buffers.NetDropped)
			return nil
		},
	}
}

func newWatcherListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered watchers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver, err := NewResolver(a.logger)
			if err != nil {
				return err
			}
			return a.out.Records(resolver.List())
		},
	}
}

func newWatcherPruneCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove registry entries whose watcher no longer answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver, err := NewResolver(a.logger)
			if err != nil {
				return err
			}
			removed, err := resolver.PruneDead(cmd.Context())
			if err != nil {
				return err
			}
			if a.out.jsonMode {
				return a.out.JSON(removed)
			}
			if len(removed) == 0 {
				a.out.Linef("nothing to prune")
				return nil
			}
			for _, id := range removed {
				a.out.Linef("removed %s", id)
			}
			return nil
		},
	}
}

func newWatcherAttachCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "attach [id] <target-id>",
		Short: "Move a watcher onto a specific target",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, targetID := "", args[0]
			if len(args) == 2 {
				id, targetID = args[0], args[1]
			}
			client, _, err := a.resolve(cmd.Context(), id)
			if err != nil {
				return err
			}
			return client.Post(cmd.Context(), "/attach", &types.AttachRequest{TargetID: targetID}, nil)
		},
	}
}

func newWatcherDetachCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "detach [id]",
		Short: "Detach a watcher from its target",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := a.resolve(cmd.Context(), idArg(args))
			if err != nil {
				return err
			}
			return client.Post(cmd.Context(), "/detach", nil, nil)
		},
	}
}
