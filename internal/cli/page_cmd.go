package cli

import (
	"github.com/spf13/cobra"

	watchercdp "github.com/argus-tools/argus/internal/cdp"
	"github.com/argus-tools/argus/pkg/types"
)

// chromeEndpointFlags locate the DevTools HTTP endpoint for commands
// that bypass the watcher.
type chromeEndpointFlags struct {
	host string
	port int
}

func (f *chromeEndpointFlags) register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&f.host, "chrome-host", watchercdp.DefaultEndpoint.Host, "DevTools host")
	cmd.PersistentFlags().IntVar(&f.port, "chrome-port", watchercdp.DefaultEndpoint.Port, "DevTools port")
}

func (f *chromeEndpointFlags) endpoint() watchercdp.Endpoint {
	return watchercdp.Endpoint{Host: f.host, Port: f.port}
}

func newPageCommand(a *app) *cobra.Command {
	ep := &chromeEndpointFlags{}
	cmd := &cobra.Command{
		Use:   "page",
		Short: "Manage browser tabs through the DevTools endpoint",
	}
	ep.register(cmd)

	printTargets := func(targets []types.TargetInfo) error {
		if a.out.jsonMode {
			return a.out.JSON(targets)
		}
		for _, t := range targets {
			a.out.Linef("%-32s %-10s %s", t.ID, t.Type, t.URL)
		}
		return nil
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "targets",
			Short: "List the browser's targets",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				targets, err := watchercdp.ListTargets(cmd.Context(), ep.endpoint())
				if err != nil {
					return err
				}
				return printTargets(targets)
			},
		},
		&cobra.Command{
			Use:   "open <url>",
			Short: "Open a new tab",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				target, err := watchercdp.OpenTarget(cmd.Context(), ep.endpoint(), args[0])
				if err != nil {
					return err
				}
				if a.out.jsonMode {
					return a.out.JSON(target)
				}
				a.out.Linef("%s %s", target.ID, target.URL)
				return nil
			},
		},
		&cobra.Command{
			Use:   "activate <target-id>",
			Short: "Raise a tab",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return watchercdp.ActivateTarget(cmd.Context(), ep.endpoint(), args[0])
			},
		},
		&cobra.Command{
			Use:   "close <target-id>",
			Short: "Close a tab",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return watchercdp.CloseTarget(cmd.Context(), ep.endpoint(), args[0])
			},
		},
		&cobra.Command{
			Use:   "reload [id]",
			Short: "Reload the page a watcher observes",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				client, _, err := a.resolve(cmd.Context(), idArg(args))
				if err != nil {
					return err
				}
				return client.Post(cmd.Context(), "/reload", &types.ReloadRequest{}, nil)
			},
		},
	)
	return cmd
}
