package cli

import (
	"github.com/spf13/cobra"

	"github.com/argus-tools/argus/pkg/types"
)

func newStorageCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Inspect and mutate page storage",
	}
	cmd.AddCommand(newStorageLocalCommand(a))
	return cmd
}

func newStorageLocalCommand(a *app) *cobra.Command {
	var origin string

	local := &cobra.Command{
		Use:   "local",
		Short: "Operate on the page's localStorage",
	}
	local.PersistentFlags().StringVar(&origin, "origin", "", "abort unless location.origin equals this exactly")

	run := func(cmd *cobra.Command, id string, req *types.StorageRequest) error {
		req.Origin = origin
		client, _, err := a.resolve(cmd.Context(), id)
		if err != nil {
			return err
		}
		var resp types.StorageResponse
		if err := client.Post(cmd.Context(), "/storage/local", req, &resp); err != nil {
			return err
		}
		if a.out.jsonMode {
			return a.out.JSON(&resp)
		}
		switch req.Op {
		case "get":
			if resp.Value == nil {
				a.out.Linef("(missing)")
			} else {
				a.out.Linef("%s", *resp.Value)
			}
		case "list":
			for key, value := range resp.Items {
				a.out.Linef("%s=%s", key, value)
			}
		default:
			a.out.Linef("ok (%d keys)", resp.Count)
		}
		return nil
	}

	local.AddCommand(
		&cobra.Command{
			Use:   "get [id] <key>",
			Short: "Read one key",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, key := "", args[0]
				if len(args) == 2 {
					id, key = args[0], args[1]
				}
				return run(cmd, id, &types.StorageRequest{Op: "get", Key: key})
			},
		},
		&cobra.Command{
			Use:   "set [id] <key> <value>",
			Short: "Write one key",
			Args:  cobra.RangeArgs(2, 3),
			RunE: func(cmd *cobra.Command, args []string) error {
				id := ""
				if len(args) == 3 {
					id, args = args[0], args[1:]
				}
				return run(cmd, id, &types.StorageRequest{Op: "set", Key: args[0], Value: args[1]})
			},
		},
		&cobra.Command{
			Use:   "remove [id] <key>",
			Short: "Delete one key",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, key := "", args[0]
				if len(args) == 2 {
					id, key = args[0], args[1]
				}
				return run(cmd, id, &types.StorageRequest{Op: "remove", Key: key})
			},
		},
		&cobra.Command{
			Use:   "list [id]",
			Short: "Dump all keys",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd, idArg(args), &types.StorageRequest{Op: "list"})
			},
		},
		&cobra.Command{
			Use:   "clear [id]",
			Short: "Remove every key",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd, idArg(args), &types.StorageRequest{Op: "clear"})
			},
		},
	)
	return local
}
