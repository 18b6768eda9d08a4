package cli

import (
	"encoding/base64"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/argus-tools/argus/pkg/types"
)

func newTraceCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Record Chrome performance traces",
	}

	var (
		categories string
		options    string
		compress   bool
	)
	start := &cobra.Command{
		Use:   "start [id]",
		Short: "Start a trace recording",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := a.resolve(cmd.Context(), idArg(args))
			if err != nil {
				return err
			}
			req := &types.TraceStartRequest{Options: options, Compress: compress}
			if categories != "" {
				req.Categories = strings.Split(categories, ",")
			}
			var resp types.TraceStartResponse
			if err := client.Post(cmd.Context(), "/trace/start", req, &resp); err != nil {
				return err
			}
			if a.out.jsonMode {
				return a.out.JSON(&resp)
			}
			a.out.Linef("trace %s recording to %s", resp.TraceID, resp.Path)
			return nil
		},
	}
	start.Flags().StringVar(&categories, "categories", "", "comma-separated trace categories")
	start.Flags().StringVar(&options, "options", "", "comma-separated trace options (record-continuously, enable-sampling, ...)")
	start.Flags().BoolVar(&compress, "compress", false, "gzip the trace file")

	stop := &cobra.Command{
		Use:   "stop [id]",
		Short: "Stop the running trace and flush it to disk",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := a.resolve(cmd.Context(), idArg(args))
			if err != nil {
				return err
			}
			var resp types.TraceStopResponse
			if err := client.Post(cmd.Context(), "/trace/stop", nil, &resp); err != nil {
				return err
			}
			if a.out.jsonMode {
				return a.out.JSON(&resp)
			}
			a.out.Linef("trace %s: %d events -> %s", resp.TraceID, resp.Events, resp.Path)
			return nil
		},
	}

	cmd.AddCommand(start, stop)
	return cmd
}

func newScreenshotCommand(a *app) *cobra.Command {
	var selector, out string
	cmd := &cobra.Command{
		Use:   "screenshot [id]",
		Short: "Capture the page (or one element) as a PNG",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := a.resolve(cmd.Context(), idArg(args))
			if err != nil {
				return err
			}
			req := &types.ScreenshotRequest{Selector: selector, IncludeData: out != ""}
			var resp types.ScreenshotResponse
			if err := client.Post(cmd.Context(), "/screenshot", req, &resp); err != nil {
				return err
			}
			if out != "" {
				data, err := base64.StdEncoding.DecodeString(resp.DataBase64)
				if err != nil {
					return err
				}
				if err := os.WriteFile(out, data, 0o644); err != nil {
					return err
				}
				resp.Path = out
			}
			if a.out.jsonMode {
				resp.DataBase64 = ""
				return a.out.JSON(&resp)
			}
			a.out.Linef("saved %s", resp.Path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&selector, "selector", "s", "", "clip to the first element matching this selector")
	cmd.Flags().StringVar(&out, "out", "", "write the PNG to this local path instead")
	return cmd
}

func newReloadCommand(a *app) *cobra.Command {
	var ignoreCache bool
	cmd := &cobra.Command{
		Use:   "reload [id]",
		Short: "Reload the observed page",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := a.resolve(cmd.Context(), idArg(args))
			if err != nil {
				return err
			}
			req := &types.ReloadRequest{IgnoreCache: ignoreCache}
			if err := client.Post(cmd.Context(), "/reload", req, nil); err != nil {
				return err
			}
			if a.out.jsonMode {
				return a.out.JSON(&types.Envelope{OK: true})
			}
			a.out.Linef("ok")
			return nil
		},
	}
	cmd.Flags().BoolVar(&ignoreCache, "ignore-cache", false, "bypass the browser cache")
	return cmd
}
