package cli

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/argus-tools/argus/pkg/types"
)

func newListCommand(a *app) *cobra.Command {
	var byCwd string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered watchers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver, err := NewResolver(a.logger)
			if err != nil {
				return err
			}
			records := resolver.List()
			if byCwd != "" {
				filtered := records[:0]
				for _, rec := range records {
					if strings.Contains(rec.Cwd, byCwd) {
						filtered = append(filtered, rec)
					}
				}
				records = filtered
			}
			return a.out.Records(records)
		},
	}
	cmd.Flags().StringVar(&byCwd, "by-cwd", "", "only watchers whose cwd contains this substring")
	return cmd
}

// logFilterFlags are shared by `logs` and `tail`.
type logFilterFlags struct {
	since         time.Duration
	levels        string
	match         []string
	source        string
	caseSensitive bool
	ignoreCase    bool
	limit         int
}

func (f *logFilterFlags) register(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&f.since, "since", 0, "only events newer than this (e.g. 5m)")
	cmd.Flags().StringVar(&f.levels, "levels", "", "comma-separated level allow-list")
	cmd.Flags().StringArrayVar(&f.match, "match", nil, "regex over event text; repeatable, all must match")
	cmd.Flags().StringVar(&f.source, "source", "", "substring match over the event source")
	cmd.Flags().BoolVar(&f.ignoreCase, "ignore-case", false, "case-insensitive --match")
	cmd.Flags().BoolVar(&f.caseSensitive, "case-sensitive", false, "case-sensitive --match (default)")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "maximum events per request")
}

func (f *logFilterFlags) query(after int64) (string, error) {
	if f.ignoreCase && f.caseSensitive {
		return "", usagef("--ignore-case and --case-sensitive are mutually exclusive")
	}
	values := url.Values{}
	values.Set("after", strconv.FormatInt(after, 10))
	if f.since > 0 {
		values.Set("since", strconv.FormatInt(time.Now().Add(-f.since).UnixMilli(), 10))
	}
	if f.levels != "" {
		values.Set("levels", f.levels)
	}
	for _, m := range f.match {
		values.Add("match", m)
	}
	if f.ignoreCase {
		values.Set("matchCase", "insensitive")
	}
	if f.source != "" {
		values.Set("source", f.source)
	}
	if f.limit > 0 {
		values.Set("limit", strconv.Itoa(f.limit))
	}
	return values.Encode(), nil
}

func newLogsCommand(a *app) *cobra.Command {
	filter := &logFilterFlags{}
	cmd := &cobra.Command{
		Use:   "logs [id]",
		Short: "Print captured console and exception events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := a.resolve(cmd.Context(), idArg(args))
			if err != nil {
				return err
			}
			query, err := filter.query(0)
			if err != nil {
				return err
			}
			var resp types.LogsResponse
			if err := client.Get(cmd.Context(), "/logs?"+query, &resp); err != nil {
				return err
			}
			return a.out.Events(resp.Events)
		},
	}
	filter.register(cmd)
	return cmd
}

func newTailCommand(a *app) *cobra.Command {
	filter := &logFilterFlags{}
	cmd := &cobra.Command{
		Use:   "tail [id]",
		Short: "Follow captured events as they arrive",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := a.resolve(cmd.Context(), idArg(args))
			if err != nil {
				return err
			}
			var after int64
			for {
				query, err := filter.query(after)
				if err != nil {
					return err
				}
				var resp types.LogsResponse
				err = client.Get(cmd.Context(), "/tail?"+query+"&timeoutMs=25000", &resp)
				if err != nil {
					return err
				}
				if err := a.out.Events(resp.Events); err != nil {
					return err
				}
				after = resp.NextAfter
				if cmd.Context().Err() != nil {
					return nil
				}
			}
		},
	}
	filter.register(cmd)
	return cmd
}

func newNetCommand(a *app) *cobra.Command {
	var (
		since       time.Duration
		urlContains string
		limit       int
	)
	netQuery := func(after int64) string {
		values := url.Values{}
		values.Set("after", strconv.FormatInt(after, 10))
		if since > 0 {
			values.Set("since", strconv.FormatInt(time.Now().Add(-since).UnixMilli(), 10))
		}
		if urlContains != "" {
			values.Set("url", urlContains)
		}
		if limit > 0 {
			values.Set("limit", strconv.Itoa(limit))
		}
		return values.Encode()
	}

	cmd := &cobra.Command{
		Use:   "net [id]",
		Short: "Print captured network request summaries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := a.resolve(cmd.Context(), idArg(args))
			if err != nil {
				return err
			}
			var resp types.NetResponse
			if err := client.Get(cmd.Context(), "/net?"+netQuery(0), &resp); err != nil {
				return err
			}
			return a.out.Requests(resp.Requests)
		},
	}
	cmd.PersistentFlags().DurationVar(&since, "since", 0, "only requests newer than this")
	cmd.PersistentFlags().StringVar(&urlContains, "url", "", "substring match over the request URL")
	cmd.PersistentFlags().IntVar(&limit, "limit", 0, "maximum requests per call")

	tail := &cobra.Command{
		Use:   "tail [id]",
		Short: "Follow network requests as they arrive",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := a.resolve(cmd.Context(), idArg(args))
			if err != nil {
				return err
			}
			var after int64
			for {
				var resp types.NetResponse
				path := fmt.Sprintf("/net/tail?%s&timeoutMs=25000", netQuery(after))
				if err := client.Get(cmd.Context(), path, &resp); err != nil {
					return err
				}
				if err := a.out.Requests(resp.Requests); err != nil {
					return err
				}
				after = resp.NextAfter
				if cmd.Context().Err() != nil {
					return nil
				}
			}
		},
	}
	cmd.AddCommand(tail)
	return cmd
}
