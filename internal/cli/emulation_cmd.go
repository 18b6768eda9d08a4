package cli

import (
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/argus-tools/argus/pkg/types"
)

// devicePresets are common device profiles for `emulation set --device`.
var devicePresets = map[string]types.EmulationState{
	"iphone-se": {
		Viewport:  &types.ViewportSpec{Width: 375, Height: 667, DPR: 2, Mobile: true},
		Touch:     &types.TouchSpec{Enabled: true},
		UserAgent: uaSpec("Mozilla/5.0 (iPhone; CPU iPhone OS 16_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Mobile/15E148 Safari/604.1"),
	},
	"iphone-14": {
		Viewport:  &types.ViewportSpec{Width: 390, Height: 844, DPR: 3, Mobile: true},
		Touch:     &types.TouchSpec{Enabled: true},
		UserAgent: uaSpec("Mozilla/5.0 (iPhone; CPU iPhone OS 16_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Mobile/15E148 Safari/604.1"),
	},
	"pixel-7": {
		Viewport:  &types.ViewportSpec{Width: 412, Height: 915, DPR: 2.625, Mobile: true},
		Touch:     &types.TouchSpec{Enabled: true},
		UserAgent: uaSpec("Mozilla/5.0 (Linux; Android 13; Pixel 7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36"),
	},
	"ipad": {
		Viewport:  &types.ViewportSpec{Width: 810, Height: 1080, DPR: 2, Mobile: true},
		Touch:     &types.TouchSpec{Enabled: true},
		UserAgent: uaSpec("Mozilla/5.0 (iPad; CPU OS 16_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Mobile/15E148 Safari/604.1"),
	},
	"desktop": {
		Viewport: &types.ViewportSpec{Width: 1920, Height: 1080, DPR: 1},
		Touch:    &types.TouchSpec{Enabled: false},
	},
}

func uaSpec(ua string) *types.UserAgentSpec {
	return &types.UserAgentSpec{Value: &ua}
}

func deviceNames() []string {
	names := make([]string, 0, len(devicePresets))
	for name := range devicePresets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func printDesired(a *app, state interface{}, status types.DesiredStatus) error {
	if a.out.jsonMode {
		return a.out.JSON(map[string]interface{}{"state": state, "status": status})
	}
	a.out.Linef("attached=%v applied=%v", status.Attached, status.Applied)
	if status.LastError != "" {
		a.out.Linef("lastError: %s", status.LastError)
	}
	return nil
}

func newEmulationCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "emulation",
		Short: "Persistent device emulation overrides",
	}

	post := func(cmd *cobra.Command, id string, req *types.EmulationRequest) error {
		client, _, err := a.resolve(cmd.Context(), id)
		if err != nil {
			return err
		}
		var resp types.EmulationResponse
		if err := client.Post(cmd.Context(), "/emulation", req, &resp); err != nil {
			return err
		}
		return printDesired(a, resp.State, resp.DesiredStatus)
	}

	var (
		device        string
		width, height int64
		dpr           float64
		mobile, touch bool
		ua            string
	)
	set := &cobra.Command{
		Use:   "set [id]",
		Short: "Set the desired emulation state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var state types.EmulationState
			if device != "" {
				preset, ok := devicePresets[device]
				if !ok {
					return usagef("unknown device %q (known: %s)", device, strings.Join(deviceNames(), ", "))
				}
				state = preset
			}
			if width > 0 || height > 0 {
				if width <= 0 || height <= 0 {
					return usagef("--width and --height must both be positive")
				}
				state.Viewport = &types.ViewportSpec{Width: width, Height: height, DPR: dpr, Mobile: mobile}
			}
			if cmd.Flags().Changed("touch") {
				state.Touch = &types.TouchSpec{Enabled: touch}
			}
			if cmd.Flags().Changed("ua") {
				state.UserAgent = uaSpec(ua)
			}
			if state.IsEmpty() {
				return usagef("nothing to set; use --device or --width/--height/--touch/--ua")
			}
			return post(cmd, idArg(args), &types.EmulationRequest{Op: "set", State: &state})
		},
	}
	set.Flags().StringVar(&device, "device", "", "device preset: "+strings.Join(deviceNames(), ", "))
	set.Flags().Int64Var(&width, "width", 0, "viewport width")
	set.Flags().Int64Var(&height, "height", 0, "viewport height")
	set.Flags().Float64Var(&dpr, "dpr", 0, "device pixel ratio")
	set.Flags().BoolVar(&mobile, "mobile", false, "mobile layout mode")
	set.Flags().BoolVar(&touch, "touch", false, "touch emulation")
	set.Flags().StringVar(&ua, "ua", "", "user agent override")

	var aspects []string
	clear := &cobra.Command{
		Use:   "clear [id]",
		Short: "Clear emulation overrides",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return post(cmd, idArg(args), &types.EmulationRequest{Op: "clear", Aspects: aspects})
		},
	}
	clear.Flags().StringArrayVar(&aspects, "aspect", nil, "clear only this aspect: viewport, touch, userAgent (repeatable)")

	status := &cobra.Command{
		Use:   "status [id]",
		Short: "Show the desired and applied emulation state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return post(cmd, idArg(args), &types.EmulationRequest{Op: "status"})
		},
	}

	cmd.AddCommand(set, clear, status)
	return cmd
}

func newThrottleCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "throttle",
		Short: "Persistent CPU throttling",
	}

	post := func(cmd *cobra.Command, id string, req *types.ThrottleRequest) error {
		client, _, err := a.resolve(cmd.Context(), id)
		if err != nil {
			return err
		}
		var resp types.ThrottleResponse
		if err := client.Post(cmd.Context(), "/throttle", req, &resp); err != nil {
			return err
		}
		return printDesired(a, resp.State, resp.DesiredStatus)
	}

	var rate float64
	set := &cobra.Command{
		Use:   "set [id]",
		Short: "Set the CPU slowdown factor",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return post(cmd, idArg(args), &types.ThrottleRequest{
				Op:    "set",
				State: &types.ThrottleState{CPU: &types.CPUSpec{Rate: rate}},
			})
		},
	}
	set.Flags().Float64Var(&rate, "rate", 4, "slowdown factor, 1 means no throttle")

	cmd.AddCommand(
		set,
		&cobra.Command{
			Use:   "clear [id]",
			Short: "Remove the CPU throttle",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return post(cmd, idArg(args), &types.ThrottleRequest{Op: "clear"})
			},
		},
		&cobra.Command{
			Use:   "status [id]",
			Short: "Show the desired and applied throttle",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return post(cmd, idArg(args), &types.ThrottleRequest{Op: "status"})
			},
		},
	)
	return cmd
}
