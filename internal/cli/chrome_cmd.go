package cli

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	watchercdp "github.com/argus-tools/argus/internal/cdp"
	"github.com/argus-tools/argus/internal/common/argushome"
)

// chromeBinaries are tried in order when --bin is not given.
var chromeBinaries = []string{
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
	"chrome",
}

func findChrome(explicit string) (string, error) {
	if explicit == "" {
		explicit = os.Getenv("ARGUS_CHROME_BIN")
	}
	if explicit != "" {
		return exec.LookPath(explicit)
	}
	for _, name := range chromeBinaries {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no chrome binary found (tried %s); pass --bin", strings.Join(chromeBinaries, ", "))
}

func chromePidFile() (string, error) {
	base, err := argushome.Base()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "chrome.pid"), nil
}

func newChromeCommand(a *app) *cobra.Command {
	ep := &chromeEndpointFlags{}
	cmd := &cobra.Command{
		Use:   "chrome",
		Short: "Launch and manage a debugging-enabled Chrome",
	}
	ep.register(cmd)

	var (
		bin      string
		headless bool
		startURL string
	)
	start := &cobra.Command{
		Use:   "start",
		Short: "Launch Chrome with remote debugging enabled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := findChrome(bin)
			if err != nil {
				return err
			}
			base, err := argushome.Base()
			if err != nil {
				return err
			}
			profile := os.Getenv("ARGUS_CHROME_USER_DATA_DIR")
			if profile == "" {
				profile = filepath.Join(base, "chrome-profile")
			}

			chromeArgs := []string{
				fmt.Sprintf("--remote-debugging-port=%d", ep.port),
				"--user-data-dir=" + profile,
				"--no-first-run",
				"--no-default-browser-check",
			}
			if headless {
				chromeArgs = append(chromeArgs, "--headless=new")
			}
			if startURL != "" {
				chromeArgs = append(chromeArgs, startURL)
			}

			proc := exec.Command(path, chromeArgs...)
			proc.Stdout = nil
			proc.Stderr = nil
			if err := proc.Start(); err != nil {
				return fmt.Errorf("launch %s: %w", path, err)
			}
			pidFile, err := chromePidFile()
			if err == nil {
				os.WriteFile(pidFile, []byte(strconv.Itoa(proc.Process.Pid)), 0o644)
			}
			// Detach; the browser outlives this command.
			go proc.Wait()

			// Wait briefly for the endpoint to come up.
			deadline := time.Now().Add(10 * time.Second)
			for time.Now().Before(deadline) {
				if _, err := watchercdp.BrowserVersion(cmd.Context(), ep.endpoint()); err == nil {
					a.out.Linef("chrome pid %d debugging on port %d", proc.Process.Pid, ep.port)
					return nil
				}
				time.Sleep(250 * time.Millisecond)
			}
			return fmt.Errorf("chrome started (pid %d) but port %d never answered", proc.Process.Pid, ep.port)
		},
	}
	start.Flags().StringVar(&bin, "bin", "", "chrome binary to launch")
	start.Flags().BoolVar(&headless, "headless", false, "run headless")
	start.Flags().StringVar(&startURL, "url", "", "open this URL on launch")

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Terminate the Chrome launched by `argus chrome start`",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pidFile, err := chromePidFile()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(pidFile)
			if err != nil {
				return fmt.Errorf("no recorded chrome pid (was it started with `argus chrome start`?)")
			}
			pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
			if err != nil {
				return fmt.Errorf("corrupt pid file %s", pidFile)
			}
			if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
				return fmt.Errorf("signal pid %d: %w", pid, err)
			}
			os.Remove(pidFile)
			a.out.Linef("sent SIGTERM to pid %d", pid)
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Check whether the DevTools endpoint answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := watchercdp.BrowserVersion(cmd.Context(), ep.endpoint())
			if err != nil {
				return err
			}
			if a.out.jsonMode {
				return a.out.JSON(info)
			}
			a.out.Linef("reachable: %s", info["Browser"])
			return nil
		},
	}

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the browser version info",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := watchercdp.BrowserVersion(cmd.Context(), ep.endpoint())
			if err != nil {
				return err
			}
			if a.out.jsonMode {
				return a.out.JSON(info)
			}
			for key, value := range info {
				a.out.Linef("%s: %s", key, value)
			}
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List the browser's page targets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := watchercdp.ListTargets(cmd.Context(), ep.endpoint())
			if err != nil {
				return err
			}
			if a.out.jsonMode {
				return a.out.JSON(targets)
			}
			for _, t := range targets {
				if t.Type != "page" {
					continue
				}
				a.out.Linef("%-32s %s", t.ID, t.URL)
			}
			return nil
		},
	}

	cmd.AddCommand(start, stop, status, version, list)
	return cmd
}
