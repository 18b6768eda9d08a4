package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/argus-tools/argus/pkg/types"
)

// usageError marks bad user input; main exits 2 for these, 1 for
// operational failures.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...interface{}) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// ExitCode classifies an error from the command tree: 0 success, 1
// operational failure, 2 user-input error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var usage *usageError
	if errors.As(err, &usage) {
		return 2
	}
	switch types.ErrorCode(err) {
	case types.CodeInvalidBody, types.CodeInvalidMatch, types.CodeInvalidMatchCase, types.CodeUnknownKey:
		return 2
	}
	return 1
}

// printer renders command results; every command honors --json.
type printer struct {
	out      io.Writer
	jsonMode bool
}

func (p *printer) JSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(p.out, string(data))
	return nil
}

func (p *printer) Linef(format string, args ...interface{}) {
	fmt.Fprintf(p.out, format+"\n", args...)
}

// Records prints a watcher list the way `argus list` shows it.
func (p *printer) Records(records []*types.WatcherRecord) error {
	if p.jsonMode {
		return p.JSON(records)
	}
	if len(records) == 0 {
		p.Linef("no watchers registered")
		return nil
	}
	now := time.Now()
	for _, rec := range records {
		p.Linef("%-20s %s pid=%d age=%s cwd=%s",
			rec.ID, rec.URL(), rec.PID, rec.Age(now).Truncate(time.Second), rec.Cwd)
	}
	return nil
}

// Events prints log events, one line each.
func (p *printer) Events(events []*types.LogEvent) error {
	if p.jsonMode {
		return p.JSON(events)
	}
	for _, ev := range events {
		ts := time.UnixMilli(ev.Ts).Format("15:04:05.000")
		location := ""
		if ev.File != "" {
			location = fmt.Sprintf(" (%s:%d)", ev.File, ev.Line)
		}
		p.Linef("%s [%s] %s%s", ts, ev.Level, ev.Text, location)
	}
	return nil
}

// Requests prints network summaries, one line each.
func (p *printer) Requests(requests []*types.NetworkRequestSummary) error {
	if p.jsonMode {
		return p.JSON(requests)
	}
	for _, r := range requests {
		status := "-"
		if r.Status != 0 {
			status = fmt.Sprintf("%d", r.Status)
		}
		if r.ErrorText != "" {
			status = r.ErrorText
		}
		p.Linef("%s %-4s %s %s %.0fms", time.UnixMilli(r.Ts).Format("15:04:05.000"),
			r.Method, status, r.URL, r.DurationMs)
	}
	return nil
}
