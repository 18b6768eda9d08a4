package cli

import (
	"bytes"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-tools/argus/pkg/types"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, 0},
		{"usage error", usagef("bad flag"), 2},
		{"invalid body", types.NewAPIError(types.CodeInvalidBody, "x"), 2},
		{"invalid match", types.NewAPIError(types.CodeInvalidMatch, "x"), 2},
		{"unknown key", types.NewAPIError(types.CodeUnknownKey, "x"), 2},
		{"not attached", types.NewAPIError(types.CodeCDPNotAttached, "x"), 1},
		{"connect failed", types.NewAPIError(types.CodeConnectFailed, "x"), 1},
		{"plain error", fmt.Errorf("boom"), 1},
		{"wrapped usage error", fmt.Errorf("context: %w", usagef("bad")), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestSelectorFlags(t *testing.T) {
	t.Run("selector passes through", func(t *testing.T) {
		f := &selectorFlags{selector: "#login", all: true, text: "Sign in"}
		sel, err := f.toSelector()
		require.NoError(t, err)
		assert.Equal(t, "#login", sel.Selector)
		assert.True(t, sel.All)
		assert.Equal(t, "Sign in", sel.Text)
	})

	t.Run("testid expands", func(t *testing.T) {
		f := &selectorFlags{testid: "submit-btn"}
		sel, err := f.toSelector()
		require.NoError(t, err)
		assert.Equal(t, `[data-testid="submit-btn"]`, sel.Selector)
	})

	t.Run("both rejected", func(t *testing.T) {
		f := &selectorFlags{selector: "#x", testid: "y"}
		_, err := f.toSelector()
		assert.Equal(t, 2, ExitCode(err))
	})

	t.Run("neither rejected", func(t *testing.T) {
		_, err := (&selectorFlags{}).toSelector()
		assert.Equal(t, 2, ExitCode(err))
	})
}

func TestLogFilterQuery(t *testing.T) {
	f := &logFilterFlags{
		levels:     "error,warn",
		match:      []string{"timeout", "db"},
		ignoreCase: true,
		limit:      50,
	}
	raw, err := f.query(42)
	require.NoError(t, err)

	values, err := url.ParseQuery(raw)
	require.NoError(t, err)
	assert.Equal(t, "42", values.Get("after"))
	assert.Equal(t, "error,warn", values.Get("levels"))
	assert.Equal(t, []string{"timeout", "db"}, values["match"])
	assert.Equal(t, "insensitive", values.Get("matchCase"))
	assert.Equal(t, "50", values.Get("limit"))
}

func TestLogFilterQueryCaseConflict(t *testing.T) {
	f := &logFilterFlags{ignoreCase: true, caseSensitive: true}
	_, err := f.query(0)
	require.Error(t, err)
	assert.Equal(t, 2, ExitCode(err))
}

func TestPrinterEvents(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{out: &buf}
	err := p.Events([]*types.LogEvent{
		{Ts: time.Now().UnixMilli(), Level: types.LevelError, Text: "boom", File: "app.js", Line: 12},
		{Ts: time.Now().UnixMilli(), Level: types.LevelInfo, Text: "started"},
	})
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "[error] boom (app.js:12)")
	assert.Contains(t, out, "[info] started")
	assert.NotContains(t, out, "started (")
}

func TestPrinterRecordsEmpty(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{out: &buf}
	require.NoError(t, p.Records(nil))
	assert.Contains(t, buf.String(), "no watchers registered")
}
