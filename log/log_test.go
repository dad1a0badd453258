package log

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	records *[]slog.Record
}

func (h recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h recordingHandler) Handle(_ context.Context, r slog.Record) error {
	*h.records = append(*h.records, r)
	return nil
}

func (h recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h recordingHandler) WithGroup(string) slog.Handler { return h }

func capture(t *testing.T) *[]slog.Record {
	t.Helper()
	records := &[]slog.Record{}
	prev := Root()
	SetDefault(NewLogger(recordingHandler{records: records}))
	t.Cleanup(func() { SetDefault(prev) })
	return records
}

func TestParseLevel(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want slog.Level
	}{
		{"trace", LevelTrace},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"crit", LevelCrit},
	} {
		got, err := ParseLevel(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
	_, err := ParseLevel("chatty")
	assert.Error(t, err)
}

func TestLevelStringRoundTrip(t *testing.T) {
	for _, lvl := range []slog.Level{LevelTrace, LevelDebug, LevelInfo, LevelWarn, LevelError, LevelCrit} {
		got, err := ParseLevel(LevelString(lvl))
		require.NoError(t, err)
		assert.Equal(t, lvl, got)
	}
	assert.Equal(t, "unknown", LevelString(slog.Level(99)))
}

func TestModuleFiltering(t *testing.T) {
	records := capture(t)
	DisableModule(SyncMonitoring)
	defer DisableModule(SyncMonitoring)

	Debug(SyncMonitoring, "dropped")
	assert.Empty(t, *records)

	EnableModule(SyncMonitoring)
	Debug(SyncMonitoring, "kept")
	require.Len(t, *records, 1)
	assert.Equal(t, "kept", (*records)[0].Message)

	// Info and above pass regardless of the module switch
	DisableModule(SyncMonitoring)
	Info(SyncMonitoring, "always")
	assert.Len(t, *records, 2)
}

func TestEnableModulesList(t *testing.T) {
	defer func() {
		for _, m := range defaultKnownModules {
			DisableModule(m)
		}
	}()

	EnableModules("race_mod, sec_mod")
	assert.True(t, isModuleEnabled(RaceMonitoring))
	assert.True(t, isModuleEnabled(SecurityMonitoring))
	assert.False(t, isModuleEnabled(CoreMonitoring))

	EnableModules("all")
	for _, m := range defaultKnownModules {
		assert.True(t, isModuleEnabled(m), m)
	}

	// a module that was never enabled stays silent
	assert.False(t, isModuleEnabled("bogus_mod"))
}
