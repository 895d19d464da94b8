package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tomoprep/pkg/logging"
)

func openTemp(t *testing.T) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func TestOpenMigrates(t *testing.T) {
	l, path := openTemp(t)
	version, dirty, err := l.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	// reopening an up to date ledger is a no-op
	require.NoError(t, l.Close())
	again, err := Open(path, logging.Nop())
	require.NoError(t, err)
	defer again.Close()
	version, _, err = again.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}

func TestRecordAndHistory(t *testing.T) {
	l, _ := openTemp(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	entries := []Entry{
		{RunID: "r1", Tool: "tomostar", Unit: "TS_01", Status: "failed", Reason: "order list incomplete", RecordedAt: at},
		{RunID: "r2", Tool: "tomostar", Unit: "TS_01", Status: "success-with-warnings",
			Warnings: []string{"join gap: acquisition 4", "missing second tilt"}, RecordedAt: at.Add(time.Hour)},
	}
	for _, e := range entries {
		require.NoError(t, l.Record(ctx, e))
	}
	require.NoError(t, l.Record(ctx, Entry{RunID: "r2", Tool: "split-stack", Unit: "TS_01", Status: "success"}))

	got, err := l.History(ctx, "tomostar", "TS_01")
	require.NoError(t, err)
	if diff := cmp.Diff(entries, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestProcessedUsesLatestOutcome(t *testing.T) {
	l, _ := openTemp(t)
	ctx := context.Background()

	record := func(run, unit, status string) {
		require.NoError(t, l.Record(ctx, Entry{RunID: run, Tool: "run", Unit: unit, Status: status}))
	}
	record("r1", "TS_01", "success")
	record("r1", "TS_02", "failed")
	record("r1", "TS_03", "success")
	record("r2", "TS_02", "success-with-warnings")
	record("r2", "TS_03", "failed")
	record("r2", "TS_04", "skipped")
	record("r3", "TS_01", "skipped")
	require.NoError(t, l.Record(ctx, Entry{RunID: "r2", Tool: "other", Unit: "TS_05", Status: "success"}))

	done, err := l.Processed(ctx, "run")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"TS_01": true, "TS_02": true}, done)

	none, err := l.Processed(ctx, "particles")
	require.NoError(t, err)
	assert.Empty(t, none)
}
