package storage

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/raterudder/agilerudder/pkg/log"
	"github.com/raterudder/agilerudder/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

var historyStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestFileProvider(t *testing.T) *FileProvider {
	f := NewFileProvider(t.TempDir())
	require.NoError(t, f.Init(context.Background()))
	return f
}

func entryAt(i int, reason string) types.HistoryEntry {
	start := historyStart.Add(time.Duration(i) * types.SlotDuration)
	return types.HistoryEntry{
		Start:      start,
		End:        start.Add(types.SlotDuration),
		Price:      12.5,
		Action:     types.SlotActionCharge,
		Type:       types.PriceTypeCheapest,
		BatterySOC: 40,
		Reason:     reason,
	}
}

func TestFileProviderSettings(t *testing.T) {
	ctx := context.Background()
	f := newTestFileProvider(t)

	s, version, err := f.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, version)
	assert.Equal(t, types.Settings{}, s)

	settings := types.Settings{
		Timezone:                  "Europe/London",
		SlotsForFullBatteryCharge: 6,
		SolcastSiteIdentifiers:    []string{"a", "b"},
		ScheduledActions:          []types.ScheduledAction{{StartTime: "16:00", Action: types.SlotActionHold}},
	}
	require.NoError(t, f.SetSettings(ctx, settings, types.CurrentSettingsVersion))

	got, version, err := f.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.CurrentSettingsVersion, version)
	assert.Equal(t, settings, got)

	t.Run("corrupt file", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(f.dir, settingsFile), []byte("{"), 0o644))
		_, _, err := f.GetSettings(ctx)
		assert.Error(t, err)
	})
}

func TestFileProviderOverridesAndMock(t *testing.T) {
	ctx := context.Background()
	f := newTestFileProvider(t)

	overrides, err := f.GetManualOverrides(ctx)
	require.NoError(t, err)
	assert.Empty(t, overrides)

	amps := 10
	want := []types.ManualOverride{{SlotStart: historyStart, Action: types.SlotActionDischarge, Amps: &amps}}
	require.NoError(t, f.SetManualOverrides(ctx, want))
	overrides, err = f.GetManualOverrides(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, overrides)

	_, err = f.GetMockState(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	state := types.InverterMockState{Timestamp: historyStart, BatterySOC: 55.5, Writes: 3}
	require.NoError(t, f.SetMockState(ctx, state))
	got, err := f.GetMockState(ctx)
	require.NoError(t, err)
	assert.Equal(t, state, got)
}

func TestFileProviderHistory(t *testing.T) {
	ctx := context.Background()

	t.Run("append dedupes the latest start", func(t *testing.T) {
		f := newTestFileProvider(t)
		added, err := f.AppendHistory(ctx, entryAt(0, "first"))
		require.NoError(t, err)
		assert.True(t, added)

		added, err = f.AppendHistory(ctx, entryAt(0, "again"))
		require.NoError(t, err)
		assert.False(t, added)

		added, err = f.AppendHistory(ctx, entryAt(1, "second"))
		require.NoError(t, err)
		assert.True(t, added)

		entries, err := f.GetHistory(ctx, historyStart, historyStart.Add(24*time.Hour))
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "first", entries[0].Reason)
		assert.Equal(t, "second", entries[1].Reason)
	})

	t.Run("persists across providers", func(t *testing.T) {
		dir := t.TempDir()
		f := NewFileProvider(dir)
		require.NoError(t, f.Init(ctx))
		_, err := f.AppendHistory(ctx, entryAt(0, "kept, with a comma"))
		require.NoError(t, err)

		reopened := NewFileProvider(dir)
		entries, err := reopened.GetHistory(ctx, historyStart, historyStart.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "kept, with a comma", entries[0].Reason)
		assert.Equal(t, types.SlotActionCharge, entries[0].Action)
	})

	t.Run("reads legacy rows and skips garbage", func(t *testing.T) {
		dir := t.TempDir()
		lines := "01-Mar-2024 12:00, 01-Mar-2024 12:30, 12.50, Charge, Cheapest, 40%, \"old\"\n" +
			"not a history line\n" +
			"\n" +
			entryAt(1, "new").CSV() + "\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, historyFile), []byte(lines), 0o644))

		f := NewFileProvider(dir)
		entries, err := f.GetHistory(ctx, historyStart, historyStart.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "old", entries[0].Reason)
		assert.Equal(t, "new", entries[1].Reason)
	})

	t.Run("range is half open", func(t *testing.T) {
		f := newTestFileProvider(t)
		for i := 0; i < 4; i++ {
			_, err := f.AppendHistory(ctx, entryAt(i, ""))
			require.NoError(t, err)
		}
		entries, err := f.GetHistory(ctx, historyStart.Add(types.SlotDuration), historyStart.Add(3*types.SlotDuration))
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, historyStart.Add(types.SlotDuration), entries[0].Start)
	})

	t.Run("update replaces recorded entries only", func(t *testing.T) {
		f := newTestFileProvider(t)
		_, err := f.AppendHistory(ctx, entryAt(0, "a"))
		require.NoError(t, err)

		enriched := entryAt(0, "a")
		enriched.ActualKWh = 1.25
		enriched.HouseLoadKWh = 0.5
		require.NoError(t, f.UpdateHistory(ctx, []types.HistoryEntry{enriched, entryAt(5, "never recorded")}))

		entries, err := NewFileProvider(f.dir).GetHistory(ctx, historyStart, historyStart.Add(24*time.Hour))
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, 1.25, entries[0].ActualKWh)
		assert.Equal(t, 0.5, entries[0].HouseLoadKWh)
	})

	t.Run("capped", func(t *testing.T) {
		f := newTestFileProvider(t)
		f.loaded = true
		for i := 0; i < types.MaxHistoryEntries; i++ {
			f.history = append(f.history, entryAt(i, ""))
		}
		_, err := f.AppendHistory(ctx, entryAt(types.MaxHistoryEntries, "newest"))
		require.NoError(t, err)
		assert.Len(t, f.history, types.MaxHistoryEntries)
		assert.Equal(t, historyStart.Add(types.SlotDuration), f.history[0].Start)
		assert.Equal(t, "newest", f.history[len(f.history)-1].Reason)
	})
}
