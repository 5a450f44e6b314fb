package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/agilerudder/pkg/types"
)

var ErrNotFound = errors.New("not found")

// Database defines the interface for persisting settings and the execution
// history.
type Database interface {
	// Settings
	GetSettings(ctx context.Context) (types.Settings, int, error)
	SetSettings(ctx context.Context, settings types.Settings, version int) error

	// History
	// AppendHistory adds entry unless the most recent entry has the same start.
	// It returns whether the entry was added.
	AppendHistory(ctx context.Context, entry types.HistoryEntry) (bool, error)
	// UpdateHistory replaces already recorded entries that have the same start
	// as one of entries. Entries that were never recorded are ignored.
	UpdateHistory(ctx context.Context, entries []types.HistoryEntry) error
	GetHistory(ctx context.Context, start, end time.Time) ([]types.HistoryEntry, error)

	// Manual overrides outlive the process
	GetManualOverrides(ctx context.Context) ([]types.ManualOverride, error)
	SetManualOverrides(ctx context.Context, overrides []types.ManualOverride) error

	// Simulated inverter
	GetMockState(ctx context.Context) (types.InverterMockState, error)
	SetMockState(ctx context.Context, state types.InverterMockState) error

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "file", "Storage provider to use (available: file, firestore)")

	var p struct{ Database }

	fp := configuredFile()
	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "file":
			if err := fp.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("file storage init failed: %v", err))
			}
			p.Database = fp
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}

// historyCutoff is the oldest start kept in the history.
func historyCutoff(now time.Time) time.Time {
	return now.Add(-time.Duration(types.MaxHistoryEntries) * types.SlotDuration)
}
