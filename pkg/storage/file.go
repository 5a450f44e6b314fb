package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/agilerudder/pkg/log"
	"github.com/raterudder/agilerudder/pkg/types"
)

const (
	settingsFile  = "settings.json"
	historyFile   = "history.csv"
	overridesFile = "overrides.json"
	mockFile      = "mock.json"
)

// FileProvider implements Database with plain files in a directory. The
// history log is loaded once and then kept in memory.
type FileProvider struct {
	dir string

	mu      sync.Mutex
	history []types.HistoryEntry
	loaded  bool
}

type settingsDoc struct {
	Version  int            `json:"version"`
	Settings types.Settings `json:"settings"`
}

func configuredFile() *FileProvider {
	dir := lflag.String("file-dir", "data", "Directory used by the file storage provider")

	f := &FileProvider{}
	lflag.Do(func() {
		f.dir = *dir
	})
	return f
}

// NewFileProvider returns a provider storing its files in dir.
func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{dir: dir}
}

// Init creates the directory if needed.
func (f *FileProvider) Init(ctx context.Context) error {
	if f.dir == "" {
		return errors.New("file storage directory cannot be empty")
	}
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", f.dir, err)
	}
	return nil
}

// Close is a no-op, every write is flushed immediately.
func (f *FileProvider) Close() error {
	return nil
}

func (f *FileProvider) path(name string) string {
	return filepath.Join(f.dir, name)
}

// writeFile writes through a temporary file so a crash never leaves a
// truncated file behind.
func (f *FileProvider) writeFile(name string, data []byte) error {
	tmp, err := os.CreateTemp(f.dir, name+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), f.path(name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

func (f *FileProvider) readJSON(name string, v any) error {
	b, err := os.ReadFile(f.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", name, err)
	}
	return nil
}

func (f *FileProvider) writeJSON(name string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	return f.writeFile(name, b)
}

// GetSettings returns empty settings at version 0 if none were saved yet.
func (f *FileProvider) GetSettings(ctx context.Context) (types.Settings, int, error) {
	var doc settingsDoc
	if err := f.readJSON(settingsFile, &doc); err != nil {
		if errors.Is(err, ErrNotFound) {
			return types.Settings{}, 0, nil
		}
		return types.Settings{}, 0, err
	}
	return doc.Settings, doc.Version, nil
}

func (f *FileProvider) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	return f.writeJSON(settingsFile, settingsDoc{Version: version, Settings: settings})
}

func (f *FileProvider) GetManualOverrides(ctx context.Context) ([]types.ManualOverride, error) {
	var overrides []types.ManualOverride
	if err := f.readJSON(overridesFile, &overrides); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return overrides, nil
}

func (f *FileProvider) SetManualOverrides(ctx context.Context, overrides []types.ManualOverride) error {
	if overrides == nil {
		overrides = []types.ManualOverride{}
	}
	return f.writeJSON(overridesFile, overrides)
}

// GetMockState returns ErrNotFound if the simulated inverter never saved.
func (f *FileProvider) GetMockState(ctx context.Context) (types.InverterMockState, error) {
	var state types.InverterMockState
	if err := f.readJSON(mockFile, &state); err != nil {
		return types.InverterMockState{}, err
	}
	return state, nil
}

func (f *FileProvider) SetMockState(ctx context.Context, state types.InverterMockState) error {
	return f.writeJSON(mockFile, state)
}

// loadHistory reads the history log the first time it's needed. Lines that
// can't be parsed are skipped. Callers must hold mu.
func (f *FileProvider) loadHistory(ctx context.Context) error {
	if f.loaded {
		return nil
	}
	b, err := os.ReadFile(f.path(historyFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to read history: %w", err)
	}

	var entries []types.HistoryEntry
	var skipped int
	scanner := bufio.NewScanner(bytes.NewReader(b))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		h, err := types.ParseHistoryLine(line)
		if err != nil {
			skipped++
			log.Ctx(ctx).DebugContext(ctx, "skipping history line", slog.String("line", line), slog.Any("error", err))
			continue
		}
		entries = append(entries, h)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan history: %w", err)
	}
	if len(entries) > types.MaxHistoryEntries {
		entries = entries[len(entries)-types.MaxHistoryEntries:]
	}
	if skipped > 0 {
		log.Ctx(ctx).WarnContext(ctx, "skipped unparseable history lines", slog.Int("skipped", skipped))
	}
	log.Ctx(ctx).InfoContext(ctx, "loaded history", slog.Int("entries", len(entries)))

	f.history = entries
	f.loaded = true
	return nil
}

// flushHistory rewrites the whole log. Callers must hold mu.
func (f *FileProvider) flushHistory() error {
	var buf bytes.Buffer
	for _, h := range f.history {
		buf.WriteString(h.CSV())
		buf.WriteByte('\n')
	}
	return f.writeFile(historyFile, buf.Bytes())
}

func (f *FileProvider) AppendHistory(ctx context.Context, entry types.HistoryEntry) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.loadHistory(ctx); err != nil {
		return false, err
	}
	if n := len(f.history); n > 0 && f.history[n-1].Start.Equal(entry.Start) {
		return false, nil
	}

	f.history = append(f.history, entry)
	if len(f.history) > types.MaxHistoryEntries {
		f.history = append([]types.HistoryEntry(nil), f.history[len(f.history)-types.MaxHistoryEntries:]...)
	}
	if err := f.flushHistory(); err != nil {
		// keep memory consistent with the file
		f.history = f.history[:len(f.history)-1]
		return false, err
	}
	return true, nil
}

func (f *FileProvider) UpdateHistory(ctx context.Context, entries []types.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.loadHistory(ctx); err != nil {
		return err
	}
	byStart := make(map[int64]types.HistoryEntry, len(entries))
	for _, e := range entries {
		byStart[e.Start.Unix()] = e
	}
	var changed int
	for i, h := range f.history {
		if e, ok := byStart[h.Start.Unix()]; ok {
			f.history[i] = e
			changed++
		}
	}
	if changed == 0 {
		return nil
	}
	log.Ctx(ctx).DebugContext(ctx, "updating history", slog.Int("entries", changed))
	return f.flushHistory()
}

// GetHistory returns entries starting in [start, end) ordered by start.
func (f *FileProvider) GetHistory(ctx context.Context, start, end time.Time) ([]types.HistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.loadHistory(ctx); err != nil {
		return nil, err
	}
	var out []types.HistoryEntry
	for _, h := range f.history {
		if h.Start.Before(start) || !h.Start.Before(end) {
			continue
		}
		out = append(out, h)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})
	return out, nil
}
