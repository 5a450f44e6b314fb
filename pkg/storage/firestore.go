package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/agilerudder/pkg/log"
	"github.com/raterudder/agilerudder/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements Database using Google Cloud Firestore. Every
// document lives under sites/{siteID} and carries its payload as a JSON
// string.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
	siteID    string
	now       func() time.Time
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")
	siteID := lflag.String("firestore-site", "default", "Site document all data is stored under")

	f := &FirestoreProvider{now: time.Now}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database
		f.siteID = *siteID

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	if f.siteID == "" {
		return fmt.Errorf("firestore site cannot be empty")
	}
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	if f.now == nil {
		f.now = time.Now
	}
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) collection(name string) *firestore.CollectionRef {
	return f.client.Collection("sites").Doc(f.siteID).Collection(name)
}

// jsonField pulls the JSON payload out of doc and unmarshals it into v.
func jsonField(ctx context.Context, doc *firestore.DocumentSnapshot, v any) error {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "doc missing json", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return fmt.Errorf("document %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "doc json not string", slog.String("docID", doc.Ref.ID))
		return fmt.Errorf("document %s 'json' field is not a string", doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), v); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal doc json", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return fmt.Errorf("failed to unmarshal document %s: %w", doc.Ref.ID, err)
	}
	return nil
}

// getConfig reads config/{name} into v. It returns ErrNotFound if the
// document doesn't exist.
func (f *FirestoreProvider) getConfig(ctx context.Context, name string, v any) (*firestore.DocumentSnapshot, error) {
	doc, err := f.collection("config").Doc(name).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch %s doc: %w", name, err)
	}
	if err := jsonField(ctx, doc, v); err != nil {
		return nil, err
	}
	return doc, nil
}

func (f *FirestoreProvider) setConfig(ctx context.Context, name string, v any, extra map[string]interface{}) error {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	data := map[string]interface{}{
		"json": string(jsonBytes),
	}
	for k, val := range extra {
		data[k] = val
	}
	if _, err := f.collection("config").Doc(name).Set(ctx, data); err != nil {
		return fmt.Errorf("failed to save %s: %w", name, err)
	}
	return nil
}

// GetSettings retrieves the dynamic configuration from the "config/settings" document.
func (f *FirestoreProvider) GetSettings(ctx context.Context) (types.Settings, int, error) {
	var s types.Settings
	doc, err := f.getConfig(ctx, "settings", &s)
	if err == ErrNotFound {
		// Return default settings if not found
		return types.Settings{}, 0, nil
	}
	if err != nil {
		return types.Settings{}, 0, err
	}

	// Read version if available (default 0)
	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}
	return s, version, nil
}

// SetSettings saves the dynamic configuration to the "config/settings" document.
func (f *FirestoreProvider) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	return f.setConfig(ctx, "settings", settings, map[string]interface{}{"version": version})
}

func (f *FirestoreProvider) GetManualOverrides(ctx context.Context) ([]types.ManualOverride, error) {
	var overrides []types.ManualOverride
	if _, err := f.getConfig(ctx, "overrides", &overrides); err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return overrides, nil
}

func (f *FirestoreProvider) SetManualOverrides(ctx context.Context, overrides []types.ManualOverride) error {
	if overrides == nil {
		overrides = []types.ManualOverride{}
	}
	return f.setConfig(ctx, "overrides", overrides, nil)
}

func (f *FirestoreProvider) GetMockState(ctx context.Context) (types.InverterMockState, error) {
	var state types.InverterMockState
	if _, err := f.getConfig(ctx, "mock", &state); err != nil {
		return types.InverterMockState{}, err
	}
	return state, nil
}

func (f *FirestoreProvider) SetMockState(ctx context.Context, state types.InverterMockState) error {
	return f.setConfig(ctx, "mock", state, map[string]interface{}{"timestamp": state.Timestamp})
}

func historyDocID(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func (f *FirestoreProvider) latestHistory(ctx context.Context) (*types.HistoryEntry, error) {
	iter := f.collection("history").
		OrderBy(firestore.DocumentID, firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest history doc: %w", err)
	}
	var h types.HistoryEntry
	if err := jsonField(ctx, doc, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// AppendHistory adds a history document keyed by the RFC3339 slot start and
// then deletes documents older than the history cap.
func (f *FirestoreProvider) AppendHistory(ctx context.Context, entry types.HistoryEntry) (bool, error) {
	latest, err := f.latestHistory(ctx)
	if err != nil {
		return false, err
	}
	if latest != nil && latest.Start.Equal(entry.Start) {
		return false, nil
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("failed to marshal history entry: %w", err)
	}
	_, err = f.collection("history").Doc(historyDocID(entry.Start)).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": entry.Start,
	})
	if err != nil {
		return false, fmt.Errorf("failed to insert history entry: %w", err)
	}

	if err := f.pruneHistory(ctx); err != nil {
		// the entry is stored, pruning will be retried next time
		log.Ctx(ctx).WarnContext(ctx, "failed to prune history", slog.Any("error", err))
	}
	return true, nil
}

func (f *FirestoreProvider) pruneHistory(ctx context.Context) error {
	coll := f.collection("history")
	iter := coll.
		Where(firestore.DocumentID, "<", coll.Doc(historyDocID(historyCutoff(f.now())))).
		Documents(ctx)
	defer iter.Stop()

	var deleted int
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("error iterating old history: %w", err)
		}
		if _, err := doc.Ref.Delete(ctx); err != nil {
			return fmt.Errorf("failed to delete history doc %s: %w", doc.Ref.ID, err)
		}
		deleted++
	}
	if deleted > 0 {
		log.Ctx(ctx).DebugContext(ctx, "pruned history", slog.Int("deleted", deleted))
	}
	return nil
}

// UpdateHistory overwrites existing history documents. Documents that don't
// exist are left alone.
func (f *FirestoreProvider) UpdateHistory(ctx context.Context, entries []types.HistoryEntry) error {
	coll := f.collection("history")
	for _, e := range entries {
		jsonBytes, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal history entry: %w", err)
		}
		_, err = coll.Doc(historyDocID(e.Start)).Update(ctx, []firestore.Update{
			{Path: "json", Value: string(jsonBytes)},
		})
		if status.Code(err) == codes.NotFound {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to update history entry %s: %w", historyDocID(e.Start), err)
		}
	}
	return nil
}

// GetHistory retrieves history entries within the specified time range.
// Uses document ID range queries for efficient filtering.
func (f *FirestoreProvider) GetHistory(ctx context.Context, start, end time.Time) ([]types.HistoryEntry, error) {
	coll := f.collection("history")
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(historyDocID(start))).
		Where(firestore.DocumentID, "<", coll.Doc(historyDocID(end))).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var entries []types.HistoryEntry
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating history: %w", err)
		}
		var h types.HistoryEntry
		if err := jsonField(ctx, doc, &h); err != nil {
			return nil, err
		}
		entries = append(entries, h)
	}
	return entries, nil
}
