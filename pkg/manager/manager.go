package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/agilerudder/pkg/controller"
	"github.com/raterudder/agilerudder/pkg/ess"
	"github.com/raterudder/agilerudder/pkg/forecast"
	"github.com/raterudder/agilerudder/pkg/log"
	"github.com/raterudder/agilerudder/pkg/storage"
	"github.com/raterudder/agilerudder/pkg/types"
	"github.com/raterudder/agilerudder/pkg/utility"
)

var (
	// ErrNotConfigured is returned when a pass needs a tariff or inverter
	// that the saved settings don't provide yet.
	ErrNotConfigured = errors.New("not configured")

	// ErrSlotNotFound is returned when an override names a slot that isn't
	// in the current plan.
	ErrSlotNotFound = errors.New("slot not found")
)

// Forecaster supplies the solar forecast.
type Forecaster interface {
	ApplySettings(ctx context.Context, settings types.Settings, creds *types.SolcastCredentials)
	Enabled() bool
	GetForecast(ctx context.Context) ([]types.ForecastPoint, time.Time, error)
}

// Dispatcher supplies smart-charge dispatch windows.
type Dispatcher interface {
	SetAPIKey(key string)
	GetPlannedDispatches(ctx context.Context, account string) ([]types.Dispatch, error)
}

// Publisher is told about the planner state after every execution pass.
type Publisher interface {
	Publish(ctx context.Context, state types.PlannerState) error
}

// Manager owns the plan for the site. It pulls prices, battery readings,
// forecasts and dispatches from its collaborators, plans the slots and
// programs the inverter.
type Manager struct {
	storage    storage.Database
	utilities  *utility.Map
	inverters  *ess.Map
	forecast   Forecaster
	dispatch   Dispatcher
	controller *controller.Controller
	publishers []Publisher
	now        func() time.Time

	encryptionKey string

	// passMu serialises every pass that changes the plan, a trigger arriving
	// mid-pass waits for it
	passMu sync.Mutex

	// fields below are written holding passMu and mu, passes read them with
	// passMu alone
	mu          sync.RWMutex
	settings    types.Settings
	creds       types.Credentials
	utility     utility.Utility
	inverter    ess.Inverter
	slots       []*types.PriceSlot
	battery     types.BatteryState
	overrides   []types.ManualOverride
	dispatches  []types.Dispatch
	points      []types.ForecastPoint
	lastCommand *types.ChargeState
	updated     time.Time
}

// Configured sets up a Manager from flags.
func Configured(db storage.Database, u *utility.Map, e *ess.Map, f *forecast.Solcast) *Manager {
	encryptionKey := lflag.String("credentials-encryption-key", "", "32 character key used to encrypt stored credentials")

	var d Dispatcher
	if od := u.Dispatches(); od != nil {
		d = od
	}
	m := New(db, u, e, f, d)
	lflag.Do(func() {
		if *encryptionKey != "" && len(*encryptionKey) != 32 {
			log.Ctx(context.Background()).Error("credentials-encryption-key must be 32 characters")
			os.Exit(1)
		}
		m.encryptionKey = *encryptionKey
	})
	return m
}

// New creates a Manager. f and d may be nil.
func New(db storage.Database, u *utility.Map, e *ess.Map, f Forecaster, d Dispatcher) *Manager {
	return &Manager{
		storage:    db,
		utilities:  u,
		inverters:  e,
		forecast:   f,
		dispatch:   d,
		controller: controller.NewController(),
		now:        time.Now,
	}
}

// AddPublisher registers p to receive the state after each execution.
func (m *Manager) AddPublisher(p Publisher) {
	m.passMu.Lock()
	defer m.passMu.Unlock()
	m.publishers = append(m.publishers, p)
}

// Init loads the saved settings and manual overrides. A site that isn't
// configured yet still initialises so its settings can be saved.
func (m *Manager) Init(ctx context.Context) error {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	settings, creds, err := m.loadSettings(ctx)
	if err != nil {
		return err
	}

	overrides, err := m.storage.GetManualOverrides(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to load manual overrides", slog.Any("error", err))
	}
	overrides = controller.PruneManualOverrides(overrides, m.now())

	u, inv, err := m.resolve(ctx, settings, creds)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "site is not fully configured", slog.Any("error", err))
	}

	m.mu.Lock()
	m.settings = settings
	m.creds = creds
	m.utility = u
	m.inverter = inv
	m.overrides = overrides
	m.mu.Unlock()

	log.Ctx(ctx).InfoContext(
		ctx,
		"manager initialised",
		slog.String("tariff", settings.TariffProvider),
		slog.String("inverter", settings.Inverter),
		slog.Int("manualOverrides", len(overrides)),
		slog.Bool("simulate", settings.Simulate),
	)
	return nil
}

// loadSettings reads the settings, saving them back if they needed
// migrating, and decrypts the credentials.
func (m *Manager) loadSettings(ctx context.Context) (types.Settings, types.Credentials, error) {
	settings, version, err := m.storage.GetSettings(ctx)
	if err != nil {
		return types.Settings{}, types.Credentials{}, fmt.Errorf("failed to get settings: %w", err)
	}

	if version < types.CurrentSettingsVersion {
		log.Ctx(ctx).InfoContext(ctx, "migrating settings", slog.Int("oldVersion", version), slog.Int("newVersion", types.CurrentSettingsVersion))
		migrated, changed, err := types.MigrateSettings(settings, version)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to migrate settings", slog.Int("currentVersion", version), slog.Any("error", err))
		} else if changed {
			settings = migrated
			if err := m.storage.SetSettings(ctx, settings, types.CurrentSettingsVersion); err != nil {
				// carry on with the migrated settings for this run
				log.Ctx(ctx).ErrorContext(ctx, "failed to save migrated settings", slog.Any("error", err))
			}
		}
	}

	creds, err := decryptCredentials(ctx, m.encryptionKey, settings.EncryptedCredentials)
	if err != nil {
		return types.Settings{}, types.Credentials{}, err
	}
	return settings, creds, nil
}

// resolve picks the tariff and inverter for settings and hands the settings
// to every collaborator. Whatever resolved is returned alongside the error.
func (m *Manager) resolve(ctx context.Context, settings types.Settings, creds types.Credentials) (utility.Utility, ess.Inverter, error) {
	var errs []error
	u, err := m.utilities.Site(ctx, settings)
	if err != nil {
		errs = append(errs, fmt.Errorf("tariff: %w", err))
	}
	inv, err := m.inverters.Site(ctx, settings, creds)
	if err != nil {
		errs = append(errs, fmt.Errorf("inverter: %w", err))
	}
	if m.forecast != nil {
		m.forecast.ApplySettings(ctx, settings, creds.Solcast)
	}
	if m.dispatch != nil {
		var key string
		if creds.Octopus != nil {
			key = creds.Octopus.APIKey
		}
		m.dispatch.SetAPIKey(key)
	}
	return u, inv, errors.Join(errs...)
}

// Settings returns the settings without the encrypted credentials and which
// credentials are stored.
func (m *Manager) Settings(ctx context.Context) (types.Settings, map[string]bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.settings
	s.EncryptedCredentials = nil
	return s, m.creds.Has()
}

// SaveSettings validates and stores new settings, merging creds into the
// stored credentials, and then replans. Problems with the settings are
// returned as a *types.ValidationError and nothing is stored.
func (m *Manager) SaveSettings(ctx context.Context, settings types.Settings, creds *types.Credentials) error {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	if err := settings.Validate(); err != nil {
		return err
	}
	if err := m.utilities.ProductLookup(ctx, settings); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "tariff product lookup failed", slog.String("product", settings.OctopusProduct), slog.Any("error", err))
		return &types.ValidationError{
			Field:   "octopusProduct",
			Message: fmt.Sprintf("failed to look up tariff product %s: %v", settings.OctopusProduct, err),
		}
	}

	merged := m.creds
	if creds != nil {
		merged = merged.Merge(*creds)
	}
	encrypted, err := encryptCredentials(ctx, m.encryptionKey, merged)
	if err != nil {
		return err
	}
	settings.EncryptedCredentials = encrypted

	u, inv, err := m.resolve(ctx, settings, merged)
	if err != nil {
		m.restoreCollaborators(ctx)
		return &types.ValidationError{Message: err.Error()}
	}
	if err := m.storage.SetSettings(ctx, settings, types.CurrentSettingsVersion); err != nil {
		m.restoreCollaborators(ctx)
		return fmt.Errorf("failed to save settings: %w", err)
	}

	m.mu.Lock()
	m.settings = settings
	m.creds = merged
	m.utility = u
	m.inverter = inv
	m.mu.Unlock()

	log.Ctx(ctx).InfoContext(
		ctx,
		"saved settings",
		slog.String("tariff", settings.TariffProvider),
		slog.String("inverter", settings.Inverter),
		slog.Bool("simulate", settings.Simulate),
		slog.Bool("pause", settings.Pause),
	)

	if err := m.refreshPricesLocked(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to replan after saving settings", slog.Any("error", err))
	}
	return nil
}

// restoreCollaborators puts the current settings back after a failed save.
func (m *Manager) restoreCollaborators(ctx context.Context) {
	if _, _, err := m.resolve(ctx, m.settings, m.creds); err != nil {
		log.Ctx(ctx).DebugContext(ctx, "previous settings were incomplete", slog.Any("error", err))
	}
}

// CurrentState returns a copy of the plan and battery state.
func (m *Manager) CurrentState(ctx context.Context) types.PlannerState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state := types.PlannerState{
		Timestamp:       m.updated,
		Slots:           types.CloneSlots(m.slots),
		Battery:         m.battery,
		ManualOverrides: slices.Clone(m.overrides),
		Dispatches:      slices.Clone(m.dispatches),
		Simulate:        m.settings.Simulate,
		Paused:          m.settings.Pause,
	}
	if state.Slots == nil {
		state.Slots = []*types.PriceSlot{}
	}
	if state.ManualOverrides == nil {
		state.ManualOverrides = []types.ManualOverride{}
	}
	if m.lastCommand != nil {
		cs := *m.lastCommand
		state.LastCommand = &cs
	}
	return state
}

// GetHistory returns the executed slots starting in [start, end).
func (m *Manager) GetHistory(ctx context.Context, start, end time.Time) ([]types.HistoryEntry, error) {
	return m.storage.GetHistory(ctx, start, end)
}

// Projection simulates the battery across the current plan using the last
// two weeks of history for the house load and solar.
func (m *Manager) Projection(ctx context.Context) ([]controller.SimSlot, error) {
	m.mu.RLock()
	slots := types.CloneSlots(m.slots)
	battery := m.battery
	settings := m.settings
	m.mu.RUnlock()

	now := m.now()
	history, err := m.storage.GetHistory(ctx, now.AddDate(0, 0, -14), now)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	return m.controller.SimulatePlan(ctx, slots, battery, history, settings), nil
}

// dropExpired returns the slots that haven't ended by now.
func dropExpired(slots []*types.PriceSlot, now time.Time) []*types.PriceSlot {
	out := make([]*types.PriceSlot, 0, len(slots))
	for _, s := range slots {
		if s.ValidTo.After(now) {
			out = append(out, s)
		}
	}
	return out
}

func overrideEqual(a, b types.ManualOverride) bool {
	if !a.SlotStart.Equal(b.SlotStart) || a.Action != b.Action {
		return false
	}
	if a.Amps == nil || b.Amps == nil {
		return a.Amps == nil && b.Amps == nil
	}
	return *a.Amps == *b.Amps
}

func (m *Manager) saveOverrides(ctx context.Context, overrides []types.ManualOverride) {
	if err := m.storage.SetManualOverrides(ctx, overrides); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save manual overrides", slog.Any("error", err))
	}
}
