package forecast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/agilerudder/pkg/common"
	"github.com/raterudder/agilerudder/pkg/log"
	"github.com/raterudder/agilerudder/pkg/types"
)

// MaxSites is how many rooftop sites can be summed, one per array
// orientation.
const MaxSites = 2

// ErrRateLimited is returned when Solcast rejects a call for exceeding the
// daily request budget.
var ErrRateLimited = errors.New("solcast rate limited")

// Solcast fetches rooftop site forecasts. Forecasts are cached for the day
// and refetched at most once per refresh interval so the free tier's daily
// call budget is never exhausted.
type Solcast struct {
	apiURL     string
	client     *resty.Client
	minRefresh time.Duration
	now        func() time.Time

	mu          sync.Mutex
	apiKey      string
	sites       []string
	cacheDay    string
	perSite     map[string]map[int64]float64
	lastFetch   time.Time
	lastUpdated time.Time
}

type solcastForecast struct {
	PVEstimate float64   `json:"pv_estimate"`
	PeriodEnd  time.Time `json:"period_end"`
}

type solcastResponse struct {
	Forecasts []solcastForecast `json:"forecasts"`
}

// Configured sets up the Solcast client based on flags.
func Configured() *Solcast {
	apiURL := lflag.String("solcast-api-url", "https://api.solcast.com.au", "Base URL for the Solcast API")
	refresh := lflag.Duration("solcast-refresh", 2*time.Hour, "Minimum time between Solcast forecast fetches")

	s := New("", common.RestyClient(20*time.Second), 0)
	lflag.Do(func() {
		s.apiURL = *apiURL
		s.minRefresh = *refresh
	})
	return s
}

// New returns a client for the API at apiURL.
func New(apiURL string, client *resty.Client, minRefresh time.Duration) *Solcast {
	return &Solcast{
		apiURL:     apiURL,
		client:     client,
		minRefresh: minRefresh,
		now:        time.Now,
		perSite:    make(map[string]map[int64]float64),
	}
}

// ApplySettings picks up the site identifiers and API key. Duplicate sites
// and any beyond MaxSites are ignored. A change of sites or key discards the
// cache.
func (s *Solcast) ApplySettings(ctx context.Context, settings types.Settings, creds *types.SolcastCredentials) {
	var sites []string
	for _, id := range settings.SolcastSiteIdentifiers {
		if id == "" || slices.Contains(sites, id) {
			continue
		}
		if len(sites) == MaxSites {
			log.Ctx(ctx).WarnContext(ctx, "ignoring extra solcast site", slog.String("site", id))
			continue
		}
		sites = append(sites, id)
	}
	var key string
	if creds != nil {
		key = creds.APIKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if key == s.apiKey && slices.Equal(sites, s.sites) {
		return
	}
	s.apiKey = key
	s.sites = sites
	s.perSite = make(map[string]map[int64]float64)
	s.lastFetch = time.Time{}
	s.lastUpdated = time.Time{}
}

// Enabled returns true if there is something to fetch.
func (s *Solcast) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apiKey != "" && len(s.sites) > 0
}

// GetForecast returns the summed forecast of every site along with when it
// was last fetched. The cached forecast is returned even when a fetch fails,
// alongside the error.
func (s *Solcast) GetForecast(ctx context.Context) ([]types.ForecastPoint, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.apiKey == "" || len(s.sites) == 0 {
		return nil, time.Time{}, nil
	}

	now := s.now()
	day := now.UTC().Format(time.DateOnly)
	if s.cacheDay != day {
		if s.cacheDay != "" {
			log.Ctx(ctx).InfoContext(ctx, "new day, discarding solcast cache", slog.String("previous", s.cacheDay))
		}
		s.cacheDay = day
		s.perSite = make(map[string]map[int64]float64)
		s.lastFetch = time.Time{}
	}

	var fetchErr error
	if s.lastFetch.IsZero() || now.Sub(s.lastFetch) >= s.minRefresh {
		fetchErr = s.fetchAll(ctx, now)
	} else {
		log.Ctx(ctx).DebugContext(ctx, "using cached solcast forecast", slog.Time("lastFetch", s.lastFetch))
	}
	return s.aggregate(), s.lastUpdated, fetchErr
}

// fetchAll fetches every site. Callers must hold mu.
func (s *Solcast) fetchAll(ctx context.Context, now time.Time) error {
	var errs []error
	for _, site := range s.sites {
		points, err := s.fetchSite(ctx, site)
		if err != nil {
			if errors.Is(err, ErrRateLimited) {
				log.Ctx(ctx).WarnContext(ctx, "solcast rate limited, will try again at the next scheduled update", slog.String("site", site))
				return err
			}
			errs = append(errs, err)
			continue
		}
		// newer forecasts overwrite older ones for the same period
		cached, ok := s.perSite[site]
		if !ok {
			cached = make(map[int64]float64, len(points))
			s.perSite[site] = cached
		}
		for start, kwh := range points {
			cached[start] = kwh
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.lastFetch = now
	s.lastUpdated = now
	return nil
}

func (s *Solcast) fetchSite(ctx context.Context, site string) (map[int64]float64, error) {
	u, err := url.JoinPath(s.apiURL, "rooftop_sites", site, "forecasts")
	if err != nil {
		return nil, fmt.Errorf("invalid solcast api url: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "querying solcast forecast", slog.String("site", site))
	res, err := s.client.NewRequest().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"format":  "json",
			"api_key": s.apiKey,
		}).
		Get(u)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch solcast forecast for %s: %w", site, err)
	}
	switch res.StatusCode() {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return nil, ErrRateLimited
	default:
		return nil, fmt.Errorf("solcast api returned status %d for %s", res.StatusCode(), site)
	}

	var parsed solcastResponse
	if err := json.Unmarshal(res.Body(), &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode solcast forecast for %s: %w", site, err)
	}
	points := make(map[int64]float64, len(parsed.Forecasts))
	for _, f := range parsed.Forecasts {
		// pv_estimate is the average kW over the half hour ending at period_end
		start := f.PeriodEnd.Add(-types.SlotDuration)
		points[start.Unix()] = f.PVEstimate / 2
	}
	log.Ctx(ctx).DebugContext(ctx, "fetched solcast forecast", slog.String("site", site), slog.Int("points", len(points)))
	return points, nil
}

// aggregate sums every site's cached points per period. Callers must hold
// mu.
func (s *Solcast) aggregate() []types.ForecastPoint {
	totals := make(map[int64]float64)
	for _, points := range s.perSite {
		for start, kwh := range points {
			totals[start] += kwh
		}
	}
	if len(totals) == 0 {
		return nil
	}
	out := make([]types.ForecastPoint, 0, len(totals))
	for start, kwh := range totals {
		out = append(out, types.ForecastPoint{
			PeriodStart: time.Unix(start, 0).UTC(),
			ForecastKWh: kwh,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PeriodStart.Before(out[j].PeriodStart)
	})
	return out
}
