package utility

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/agilerudder/pkg/common"
	"github.com/raterudder/agilerudder/pkg/log"
	"github.com/raterudder/agilerudder/pkg/types"
)

// octopusMaxPages stops a misbehaving next link from looping forever.
const octopusMaxPages = 10

// Octopus fetches half-hourly unit rates from the public Octopus Energy
// products API. No credentials are needed for rates.
type Octopus struct {
	apiURL string
	client *resty.Client
	now    func() time.Time

	mu          sync.Mutex
	product     string
	productCode string
	cache       map[string]octopusCache
}

type octopusCache struct {
	until time.Time
	rates []types.Rate
}

type octopusRate struct {
	ValueExcVAT float64    `json:"value_exc_vat"`
	ValueIncVAT float64    `json:"value_inc_vat"`
	ValidFrom   time.Time  `json:"valid_from"`
	ValidTo     *time.Time `json:"valid_to"`
}

type octopusRatesResponse struct {
	Count   int           `json:"count"`
	Next    *string       `json:"next"`
	Results []octopusRate `json:"results"`
}

func configuredOctopus() *Octopus {
	apiURL := lflag.String("octopus-api-url", "https://api.octopus.energy", "Base URL for the Octopus Energy API")

	o := &Octopus{
		client: common.RestyClient(20 * time.Second),
		now:    time.Now,
		cache:  make(map[string]octopusCache),
	}
	lflag.Do(func() {
		o.apiURL = *apiURL
	})
	return o
}

// NewOctopus returns a client for the API at apiURL.
func NewOctopus(apiURL string, client *resty.Client) *Octopus {
	return &Octopus{
		apiURL: apiURL,
		client: client,
		now:    time.Now,
		cache:  make(map[string]octopusCache),
	}
}

// ApplySettings picks up the product and tariff code.
func (o *Octopus) ApplySettings(ctx context.Context, settings types.Settings) error {
	if settings.OctopusProduct == "" || settings.OctopusProductCode == "" {
		return fmt.Errorf("octopus product and product code are required")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.product = settings.OctopusProduct
	o.productCode = settings.OctopusProductCode
	return nil
}

// GetRates returns the rates from an hour before from for the next 48 hours.
// Results are cached until the next half hour since rates never change
// within one.
func (o *Octopus) GetRates(ctx context.Context, from time.Time) ([]types.Rate, error) {
	o.mu.Lock()
	product, code := o.product, o.productCode
	key := product + "/" + code
	cached, ok := o.cache[key]
	now := o.now()
	if ok && now.Before(cached.until) {
		o.mu.Unlock()
		log.Ctx(ctx).DebugContext(ctx, "using cached octopus rates", slog.Int("count", len(cached.rates)))
		return cached.rates, nil
	}
	o.mu.Unlock()

	if product == "" || code == "" {
		return nil, fmt.Errorf("octopus product not configured")
	}

	periodFrom := from.Add(-time.Hour).UTC().Truncate(types.SlotDuration)
	periodTo := periodFrom.Add(48 * time.Hour)

	u, err := url.JoinPath(o.apiURL, "v1", "products", product, "electricity-tariffs", code, "standard-unit-rates/")
	if err != nil {
		return nil, fmt.Errorf("invalid octopus api url: %w", err)
	}

	var rates []types.Rate
	req := o.client.NewRequest().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"period_from": periodFrom.Format(time.RFC3339),
			"period_to":   periodTo.Format(time.RFC3339),
		})
	for page := 0; u != "" && page < octopusMaxPages; page++ {
		log.Ctx(ctx).DebugContext(ctx, "fetching octopus rates", slog.String("url", u))
		res, err := req.Get(u)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch octopus rates: %w", err)
		}
		if res.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("octopus api returned status: %d", res.StatusCode())
		}

		var parsed octopusRatesResponse
		if err := json.Unmarshal(res.Body(), &parsed); err != nil {
			return nil, fmt.Errorf("failed to decode octopus rates: %w", err)
		}
		for _, r := range parsed.Results {
			rate := types.Rate{
				ValidFrom:   r.ValidFrom.UTC(),
				PriceIncVAT: r.ValueIncVAT,
			}
			if r.ValidTo != nil {
				rate.ValidTo = r.ValidTo.UTC()
			} else {
				// an open ended rate runs until further notice
				rate.ValidTo = periodTo
			}
			rates = append(rates, rate)
		}

		u = ""
		if parsed.Next != nil {
			u = *parsed.Next
			// the next link already carries the query
			req = o.client.NewRequest().SetContext(ctx)
		}
	}

	log.Ctx(ctx).InfoContext(
		ctx,
		"fetched octopus rates",
		slog.String("product", product),
		slog.String("productCode", code),
		slog.Int("count", len(rates)),
	)

	o.mu.Lock()
	o.cache[key] = octopusCache{
		until: now.Truncate(types.SlotDuration).Add(types.SlotDuration),
		rates: rates,
	}
	o.mu.Unlock()

	return rates, nil
}

// ProductLookup returns ErrUnknownProduct if product doesn't exist.
func (o *Octopus) ProductLookup(ctx context.Context, product string) error {
	if product == "" {
		return fmt.Errorf("%w: empty product", ErrUnknownProduct)
	}
	u, err := url.JoinPath(o.apiURL, "v1", "products", product, "/")
	if err != nil {
		return fmt.Errorf("invalid octopus api url: %w", err)
	}
	res, err := o.client.NewRequest().SetContext(ctx).Get(u)
	if err != nil {
		return fmt.Errorf("failed to look up octopus product: %w", err)
	}
	switch res.StatusCode() {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrUnknownProduct, product)
	default:
		return fmt.Errorf("octopus product lookup returned status: %d", res.StatusCode())
	}
}
