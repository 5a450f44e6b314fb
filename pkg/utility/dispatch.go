package utility

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/agilerudder/pkg/common"
	"github.com/raterudder/agilerudder/pkg/log"
	"github.com/raterudder/agilerudder/pkg/types"
)

// krakenTokenLifetime is shorter than the hour a Kraken token is valid for.
const krakenTokenLifetime = 55 * time.Minute

const (
	krakenTokenMutation = `mutation krakenToken($input: ObtainJSONWebTokenInput!) {
  obtainKrakenToken(input: $input) {
    token
  }
}`
	plannedDispatchesQuery = `query plannedDispatches($accountNumber: String!) {
  plannedDispatches(accountNumber: $accountNumber) {
    start
    end
    meta {
      source
    }
  }
}`
)

// OctopusDispatch reads the smart-charge dispatches planned for an
// Intelligent Octopus account from the Kraken GraphQL API.
type OctopusDispatch struct {
	graphqlURL string
	client     *resty.Client
	now        func() time.Time

	mu          sync.Mutex
	apiKey      string
	token       string
	tokenExpiry time.Time
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type graphqlResponse[T any] struct {
	Data   T              `json:"data"`
	Errors []graphqlError `json:"errors"`
}

type krakenTokenData struct {
	ObtainKrakenToken struct {
		Token string `json:"token"`
	} `json:"obtainKrakenToken"`
}

type plannedDispatchesData struct {
	PlannedDispatches []struct {
		Start string `json:"start"`
		End   string `json:"end"`
		Meta  struct {
			Source string `json:"source"`
		} `json:"meta"`
	} `json:"plannedDispatches"`
}

func configuredOctopusDispatch() *OctopusDispatch {
	graphqlURL := lflag.String("octopus-graphql-url", "https://api.octopus.energy/v1/graphql/", "URL for the Octopus Kraken GraphQL API")

	d := &OctopusDispatch{
		client: common.RestyClient(20 * time.Second),
		now:    time.Now,
	}
	lflag.Do(func() {
		d.graphqlURL = *graphqlURL
	})
	return d
}

// NewOctopusDispatch returns a client for the GraphQL API at graphqlURL.
func NewOctopusDispatch(graphqlURL string, client *resty.Client) *OctopusDispatch {
	return &OctopusDispatch{
		graphqlURL: graphqlURL,
		client:     client,
		now:        time.Now,
	}
}

// SetAPIKey sets the account API key. Changing the key discards the token.
func (d *OctopusDispatch) SetAPIKey(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if key != d.apiKey {
		d.apiKey = key
		d.token = ""
		d.tokenExpiry = time.Time{}
	}
}

func graphqlDo[T any](ctx context.Context, req *resty.Request, url string, body graphqlRequest) (T, error) {
	var zero T
	res, err := req.
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(url)
	if err != nil {
		return zero, fmt.Errorf("graphql request failed: %w", err)
	}
	if res.StatusCode() != http.StatusOK {
		return zero, fmt.Errorf("graphql api returned status: %d", res.StatusCode())
	}
	var parsed graphqlResponse[T]
	if err := json.Unmarshal(res.Body(), &parsed); err != nil {
		return zero, fmt.Errorf("failed to decode graphql response: %w", err)
	}
	if len(parsed.Errors) > 0 {
		msgs := make([]string, 0, len(parsed.Errors))
		for _, e := range parsed.Errors {
			msgs = append(msgs, e.Message)
		}
		return zero, fmt.Errorf("graphql errors: %s", strings.Join(msgs, "; "))
	}
	return parsed.Data, nil
}

// authToken returns a cached Kraken token or obtains a new one. Callers must
// hold mu.
func (d *OctopusDispatch) authToken(ctx context.Context) (string, error) {
	if d.apiKey == "" {
		return "", errors.New("octopus api key not configured")
	}
	if d.token != "" && d.now().Before(d.tokenExpiry) {
		return d.token, nil
	}

	data, err := graphqlDo[krakenTokenData](ctx, d.client.NewRequest(), d.graphqlURL, graphqlRequest{
		Query: krakenTokenMutation,
		Variables: map[string]any{
			"input": map[string]string{"APIKey": d.apiKey},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to obtain kraken token: %w", err)
	}
	if data.ObtainKrakenToken.Token == "" {
		return "", errors.New("kraken token response was empty")
	}
	d.token = data.ObtainKrakenToken.Token
	d.tokenExpiry = d.now().Add(krakenTokenLifetime)
	log.Ctx(ctx).DebugContext(ctx, "obtained kraken token", slog.Time("expiry", d.tokenExpiry))
	return d.token, nil
}

// GetPlannedDispatches returns the dispatches planned for account.
func (d *OctopusDispatch) GetPlannedDispatches(ctx context.Context, account string) ([]types.Dispatch, error) {
	if account == "" {
		return nil, errors.New("octopus account number is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	token, err := d.authToken(ctx)
	if err != nil {
		return nil, err
	}

	data, err := graphqlDo[plannedDispatchesData](
		ctx,
		d.client.NewRequest().SetHeader("Authorization", token),
		d.graphqlURL,
		graphqlRequest{
			Query:     plannedDispatchesQuery,
			Variables: map[string]any{"accountNumber": account},
		},
	)
	if err != nil {
		// the token may have been revoked, get a new one next time
		d.token = ""
		return nil, fmt.Errorf("failed to get planned dispatches: %w", err)
	}

	dispatches := make([]types.Dispatch, 0, len(data.PlannedDispatches))
	for _, pd := range data.PlannedDispatches {
		start, err := parseKrakenTime(pd.Start)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping dispatch with invalid start", slog.String("start", pd.Start), slog.Any("error", err))
			continue
		}
		end, err := parseKrakenTime(pd.End)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping dispatch with invalid end", slog.String("end", pd.End), slog.Any("error", err))
			continue
		}
		dispatches = append(dispatches, types.Dispatch{
			Start:  start,
			End:    end,
			Source: pd.Meta.Source,
		})
	}
	log.Ctx(ctx).DebugContext(ctx, "fetched planned dispatches", slog.Int("count", len(dispatches)))
	return dispatches, nil
}

func parseKrakenTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05-07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q", s)
}
