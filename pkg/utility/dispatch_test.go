package utility

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOctopusDispatch(t *testing.T) {
	ctx := context.Background()

	var tokenRequests, dispatchRequests int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req graphqlRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}
		w.Header().Set("Content-Type", "application/json")

		switch {
		case strings.Contains(req.Query, "obtainKrakenToken"):
			tokenRequests++
			input := req.Variables["input"].(map[string]any)
			if input["APIKey"] != "sk_live_test" {
				_, _ = w.Write([]byte(`{"errors":[{"message":"Invalid API key"}]}`))
				return
			}
			_, _ = w.Write([]byte(`{"data":{"obtainKrakenToken":{"token":"jwt-token"}}}`))
		case strings.Contains(req.Query, "plannedDispatches"):
			dispatchRequests++
			assert.Equal(t, "jwt-token", r.Header.Get("Authorization"))
			assert.Equal(t, "A-1234ABCD", req.Variables["accountNumber"])
			_, _ = w.Write([]byte(`{"data":{"plannedDispatches":[
				{"start":"2024-05-01T23:30:00+00:00","end":"2024-05-02T00:30:00+00:00","meta":{"source":"smart-charge"}},
				{"start":"2024-05-02 02:00:00+01:00","end":"2024-05-02 03:00:00+01:00","meta":{"source":"bump-charge"}},
				{"start":"garbage","end":"2024-05-02T00:30:00+00:00","meta":{"source":"smart-charge"}}
			]}}`))
		default:
			t.Errorf("unexpected query %q", req.Query)
		}
	}))
	defer ts.Close()

	t.Run("GetPlannedDispatches", func(t *testing.T) {
		d := NewOctopusDispatch(ts.URL, resty.New())
		d.SetAPIKey("sk_live_test")

		dispatches, err := d.GetPlannedDispatches(ctx, "A-1234ABCD")
		require.NoError(t, err)
		require.Len(t, dispatches, 2)
		assert.Equal(t, time.Date(2024, 5, 1, 23, 30, 0, 0, time.UTC), dispatches[0].Start)
		assert.Equal(t, "smart-charge", dispatches[0].Source)
		assert.Equal(t, time.Date(2024, 5, 2, 1, 0, 0, 0, time.UTC), dispatches[1].Start)

		_, err = d.GetPlannedDispatches(ctx, "A-1234ABCD")
		require.NoError(t, err)
		assert.Equal(t, 1, tokenRequests, "expected the token to be cached")
		assert.Equal(t, 2, dispatchRequests)
	})

	t.Run("BadKey", func(t *testing.T) {
		d := NewOctopusDispatch(ts.URL, resty.New())
		d.SetAPIKey("wrong")
		_, err := d.GetPlannedDispatches(ctx, "A-1234ABCD")
		assert.ErrorContains(t, err, "Invalid API key")
	})

	t.Run("MissingInputs", func(t *testing.T) {
		d := NewOctopusDispatch(ts.URL, resty.New())
		_, err := d.GetPlannedDispatches(ctx, "A-1234ABCD")
		assert.Error(t, err)
		d.SetAPIKey("sk_live_test")
		_, err = d.GetPlannedDispatches(ctx, "")
		assert.Error(t, err)
	})
}
