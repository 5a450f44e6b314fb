package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/raterudder/agilerudder/pkg/controller"
	"github.com/raterudder/agilerudder/pkg/manager"
	"github.com/raterudder/agilerudder/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var slotStart = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func testState() types.PlannerState {
	slot := types.NewPriceSlot(slotStart, 5)
	slot.PlanAction = types.SlotActionCharge
	slot.PriceType = types.PriceTypeBelowThreshold
	return types.PlannerState{
		Timestamp:       slotStart.Add(10 * time.Minute),
		Slots:           []*types.PriceSlot{slot},
		Battery:         types.BatteryState{BatterySOC: 40},
		ManualOverrides: []types.ManualOverride{},
	}
}

func serve(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(w, req)
	return w
}

func TestHandleState(t *testing.T) {
	p := &mockPlanner{}
	p.On("CurrentState", mock.Anything).Return(testState())
	srv := New(p)

	w := serve(srv, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	slots := got["slots"].([]any)
	require.Len(t, slots, 1)
	slot := slots[0].(map[string]any)
	assert.Equal(t, "Charge", slot["planAction"])
	assert.Equal(t, float64(40), got["battery"].(map[string]any)["batterySOC"])
}

func TestHandleOverride(t *testing.T) {
	body := fmt.Sprintf(`{"slotStart":%q,"action":"Discharge"}`, slotStart.Format(time.RFC3339))

	t.Run("success", func(t *testing.T) {
		p := &mockPlanner{}
		p.On("OverrideSlotAction", mock.Anything, slotStart, types.SlotActionDischarge).Return(nil).Once()
		p.On("CurrentState", mock.Anything).Return(testState())
		srv := New(p)

		w := serve(srv, http.MethodPost, "/api/override", body)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"slots"`)
		p.AssertExpectations(t)
	})

	t.Run("unknown slot", func(t *testing.T) {
		p := &mockPlanner{}
		p.On("OverrideSlotAction", mock.Anything, slotStart, types.SlotActionDischarge).Return(fmt.Errorf("%w: x", manager.ErrSlotNotFound))
		srv := New(p)

		w := serve(srv, http.MethodPost, "/api/override", body)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), `"error"`)
	})

	t.Run("bad requests", func(t *testing.T) {
		p := &mockPlanner{}
		srv := New(p)

		for _, body := range []string{
			`not json`,
			`{"action":"Charge"}`,
			fmt.Sprintf(`{"slotStart":%q,"action":"Explode"}`, slotStart.Format(time.RFC3339)),
			fmt.Sprintf(`{"slotStart":%q,"action":"ChargeIfLowBattery"}`, slotStart.Format(time.RFC3339)),
		} {
			w := serve(srv, http.MethodPost, "/api/override", body)
			assert.Equal(t, http.StatusBadRequest, w.Code, body)
		}
		p.AssertNotCalled(t, "OverrideSlotAction", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestHandleActions(t *testing.T) {
	for _, tc := range []struct {
		path   string
		method string
	}{
		{"/api/overrides/clear", "ClearManualOverrides"},
		{"/api/recalculate", "Recalculate"},
		{"/api/battery/charge", "ChargeBattery"},
		{"/api/battery/discharge", "DischargeBattery"},
		{"/api/battery/dump", "DumpAndChargeBattery"},
		{"/api/battery/test", "TestCharge"},
	} {
		t.Run(tc.path, func(t *testing.T) {
			p := &mockPlanner{}
			p.On(tc.method, mock.Anything).Return(nil).Once()
			p.On("CurrentState", mock.Anything).Return(testState())
			srv := New(p)

			w := serve(srv, http.MethodPost, tc.path, "")
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Contains(t, w.Body.String(), `"batterySOC":40`)
			p.AssertExpectations(t)
		})
	}

	t.Run("not configured", func(t *testing.T) {
		p := &mockPlanner{}
		p.On("Recalculate", mock.Anything).Return(fmt.Errorf("tariff %w", manager.ErrNotConfigured))
		srv := New(p)

		w := serve(srv, http.MethodPost, "/api/recalculate", "")
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Contains(t, w.Body.String(), "tariff not configured")
	})

	t.Run("failure", func(t *testing.T) {
		p := &mockPlanner{}
		p.On("ChargeBattery", mock.Anything).Return(assert.AnError)
		srv := New(p)

		w := serve(srv, http.MethodPost, "/api/battery/charge", "")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), assert.AnError.Error())
	})
}

func TestHandleProjection(t *testing.T) {
	t.Run("slots", func(t *testing.T) {
		p := &mockPlanner{}
		p.On("Projection", mock.Anything).Return([]controller.SimSlot{{Start: slotStart, Action: types.SlotActionCharge, BatterySOC: 56.5}}, nil)
		srv := New(p)

		w := serve(srv, http.MethodGet, "/api/projection", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"batterySOC":56.5`)
	})

	t.Run("empty", func(t *testing.T) {
		p := &mockPlanner{}
		p.On("Projection", mock.Anything).Return(nil, nil)
		srv := New(p)

		w := serve(srv, http.MethodGet, "/api/projection", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `[]`, w.Body.String())
	})
}
