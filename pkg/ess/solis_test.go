package ess

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/raterudder/agilerudder/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSolisKey    = "1300386381677149806"
	testSolisSecret = "secret"
	testSolisSerial = "6031050232030275"
)

type solisControlReq struct {
	CID   int
	Value string
}

// fakeSolisCloud verifies request signatures and keeps cid values so writes
// can be read back.
type fakeSolisCloud struct {
	mu         sync.Mutex
	values     map[int]string
	controls   []solisControlReq
	reads      map[int]int
	requests   map[string]int
	neverStick int
	failPath   string
	detail     map[string]any
	day        []map[string]any
}

func newFakeSolisCloud() *fakeSolisCloud {
	return &fakeSolisCloud{
		values:   make(map[int]string),
		reads:    make(map[int]int),
		requests: make(map[string]int),
	}
}

func (f *fakeSolisCloud) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	sum := md5.Sum(body)
	contentMD5 := base64.StdEncoding.EncodeToString(sum[:])
	if r.Method != http.MethodPost || r.Header.Get("Content-MD5") != contentMD5 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	mac := hmac.New(sha1.New, []byte(testSolisSecret))
	mac.Write([]byte("POST\n" + contentMD5 + "\napplication/json\n" + r.Header.Get("Date") + "\n" + r.URL.Path))
	if r.Header.Get("Authorization") != "API "+testSolisKey+":"+base64.StdEncoding.EncodeToString(mac.Sum(nil)) {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	var req struct {
		SN         string `json:"sn"`
		InverterSN string `json:"inverterSn"`
		CID        int    `json:"cid"`
		Value      string `json:"value"`
		Time       string `json:"time"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests[r.URL.Path]++
	if r.URL.Path == f.failPath {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	var data any
	switch r.URL.Path {
	case "/v1/api/inverterDetail":
		if req.SN != testSolisSerial {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data = f.detail
	case "/v2/api/atRead":
		f.reads[req.CID]++
		v, ok := f.values[req.CID]
		if !ok {
			v = "ERROR"
		}
		data = map[string]any{"msg": v}
	case "/v2/api/control":
		f.controls = append(f.controls, solisControlReq{CID: req.CID, Value: req.Value})
		if req.CID != f.neverStick {
			f.values[req.CID] = req.Value
		}
	case "/v1/api/inverterDay":
		data = f.day
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"code":    "0",
		"msg":     "success",
		"data":    data,
	})
}

// 02:30 in London
var solisNow = time.Date(2024, 6, 1, 1, 30, 0, 0, time.UTC)

func newTestSolis(t *testing.T, f *fakeSolisCloud) *Solis {
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	s := NewSolis(srv.URL, resty.New())
	s.readBackDelay = 0
	s.now = func() time.Time { return solisNow }
	err := s.ApplySettings(context.Background(), types.Settings{Timezone: "Europe/London"}, types.Credentials{
		Solis: &types.SolisCredentials{
			APIKey:         testSolisKey,
			APISecret:      testSolisSecret,
			InverterSerial: testSolisSerial,
		},
	})
	require.NoError(t, err)
	return s
}

func TestSolisReadState(t *testing.T) {
	f := newFakeSolisCloud()
	f.detail = map[string]any{
		"batteryCapacitySoc":  12,
		"batteryList":         []map[string]any{{"batteryCapacitySoc": 67}},
		"pac":                 2.5,
		"psum":                -0.5,
		"batteryPower":        1.0,
		"eToday":              10.2,
		"gridSellEnergy":      3.1,
		"gridPurchasedEnergy": 4.2,
		"stationId":           "1234",
		"timeStr":             "2024-06-01 13:05:00",
	}
	s := newTestSolis(t, f)

	r, err := s.ReadState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 67, r.BatterySOC)
	assert.Equal(t, 2.5, r.CurrentPVkW)
	assert.Equal(t, 1.0, r.CurrentBatteryPowerKW)
	assert.InDelta(t, 2.0, r.HouseLoadkW, 0.0001)
	assert.Equal(t, 10.2, r.TodayPVkWh)
	assert.Equal(t, 3.1, r.TodayExportkWh)
	assert.Equal(t, 4.2, r.TodayImportkWh)
	assert.Equal(t, "1234", r.StationID)
	assert.True(t, r.Timestamp.Equal(time.Date(2024, 6, 1, 12, 5, 0, 0, time.UTC)), r.Timestamp)
}

func TestSolisReadStateZeroSOC(t *testing.T) {
	f := newFakeSolisCloud()
	f.detail = map[string]any{"batteryList": []map[string]any{{"batteryCapacitySoc": 0}}}
	s := newTestSolis(t, f)

	r, err := s.ReadState(context.Background())
	require.NoError(t, err)
	assert.Zero(t, r.BatterySOC)
	assert.True(t, r.Timestamp.Equal(solisNow))
}

func TestSolisBadSignature(t *testing.T) {
	f := newFakeSolisCloud()
	s := newTestSolis(t, f)
	s.apiSecret = "wrong"

	_, err := s.ReadState(context.Background())
	assert.ErrorContains(t, err, "403")
}

func TestSolisAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"code":"B0115","msg":"no permission"}`))
	}))
	defer srv.Close()

	s := NewSolis(srv.URL, resty.New())
	require.NoError(t, s.ApplySettings(context.Background(), types.Settings{}, types.Credentials{
		Solis: &types.SolisCredentials{APIKey: "k", APISecret: "s", InverterSerial: "sn"},
	}))
	_, err := s.ReadState(context.Background())
	assert.ErrorContains(t, err, "no permission")
}

func TestSolisNewFirmwareChargeState(t *testing.T) {
	ctx := context.Background()
	f := newFakeSolisCloud()
	// 0xAA55
	f.values[solisCIDFirmware] = "43605"
	f.values[solisCIDChargeAmps] = "50"
	f.values[solisCIDChargeTime] = "02:00-04:00"
	f.values[solisCIDDischargeAmps] = "0"
	f.values[solisCIDDischargeTime] = "00:00-00:00"
	s := newTestSolis(t, f)

	cs, err := s.ReadChargeState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, cs.ChargeAmps)
	assert.True(t, cs.Charge.Start.Equal(time.Date(2024, 6, 1, 1, 0, 0, 0, time.UTC)), cs.Charge)
	assert.True(t, cs.Charge.End.Equal(time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC)), cs.Charge)
	assert.True(t, cs.Discharge.IsZero())

	t.Run("charge", func(t *testing.T) {
		f.controls = nil
		err := s.WriteChargeState(ctx, types.ChargeState{
			Charge:     types.TimeWindow{Start: solisNow, End: solisNow.Add(90 * time.Minute)},
			ChargeAmps: 40,
		}, false)
		require.NoError(t, err)
		assert.Equal(t, []solisControlReq{
			{solisCIDChargeSOC, "100"},
			{solisCIDDischargeSOC, "15"},
			{solisCIDChargeAmps, "40"},
			{solisCIDChargeTime, "02:30-04:00"},
			{solisCIDDischargeAmps, "0"},
			{solisCIDDischargeTime, "00:00-00:00"},
		}, f.controls)
	})

	t.Run("discharge", func(t *testing.T) {
		f.controls = nil
		err := s.WriteChargeState(ctx, types.ChargeState{
			Discharge:     types.TimeWindow{Start: solisNow, End: solisNow.Add(time.Hour)},
			DischargeAmps: 30,
		}, false)
		require.NoError(t, err)
		assert.Equal(t, []solisControlReq{
			{solisCIDChargeSOC, "15"},
			{solisCIDDischargeSOC, "15"},
			{solisCIDChargeAmps, "0"},
			{solisCIDChargeTime, "00:00-00:00"},
			{solisCIDDischargeAmps, "30"},
			{solisCIDDischargeTime, "02:30-03:30"},
		}, f.controls)
	})

	// detection happens once
	assert.Equal(t, 1, f.reads[solisCIDFirmware])
}

func TestSolisOldFirmwareChargeState(t *testing.T) {
	ctx := context.Background()
	f := newFakeSolisCloud()
	f.values[solisCIDReadCharge] = "50,0,02:00-04:00,00:00-00:00,0,0,00:00-00:00,00:00-00:00,0,0,00:00-00:00,00:00-00:00"
	s := newTestSolis(t, f)

	cs, err := s.ReadChargeState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, cs.ChargeAmps)
	assert.Equal(t, 0, cs.DischargeAmps)
	assert.False(t, cs.Charge.IsZero())
	assert.True(t, cs.Discharge.IsZero())

	err = s.WriteChargeState(ctx, types.ChargeState{
		Charge:     types.TimeWindow{Start: solisNow, End: solisNow.Add(time.Hour)},
		ChargeAmps: 45,
	}, false)
	require.NoError(t, err)
	assert.Equal(t, []solisControlReq{
		{solisCIDSetCharge, "45,0,02:30-03:30,00:00-00:00,0,0,00:00-00:00,00:00-00:00,0,0,00:00-00:00,00:00-00:00"},
	}, f.controls)
}

func TestSolisWriteNotApplied(t *testing.T) {
	f := newFakeSolisCloud()
	f.neverStick = solisCIDSetCharge
	s := newTestSolis(t, f)

	err := s.WriteChargeState(context.Background(), types.ChargeState{
		Charge:     types.TimeWindow{Start: solisNow, End: solisNow.Add(time.Hour)},
		ChargeAmps: 45,
	}, false)
	assert.ErrorIs(t, err, errControlNotApplied)
	assert.Len(t, f.controls, solisControlRetries)
}

func TestSolisWriteSimulateOnly(t *testing.T) {
	f := newFakeSolisCloud()
	f.values[solisCIDFirmware] = "43605"
	s := newTestSolis(t, f)

	err := s.WriteChargeState(context.Background(), types.ChargeState{
		Charge:     types.TimeWindow{Start: solisNow, End: solisNow.Add(time.Hour)},
		ChargeAmps: 45,
	}, true)
	require.NoError(t, err)
	assert.Empty(t, f.controls)
	assert.Zero(t, f.requests["/v2/api/control"])
}

func TestSolisSetInverterTime(t *testing.T) {
	f := newFakeSolisCloud()
	s := newTestSolis(t, f)

	require.NoError(t, s.SetInverterTime(context.Background(), false))
	// site local time, BST in June
	assert.Equal(t, []solisControlReq{{CID: solisCIDClock, Value: "2024-06-01 02:30:00"}}, f.controls)
	assert.Zero(t, f.requests["/v2/api/atRead"])

	f.controls = nil
	require.NoError(t, s.SetInverterTime(context.Background(), true))
	assert.Empty(t, f.controls)

	f.failPath = "/v2/api/control"
	assert.Error(t, s.SetInverterTime(context.Background(), false))
}

func TestSolisFirmwareDetectionFailure(t *testing.T) {
	f := newFakeSolisCloud()
	f.failPath = "/v2/api/atRead"
	s := newTestSolis(t, f)

	_, err := s.ReadChargeState(context.Background())
	assert.Error(t, err)
	assert.Nil(t, s.newFirmware)
}

func TestSolisGetHistoricData(t *testing.T) {
	ctx := context.Background()
	f := newFakeSolisCloud()
	f.day = []map[string]any{
		{"timeStr": "2024-05-31 00:05:00", "batteryCapacitySoc": 50, "batteryPower": -0.4, "pSum": 400, "familyLoadPower": 0.4, "homeLoadTodayEnergy": 0.1, "eToday": 0, "gridPurchasedTodayEnergy": 0, "gridSellTodayEnergy": 0},
		{"timeStr": "2024-05-31 00:10:00", "batteryCapacitySoc": 49, "batteryPower": -0.5, "pSum": 0, "familyLoadPower": 0.5, "homeLoadTodayEnergy": 0.15, "eToday": 0, "gridPurchasedTodayEnergy": 0.2, "gridSellTodayEnergy": 0},
		{"timeStr": "bad", "batteryCapacitySoc": 49},
		{"timeStr": "2024-05-31 12:00:00", "batteryCapacitySoc": 90, "batteryPower": 2, "pSum": 0, "familyLoadPower": 0.3, "homeLoadTodayEnergy": 4.15, "eToday": 8, "gridPurchasedTodayEnergy": 1.2, "gridSellTodayEnergy": 0.5},
	}
	s := newTestSolis(t, f)

	day := time.Date(2024, 5, 31, 12, 0, 0, 0, time.UTC)
	samples, err := s.GetHistoricData(ctx, day)
	require.NoError(t, err)
	require.Len(t, samples, 3)

	assert.True(t, samples[0].Timestamp.Equal(time.Date(2024, 5, 30, 23, 5, 0, 0, time.UTC)), samples[0].Timestamp)
	assert.InDelta(t, 0.1, samples[0].HouseLoadKWh, 0.0001)
	assert.InDelta(t, 0.4, samples[0].PVkW, 0.0001)
	assert.InDelta(t, 0.05, samples[1].HouseLoadKWh, 0.0001)
	assert.InDelta(t, 0.2, samples[1].ImportKWh, 0.0001)
	assert.InDelta(t, 4.0, samples[2].HouseLoadKWh, 0.0001)
	assert.InDelta(t, 8.0, samples[2].PVKWh, 0.0001)
	assert.InDelta(t, 1.0, samples[2].ImportKWh, 0.0001)
	assert.InDelta(t, 0.5, samples[2].ExportKWh, 0.0001)
	assert.Equal(t, 90.0, samples[2].BatterySOC)

	// a past day is only fetched once
	_, err = s.GetHistoricData(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 1, f.requests["/v1/api/inverterDay"])

	// today is always fetched
	_, err = s.GetHistoricData(ctx, solisNow)
	require.NoError(t, err)
	_, err = s.GetHistoricData(ctx, solisNow)
	require.NoError(t, err)
	assert.Equal(t, 3, f.requests["/v1/api/inverterDay"])
}
