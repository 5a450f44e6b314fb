package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/agilerudder/pkg/log"
	"github.com/raterudder/agilerudder/pkg/storage"
	"github.com/raterudder/agilerudder/pkg/types"
)

func main() {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	}
	window := lflag.Duration("seed-window", 48*time.Hour, "How far back to seed history")
	s := storage.Configured()
	lflag.Configure()

	ctx := context.Background()
	defer s.Close()

	log.Ctx(ctx).InfoContext(ctx, "seeding mock data")

	// a simulated site on a time-of-use tariff so it runs without any accounts
	settings, _, err := types.MigrateSettings(types.Settings{
		TariffProvider: "tou",
		Inverter:       "mock",
		TOURates: []types.TOURate{
			{Start: "00:00", End: "05:30", PriceIncVAT: 7.5, Description: "Night"},
			{Start: "05:30", End: "16:00", PriceIncVAT: 24.5, Description: "Day"},
			{Start: "16:00", End: "19:00", PriceIncVAT: 38, Description: "Peak"},
			{Start: "19:00", End: "00:00", PriceIncVAT: 24.5, Description: "Evening"},
		},
		BatteryCapacityKWh: 10,
	}, 0)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to build settings", "error", err)
		os.Exit(1)
	}
	if err := s.SetSettings(ctx, settings, types.CurrentSettingsVersion); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed settings", "error", err)
		os.Exit(1)
	}

	// Use a new random source
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	const (
		BatteryCapacityKWh = 10.0
		ChargeKWhPerSlot   = BatteryCapacityKWh / 6
		HouseAvgKWh        = 0.25
		SolarPeakKWh       = 1.8
	)
	currentSOC := 40.0

	now := time.Now().UTC()
	start := now.Add(-*window).Truncate(types.SlotDuration)
	for t := start; t.Add(types.SlotDuration).Before(now); t = t.Add(types.SlotDuration) {
		hour := float64(t.Hour()) + float64(t.Minute())/60

		// Agile-like shape with some jitter
		price := 18.0
		reason := "normal price"
		action := types.SlotActionDoNothing
		priceType := types.PriceTypeAverage
		switch {
		case hour >= 1 && hour < 5:
			price = 8
			priceType = types.PriceTypeCheapest
		case hour >= 16 && hour < 19:
			price = 35
			priceType = types.PriceTypeMostExpensive
		}
		price += (rng.Float64() * 4) - 2

		// Solar (bell curve)
		solar := 0.0
		if hour > 5 && hour < 21 {
			dist := math.Abs(hour - 13)
			solar = SolarPeakKWh * math.Exp(-(dist*dist)/10)
		}

		house := HouseAvgKWh + rng.Float64()*0.2
		if hour >= 17 && hour < 21 {
			house += 0.6 // Evening activities
		}

		batteryKWh := solar - house
		if priceType == types.PriceTypeCheapest && currentSOC < 90 {
			action = types.SlotActionCharge
			reason = "cheapest slots"
			batteryKWh = ChargeKWhPerSlot
		}
		batteryKWh = math.Max(batteryKWh, -house)

		currentSOC += batteryKWh / BatteryCapacityKWh * 100
		currentSOC = math.Min(100, math.Max(10, currentSOC))

		grid := house + batteryKWh - solar
		entry := types.HistoryEntry{
			Start:        t,
			End:          t.Add(types.SlotDuration),
			Price:        math.Round(price*100) / 100,
			Action:       action,
			Type:         priceType,
			BatterySOC:   int(currentSOC),
			ActualKWh:    solar,
			ForecastKWh:  solar * (0.8 + rng.Float64()*0.4),
			ImportKWh:    math.Max(0, grid),
			ExportKWh:    math.Max(0, -grid),
			HouseLoadKWh: house,
			Reason:       reason,
		}
		if _, err := s.AppendHistory(ctx, entry); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed history", "error", err)
			os.Exit(1)
		}

		fmt.Printf("Seeded %s: %s (Price: %.2fp, SOC: %d%%, Solar: %.2fkWh)\n",
			t.Format("02-Jan 15:04"), entry.Action, entry.Price, entry.BatterySOC, solar)
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded mock data successfully")
}
