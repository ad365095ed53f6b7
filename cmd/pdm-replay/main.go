// Command pdm-replay generates a synthetic telemetry history for one vehicle
// and pushes it to a running engine over the ingestion API. With -failure it
// superimposes a slow engine temperature climb after the warm-up period so a
// thermostat degradation alert can be exercised end to end.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/fleetpulse/pdm-engine/internal/models"
	"github.com/fleetpulse/pdm-engine/internal/utils"
)

const batchSize = 200

func main() {
	var (
		baseURL   = flag.String("url", "http://localhost:8080", "engine base URL")
		apiKey    = flag.String("api-key", "", "X-API-Key header value")
		vehicleID = flag.String("vehicle", "veh-replay-001", "vehicle id")
		days      = flag.Int("days", 60, "days of history to generate")
		interval  = flag.Duration("interval", 30*time.Minute, "sample cadence")
		failure   = flag.Bool("failure", false, "inject a rising engine_temp trend after day 45")
		seed      = flag.Int64("seed", 42, "random seed")
	)
	flag.Parse()

	logger := utils.NewLogger("info", false)
	rng := rand.New(rand.NewSource(*seed))

	start := time.Now().UTC().Add(-time.Duration(*days) * 24 * time.Hour)
	failureOnset := start.Add(45 * 24 * time.Hour)

	var batch []models.RawReading
	total := 0
	for ts := start; ts.Before(time.Now().UTC()); ts = ts.Add(*interval) {
		temp := 200.0 + rng.NormFloat64()*1.5
		if *failure && ts.After(failureOnset) {
			elapsedDays := ts.Sub(failureOnset).Hours() / 24
			temp += 0.5 * elapsedDays
		}
		voltage := 12.6 + rng.NormFloat64()*0.05

		batch = append(batch,
			models.RawReading{VehicleID: *vehicleID, Signal: "engine_temp", Timestamp: ts, Value: temp, Unit: "fahrenheit", Source: models.SourceOBD},
			models.RawReading{VehicleID: *vehicleID, Signal: "battery_voltage", Timestamp: ts, Value: voltage, Unit: "volt", Source: models.SourceBattery},
		)
		if len(batch) >= batchSize {
			if err := push(*baseURL, *apiKey, batch); err != nil {
				logger.Error("push failed", slog.Any("error", err))
				os.Exit(1)
			}
			total += len(batch)
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if err := push(*baseURL, *apiKey, batch); err != nil {
			logger.Error("push failed", slog.Any("error", err))
			os.Exit(1)
		}
		total += len(batch)
	}

	logger.Info("replay complete",
		slog.String("vehicle", *vehicleID),
		slog.Int("readings", total),
		slog.Bool("failure_injected", *failure))
}

func push(baseURL, apiKey string, readings []models.RawReading) error {
	payload, err := json.Marshal(map[string]any{"readings": readings})
	if err != nil {
		return err
	}
	for attempt := 0; attempt < 5; attempt++ {
		req, err := http.NewRequest(http.MethodPost, baseURL+"/api/v1/telemetry", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if apiKey != "" {
			req.Header.Set("X-API-Key", apiKey)
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusServiceUnavailable:
			time.Sleep(time.Second)
		case resp.StatusCode >= 300:
			return fmt.Errorf("telemetry push rejected: %s", resp.Status)
		default:
			return nil
		}
	}
	return fmt.Errorf("telemetry push kept shedding after retries")
}
