// mock-workorders stands in for the fleet work-order system during local
// development. It subscribes to the engine's alert subjects on NATS, prints
// every event, and acknowledges freshly opened alerts back through the HTTP
// API so the full lifecycle can be exercised without the real system.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
)

type alertEvent struct {
	AlertID      string  `json:"alert_id"`
	VehicleID    string  `json:"vehicle_id"`
	VehicleClass string  `json:"vehicle_class"`
	PatternRef   string  `json:"pattern_version"`
	Confidence   float64 `json:"confidence"`
	ActionWindow string  `json:"recommended_action_window"`
	State        string  `json:"state"`
}

func main() {
	natsURL := flag.String("nats", nats.DefaultURL, "NATS server URL")
	engineURL := flag.String("engine", "http://localhost:8080", "engine base URL")
	apiKey := flag.String("api-key", "", "engine API key")
	ack := flag.Bool("ack", true, "acknowledge open alerts back through the engine API")
	flag.Parse()

	logger := log.New(log.Writer(), "mock-workorders ", log.LstdFlags|log.Lmicroseconds)

	nc, err := nats.Connect(*natsURL, nats.RetryOnFailedConnect(true), nats.MaxReconnects(-1))
	if err != nil {
		logger.Fatalf("nats connect: %v", err)
	}
	defer nc.Drain()

	client := &http.Client{Timeout: 5 * time.Second}
	sub, err := nc.Subscribe("pdm.alerts.>", func(msg *nats.Msg) {
		var ev alertEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			logger.Printf("bad event on %s: %v", msg.Subject, err)
			return
		}
		logger.Printf("%s alert=%s vehicle=%s pattern=%s state=%s confidence=%.2f window=%q",
			msg.Subject, ev.AlertID, ev.VehicleID, ev.PatternRef, ev.State, ev.Confidence, ev.ActionWindow)

		if *ack && ev.State == "open" {
			acknowledge(logger, client, *engineURL, *apiKey, ev.AlertID)
		}
	})
	if err != nil {
		logger.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	logger.Printf("listening on %s for pdm.alerts.>", *natsURL)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
}

func acknowledge(logger *log.Logger, client *http.Client, baseURL, apiKey, alertID string) {
	body, _ := json.Marshal(map[string]string{"state": "acknowledged"})
	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/v1/alerts/"+alertID+"/transition", bytes.NewReader(body))
	if err != nil {
		logger.Printf("build ack request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		logger.Printf("ack %s: %v", alertID, err)
		return
	}
	defer resp.Body.Close()
	logger.Printf("ack %s -> %d", alertID, resp.StatusCode)
}
