package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fleetpulse/pdm-engine/internal/models"
)

// SubjectPrefix is the root of the alert export subject hierarchy. Events are
// published to <prefix>.<vehicle_class> so consumers can subscribe per fleet
// segment.
const SubjectPrefix = "pdm.alerts"

// NATSPublisher pushes alert lifecycle events to the work-order system over
// NATS. Export is at-least-once: consumers dedupe on (alert_id, state).
type NATSPublisher struct {
	logger *slog.Logger
	conn   *nats.Conn
	prefix string
}

// NewNATSPublisher connects to the given NATS URL with retry enabled so a
// broker restart does not drop the engine.
func NewNATSPublisher(logger *slog.Logger, url, prefix string) (*NATSPublisher, error) {
	if prefix == "" {
		prefix = SubjectPrefix
	}
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{logger: logger, conn: conn, prefix: prefix}, nil
}

// Close drains in-flight messages before disconnecting.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("nats drain failed", slog.String("error", err.Error()))
	}
}

// PublishAlert serializes one alert event onto the class-scoped subject.
func (p *NATSPublisher) PublishAlert(_ context.Context, ev models.AlertEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal alert event: %w", err)
	}
	subject := p.prefix + "." + ev.VehicleClass
	if err := p.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish alert %s to %s: %w", ev.AlertID, subject, err)
	}
	p.logger.Debug("alert event published",
		slog.String("subject", subject),
		slog.String("alert_id", ev.AlertID),
		slog.String("state", string(ev.State)))
	return nil
}

// LogPublisher is the export fallback when no broker is configured: events
// are written to the structured log so nothing is silently dropped.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher returns a log-backed publisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// PublishAlert logs the event at info level.
func (p *LogPublisher) PublishAlert(_ context.Context, ev models.AlertEvent) error {
	p.logger.Info("alert event",
		slog.String("alert_id", ev.AlertID),
		slog.String("vehicle_id", ev.VehicleID),
		slog.String("pattern_version", ev.PatternRef),
		slog.Float64("confidence", ev.Confidence),
		slog.String("state", string(ev.State)))
	return nil
}
