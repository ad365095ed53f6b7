package normalizer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetpulse/pdm-engine/internal/metrics"
	"github.com/fleetpulse/pdm-engine/internal/models"
	"github.com/fleetpulse/pdm-engine/internal/utils"
)

// Reason codes attached to quarantined readings.
const (
	CodeUnknownSignal   = "unknown_signal"
	CodeUnknownUnit     = "unknown_unit"
	CodeOutOfRange      = "value_out_of_range"
	CodeStaleTimestamp  = "stale_timestamp"
	CodeMissingVehicle  = "missing_vehicle_id"
	CodeMissingTime     = "missing_timestamp"
	CodeFutureTimestamp = "future_timestamp"
)

// QuarantineSink persists rejected readings for audit.
type QuarantineSink interface {
	Quarantine(ctx context.Context, q models.QuarantinedReading) error
}

// Normalizer converts heterogeneous raw readings into canonical samples,
// assigning a monotonic per-(vehicle, signal) sequence. Readings that fail
// validation are quarantined, never silently dropped.
type Normalizer struct {
	logger        *slog.Logger
	catalog       map[string]models.SignalStream
	sink          QuarantineSink
	skewTolerance time.Duration
	now           func() time.Time

	mu     sync.Mutex
	series map[models.SeriesKey]*seriesCursor
}

type seriesCursor struct {
	lastSeq uint64
	lastTS  time.Time
}

// New constructs a Normalizer over the configured signal catalog.
func New(logger *slog.Logger, catalog []models.SignalStream, sink QuarantineSink, skewTolerance time.Duration) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]models.SignalStream, len(catalog))
	for _, s := range catalog {
		byName[s.Name] = s
	}
	return &Normalizer{
		logger:        logger,
		catalog:       byName,
		sink:          sink,
		skewTolerance: skewTolerance,
		now:           time.Now,
		series:        make(map[models.SeriesKey]*seriesCursor),
	}
}

// Normalize validates and converts one raw reading. On success it returns a
// canonical sample carrying the next sequence number for its series; on
// failure the reading is quarantined and an ingestion error returned.
func (n *Normalizer) Normalize(ctx context.Context, raw models.RawReading) (models.Sample, error) {
	if raw.VehicleID == "" {
		return models.Sample{}, n.reject(ctx, raw, CodeMissingVehicle, "vehicle_id is required")
	}
	if raw.Timestamp.IsZero() {
		return models.Sample{}, n.reject(ctx, raw, CodeMissingTime, "timestamp is required")
	}
	if raw.Timestamp.After(n.now().Add(n.skewTolerance)) {
		return models.Sample{}, n.reject(ctx, raw, CodeFutureTimestamp,
			fmt.Sprintf("timestamp %s is beyond skew tolerance", raw.Timestamp.Format(time.RFC3339)))
	}

	stream, ok := n.catalog[raw.Signal]
	if !ok {
		return models.Sample{}, n.reject(ctx, raw, CodeUnknownSignal, fmt.Sprintf("signal %q is not in the catalog", raw.Signal))
	}

	value, err := convertUnit(raw.Value, raw.Unit, stream.Unit)
	if err != nil {
		return models.Sample{}, n.reject(ctx, raw, CodeUnknownUnit, err.Error())
	}
	if value < stream.Min || value > stream.Max {
		return models.Sample{}, n.reject(ctx, raw, CodeOutOfRange,
			fmt.Sprintf("value %.2f outside [%.2f, %.2f] %s", value, stream.Min, stream.Max, stream.Unit))
	}

	key := models.SeriesKey{VehicleID: raw.VehicleID, Signal: raw.Signal}

	n.mu.Lock()
	cursor, ok := n.series[key]
	if !ok {
		cursor = &seriesCursor{}
		n.series[key] = cursor
	}
	// The series cursor only ever moves forward. A redelivered or
	// out-of-order reading that slipped past the reorder buffer is rejected
	// here so it can never fold into the baseline twice or out of order.
	if !cursor.lastTS.IsZero() && !raw.Timestamp.After(cursor.lastTS) {
		n.mu.Unlock()
		return models.Sample{}, n.reject(ctx, raw, CodeStaleTimestamp,
			fmt.Sprintf("timestamp %s does not advance past the last committed sample at %s",
				raw.Timestamp.Format(time.RFC3339), cursor.lastTS.Format(time.RFC3339)))
	}
	cursor.lastSeq++
	seq := cursor.lastSeq
	cursor.lastTS = raw.Timestamp
	n.mu.Unlock()

	metrics.SamplesNormalized.Inc()
	return models.Sample{
		VehicleID: raw.VehicleID,
		Signal:    raw.Signal,
		Timestamp: raw.Timestamp,
		Value:     value,
		Unit:      stream.Unit,
		Source:    raw.Source,
		Sequence:  seq,
	}, nil
}

func (n *Normalizer) reject(ctx context.Context, raw models.RawReading, code, msg string) error {
	metrics.SamplesQuarantined.WithLabelValues(code).Inc()
	q := models.QuarantinedReading{
		ID:        uuid.NewString(),
		Reading:   raw,
		Reason:    msg,
		Code:      code,
		CreatedAt: n.now().UTC(),
	}
	if n.sink != nil {
		if err := n.sink.Quarantine(ctx, q); err != nil {
			n.logger.Warn("quarantine write failed", slog.String("code", code), slog.Any("error", err))
		}
	}
	return utils.IngestionError("normalizer.Normalize", code, msg)
}

// conversions maps canonical unit -> accepted source unit -> transform.
var conversions = map[string]map[string]func(float64) float64{
	"fahrenheit": {
		"fahrenheit": ident,
		"f":          ident,
		"celsius":    func(v float64) float64 { return v*9/5 + 32 },
		"c":          func(v float64) float64 { return v*9/5 + 32 },
		"kelvin":     func(v float64) float64 { return (v-273.15)*9/5 + 32 },
	},
	"volt": {
		"volt":      ident,
		"v":         ident,
		"millivolt": func(v float64) float64 { return v / 1000 },
		"mv":        func(v float64) float64 { return v / 1000 },
	},
	"percent": {
		"percent":  ident,
		"pct":      ident,
		"fraction": func(v float64) float64 { return v * 100 },
	},
	"psi": {
		"psi": ident,
		"kpa": func(v float64) float64 { return v * 0.1450377 },
		"bar": func(v float64) float64 { return v * 14.50377 },
	},
	"mile": {
		"mile":      ident,
		"mi":        ident,
		"kilometer": func(v float64) float64 { return v * 0.621371 },
		"km":        func(v float64) float64 { return v * 0.621371 },
	},
}

func ident(v float64) float64 { return v }

func convertUnit(value float64, from, canonical string) (float64, error) {
	from = strings.ToLower(strings.TrimSpace(from))
	table, ok := conversions[canonical]
	if !ok {
		// Catalog units outside the table only accept exact matches.
		if from == canonical {
			return value, nil
		}
		return 0, fmt.Errorf("no conversion into canonical unit %q", canonical)
	}
	fn, ok := table[from]
	if !ok {
		return 0, fmt.Errorf("unit %q cannot be converted to %q", from, canonical)
	}
	return fn(value), nil
}
