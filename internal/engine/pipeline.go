package engine

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetpulse/pdm-engine/internal/alerts"
	"github.com/fleetpulse/pdm-engine/internal/baseline"
	"github.com/fleetpulse/pdm-engine/internal/metrics"
	"github.com/fleetpulse/pdm-engine/internal/models"
	"github.com/fleetpulse/pdm-engine/internal/normalizer"
	"github.com/fleetpulse/pdm-engine/internal/patterns"
	"github.com/fleetpulse/pdm-engine/internal/scoring"
	"github.com/fleetpulse/pdm-engine/internal/utils"
)

// reorderHold is how long a reading may sit in the reorder buffer before it
// is released in timestamp order.
const reorderHold = 500 * time.Millisecond

// TelemetrySink archives committed samples for offline analysis; nil to
// disable archiving.
type TelemetrySink interface {
	ArchiveSample(ctx context.Context, s models.Sample) error
}

// Pipeline is the continuous per-vehicle processing loop: raw telemetry is
// sharded by vehicle id onto bounded queues, straightened by the reorder
// buffer, normalized, folded into the baseline, matched against the pattern
// library, scored, and turned into alerts. One vehicle's failure never
// blocks another shard.
type Pipeline struct {
	logger     *slog.Logger
	normalizer *normalizer.Normalizer
	baselines  *baseline.Store
	matcher    *patterns.Matcher
	scorer     *scoring.Scorer
	alerts     *alerts.Manager
	vehicles   *Registry
	sink       TelemetrySink

	shards       []chan models.RawReading
	reorderLimit int
	wg           sync.WaitGroup
	cancel       context.CancelFunc
}

// NewPipeline wires the processing stages. sink may be nil.
func NewPipeline(
	logger *slog.Logger,
	norm *normalizer.Normalizer,
	baselines *baseline.Store,
	matcher *patterns.Matcher,
	scorer *scoring.Scorer,
	alertMgr *alerts.Manager,
	vehicles *Registry,
	sink TelemetrySink,
	shardCount, queueSize, reorderLimit int,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if shardCount <= 0 {
		shardCount = 1
	}
	if queueSize <= 0 {
		queueSize = 1024
	}

	p := &Pipeline{
		logger:     logger,
		normalizer: norm,
		baselines:  baselines,
		matcher:    matcher,
		scorer:     scorer,
		alerts:     alertMgr,
		vehicles:   vehicles,
		sink:       sink,
		shards:     make([]chan models.RawReading, shardCount),
	}
	for i := range p.shards {
		p.shards[i] = make(chan models.RawReading, queueSize)
	}
	p.reorderLimit = reorderLimit
	return p
}

// Start launches one worker goroutine per shard.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i, ch := range p.shards {
		p.wg.Add(1)
		go p.runShard(ctx, i, ch)
	}
}

// Stop drains the shards and waits for workers to finish.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Submit enqueues one raw reading onto its vehicle's shard. Under burst
// load the bounded queue sheds with a retryable error instead of growing
// without limit.
func (p *Pipeline) Submit(raw models.RawReading) error {
	shard := p.shardFor(raw.VehicleID)
	select {
	case p.shards[shard] <- raw:
		return nil
	default:
		metrics.QueueShed.Inc()
		return utils.NewEngineError("engine.Submit", utils.KindQueueFull, "shard_queue_full",
			"vehicle shard queue is full, retry later", nil)
	}
}

func (p *Pipeline) shardFor(vehicleID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(vehicleID))
	return int(h.Sum32() % uint32(len(p.shards)))
}

func (p *Pipeline) runShard(ctx context.Context, id int, ch chan models.RawReading) {
	defer p.wg.Done()

	buf := newReorderBuffer(p.reorderLimit)
	ticker := time.NewTicker(reorderHold)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, raw := range buf.drain() {
				p.process(context.Background(), raw)
			}
			return
		case raw := <-ch:
			for _, ready := range buf.push(raw, time.Now()) {
				p.process(ctx, ready)
			}
		case now := <-ticker.C:
			for _, ready := range buf.ripe(now, reorderHold) {
				p.process(ctx, ready)
			}
		}
	}
}

// process runs the full stage chain for one reading. Errors are isolated to
// the reading: ingestion rejects were already quarantined by the
// normalizer, everything else is logged and dropped.
func (p *Pipeline) process(ctx context.Context, raw models.RawReading) {
	sample, err := p.normalizer.Normalize(ctx, raw)
	if err != nil {
		p.logger.Debug("reading rejected",
			slog.String("vehicle", raw.VehicleID),
			slog.String("signal", raw.Signal),
			slog.String("code", utils.CodeOf(err)))
		return
	}
	p.Commit(ctx, sample)
}

// Commit applies one canonical sample through baseline, matcher, scorer and
// alert generation. Exposed for replay tooling that already holds canonical
// samples.
func (p *Pipeline) Commit(ctx context.Context, sample models.Sample) {
	key := sample.Key()
	z := p.baselines.Score(key, sample.Value)
	b, applied := p.baselines.Apply(ctx, sample)
	if !applied {
		return
	}

	if p.sink != nil {
		if err := p.sink.ArchiveSample(ctx, sample); err != nil {
			p.logger.Debug("sample archive failed",
				slog.String("vehicle", sample.VehicleID),
				slog.Any("error", err))
		}
	}

	vehicle := p.vehicles.GetOrRegister(sample.VehicleID)
	if !vehicle.Active() {
		p.matcher.DropVehicle(sample.VehicleID)
		return
	}

	matches := p.matcher.Observe(sample, vehicle.Class, b, z)
	var matchPtr *patterns.Match
	if best, ok := patterns.Best(matches); ok {
		matchPtr = &best
	}

	verdict, considered := p.scorer.Score(ctx, sample, vehicle.Class, b, z, matchPtr)
	if !considered || !verdict.Fire {
		return
	}

	if _, _, err := p.alerts.Create(ctx, vehicle, verdict); err != nil {
		p.logger.Error("alert creation failed",
			slog.String("vehicle", vehicle.ID),
			slog.String("pattern", verdict.PatternRef),
			slog.Any("error", err))
	}
}
