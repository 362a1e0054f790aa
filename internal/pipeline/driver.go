// Package pipeline drives a resumable geocoding run: it reads the registry,
// resolves each record, and commits fixed-size batches followed by a
// checkpoint.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/zipgeo/internal/checkpoint"
	"github.com/sells-group/zipgeo/internal/model"
	"github.com/sells-group/zipgeo/internal/resilience"
	"github.com/sells-group/zipgeo/pkg/geocode"
)

// Source yields the input records. Count and Stream are independent read
// passes over the same data.
type Source interface {
	Count(ctx context.Context) (int, error)
	Stream(ctx context.Context) (<-chan model.InputRecord, <-chan error, error)
}

// BatchWriter persists one batch under its index, replacing any earlier
// artifact at that index.
type BatchWriter interface {
	Flush(ctx context.Context, index int, records []model.ResolvedRecord) error
}

// Config holds the run settings. It is copied at construction.
type Config struct {
	BatchSize  int
	RateLimit  time.Duration // minimum spacing between lookups; 0 disables pacing
	Projection model.Projection
	Retry      resilience.RetryConfig
}

// Summary describes a finished or aborted run.
type Summary struct {
	RunID      string        `json:"run_id"`
	Total      int           `json:"total"`     // records in the input
	Start      int           `json:"start"`     // checkpoint the run resumed from
	Processed  int           `json:"processed"` // records looked up by this run
	Resolved   int           `json:"resolved"`
	Unresolved int           `json:"unresolved"`
	Batches    int           `json:"batches"` // batches flushed by this run
	Complete   bool          `json:"complete"`
	Elapsed    time.Duration `json:"elapsed_ns"`
}

// Driver runs the pipeline. It is the only writer of the checkpoint and the
// batch store.
type Driver struct {
	cfg        Config
	source     Source
	checkpoint checkpoint.Store
	batches    BatchWriter
	client     geocode.Client
}

// New validates cfg and returns a Driver.
func New(cfg Config, src Source, cp checkpoint.Store, batches BatchWriter, client geocode.Client) (*Driver, error) {
	if cfg.BatchSize <= 0 {
		return nil, &ConfigurationError{Err: eris.Errorf("batch size must be positive, got %d", cfg.BatchSize)}
	}
	if cfg.RateLimit < 0 {
		return nil, &ConfigurationError{Err: eris.Errorf("rate limit must be >= 0, got %s", cfg.RateLimit)}
	}
	if len(cfg.Projection.AddressColumns) == 0 {
		cfg.Projection = model.DefaultProjection()
	}
	cfg.Projection.AddressColumns = append([]int(nil), cfg.Projection.AddressColumns...)
	return &Driver{cfg: cfg, source: src, checkpoint: cp, batches: batches, client: client}, nil
}

// Run processes every record after the saved checkpoint. Lookup failures
// only blank that record's coordinates; checkpoint and batch failures abort
// with a *PersistenceError.
func (d *Driver) Run(ctx context.Context) (*Summary, error) {
	started := time.Now()
	sum := &Summary{RunID: uuid.NewString()}
	log := zap.L().With(zap.String("run_id", sum.RunID))
	defer func() { sum.Elapsed = time.Since(started) }()

	start, err := d.checkpoint.Load(ctx)
	if err != nil {
		return sum, &PersistenceError{Op: "load checkpoint", Err: err}
	}
	total, err := d.source.Count(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		return sum, &ConfigurationError{Err: eris.Wrap(err, "count input")}
	}
	sum.Start, sum.Total = start, total

	if err := d.checkAlignment(start, total); err != nil {
		return sum, err
	}
	if start == total {
		sum.Complete = true
		log.Info("pipeline: nothing to do", zap.Int("checkpoint", start), zap.Int("total", total))
		return sum, nil
	}

	size := d.cfg.BatchSize
	batchIdx := start / size
	log.Info("pipeline: starting run",
		zap.Int("checkpoint", start),
		zap.Int("total", total),
		zap.Int("batch_size", size),
		zap.Int("batch_index", batchIdx),
		zap.Duration("rate_limit", d.cfg.RateLimit),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rows, errs, err := d.source.Stream(runCtx)
	if err != nil {
		return sum, &ConfigurationError{Err: eris.Wrap(err, "open input")}
	}

	pace := newPacer(d.cfg.RateLimit)
	pending := make([]model.ResolvedRecord, 0, size)
	seen := 0

	for rec := range rows {
		i := seen
		seen++
		if i < start {
			continue
		}

		if err := pace.Wait(runCtx); err != nil {
			if runCtx.Err() != nil {
				return sum, runCtx.Err()
			}
			return sum, eris.Wrap(err, "pipeline: rate limiter")
		}
		out := d.resolve(runCtx, log, i, rec)
		pace.Done(time.Now())
		if runCtx.Err() != nil {
			return sum, runCtx.Err()
		}

		pending = append(pending, out)
		sum.Processed++
		if out.Resolved() {
			sum.Resolved++
		} else {
			sum.Unresolved++
		}

		if (i+1)%size == 0 {
			if err := d.commit(ctx, log, batchIdx, pending, i+1, total); err != nil {
				return sum, err
			}
			sum.Batches++
			pending = pending[:0]
			batchIdx++
		}
	}

	if err := <-errs; err != nil {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		return sum, &ConfigurationError{Err: eris.Wrap(err, "read input")}
	}
	if ctx.Err() != nil {
		return sum, ctx.Err()
	}
	if seen != total {
		return sum, &ConfigurationError{
			Err: eris.Errorf("input changed during run: counted %d records, read %d", total, seen),
		}
	}

	if len(pending) > 0 {
		if err := d.flush(ctx, log, batchIdx, pending); err != nil {
			return sum, err
		}
		sum.Batches++
	}
	if err := d.checkpoint.Save(ctx, total); err != nil {
		return sum, &PersistenceError{Op: "save checkpoint", Err: err}
	}
	sum.Complete = true

	log.Info("pipeline: run complete",
		zap.Int("total", total),
		zap.Int("processed", sum.Processed),
		zap.Int("resolved", sum.Resolved),
		zap.Int("unresolved", sum.Unresolved),
		zap.Int("batches", sum.Batches),
		zap.Duration("elapsed", time.Since(started)),
	)
	return sum, nil
}

// checkAlignment rejects checkpoints this input and batch size could not
// have produced.
func (d *Driver) checkAlignment(start, total int) error {
	if start > total {
		return &ConfigurationError{
			Err: eris.Errorf("checkpoint %d is beyond the %d input records", start, total),
		}
	}
	if start != total && start%d.cfg.BatchSize != 0 {
		return &ConfigurationError{
			Err: eris.Errorf("checkpoint %d is not a multiple of batch size %d", start, d.cfg.BatchSize),
		}
	}
	return nil
}

// commit flushes a full batch and then advances the checkpoint to lineNo.
func (d *Driver) commit(ctx context.Context, log *zap.Logger, idx int, records []model.ResolvedRecord, lineNo, total int) error {
	if err := d.flush(ctx, log, idx, records); err != nil {
		return err
	}
	if err := d.checkpoint.Save(ctx, lineNo); err != nil {
		return &PersistenceError{Op: "save checkpoint", Err: err}
	}
	log.Info("pipeline: checkpoint saved",
		zap.Int("checkpoint", lineNo),
		zap.Float64("progress_pct", percent(lineNo, total)),
	)
	return nil
}

func (d *Driver) flush(ctx context.Context, log *zap.Logger, idx int, records []model.ResolvedRecord) error {
	if err := d.batches.Flush(ctx, idx, records); err != nil {
		return &PersistenceError{Op: "flush batch", Err: err}
	}
	log.Info("pipeline: batch saved", zap.Int("batch_index", idx), zap.Int("records", len(records)))
	return nil
}

// resolve looks up one record. Any lookup failure yields a record with empty
// coordinates.
func (d *Driver) resolve(ctx context.Context, log *zap.Logger, line int, rec model.InputRecord) model.ResolvedRecord {
	p := d.cfg.Projection
	code, addr := p.PostalCode(rec), p.Address(rec)
	if missing := p.Missing(rec); len(missing) > 0 {
		log.Warn("pipeline: record is missing columns", zap.Int("line", line), zap.Ints("columns", missing))
	}

	retry := d.cfg.Retry
	retry.OnRetry = resilience.RetryLogger(addr)
	res, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*geocode.Result, error) {
		return d.client.Geocode(ctx, addr)
	})

	var out model.ResolvedRecord
	switch {
	case err != nil:
		log.Warn("pipeline: lookup failed", zap.Int("line", line), zap.String("address", addr), zap.Error(err))
		out = model.NewUnresolved(code, addr)
	case res == nil || !res.Matched:
		out = model.NewUnresolved(code, addr)
	default:
		out = model.NewResolved(code, addr, res.Latitude, res.Longitude)
	}

	log.Info("pipeline: record",
		zap.Int("line", line),
		zap.Strings("source", rec),
		zap.Strings("result", out.Row()),
	)
	return out
}

// Status reports the saved checkpoint against a fresh count of the input.
type Status struct {
	Checkpoint int
	Total      int
	Complete   bool
}

// Percent returns progress as a percentage of Total.
func (s Status) Percent() float64 {
	return percent(s.Checkpoint, s.Total)
}

// Status reloads the checkpoint and recounts the input.
func (d *Driver) Status(ctx context.Context) (*Status, error) {
	n, err := d.checkpoint.Load(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "load checkpoint", Err: err}
	}
	total, err := d.source.Count(ctx)
	if err != nil {
		return nil, &ConfigurationError{Err: eris.Wrap(err, "count input")}
	}
	return &Status{Checkpoint: n, Total: total, Complete: n >= total}, nil
}

// Complete reports whether every input record is covered by the checkpoint,
// which is the condition for merging.
func (d *Driver) Complete(ctx context.Context) (bool, error) {
	st, err := d.Status(ctx)
	if err != nil {
		return false, err
	}
	return st.Complete, nil
}

// pacer keeps at least interval between the end of one lookup and the start
// of the next, however long the lookup itself took.
type pacer struct {
	every   rate.Limit
	limiter *rate.Limiter
}

func newPacer(interval time.Duration) *pacer {
	if interval <= 0 {
		return &pacer{every: rate.Inf, limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	every := rate.Every(interval)
	return &pacer{every: every, limiter: rate.NewLimiter(every, 1)}
}

// Wait blocks until the next lookup may start.
func (p *pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

// Done records that a lookup finished at t. The bucket is restarted empty at
// t, so the next token only becomes available a full interval later.
func (p *pacer) Done(t time.Time) {
	if p.every == rate.Inf {
		return
	}
	p.limiter = rate.NewLimiter(p.every, 1)
	p.limiter.AllowN(t, 1)
}

func percent(n, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(n) * 100 / float64(total)
}
