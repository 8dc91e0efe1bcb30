package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentriapp/camera-control-plane/internal/metrics"
)

type Store interface {
	PruneMetricSamples(ctx context.Context, retention time.Duration) (int, error)
	ReconcileStaleActive(ctx context.Context, cutoff time.Duration) (int, error)
}

type Runner struct {
	store     Store
	retention time.Duration
	cutoff    time.Duration
	log       zerolog.Logger
}

func NewRunner(store Store, retention, cutoff time.Duration, log zerolog.Logger) *Runner {
	return &Runner{store: store, retention: retention, cutoff: cutoff, log: log}
}

func (r *Runner) Start(ctx context.Context) {
	go r.runEvery(ctx, "metric_sample_pruning", 1*time.Minute, func(c context.Context) (int, error) {
		return r.store.PruneMetricSamples(c, r.retention)
	})
	go r.runEvery(ctx, "stale_active_reconciliation", 1*time.Minute, func(c context.Context) (int, error) {
		return r.store.ReconcileStaleActive(c, r.cutoff)
	})
}

func (r *Runner) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) (int, error)) {
	r.runOnce(ctx, name, fn)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, name, fn)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, name string, fn func(context.Context) (int, error)) {
	start := time.Now()
	affected, err := fn(ctx)
	durMs := float64(time.Since(start).Milliseconds())
	labels := map[string]string{
		"job": name,
	}
	if err != nil {
		r.log.Error().Err(err).Str("job", name).Int64("duration_ms", int64(durMs)).Msg("job run failed")
		labels["status"] = "error"
		metrics.Default().IncCounter("sentri_job_runs_total", labels)
		metrics.Default().ObserveHistogram("sentri_job_duration_ms", durMs, map[string]string{"job": name})
		return
	}
	r.log.Info().Str("job", name).Int("affected", affected).Int64("duration_ms", int64(durMs)).Msg("job run complete")
	labels["status"] = "ok"
	metrics.Default().IncCounter("sentri_job_runs_total", labels)
	metrics.Default().ObserveHistogram("sentri_job_duration_ms", durMs, map[string]string{"job": name})
}
