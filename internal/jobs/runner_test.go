package jobs

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentriapp/camera-control-plane/internal/metrics"
)

type stubStore struct {
	pruneCalls int32
	staleCalls int32
	pruneErr   error
}

func (s *stubStore) PruneMetricSamples(_ context.Context, retention time.Duration) (int, error) {
	atomic.AddInt32(&s.pruneCalls, 1)
	if s.pruneErr != nil {
		return 0, s.pruneErr
	}
	return 5, nil
}

func (s *stubStore) ReconcileStaleActive(_ context.Context, cutoff time.Duration) (int, error) {
	atomic.AddInt32(&s.staleCalls, 1)
	return 1, nil
}

func TestStartRunsEachJobImmediately(t *testing.T) {
	st := &stubStore{}
	r := NewRunner(st, 6*time.Hour, 5*time.Minute, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&st.pruneCalls) >= 1 && atomic.LoadInt32(&st.staleCalls) >= 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("jobs never ran: prune=%d stale=%d", st.pruneCalls, st.staleCalls)
}

func TestRunOnceRecordsOutcomeMetrics(t *testing.T) {
	metrics.ResetDefaultForTest()
	st := &stubStore{pruneErr: errors.New("db unavailable")}
	r := NewRunner(st, 6*time.Hour, 5*time.Minute, zerolog.Nop())

	r.runOnce(context.Background(), "metric_sample_pruning", func(c context.Context) (int, error) {
		return st.PruneMetricSamples(c, r.retention)
	})
	r.runOnce(context.Background(), "stale_active_reconciliation", func(c context.Context) (int, error) {
		return st.ReconcileStaleActive(c, r.cutoff)
	})

	out := metrics.Default().Render()
	if !strings.Contains(out, `sentri_job_runs_total{job="metric_sample_pruning",status="error"} 1`) {
		t.Fatalf("missing error counter: %s", out)
	}
	if !strings.Contains(out, `sentri_job_runs_total{job="stale_active_reconciliation",status="ok"} 1`) {
		t.Fatalf("missing ok counter: %s", out)
	}
}
