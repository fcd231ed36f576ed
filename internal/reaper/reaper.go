// Package reaper runs the reconcile pass on an interval: session records
// whose container is gone get failed, and orphan containers get removed.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/p-arndt/agenthub/internal/session"
)

type Reconciler interface {
	Reconcile(ctx context.Context) (*session.ReconcileResult, error)
}

// Status is the outcome of the most recent pass.
type Status struct {
	LastRun   time.Time `json:"last_run"`
	LastError string    `json:"last_error,omitempty"`
	Failed    int       `json:"failed"`
	Orphans   int       `json:"orphans"`
	Runs      int       `json:"runs"`
}

type Reaper struct {
	reconciler Reconciler
	interval   time.Duration
	logger     *slog.Logger

	mu     sync.Mutex
	status Status
}

func New(rc Reconciler, interval time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		reconciler: rc,
		interval:   interval,
		logger:     logger,
	}
}

// Run reconciles once immediately, then on every tick until ctx ends.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started", "interval", r.interval)

	r.reconcile(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.reconcile(ctx)
		}
	}
}

func (r *Reaper) reconcile(ctx context.Context) {
	res, err := r.reconciler.Reconcile(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.LastRun = time.Now().UTC()
	r.status.Runs++
	r.status.LastError = ""
	if err != nil {
		r.status.LastError = err.Error()
		r.logger.Error("reconcile", "error", err)
	}
	if res == nil {
		return
	}
	r.status.Failed += len(res.Failed)
	r.status.Orphans += len(res.Orphans)
	if len(res.Failed) > 0 || len(res.Orphans) > 0 {
		r.logger.Info("reconcile: repaired state", "failed", len(res.Failed), "orphans", len(res.Orphans))
	}
}

func (r *Reaper) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}
