package session

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/store"
)

// Reconciler is the startup sweep for Task rows a crash stranded mid
// prompt-pipeline: the pipeline's first three steps (gate, git snapshot,
// durable user message, which includes inserting the Task row itself as
// "pending") commit before step four ever spawns an executor, so a crash in
// that window leaves a "pending" Task with nothing ever going to run it.
// Mirrors worktree.Manager's stale-"creating" sweep for the same class of
// crash window, one level up the stack.
type Reconciler struct {
	repos      *store.Repositories
	staleAfter time.Duration
	log        *logger.Logger
}

func NewReconciler(repos *store.Repositories, staleAfter time.Duration, log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.Default()
	}
	return &Reconciler{repos: repos, staleAfter: staleAfter, log: log}
}

// Sweep fails every Task stuck "pending" past staleAfter and returns the
// Session each belonged to to "idle" so a fresh prompt isn't blocked by a
// ghost active task.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	stale, err := r.repos.Tasks.ListStalePending(ctx, int(r.staleAfter.Seconds()))
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	var failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, t := range stale {
		t := t
		g.Go(func() error {
			now := time.Now()
			t.Status = store.TaskFailed
			t.FailureReason = "executor-never-started"
			t.CompletedAt = &now
			t.UpdatedAt = now
			if err := r.repos.Tasks.Update(gctx, t); err != nil {
				r.log.WithError(err).Warn("reconcile: failed to fail stale pending task", zap.String("taskId", t.ID))
				return nil
			}
			if sess, serr := r.repos.Sessions.Get(gctx, t.SessionID); serr == nil && sess.Status != store.SessionIdle {
				sess.Status = store.SessionIdle
				sess.UpdatedAt = now
				if uerr := r.repos.Sessions.Update(gctx, sess); uerr != nil {
					r.log.WithError(uerr).Warn("reconcile: failed to reset session to idle", zap.String("sessionId", sess.ID))
				}
			}
			failed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	n := int(failed.Load())
	if n > 0 {
		r.log.Info("reconciled stale pending tasks", zap.Int("count", n))
	}
	return n, nil
}
