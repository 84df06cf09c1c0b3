package session

import (
	"context"
	"sync"

	"github.com/agor-dev/agor/internal/common/apperror"
	"github.com/agor-dev/agor/internal/tool"
)

// pendingPermission is one Task's outstanding permission request, awaiting
// a decision delivered from an entirely different HTTP request (the decision
// endpoint a human or an automation hits).
type pendingPermission struct {
	decisionCh chan tool.PermissionDecision
}

// PermissionBroker is the blocking rendezvous point between the executor's
// HTTP permission-request round trip (which must not return until a human
// decides) and the daemon's decision endpoint. It is intentionally dumb —
// persistence, session/task status transitions, and scope handling live on
// Engine, which is the only caller.
type PermissionBroker struct {
	mu      sync.Mutex
	pending map[string]*pendingPermission
}

func NewPermissionBroker() *PermissionBroker {
	return &PermissionBroker{pending: make(map[string]*pendingPermission)}
}

// Await blocks until Decide(taskID, ...) is called or ctx is cancelled.
func (b *PermissionBroker) Await(ctx context.Context, taskID string) (tool.PermissionDecision, error) {
	p := &pendingPermission{decisionCh: make(chan tool.PermissionDecision, 1)}
	b.mu.Lock()
	b.pending[taskID] = p
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, taskID)
		b.mu.Unlock()
	}()

	select {
	case decision := <-p.decisionCh:
		return decision, nil
	case <-ctx.Done():
		return tool.PermissionDecision{Allow: false}, ctx.Err()
	}
}

// Decide delivers a decision to the task's pending Await call, if any.
func (b *PermissionBroker) Decide(taskID string, decision tool.PermissionDecision) error {
	b.mu.Lock()
	p, ok := b.pending[taskID]
	b.mu.Unlock()
	if !ok {
		return apperror.New(apperror.NotFound, "no pending permission request for task")
	}
	select {
	case p.decisionCh <- decision:
		return nil
	default:
		return apperror.New(apperror.Conflict, "permission decision already delivered")
	}
}
