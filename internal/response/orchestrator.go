package response

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MLidstrom/Castellan-sub009/internal/config"
	"github.com/MLidstrom/Castellan-sub009/internal/core"
)

// Statistics is a snapshot of orchestrator counters.
type Statistics struct {
	Suggested  int64
	Executed   int64
	Failed     int64
	RolledBack int64
	Expired    int64
}

// Orchestrator drives response actions through
// Pending -> Executed | Failed | Expired and Executed -> RolledBack.
// Transitions for one action are serialized by a per-action lock; the
// persisted record is authoritative.
type Orchestrator struct {
	store    ActionStore
	registry *Registry
	cfg      config.ResponseConfig
	logger   *log.Logger
	now      func() time.Time

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	suggested  int64
	executed   int64
	failed     int64
	rolledBack int64
	expired    int64
}

func NewOrchestrator(actionStore ActionStore, registry *Registry, cfg config.ResponseConfig) *Orchestrator {
	return &Orchestrator{
		store:    actionStore,
		registry: registry,
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[Response] ", log.LstdFlags),
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
}

// SetClock overrides the orchestrator's clock. Test hook.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// Suggest validates and records a pending action without executing it.
func (o *Orchestrator) Suggest(ctx context.Context, conversationID, suggestingMessageID, actionType string, data map[string]interface{}) (*core.ActionExecution, error) {
	handler, err := o.registry.Get(actionType)
	if err != nil {
		return nil, err
	}
	if err := handler.Validate(data); err != nil {
		return nil, err
	}

	if quota := o.cfg.MaxPendingActionsPerConversation; quota != nil {
		pending, err := o.store.CountPending(ctx, conversationID)
		if err != nil {
			return nil, fmt.Errorf("check pending quota: %w", err)
		}
		if pending >= *quota {
			return nil, fmt.Errorf("%w: conversation %s has %d pending actions",
				ErrQuotaExceeded, conversationID, pending)
		}
	}

	now := o.now()
	action := &core.ActionExecution{
		ID:                  uuid.NewString(),
		ConversationID:      conversationID,
		SuggestingMessageID: suggestingMessageID,
		Type:                actionType,
		ActionData:          data,
		Status:              core.ActionPending,
		SuggestedAt:         now,
		ExecutionLog: []core.ActionLogEntry{
			{Time: now, Stage: "suggest", Message: fmt.Sprintf("suggested %s", actionType)},
		},
	}

	if err := o.store.Save(ctx, action); err != nil {
		return nil, fmt.Errorf("save suggested action: %w", err)
	}

	atomic.AddInt64(&o.suggested, 1)
	o.logger.Printf("Suggested action %s (%s) for conversation %s", action.ID, actionType, conversationID)
	return action, nil
}

// Execute runs a pending action. A pending action past its expiration is
// marked Expired instead of running.
func (o *Orchestrator) Execute(ctx context.Context, actionID, executedBy string) (*core.ActionExecution, error) {
	unlock := o.lockAction(actionID)
	defer unlock()

	action, err := o.store.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if action.Status != core.ActionPending {
		return nil, fmt.Errorf("%w: action %s is %s", ErrNotPending, actionID, action.Status)
	}

	now := o.now()
	if o.cfg.AutoExpire && now.Sub(action.SuggestedAt) > time.Duration(o.cfg.PendingExpiration) {
		o.markExpired(ctx, action, now)
		return nil, fmt.Errorf("%w: action %s", ErrExpired, actionID)
	}

	handler, err := o.registry.Get(action.Type)
	if err != nil {
		return nil, err
	}

	before, err := handler.CaptureBeforeState(ctx, action.ActionData)
	if err != nil {
		o.markFailed(ctx, action, now, fmt.Sprintf("capture before-state: %v", err))
		return nil, fmt.Errorf("capture before-state: %w", err)
	}
	action.BeforeState = before

	after, err := handler.Execute(ctx, action.ActionData)
	if err != nil {
		o.markFailed(ctx, action, o.now(), fmt.Sprintf("execute: %v", err))
		return nil, fmt.Errorf("execute %s: %w", action.Type, err)
	}

	executedAt := o.now()
	action.Status = core.ActionExecuted
	action.ExecutedAt = &executedAt
	action.ExecutedBy = executedBy
	action.AfterState = after
	action.ExecutionLog = append(action.ExecutionLog, core.ActionLogEntry{
		Time: executedAt, Stage: "execute", Message: fmt.Sprintf("executed by %s", executedBy),
	})

	if err := o.store.Save(ctx, action); err != nil {
		return nil, fmt.Errorf("save executed action: %w", err)
	}

	atomic.AddInt64(&o.executed, 1)
	o.logger.Printf("Executed action %s (%s)", action.ID, action.Type)
	return action, nil
}

// Rollback reverses an executed action inside its undo window.
func (o *Orchestrator) Rollback(ctx context.Context, actionID, rolledBackBy, reason string) (*core.ActionExecution, error) {
	unlock := o.lockAction(actionID)
	defer unlock()

	action, err := o.store.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if action.Status != core.ActionExecuted {
		return nil, fmt.Errorf("%w: action %s is %s", ErrNotExecuted, actionID, action.Status)
	}

	now := o.now()
	window := o.UndoWindow(action.Type)
	if action.ExecutedAt == nil || now.Sub(*action.ExecutedAt) > window {
		return nil, fmt.Errorf("%w: action %s, window %s", ErrOutsideUndoWindow, actionID, window)
	}

	handler, err := o.registry.Get(action.Type)
	if err != nil {
		return nil, err
	}
	if err := handler.Rollback(ctx, action.ActionData, action.BeforeState); err != nil {
		action.ExecutionLog = append(action.ExecutionLog, core.ActionLogEntry{
			Time: now, Stage: "rollback", Message: fmt.Sprintf("rollback failed: %v", err),
		})
		if saveErr := o.store.Save(ctx, action); saveErr != nil {
			o.logger.Printf("Failed to record rollback failure for %s: %v", action.ID, saveErr)
		}
		return nil, fmt.Errorf("rollback %s: %w", action.Type, err)
	}

	rolledBackAt := o.now()
	action.Status = core.ActionRolledBack
	action.RolledBackAt = &rolledBackAt
	action.RolledBackBy = rolledBackBy
	action.RollbackReason = reason
	action.ExecutionLog = append(action.ExecutionLog, core.ActionLogEntry{
		Time: rolledBackAt, Stage: "rollback", Message: fmt.Sprintf("rolled back by %s: %s", rolledBackBy, reason),
	})

	if err := o.store.Save(ctx, action); err != nil {
		return nil, fmt.Errorf("save rolled back action: %w", err)
	}

	atomic.AddInt64(&o.rolledBack, 1)
	o.logger.Printf("Rolled back action %s (%s): %s", action.ID, action.Type, reason)
	return action, nil
}

// CanRollback reports whether the action is currently reversible and, if
// not, why.
func (o *Orchestrator) CanRollback(ctx context.Context, actionID string) (bool, string, error) {
	action, err := o.store.Get(ctx, actionID)
	if err != nil {
		return false, "", err
	}
	if action.Status != core.ActionExecuted {
		return false, fmt.Sprintf("action is %s", action.Status), nil
	}
	window := o.UndoWindow(action.Type)
	if action.ExecutedAt == nil || o.now().Sub(*action.ExecutedAt) > window {
		return false, fmt.Sprintf("undo window of %s has closed", window), nil
	}
	return true, "", nil
}

// GetPending returns a conversation's pending actions, oldest first.
func (o *Orchestrator) GetPending(ctx context.Context, conversationID string) ([]*core.ActionExecution, error) {
	pending, err := o.store.ListByStatus(ctx, core.ActionPending)
	if err != nil {
		return nil, err
	}
	var out []*core.ActionExecution
	for _, a := range pending {
		if a.ConversationID == conversationID {
			out = append(out, a)
		}
	}
	return out, nil
}

// GetHistory returns a conversation's actions, newest first.
func (o *Orchestrator) GetHistory(ctx context.Context, conversationID string, limit int) ([]*core.ActionExecution, error) {
	return o.store.ListByConversation(ctx, conversationID, limit)
}

// ExpirePending sweeps pending actions past the expiration and marks them
// Expired. Returns the number expired.
func (o *Orchestrator) ExpirePending(ctx context.Context) (int, error) {
	if !o.cfg.AutoExpire {
		return 0, nil
	}

	pending, err := o.store.ListByStatus(ctx, core.ActionPending)
	if err != nil {
		return 0, fmt.Errorf("list pending actions: %w", err)
	}

	now := o.now()
	n := 0
	for _, action := range pending {
		if now.Sub(action.SuggestedAt) <= time.Duration(o.cfg.PendingExpiration) {
			continue
		}
		unlock := o.lockAction(action.ID)
		current, err := o.store.Get(ctx, action.ID)
		if err == nil && current.Status == core.ActionPending {
			o.markExpired(ctx, current, now)
			n++
		}
		unlock()
	}
	return n, nil
}

// UndoWindow returns the undo window for an action type.
func (o *Orchestrator) UndoWindow(actionType string) time.Duration {
	if w, ok := o.cfg.UndoWindows[actionType]; ok && w > 0 {
		return time.Duration(w)
	}
	return time.Duration(o.cfg.DefaultUndoWindow)
}

// GetStatistics returns a snapshot of the lifecycle counters.
func (o *Orchestrator) GetStatistics() Statistics {
	return Statistics{
		Suggested:  atomic.LoadInt64(&o.suggested),
		Executed:   atomic.LoadInt64(&o.executed),
		Failed:     atomic.LoadInt64(&o.failed),
		RolledBack: atomic.LoadInt64(&o.rolledBack),
		Expired:    atomic.LoadInt64(&o.expired),
	}
}

func (o *Orchestrator) markFailed(ctx context.Context, action *core.ActionExecution, at time.Time, msg string) {
	action.Status = core.ActionFailed
	action.ExecutionLog = append(action.ExecutionLog, core.ActionLogEntry{Time: at, Stage: "execute", Message: msg})
	if err := o.store.Save(ctx, action); err != nil {
		o.logger.Printf("Failed to record failure for %s: %v", action.ID, err)
	}
	atomic.AddInt64(&o.failed, 1)
}

func (o *Orchestrator) markExpired(ctx context.Context, action *core.ActionExecution, at time.Time) {
	action.Status = core.ActionExpired
	action.ExecutionLog = append(action.ExecutionLog, core.ActionLogEntry{
		Time: at, Stage: "expire", Message: "pending expiration elapsed",
	})
	if err := o.store.Save(ctx, action); err != nil {
		o.logger.Printf("Failed to record expiry for %s: %v", action.ID, err)
	}
	atomic.AddInt64(&o.expired, 1)
}

// lockAction serializes lifecycle transitions for one action id.
func (o *Orchestrator) lockAction(id string) func() {
	o.lockMu.Lock()
	mu, ok := o.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		o.locks[id] = mu
	}
	o.lockMu.Unlock()

	mu.Lock()
	return mu.Unlock
}
