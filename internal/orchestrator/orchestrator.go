// Package orchestrator is the façade over the engine: it accepts tasks,
// drives assignment and execution through the circuit breaker, runs
// consensus validation where requested, and delivers exactly one terminal
// result per task.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/agent"
	"github.com/nidhogg/overseer/internal/audit"
	"github.com/nidhogg/overseer/internal/breaker"
	"github.com/nidhogg/overseer/internal/bus"
	"github.com/nidhogg/overseer/internal/consensus"
	"github.com/nidhogg/overseer/internal/registry"
	"github.com/nidhogg/overseer/internal/scheduler"
	"github.com/nidhogg/overseer/internal/task"
)

// Config tunes the orchestrator loops.
type Config struct {
	// DefaultDeadline applies to tasks submitted without one.
	DefaultDeadline time.Duration
	// Retention keeps terminal tasks queryable before purging; their
	// outcome stays in the audit store.
	Retention time.Duration
	// JanitorInterval is the period of deadline and retention sweeps.
	JanitorInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultDeadline <= 0 {
		c.DefaultDeadline = time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 10 * time.Minute
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = 200 * time.Millisecond
	}
	return c
}

// TaskSpec is an externally submitted work item.
type TaskSpec struct {
	Type      string        `json:"type"`
	Priority  task.Priority `json:"priority"`
	Payload   string        `json:"payload"`
	Consensus bool          `json:"consensus"`
	// Deadline is relative to submission; zero uses the default.
	Deadline time.Duration `json:"deadline"`
}

// Orchestrator composes the scheduler, registry, breaker and consensus
// validator behind a single surface.
type Orchestrator struct {
	cfg       Config
	store     *task.Store
	sched     *scheduler.Scheduler
	reg       *registry.Registry
	brk       *breaker.Breaker
	exec      *breaker.Executor
	validator *consensus.Validator
	publisher bus.Publisher
	trail     audit.Store
	logger    *zap.Logger

	mu      sync.Mutex
	handles map[string]*task.Handle
	cancels map[string]context.CancelFunc

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires the engine together. publisher and trail may be nil.
func New(
	cfg Config,
	sched *scheduler.Scheduler,
	reg *registry.Registry,
	brk *breaker.Breaker,
	exec *breaker.Executor,
	validator *consensus.Validator,
	publisher bus.Publisher,
	trail audit.Store,
	logger *zap.Logger,
) *Orchestrator {
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		store:     task.NewStore(),
		sched:     sched,
		reg:       reg,
		brk:       brk,
		exec:      exec,
		validator: validator,
		publisher: publisher,
		trail:     trail,
		logger:    logger,
		handles:   make(map[string]*task.Handle),
		cancels:   make(map[string]context.CancelFunc),
		baseCtx:   baseCtx,
		cancel:    cancel,
	}
}

// Start launches the dispatch, janitor and health loops.
func (o *Orchestrator) Start() {
	o.wg.Add(3)
	go func() {
		defer o.wg.Done()
		o.dispatchLoop()
	}()
	go func() {
		defer o.wg.Done()
		o.janitorLoop()
	}()
	go func() {
		defer o.wg.Done()
		o.reg.RunHealthLoop(o.baseCtx)
	}()
}

// Close stops the loops and waits for in-flight executions to finish.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// SubmitTask queues a task and returns its handle immediately.
// Completion is observed through the handle or TaskStatus.
func (o *Orchestrator) SubmitTask(spec TaskSpec) (*task.Handle, error) {
	if spec.Type == "" {
		return nil, errors.New("task type required")
	}
	deadline := spec.Deadline
	if deadline <= 0 {
		deadline = o.cfg.DefaultDeadline
	}

	t := &task.Task{
		ID:        uuid.New().String(),
		Type:      spec.Type,
		Priority:  spec.Priority,
		Payload:   spec.Payload,
		Consensus: spec.Consensus,
		Status:    task.StatusPending,
		Deadline:  time.Now().Add(deadline),
	}

	h := task.NewHandle(t.ID)
	o.mu.Lock()
	o.handles[t.ID] = h
	o.mu.Unlock()

	o.store.Create(t)
	if err := o.sched.Enqueue(t); err != nil {
		o.mu.Lock()
		delete(o.handles, t.ID)
		o.mu.Unlock()
		return nil, err
	}

	o.logger.Info("task submitted",
		zap.String("task", t.ID),
		zap.String("type", t.Type),
		zap.String("priority", t.Priority.String()),
		zap.Bool("consensus", t.Consensus))
	o.emit(bus.EventTaskSubmitted, bus.SeverityInfo, "", t.ID, "")
	return h, nil
}

// CancelTask cancels a task: pending tasks are dequeued, executing tasks
// get a best-effort cancel signal and their late results are discarded.
func (o *Orchestrator) CancelTask(id string) error {
	if o.sched.Remove(id) {
		o.failTask(id, task.StatusPending, task.ErrCancelled)
		return nil
	}

	o.mu.Lock()
	cancel, running := o.cancels[id]
	o.mu.Unlock()
	if running {
		cancel()
		return nil
	}

	t, err := o.store.Get(id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return fmt.Errorf("cancel %s: already %s", id, t.Status)
	}
	if t.Status == task.StatusPending {
		// Transiently out of the queue between dequeue and requeue; the
		// dispatcher drops it once the store shows a terminal state.
		o.failTask(id, task.StatusPending, task.ErrCancelled)
		return nil
	}
	return fmt.Errorf("cancel %s: not cancellable in state %s", id, t.Status)
}

// TaskStatus returns a copy of the task's current state.
func (o *Orchestrator) TaskStatus(id string) (*task.Task, error) {
	return o.store.Get(id)
}

// AgentStatus is one agent's entry in the system status.
type AgentStatus struct {
	*agent.Descriptor
	Inflight int           `json:"inflight"`
	Circuit  breaker.State `json:"circuit"`
}

// SystemStatus is the aggregate view exposed by the façade.
type SystemStatus struct {
	Agents            []AgentStatus       `json:"agents"`
	QueueDepth        int                 `json:"queue_depth"`
	TasksByStatus     map[task.Status]int `json:"tasks_by_status"`
	ConsensusInflight int                 `json:"consensus_inflight"`
}

// GetSystemStatus reports agents, queue depth and health in one snapshot.
func (o *Orchestrator) GetSystemStatus() *SystemStatus {
	descs := o.reg.List()
	agents := make([]AgentStatus, 0, len(descs))
	for _, d := range descs {
		agents = append(agents, AgentStatus{
			Descriptor: d,
			Inflight:   o.reg.Inflight(d.ID),
			Circuit:    o.brk.State(d.ID),
		})
	}

	byStatus := make(map[task.Status]int)
	for _, t := range o.store.List("") {
		byStatus[t.Status]++
	}

	return &SystemStatus{
		Agents:            agents,
		QueueDepth:        o.sched.Depth(),
		TasksByStatus:     byStatus,
		ConsensusInflight: len(o.validator.Inflight()),
	}
}

// RegisterAgent adds and starts an agent.
func (o *Orchestrator) RegisterAgent(ctx context.Context, desc *agent.Descriptor, inv agent.Invoker) error {
	if err := o.reg.Register(desc, inv); err != nil {
		return err
	}
	return o.reg.Start(ctx, desc.ID)
}

// DeregisterAgent drains and removes an agent, dropping its breaker state
// so a future agent reusing the id starts clean.
func (o *Orchestrator) DeregisterAgent(ctx context.Context, id string) error {
	if err := o.reg.Deregister(ctx, id); err != nil {
		return err
	}
	o.brk.Forget(id)
	return nil
}

// ScalePool adjusts the number of agents of a type within configured bounds.
func (o *Orchestrator) ScalePool(ctx context.Context, agentType string, target int, factory registry.Factory) error {
	return o.reg.ScalePool(ctx, agentType, target, factory)
}

// dispatchLoop assigns queued tasks whenever work or capacity appears.
func (o *Orchestrator) dispatchLoop() {
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-o.baseCtx.Done():
			return
		case <-o.sched.Ready():
		case <-o.reg.Released():
		case <-tick.C:
		}
		o.drainQueue()
	}
}

// drainQueue walks the queue once, dispatching what it can. Tasks with no
// available agent keep their position and wait for capacity.
func (o *Orchestrator) drainQueue() {
	n := o.sched.Depth()
	var blocked []*scheduler.Queued
	for i := 0; i < n; i++ {
		qd := o.sched.Dequeue()
		if qd == nil {
			break
		}
		if !o.tryDispatch(qd.Task) {
			blocked = append(blocked, qd)
		}
	}
	for _, qd := range blocked {
		o.sched.Requeue(qd)
	}
}

// tryDispatch assigns and launches one task. Returns false when the task
// must stay queued.
func (o *Orchestrator) tryDispatch(t *task.Task) bool {
	if time.Now().After(t.Deadline) {
		o.failTask(t.ID, task.StatusPending, task.ErrDeadlineExceeded)
		return true
	}

	var assigned []string
	if t.Consensus {
		// Round agent sets are acquired by the validator, but a round
		// needs a full set of N eligible agents. With fewer, the task
		// waits in the queue for capacity rather than failing selection.
		if len(o.reg.Eligible(agent.Capability(t.Type))) < o.validator.Agents() {
			return false
		}
	} else {
		ids, err := o.acquireAgents(agent.Capability(t.Type), 1, nil)
		if err != nil {
			return false
		}
		assigned = ids
	}

	// The cancel func must be visible before the task shows as assigned,
	// or a concurrent CancelTask could observe an uncancellable state.
	taskCtx, cancel := context.WithDeadline(o.baseCtx, t.Deadline)
	o.mu.Lock()
	o.cancels[t.ID] = cancel
	o.mu.Unlock()

	if err := o.store.Update(t.ID, func(tk *task.Task) error {
		tk.Status = task.StatusAssigned
		tk.AgentIDs = assigned
		return nil
	}); err != nil {
		// Task already finalized (cancelled between dequeue and here).
		o.mu.Lock()
		delete(o.cancels, t.ID)
		o.mu.Unlock()
		cancel()
		for _, id := range assigned {
			o.reg.Release(id)
		}
		o.logger.Debug("dropping dispatch of finalized task",
			zap.String("task", t.ID),
			zap.Error(err))
		return true
	}

	o.emit(bus.EventTaskAssigned, bus.SeverityInfo, "", t.ID, "")
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(taskCtx, t, assigned)
	}()
	return true
}

// acquireAgents selects n agents and reserves an execution slot on each.
func (o *Orchestrator) acquireAgents(cap agent.Capability, n int, exclude map[string]bool) ([]string, error) {
	ids, err := o.sched.Select(cap, n, exclude)
	if err != nil {
		return nil, err
	}
	acquired := make([]string, 0, n)
	for _, id := range ids {
		if err := o.reg.Acquire(id); err != nil {
			for _, a := range acquired {
				o.reg.Release(a)
			}
			return nil, err
		}
		acquired = append(acquired, id)
	}
	return acquired, nil
}

// invoke runs one breaker-wrapped call against an agent, releasing its
// slot when done.
func (o *Orchestrator) invoke(ctx context.Context, t *task.Task, agentID string) (*task.Response, error) {
	defer o.reg.Release(agentID)
	inv, err := o.reg.Invoker(agentID)
	if err != nil {
		return nil, err
	}
	req := &task.Request{TaskID: t.ID, Type: t.Type, Payload: t.Payload}
	return o.exec.Do(ctx, agentID, func(callCtx context.Context) (*task.Response, error) {
		return inv.Execute(callCtx, req)
	})
}

// execute drives an assigned task to its terminal state.
func (o *Orchestrator) execute(ctx context.Context, t *task.Task, assigned []string) {
	start := time.Now()
	_ = o.store.Update(t.ID, func(tk *task.Task) error {
		tk.Status = task.StatusExecuting
		return nil
	})

	var output string
	var agents []string
	var err error

	if t.Consensus {
		_ = o.store.Update(t.ID, func(tk *task.Task) error {
			tk.Status = task.StatusAwaitingConsensus
			return nil
		})

		sel := func(n int, exclude map[string]bool) ([]string, error) {
			ids, selErr := o.acquireAgents(agent.Capability(t.Type), n, exclude)
			if selErr != nil {
				return nil, selErr
			}
			_ = o.store.Update(t.ID, func(tk *task.Task) error {
				tk.AgentIDs = ids
				tk.Retries++
				return nil
			})
			return ids, nil
		}
		exec := func(roundCtx context.Context, agentID string) (*task.Response, error) {
			return o.invoke(roundCtx, t, agentID)
		}

		var outcome *consensus.Outcome
		outcome, err = o.validator.Run(ctx, t, sel, exec)
		if err == nil {
			output = outcome.Value
			agents = outcome.AgentIDs
		}
	} else {
		agents = assigned
		var resp *task.Response
		resp, err = o.invoke(ctx, t, assigned[0])
		if err == nil {
			output = resp.Output
		}
	}

	o.finalize(t, output, agents, err, time.Since(start))
}

// finalize records the terminal state, persists the audit record and
// resolves the handle exactly once. Late results after cancellation are
// discarded here.
func (o *Orchestrator) finalize(t *task.Task, output string, agents []string, execErr error, elapsed time.Duration) {
	o.mu.Lock()
	if cancel, ok := o.cancels[t.ID]; ok {
		delete(o.cancels, t.ID)
		defer cancel()
	}
	h := o.handles[t.ID]
	delete(o.handles, t.ID)
	o.mu.Unlock()

	if h == nil {
		o.logger.Debug("discarding late result", zap.String("task", t.ID))
		return
	}

	status := task.StatusCompleted
	reason := ""
	if execErr != nil {
		status = task.StatusFailed
		reason = failureReason(execErr)
	}

	updateErr := o.store.Update(t.ID, func(tk *task.Task) error {
		tk.Status = status
		tk.FailReason = reason
		if agents != nil {
			tk.AgentIDs = agents
		}
		tk.Result = &task.Result{
			TaskID:      t.ID,
			Status:      status,
			Output:      output,
			Error:       reason,
			AgentIDs:    agents,
			Duration:    elapsed,
			CompletedAt: time.Now(),
		}
		return nil
	})
	if updateErr != nil {
		o.logger.Warn("could not record terminal state",
			zap.String("task", t.ID),
			zap.Error(updateErr))
	}

	result := &task.Result{
		TaskID:      t.ID,
		Status:      status,
		Output:      output,
		Error:       reason,
		AgentIDs:    agents,
		Duration:    elapsed,
		CompletedAt: time.Now(),
	}
	o.persist(t, result)

	if status == task.StatusCompleted {
		o.logger.Info("task completed",
			zap.String("task", t.ID),
			zap.Duration("elapsed", elapsed))
		o.emit(bus.EventTaskCompleted, bus.SeverityInfo, "", t.ID, "")
	} else {
		o.logger.Warn("task failed",
			zap.String("task", t.ID),
			zap.String("reason", reason))
		o.emit(bus.EventTaskFailed, bus.SeverityWarning, "", t.ID, reason)
		if t.Priority == task.PriorityCritical {
			o.emit(bus.EventTaskEscalated, bus.SeverityCritical, "", t.ID,
				fmt.Sprintf("critical task failed: %s", reason))
		}
	}

	h.Resolve(result)
}

// failTask finalizes a task that never reached execution (deadline expiry
// in queue, cancellation before assignment).
func (o *Orchestrator) failTask(id string, from task.Status, cause error) {
	o.mu.Lock()
	h := o.handles[id]
	delete(o.handles, id)
	o.mu.Unlock()
	if h == nil {
		return
	}

	reason := cause.Error()
	_ = o.store.Update(id, func(tk *task.Task) error {
		tk.Status = task.StatusFailed
		tk.FailReason = reason
		return nil
	})

	result := &task.Result{
		TaskID:      id,
		Status:      task.StatusFailed,
		Error:       reason,
		CompletedAt: time.Now(),
	}
	t, err := o.store.Get(id)
	if err == nil {
		o.persist(t, result)
		if t.Priority == task.PriorityCritical {
			o.emit(bus.EventTaskEscalated, bus.SeverityCritical, "", id,
				fmt.Sprintf("critical task failed: %s", reason))
		}
	}

	o.logger.Warn("task failed before execution",
		zap.String("task", id),
		zap.String("reason", reason),
		zap.String("from", string(from)))
	o.emit(bus.EventTaskFailed, bus.SeverityWarning, "", id, reason)
	h.Resolve(result)
}

// janitorLoop expires overdue queued tasks and purges old terminal tasks.
func (o *Orchestrator) janitorLoop() {
	ticker := time.NewTicker(o.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.baseCtx.Done():
			return
		case <-ticker.C:
			for _, t := range o.sched.ExpireOverdue(time.Now()) {
				o.failTask(t.ID, task.StatusPending, task.ErrDeadlineExceeded)
			}
			if purged := o.store.Purge(o.cfg.Retention); len(purged) > 0 {
				o.logger.Debug("purged terminal tasks", zap.Int("count", len(purged)))
			}
		}
	}
}

func (o *Orchestrator) persist(t *task.Task, r *task.Result) {
	if o.trail == nil {
		return
	}
	rec := &audit.Record{
		TaskID:      r.TaskID,
		Type:        t.Type,
		Status:      string(r.Status),
		Output:      r.Output,
		Error:       r.Error,
		AgentIDs:    r.AgentIDs,
		Duration:    r.Duration,
		CompletedAt: r.CompletedAt,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.trail.Put(ctx, rec); err != nil {
		o.logger.Warn("audit write failed",
			zap.String("task", r.TaskID),
			zap.Error(err))
	}
}

func (o *Orchestrator) emit(eventType string, sev bus.Severity, agentID, taskID, msg string) {
	if o.publisher == nil {
		return
	}
	_ = o.publisher.Publish(context.Background(), &bus.Event{
		Type:     eventType,
		Severity: sev,
		AgentID:  agentID,
		TaskID:   taskID,
		Message:  msg,
	})
}

// failureReason maps engine errors to stable, reportable reasons.
func failureReason(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return task.ErrCancelled.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return task.ErrDeadlineExceeded.Error()
	default:
		return err.Error()
	}
}
