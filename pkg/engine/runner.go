package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloudreaper/cloudreaper/pkg/telemetry"
)

// RunState represents the lifecycle state of an action run.
type RunState string

const (
	// RunStatePending means the execute phase finished and the run is
	// waiting for the provider operation to complete.
	RunStatePending RunState = "pending"
	// RunStateCompleted means the run finished successfully.
	RunStateCompleted RunState = "completed"
	// RunStateFailed means the run finished with a terminal error.
	RunStateFailed RunState = "failed"
	// RunStateTimedOut means the provider operation did not complete
	// within the action's completion timeout.
	RunStateTimedOut RunState = "timed_out"
)

// Run is the persisted record of a single action invocation.
type Run struct {
	ID           string          `json:"id"`
	Action       string          `json:"action"`
	State        RunState        `json:"state"`
	Intermediate json.RawMessage `json:"intermediate,omitempty"`
	Result       *Result         `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at,omitzero"`
	Polls        int             `json:"polls"`
}

// RunStore persists run records between the execute phase and the
// completion polls. The intermediate payload must be stored and
// returned byte for byte.
type RunStore interface {
	SaveRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context) ([]*Run, error)
}

// MemoryRunStore is an in-process RunStore for single-host runs and
// tests.
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewMemoryRunStore creates an empty in-memory run store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]*Run)}
}

// SaveRun stores a copy of the run record.
func (s *MemoryRunStore) SaveRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	cp.Intermediate = append(json.RawMessage(nil), run.Intermediate...)
	s.runs[run.ID] = &cp
	return nil
}

// GetRun returns a copy of the run record with the given id.
func (s *MemoryRunStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, NewOperationError("run not found", nil).WithCode(ErrCodeNotFound).WithResource(id)
	}
	cp := *run
	cp.Intermediate = append(json.RawMessage(nil), run.Intermediate...)
	return &cp, nil
}

// ListRuns returns all stored runs.
func (s *MemoryRunStore) ListRuns(ctx context.Context) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Run, 0, len(s.runs))
	for _, run := range s.runs {
		cp := *run
		out = append(out, &cp)
	}
	return out, nil
}

// Runner drives actions through the two-phase protocol: one execute
// call, then repeated completion polls until the action reports a
// result, a terminal error, or the completion timeout elapses.
type Runner struct {
	store   RunStore
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	// pollInterval overrides the action's MinInterval when set.
	// Used by tests to poll without waiting.
	pollInterval time.Duration
	// timeout overrides the action's CompletionTimeout when set.
	timeout time.Duration
	now     func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithPollInterval overrides the polling interval for all actions.
func WithPollInterval(d time.Duration) RunnerOption {
	return func(r *Runner) { r.pollInterval = d }
}

// WithTimeout overrides the completion timeout for all actions.
func WithTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.timeout = d }
}

// WithClock overrides the runner's time source.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a runner backed by the given store and telemetry.
func NewRunner(store RunStore, logger *telemetry.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:   store,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start performs the execute phase of the action and records the run.
// It returns the run record in pending state, or with a terminal state
// if the execute phase itself failed.
func (r *Runner) Start(ctx context.Context, action Action) (*Run, error) {
	desc := action.Describe()
	run := &Run{
		ID:        uuid.New().String(),
		Action:    desc.Name,
		State:     RunStatePending,
		StartedAt: r.now().UTC(),
	}

	log := r.logger.WithAction(desc.Name).WithRunID(run.ID)
	log.Info("starting action run")
	r.metrics.RecordRunStarted(desc.Name)

	ctx, span := r.tracer.StartExecuteSpan(ctx, desc.Name, run.ID)
	intermediate, err := action.Execute(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		span.End()
		run.State = RunStateFailed
		run.Error = err.Error()
		run.FinishedAt = r.now().UTC()
		r.recordOutcome(desc.Name, run, err)
		if saveErr := r.store.SaveRun(ctx, run); saveErr != nil {
			log.WithError(saveErr).Error("failed to save run record")
		}
		return run, err
	}
	telemetry.RecordSuccess(span)
	span.End()

	run.Intermediate = intermediate
	if err := r.store.SaveRun(ctx, run); err != nil {
		log.WithError(err).Error("failed to save run record")
		return run, err
	}
	log.Debug("execute phase complete, run pending")
	return run, nil
}

// Poll performs one completion check for a pending run. It returns the
// updated run record. A nil result with a nil error from the action
// leaves the run pending.
func (r *Runner) Poll(ctx context.Context, action Action, runID string) (*Run, error) {
	desc := action.Describe()
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.State != RunStatePending {
		return run, nil
	}

	log := r.logger.WithAction(desc.Name).WithRunID(run.ID)
	r.metrics.RecordPoll(desc.Name)
	run.Polls++

	deadline := desc.CompletionTimeout
	if r.timeout > 0 {
		deadline = r.timeout
	}
	if deadline > 0 && r.now().UTC().Sub(run.StartedAt) > deadline {
		timeoutErr := NewTimeoutError("provider operation did not complete within " + deadline.String())
		run.State = RunStateTimedOut
		run.Error = timeoutErr.Error()
		run.FinishedAt = r.now().UTC()
		r.recordOutcome(desc.Name, run, timeoutErr)
		if saveErr := r.store.SaveRun(ctx, run); saveErr != nil {
			log.WithError(saveErr).Error("failed to save run record")
		}
		log.Warn("run timed out waiting for completion")
		return run, timeoutErr
	}

	ctx, span := r.tracer.StartPollSpan(ctx, desc.Name, run.ID)
	result, err := action.IsCompleted(ctx, run.Intermediate)
	switch {
	case err != nil:
		telemetry.RecordError(span, err)
		span.End()
		run.State = RunStateFailed
		run.Error = err.Error()
		run.FinishedAt = r.now().UTC()
		r.recordOutcome(desc.Name, run, err)
		if saveErr := r.store.SaveRun(ctx, run); saveErr != nil {
			log.WithError(saveErr).Error("failed to save run record")
		}
		return run, err
	case result != nil:
		telemetry.RecordSuccess(span)
		span.End()
		run.State = RunStateCompleted
		run.Result = result
		run.FinishedAt = r.now().UTC()
		r.recordOutcome(desc.Name, run, nil)
		if saveErr := r.store.SaveRun(ctx, run); saveErr != nil {
			log.WithError(saveErr).Error("failed to save run record")
		}
		log.Info("run completed")
		return run, nil
	default:
		telemetry.RecordSuccess(span)
		span.End()
		if saveErr := r.store.SaveRun(ctx, run); saveErr != nil {
			log.WithError(saveErr).Error("failed to save run record")
		}
		log.Debug("run still pending")
		return run, nil
	}
}

// Wait drives a pending run to a terminal state, sleeping between
// polls. It respects ctx cancellation.
func (r *Runner) Wait(ctx context.Context, action Action, runID string) (*Run, error) {
	desc := action.Describe()
	interval := desc.MinInterval
	if r.pollInterval > 0 {
		interval = r.pollInterval
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}

	for {
		run, err := r.Poll(ctx, action, runID)
		if err != nil {
			return run, err
		}
		if run.State != RunStatePending {
			return run, nil
		}

		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (r *Runner) recordOutcome(action string, run *Run, err error) {
	outcome := "success"
	switch run.State {
	case RunStateFailed:
		outcome = "failure"
	case RunStateTimedOut:
		outcome = "timeout"
	}
	duration := run.FinishedAt.Sub(run.StartedAt)
	r.metrics.RecordRunCompleted(action, outcome, duration)
	if err != nil {
		var actionErr *ActionError
		if errors.As(err, &actionErr) {
			r.metrics.RecordError(string(actionErr.Class))
		} else {
			r.metrics.RecordError("unknown")
		}
	}
}
