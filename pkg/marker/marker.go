// Package marker implements the tag-based idempotency claim that keeps
// concurrently scheduled runs from issuing duplicate mutating calls
// against the same resource.
//
// The claim is a non-transactional read-modify-write on a provider
// tag. Two observers can both read "absent" and both claim; that race
// is accepted as rare and bounded rather than eliminated, since
// provider tag APIs offer no compare-and-set.
package marker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudreaper/cloudreaper/pkg/engine"
	"github.com/cloudreaper/cloudreaper/pkg/telemetry"
)

// TagPrefix prefixes the marker tag key. The deployment name is
// appended so independent deployments never contend on markers.
const TagPrefix = "cloudreaper:claim"

// TagName returns the per-deployment marker tag key.
func TagName(deployment string) string {
	return fmt.Sprintf("%s:%s", TagPrefix, deployment)
}

// Marker is the JSON value stored in the marker tag.
type Marker struct {
	Task      string    `json:"task"`
	TaskID    string    `json:"task-id"`
	Stack     string    `json:"stack"`
	WrittenAt time.Time `json:"datetime"`
}

// ClaimOutcome is the result of a claim attempt.
type ClaimOutcome string

const (
	// Claimed means no marker was present and a fresh one was written.
	Claimed ClaimOutcome = "claimed"

	// AlreadyInFlight means a fresh marker from another run is present.
	// The caller skips the resource; this is not an error.
	AlreadyInFlight ClaimOutcome = "already_in_flight"

	// Resumed means a stale marker was present and has been overwritten.
	// The earlier run is presumed abandoned and the caller proceeds.
	Resumed ClaimOutcome = "resumed"
)

// TagStore is the provider surface the marker needs: writing and
// deleting tags on a single resource.
type TagStore interface {
	CreateTags(ctx context.Context, resourceID string, tags map[string]string) error
	DeleteTags(ctx context.Context, resourceID string, keys []string) error
}

// Store claims and releases markers on provider resources.
type Store struct {
	tags       TagStore
	deployment string
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
	now        func() time.Time
}

// NewStore creates a marker store scoped to one deployment.
func NewStore(tags TagStore, deployment string, logger *telemetry.Logger, metrics *telemetry.Metrics) *Store {
	return &Store{
		tags:       tags,
		deployment: deployment,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
	}
}

// WithClock overrides the store's time source. Used by tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// TryClaim attempts to claim the resource for the given task run.
//
// A fresh marker belonging to another run yields AlreadyInFlight and
// the caller must skip the resource. A marker older than the action
// timeout is treated as abandoned and overwritten. An unparsable
// marker is treated as absent so a corrupt tag can never permanently
// block the resource.
func (s *Store) TryClaim(ctx context.Context, res engine.Resource, task, taskID string, actionTimeout time.Duration) (ClaimOutcome, error) {
	log := s.logger.WithResourceID(res.ID).WithTask(task)

	outcome := Claimed
	if raw := res.Tag(TagName(s.deployment)); raw != "" {
		var existing Marker
		if err := json.Unmarshal([]byte(raw), &existing); err != nil {
			log.WithError(err).Warn("unparsable claim marker, treating as absent")
		} else {
			age := s.now().UTC().Sub(existing.WrittenAt)
			if age < actionTimeout {
				log.WithField("holder", existing.TaskID).Debug("resource already claimed by an in-flight run")
				s.metrics.RecordMarkerClaim(string(AlreadyInFlight))
				return AlreadyInFlight, nil
			}
			log.WithField("holder", existing.TaskID).Info("overwriting stale claim marker")
			outcome = Resumed
		}
	}

	m := Marker{
		Task:      task,
		TaskID:    taskID,
		Stack:     s.deployment,
		WrittenAt: s.now().UTC(),
	}
	value, err := json.Marshal(m)
	if err != nil {
		return "", engine.NewConfigError("failed to encode claim marker", err)
	}
	if err := s.tags.CreateTags(ctx, res.ID, map[string]string{TagName(s.deployment): string(value)}); err != nil {
		return "", engine.NewTransientError("failed to write claim marker", err).
			WithResource(res.ID).
			WithOperation("CreateTags").
			WithCode(engine.ErrCodeMarkerConflict)
	}

	s.metrics.RecordMarkerClaim(string(outcome))
	return outcome, nil
}

// Release removes the marker from the resource. Called on success and
// on non-retryable failure. On transient failure the marker is left in
// place so a later run can resume via the staleness check.
func (s *Store) Release(ctx context.Context, res engine.Resource) error {
	if err := s.tags.DeleteTags(ctx, res.ID, []string{TagName(s.deployment)}); err != nil {
		return engine.NewTransientError("failed to remove claim marker", err).
			WithResource(res.ID).
			WithOperation("DeleteTags")
	}
	return nil
}
