package rds

import (
	"context"
	"encoding/json"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	awsrds "github.com/aws/aws-sdk-go-v2/service/rds"

	"github.com/cloudreaper/cloudreaper/pkg/actions/awsapi"
	"github.com/cloudreaper/cloudreaper/pkg/engine"
	"github.com/cloudreaper/cloudreaper/pkg/retention"
	"github.com/cloudreaper/cloudreaper/pkg/telemetry"
)

// DeleteInstanceSnapshot retires manual instance snapshots under a
// retention policy, grouped by source instance.
type DeleteInstanceSnapshot struct {
	client    API
	resolver  *retention.OwnerResolver
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
	task      string
	account   string
	region    string
	policy    retention.Policy
	snapshots []engine.Resource
	now       func() time.Time
}

// NewDeleteInstanceSnapshot creates the action over the given
// candidate snapshots. The policy is validated before any side effect.
func NewDeleteInstanceSnapshot(client API, resolver *retention.OwnerResolver, task, account, region string, policy retention.Policy, snapshots []engine.Resource, logger *telemetry.Logger, metrics *telemetry.Metrics) (*DeleteInstanceSnapshot, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &DeleteInstanceSnapshot{
		client:    client,
		resolver:  resolver,
		logger:    logger.WithAction("rds-delete-instance-snapshot"),
		metrics:   metrics,
		task:      task,
		account:   account,
		region:    region,
		policy:    policy,
		snapshots: snapshots,
		now:       time.Now,
	}, nil
}

// Describe returns the action descriptor.
func (a *DeleteInstanceSnapshot) Describe() engine.Descriptor {
	return engine.Descriptor{
		Name:              "rds-delete-instance-snapshot",
		Service:           "rds",
		Description:       "Deletes instance snapshots past retention",
		CompletionTimeout: 15 * time.Minute,
		MinInterval:       time.Minute,
		Permissions: []string{
			"rds:DescribeDBSnapshots",
			"rds:DeleteDBSnapshot",
		},
	}
}

type deleteSnapshotState struct {
	Deleted    []string `json:"deleted,omitempty"`
	Unresolved []string `json:"unresolved,omitempty"`
}

// Execute selects and deletes the doomed snapshots. The provider
// removes them asynchronously, but the delete call itself is final, so
// the completion check has nothing left to poll.
func (a *DeleteInstanceSnapshot) Execute(ctx context.Context) (json.RawMessage, error) {
	selection := retention.SelectForDeletion(a.resolver.Resolve(a.snapshots), a.policy, a.now())

	var state deleteSnapshotState
	for _, res := range selection.Unresolved {
		a.logger.WithResourceID(res.ID).Warn("snapshot has no resolvable source instance, excluded from retention")
		state.Unresolved = append(state.Unresolved, res.ID)
	}

	for _, snap := range selection.Delete {
		_, err := a.client.DeleteDBSnapshot(ctx, &awsrds.DeleteDBSnapshotInput{
			DBSnapshotIdentifier: awsv2.String(snap.ID),
		})
		if err != nil && !isSnapshotNotFound(err) {
			return nil, awsapi.Classify("failed to delete snapshot", err).
				WithResource(snap.ID).
				WithOperation("DeleteDBSnapshot")
		}
		state.Deleted = append(state.Deleted, snap.ID)
		a.logger.WithResourceID(snap.ID).Info("snapshot deleted")
	}

	a.metrics.RecordDeleted("rds", len(state.Deleted))
	return engine.MarshalIntermediate(state)
}

// IsCompleted reports the already-final outcome of the execute phase.
func (a *DeleteInstanceSnapshot) IsCompleted(ctx context.Context, intermediate json.RawMessage) (*engine.Result, error) {
	var state deleteSnapshotState
	if err := engine.UnmarshalIntermediate(intermediate, &state); err != nil {
		return nil, err
	}

	result := &engine.Result{
		Account:   a.account,
		Region:    a.region,
		Task:      a.task,
		Targets:   state.Deleted,
		Processed: len(state.Deleted),
		Deleted:   state.Deleted,
	}
	for _, id := range state.Unresolved {
		result.AddNote("snapshot %s excluded: source instance unresolved", id)
	}
	return result, nil
}
