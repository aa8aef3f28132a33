package ec2

import (
	"context"
	"encoding/json"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"

	"github.com/cloudreaper/cloudreaper/pkg/actions/awsapi"
	"github.com/cloudreaper/cloudreaper/pkg/engine"
	"github.com/cloudreaper/cloudreaper/pkg/telemetry"
)

// RemoveSnapshotParams configures EBS snapshot removal.
type RemoveSnapshotParams struct {
	// SnapshotIDs lists the snapshots to delete.
	SnapshotIDs []string `json:"snapshot_ids" yaml:"snapshot_ids" validate:"required,min=1,dive,required"`
}

// RemoveSnapshot deletes a set of EBS snapshots. Snapshots already
// gone count as deleted so a duplicate run converges on one outcome.
type RemoveSnapshot struct {
	client  API
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	task    string
	account string
	region  string
	params  RemoveSnapshotParams
}

// NewRemoveSnapshot creates the action.
func NewRemoveSnapshot(client API, task, account, region string, params RemoveSnapshotParams, logger *telemetry.Logger, metrics *telemetry.Metrics) (*RemoveSnapshot, error) {
	if err := engine.ValidateParams(&params); err != nil {
		return nil, err
	}
	return &RemoveSnapshot{
		client:  client,
		logger:  logger.WithAction("ec2-remove-snapshot"),
		metrics: metrics,
		task:    task,
		account: account,
		region:  region,
		params:  params,
	}, nil
}

// Describe returns the action descriptor.
func (a *RemoveSnapshot) Describe() engine.Descriptor {
	return engine.Descriptor{
		Name:              "ec2-remove-snapshot",
		Service:           "ec2",
		Description:       "Deletes EBS snapshots",
		CompletionTimeout: 15 * time.Minute,
		MinInterval:       time.Minute,
		Permissions:       []string{"ec2:DeleteSnapshot"},
	}
}

type removeSnapshotState struct {
	Deleted []string `json:"deleted,omitempty"`
}

// Execute deletes the snapshots one by one, stopping early when the
// invocation deadline is about to expire. Deletions already issued
// stay issued; the remainder fails as transient so a later run can
// pick it up.
func (a *RemoveSnapshot) Execute(ctx context.Context) (json.RawMessage, error) {
	var state removeSnapshotState
	for _, id := range a.params.SnapshotIDs {
		if err := ctx.Err(); err != nil {
			return nil, engine.NewTransientError("invocation deadline reached before all snapshots were deleted", err).
				WithOperation("DeleteSnapshot")
		}
		_, err := a.client.DeleteSnapshot(ctx, &awsec2.DeleteSnapshotInput{
			SnapshotId: awsv2.String(id),
		})
		if err != nil && !awsapi.IsCode(err, "InvalidSnapshot.NotFound") {
			return nil, awsapi.Classify("failed to delete snapshot", err).
				WithResource(id).
				WithOperation("DeleteSnapshot")
		}
		state.Deleted = append(state.Deleted, id)
		a.logger.WithResourceID(id).Debug("snapshot deleted")
	}

	a.metrics.RecordDeleted("ec2", len(state.Deleted))
	return engine.MarshalIntermediate(state)
}

// IsCompleted reports the already-final outcome of the execute phase.
func (a *RemoveSnapshot) IsCompleted(ctx context.Context, intermediate json.RawMessage) (*engine.Result, error) {
	var state removeSnapshotState
	if err := engine.UnmarshalIntermediate(intermediate, &state); err != nil {
		return nil, err
	}
	return &engine.Result{
		Account:   a.account,
		Region:    a.region,
		Task:      a.task,
		Targets:   state.Deleted,
		Processed: len(state.Deleted),
		Deleted:   state.Deleted,
	}, nil
}
