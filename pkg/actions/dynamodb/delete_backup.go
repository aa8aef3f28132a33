package dynamodb

import (
	"context"
	"encoding/json"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	awsddb "github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/cloudreaper/cloudreaper/pkg/actions/awsapi"
	"github.com/cloudreaper/cloudreaper/pkg/engine"
	"github.com/cloudreaper/cloudreaper/pkg/retention"
	"github.com/cloudreaper/cloudreaper/pkg/telemetry"
)

// DeleteBackup retires table backups under a retention policy. Backups
// carry their table name as the provider-reported parent, so every
// candidate resolves to an owner group.
type DeleteBackup struct {
	client   API
	resolver *retention.OwnerResolver
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	task     string
	account  string
	region   string
	policy   retention.Policy
	backups  []engine.Resource
	now      func() time.Time
}

// NewDeleteBackup creates the action over the given candidate backups.
// The policy is validated before any side effect.
func NewDeleteBackup(client API, resolver *retention.OwnerResolver, task, account, region string, policy retention.Policy, backups []engine.Resource, logger *telemetry.Logger, metrics *telemetry.Metrics) (*DeleteBackup, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &DeleteBackup{
		client:   client,
		resolver: resolver,
		logger:   logger.WithAction("dynamodb-delete-backup"),
		metrics:  metrics,
		task:     task,
		account:  account,
		region:   region,
		policy:   policy,
		backups:  backups,
		now:      time.Now,
	}, nil
}

// Describe returns the action descriptor.
func (a *DeleteBackup) Describe() engine.Descriptor {
	return engine.Descriptor{
		Name:              "dynamodb-delete-backup",
		Service:           "dynamodb",
		Description:       "Deletes table backups past retention",
		CompletionTimeout: 15 * time.Minute,
		MinInterval:       time.Minute,
		Permissions:       []string{"dynamodb:DeleteBackup"},
	}
}

type deleteBackupState struct {
	Deleted    []string `json:"deleted,omitempty"`
	Unresolved []string `json:"unresolved,omitempty"`
}

// Execute selects and deletes the doomed backups. Deletion is
// synchronous, so the completion check has nothing left to poll.
func (a *DeleteBackup) Execute(ctx context.Context) (json.RawMessage, error) {
	selection := retention.SelectForDeletion(a.resolver.Resolve(a.backups), a.policy, a.now())

	var state deleteBackupState
	for _, res := range selection.Unresolved {
		a.logger.WithResourceID(res.ID).Warn("backup has no resolvable table, excluded from retention")
		state.Unresolved = append(state.Unresolved, res.ID)
	}

	for _, backup := range selection.Delete {
		_, err := a.client.DeleteBackup(ctx, &awsddb.DeleteBackupInput{
			BackupArn: awsv2.String(backup.ID),
		})
		if err != nil && !isBackupNotFound(err) {
			return nil, awsapi.Classify("failed to delete backup", err).
				WithResource(backup.ID).
				WithOperation("DeleteBackup")
		}
		state.Deleted = append(state.Deleted, backup.ID)
		a.logger.WithResourceID(backup.ID).Info("backup deleted")
	}

	a.metrics.RecordDeleted("dynamodb", len(state.Deleted))
	return engine.MarshalIntermediate(state)
}

// IsCompleted reports the already-final outcome of the execute phase.
func (a *DeleteBackup) IsCompleted(ctx context.Context, intermediate json.RawMessage) (*engine.Result, error) {
	var state deleteBackupState
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
	for _, arn := range state.Unresolved {
		result.AddNote("backup %s excluded: table unresolved", arn)
	}
	return result, nil
}
