package rds

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	awsrds "github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"

	"github.com/cloudreaper/cloudreaper/pkg/actions/awsapi"
	"github.com/cloudreaper/cloudreaper/pkg/engine"
	"github.com/cloudreaper/cloudreaper/pkg/retention"
	"github.com/cloudreaper/cloudreaper/pkg/telemetry"
)

// DeleteInstanceParams configures database instance deletion with an
// optional final snapshot.
type DeleteInstanceParams struct {
	// CreateSnapshot takes a final snapshot of the instance as part of
	// the deletion.
	CreateSnapshot bool `json:"create_snapshot" yaml:"create_snapshot"`

	// SnapshotName names the final snapshot. When empty the name is
	// the instance id with a timestamp suffix, optionally prefixed
	// with SnapshotNamePrefix.
	SnapshotName       string `json:"snapshot_name,omitempty" yaml:"snapshot_name,omitempty"`
	SnapshotNamePrefix string `json:"snapshot_name_prefix,omitempty" yaml:"snapshot_name_prefix,omitempty"`

	// SnapshotTags are set on the final snapshot once it is available.
	SnapshotTags map[string]string `json:"snapshot_tags,omitempty" yaml:"snapshot_tags,omitempty"`

	// CopiedInstanceTagKeys lists instance tag keys copied onto the
	// final snapshot.
	CopiedInstanceTagKeys []string `json:"copied_instance_tag_keys,omitempty" yaml:"copied_instance_tag_keys,omitempty"`

	// StartStopped allows starting a stopped instance so the final
	// snapshot can be taken. Deleting a stopped instance with a final
	// snapshot is otherwise impossible.
	StartStopped bool `json:"start_stopped" yaml:"start_stopped"`

	// RestoreAccessAccounts are granted restore permission on the
	// final snapshot once it is available.
	RestoreAccessAccounts []string `json:"restore_access_accounts,omitempty" yaml:"restore_access_accounts,omitempty" validate:"dive,len=12,number"`

	// TaskListTagKey is removed from the instance before deletion so
	// an instance restored from the final snapshot is not picked up
	// for deletion again.
	TaskListTagKey string `json:"task_list_tag_key,omitempty" yaml:"task_list_tag_key,omitempty"`
}

// DeleteInstance deletes an RDS instance with an optional final
// snapshot. A stopped instance cannot produce a final snapshot, so the
// completion check first starts it, deletes once it is available, and
// re-stops it if the deletion fails.
type DeleteInstance struct {
	client     API
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
	deployment string
	task       string
	target     engine.Resource
	params     DeleteInstanceParams
	now        func() time.Time
}

// NewDeleteInstance creates the action for one target instance.
func NewDeleteInstance(client API, deployment, task string, target engine.Resource, params DeleteInstanceParams, logger *telemetry.Logger, metrics *telemetry.Metrics) (*DeleteInstance, error) {
	if err := engine.ValidateParams(&params); err != nil {
		return nil, err
	}
	return &DeleteInstance{
		client:     client,
		logger:     logger.WithAction("rds-delete-instance"),
		metrics:    metrics,
		deployment: deployment,
		task:       task,
		target:     target,
		params:     params,
		now:        time.Now,
	}, nil
}

// Describe returns the action descriptor.
func (a *DeleteInstance) Describe() engine.Descriptor {
	return engine.Descriptor{
		Name:              "rds-delete-instance",
		Service:           "rds",
		Description:       "Deletes an RDS instance with an optional final snapshot",
		CompletionTimeout: 2 * time.Hour,
		MinInterval:       30 * time.Second,
		Permissions: []string{
			"rds:DescribeDBInstances",
			"rds:DescribeDBSnapshots",
			"rds:DeleteDBInstance",
			"rds:StartDBInstance",
			"rds:StopDBInstance",
			"rds:ModifyDBSnapshotAttribute",
			"rds:AddTagsToResource",
			"rds:RemoveTagsFromResource",
		},
	}
}

type deleteInstanceState struct {
	InstanceID   string            `json:"instance_id"`
	InstanceARN  string            `json:"instance_arn,omitempty"`
	InstanceTags map[string]string `json:"instance_tags,omitempty"`
	SnapshotID   string            `json:"snapshot_id,omitempty"`
	WasStopped   bool              `json:"was_stopped,omitempty"`
	Gone         bool              `json:"gone,omitempty"`
}

// Execute inspects the instance and issues the deletion when it can.
// A stopped instance is left for the completion check, which drives
// the start-snapshot-delete sequence.
func (a *DeleteInstance) Execute(ctx context.Context) (json.RawMessage, error) {
	log := a.logger.WithResourceID(a.target.ID).WithTask(a.task)

	inst, found, err := a.describeInstance(ctx, a.target.ID)
	if err != nil {
		return nil, err
	}
	if !found {
		log.Info("instance not found, nothing to delete")
		return engine.MarshalIntermediate(deleteInstanceState{InstanceID: a.target.ID, Gone: true})
	}

	state := deleteInstanceState{
		InstanceID:   a.target.ID,
		InstanceARN:  awsv2.ToString(inst.DBInstanceArn),
		InstanceTags: tagMap(inst.TagList),
	}
	if a.params.CreateSnapshot {
		state.SnapshotID = a.snapshotName()
	}

	switch status := awsv2.ToString(inst.DBInstanceStatus); status {
	case statusStopped:
		if !a.params.CreateSnapshot {
			// No final snapshot, no reason to start it first.
			if err := a.issueDelete(ctx, state); err != nil {
				return nil, err
			}
			log.Info("deletion issued for stopped instance")
			return engine.MarshalIntermediate(state)
		}
		if !a.params.StartStopped {
			return nil, engine.NewOperationError("instance is stopped and starting it for the final snapshot is not allowed", nil).
				WithResource(a.target.ID)
		}
		state.WasStopped = true
		log.Info("instance is stopped, completion check will start it for the final snapshot")
		return engine.MarshalIntermediate(state)
	case statusAvailable:
		if err := a.issueDelete(ctx, state); err != nil {
			return nil, err
		}
		log.Info("deletion issued")
		return engine.MarshalIntermediate(state)
	default:
		log.WithField("status", status).Info("instance busy, completion check will delete it when it settles")
		return engine.MarshalIntermediate(state)
	}
}

// IsCompleted drives the deletion to its end. The sequence for a
// stopped instance: start it, wait for available, delete with the
// final snapshot, wait for the snapshot, tag it and grant restore
// access, report once the instance is gone.
func (a *DeleteInstance) IsCompleted(ctx context.Context, intermediate json.RawMessage) (*engine.Result, error) {
	var state deleteInstanceState
	if err := engine.UnmarshalIntermediate(intermediate, &state); err != nil {
		return nil, err
	}
	log := a.logger.WithResourceID(state.InstanceID).WithTask(a.task)

	if state.Gone {
		result := a.newResult()
		result.AddNote("instance %s not found, nothing to delete", state.InstanceID)
		return result, nil
	}

	inst, found, err := a.describeInstance(ctx, state.InstanceID)
	if err != nil {
		return nil, err
	}
	if !found {
		return a.finalize(ctx, state, log)
	}

	switch status := awsv2.ToString(inst.DBInstanceStatus); status {
	case statusStopped:
		if _, err := a.client.StartDBInstance(ctx, &awsrds.StartDBInstanceInput{
			DBInstanceIdentifier: awsv2.String(state.InstanceID),
		}); err != nil {
			// Concurrent state change; the next poll re-evaluates.
			if isInvalidInstanceState(err) {
				return nil, nil
			}
			return nil, awsapi.Classify("failed to start stopped instance for final snapshot", err).
				WithResource(state.InstanceID).
				WithOperation("StartDBInstance")
		}
		log.Info("starting stopped instance for final snapshot")
		return nil, nil
	case statusAvailable:
		if state.SnapshotID != "" {
			if _, snapFound, err := a.describeSnapshot(ctx, state.SnapshotID); err != nil {
				return nil, err
			} else if snapFound {
				// Deletion already issued; the instance has not
				// transitioned yet.
				return nil, nil
			}
		}
		if err := a.issueDelete(ctx, state); err != nil {
			return nil, err
		}
		log.Info("instance available, deletion issued")
		return nil, nil
	case statusDeleting:
		return nil, nil
	case "starting", "stopping", "backing-up", "modifying", "rebooting", "configuring-enhanced-monitoring", "maintenance":
		return nil, nil
	default:
		log.WithField("status", status).Warn("unrecognized instance status, treating as pending")
		return nil, nil
	}
}

// issueDelete scrubs the task list tag and deletes the instance. When
// the instance was started only for the final snapshot, a failed
// delete re-stops it before propagating.
func (a *DeleteInstance) issueDelete(ctx context.Context, state deleteInstanceState) error {
	if a.params.TaskListTagKey != "" && state.InstanceARN != "" {
		_, err := a.client.RemoveTagsFromResource(ctx, &awsrds.RemoveTagsFromResourceInput{
			ResourceName: awsv2.String(state.InstanceARN),
			TagKeys:      []string{a.params.TaskListTagKey},
		})
		if err != nil && !isInstanceNotFound(err) {
			return awsapi.Classify("failed to remove task list tag before deletion", err).
				WithResource(state.InstanceID).
				WithOperation("RemoveTagsFromResource")
		}
	}

	input := &awsrds.DeleteDBInstanceInput{
		DBInstanceIdentifier: awsv2.String(state.InstanceID),
		SkipFinalSnapshot:    awsv2.Bool(state.SnapshotID == ""),
	}
	if state.SnapshotID != "" {
		input.FinalDBSnapshotIdentifier = awsv2.String(state.SnapshotID)
	}

	if _, err := a.client.DeleteDBInstance(ctx, input); err != nil {
		switch {
		case isInstanceNotFound(err):
			return nil
		case isInvalidInstanceState(err) && awsapi.MessageContains(err, "already being deleted"):
			return nil
		}
		classified := awsapi.Classify("failed to delete instance", err).
			WithResource(state.InstanceID).
			WithOperation("DeleteDBInstance")
		if state.WasStopped {
			a.restop(ctx, state)
		}
		return classified
	}
	return nil
}

// restop returns an instance to its prior stopped state after a failed
// deletion. Best effort; the failure that got us here still
// propagates.
func (a *DeleteInstance) restop(ctx context.Context, state deleteInstanceState) {
	_, err := a.client.StopDBInstance(ctx, &awsrds.StopDBInstanceInput{
		DBInstanceIdentifier: awsv2.String(state.InstanceID),
	})
	if err != nil {
		a.logger.WithResourceID(state.InstanceID).WithError(err).Warn("failed to re-stop instance after failed deletion")
		return
	}
	a.logger.WithResourceID(state.InstanceID).Info("re-stopped instance after failed deletion")
}

// finalize runs once the instance is gone. With a final snapshot
// configured it waits for the snapshot, tags it, and grants restore
// access; tag and grant failures are reported in the result without
// reversing the deletion.
func (a *DeleteInstance) finalize(ctx context.Context, state deleteInstanceState, log *telemetry.Logger) (*engine.Result, error) {
	result := a.newResult()
	result.Targets = []string{state.InstanceID}
	result.Processed = 1
	result.Deleted = []string{state.InstanceID}

	if state.SnapshotID == "" {
		a.metrics.RecordDeleted("rds", 1)
		log.Info("instance deleted")
		return result, nil
	}

	snap, found, err := a.describeSnapshot(ctx, state.SnapshotID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, engine.NewOperationError("final snapshot not found after instance deletion", nil).
			WithResource(state.SnapshotID).
			WithCode(engine.ErrCodeNotFound)
	}

	switch status := awsv2.ToString(snap.Status); status {
	case snapshotCreating:
		return nil, nil
	case snapshotFailed:
		return nil, engine.NewOperationError("final snapshot entered a failure state", nil).
			WithResource(state.SnapshotID).
			WithCode(engine.ErrCodeProviderFailed)
	case snapshotAvailable:
	default:
		log.WithField("status", status).Warn("unrecognized snapshot status, treating as pending")
		return nil, nil
	}

	result.Created = []string{state.SnapshotID}
	a.metrics.RecordDeleted("rds", 1)
	a.metrics.RecordCreated("rds", 1)

	if arn := awsv2.ToString(snap.DBSnapshotArn); arn != "" {
		if tags := a.snapshotTags(state); len(tags) > 0 {
			_, err := a.client.AddTagsToResource(ctx, &awsrds.AddTagsToResourceInput{
				ResourceName: awsv2.String(arn),
				Tags:         sdkTags(tags),
			})
			if err != nil {
				log.WithError(err).Warn("failed to tag final snapshot")
				result.AddNote("tagging final snapshot failed: %s", err)
			}
		}
	}

	if len(a.params.RestoreAccessAccounts) > 0 {
		_, err := a.client.ModifyDBSnapshotAttribute(ctx, &awsrds.ModifyDBSnapshotAttributeInput{
			DBSnapshotIdentifier: awsv2.String(state.SnapshotID),
			AttributeName:        awsv2.String("restore"),
			ValuesToAdd:          a.params.RestoreAccessAccounts,
		})
		if err != nil {
			log.WithError(err).Warn("failed to grant restore access on final snapshot")
			result.AddNote("granting restore access failed: %s", err)
		} else {
			result.GrantedAccounts = a.params.RestoreAccessAccounts
			a.metrics.RecordAccessGrant("rds", len(a.params.RestoreAccessAccounts))
		}
	}

	log.WithField("snapshot_id", state.SnapshotID).Info("instance deleted with final snapshot")
	return result, nil
}

func (a *DeleteInstance) describeInstance(ctx context.Context, id string) (rdstypes.DBInstance, bool, error) {
	out, err := a.client.DescribeDBInstances(ctx, &awsrds.DescribeDBInstancesInput{
		DBInstanceIdentifier: awsv2.String(id),
	})
	if err != nil {
		if isInstanceNotFound(err) {
			return rdstypes.DBInstance{}, false, nil
		}
		return rdstypes.DBInstance{}, false, awsapi.Classify("failed to describe instance", err).
			WithResource(id).
			WithOperation("DescribeDBInstances")
	}
	if len(out.DBInstances) == 0 {
		return rdstypes.DBInstance{}, false, nil
	}
	return out.DBInstances[0], true, nil
}

func (a *DeleteInstance) describeSnapshot(ctx context.Context, id string) (rdstypes.DBSnapshot, bool, error) {
	out, err := a.client.DescribeDBSnapshots(ctx, &awsrds.DescribeDBSnapshotsInput{
		DBSnapshotIdentifier: awsv2.String(id),
	})
	if err != nil {
		if isSnapshotNotFound(err) {
			return rdstypes.DBSnapshot{}, false, nil
		}
		return rdstypes.DBSnapshot{}, false, awsapi.Classify("failed to describe snapshot", err).
			WithResource(id).
			WithOperation("DescribeDBSnapshots")
	}
	if len(out.DBSnapshots) == 0 {
		return rdstypes.DBSnapshot{}, false, nil
	}
	return out.DBSnapshots[0], true, nil
}

func (a *DeleteInstance) snapshotName() string {
	if a.params.SnapshotName != "" {
		return a.params.SnapshotName
	}
	return a.params.SnapshotNamePrefix + engine.DefaultArtifactName(a.target.ID, a.now())
}

func (a *DeleteInstance) snapshotTags(state deleteInstanceState) map[string]string {
	tags := make(map[string]string)
	for _, key := range a.params.CopiedInstanceTagKeys {
		if strings.HasPrefix(key, "aws:") {
			continue
		}
		if v, ok := state.InstanceTags[key]; ok {
			tags[key] = v
		}
	}
	for k, v := range a.params.SnapshotTags {
		tags[k] = v
	}
	tags[retention.SourceTagName(a.deployment)] = state.InstanceID
	return tags
}

func (a *DeleteInstance) newResult() *engine.Result {
	return &engine.Result{
		Account: a.target.Account,
		Region:  a.target.Region,
		Task:    a.task,
	}
}
