package dynamodb

import (
	"context"
	"encoding/json"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	awsddb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/cloudreaper/cloudreaper/pkg/actions/awsapi"
	"github.com/cloudreaper/cloudreaper/pkg/engine"
	"github.com/cloudreaper/cloudreaper/pkg/telemetry"
)

// CreateBackupParams configures table backup creation.
type CreateBackupParams struct {
	// BackupName names the backup. When empty the name is the table
	// name with a timestamp suffix.
	BackupName string `json:"backup_name,omitempty" yaml:"backup_name,omitempty"`

	// TableTags are set on the table once the backup is available.
	TableTags map[string]string `json:"table_tags,omitempty" yaml:"table_tags,omitempty"`
}

// CreateBackup takes an on-demand backup of a DynamoDB table.
type CreateBackup struct {
	client  API
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	task    string
	target  engine.Resource
	params  CreateBackupParams
	now     func() time.Time
}

// NewCreateBackup creates the action for one target table.
func NewCreateBackup(client API, task string, target engine.Resource, params CreateBackupParams, logger *telemetry.Logger, metrics *telemetry.Metrics) (*CreateBackup, error) {
	if err := engine.ValidateParams(&params); err != nil {
		return nil, err
	}
	return &CreateBackup{
		client:  client,
		logger:  logger.WithAction("dynamodb-create-backup"),
		metrics: metrics,
		task:    task,
		target:  target,
		params:  params,
		now:     time.Now,
	}, nil
}

// Describe returns the action descriptor.
func (a *CreateBackup) Describe() engine.Descriptor {
	return engine.Descriptor{
		Name:              "dynamodb-create-backup",
		Service:           "dynamodb",
		Description:       "Takes an on-demand backup of a DynamoDB table",
		CompletionTimeout: 30 * time.Minute,
		MinInterval:       15 * time.Second,
		Permissions: []string{
			"dynamodb:CreateBackup",
			"dynamodb:DescribeBackup",
			"dynamodb:DescribeTable",
			"dynamodb:TagResource",
		},
	}
}

type createBackupState struct {
	TableName  string `json:"table_name"`
	TableARN   string `json:"table_arn,omitempty"`
	BackupARN  string `json:"backup_arn"`
	BackupName string `json:"backup_name"`
}

// Execute starts the backup and records its ARN for the completion
// check.
func (a *CreateBackup) Execute(ctx context.Context) (json.RawMessage, error) {
	log := a.logger.WithResourceID(a.target.ID).WithTask(a.task)

	state := createBackupState{
		TableName:  a.target.ID,
		BackupName: a.backupName(),
	}

	if len(a.params.TableTags) > 0 {
		table, err := a.client.DescribeTable(ctx, &awsddb.DescribeTableInput{
			TableName: awsv2.String(a.target.ID),
		})
		if err != nil {
			return nil, awsapi.Classify("failed to describe table", err).
				WithResource(a.target.ID).
				WithOperation("DescribeTable")
		}
		state.TableARN = awsv2.ToString(table.Table.TableArn)
	}

	out, err := a.client.CreateBackup(ctx, &awsddb.CreateBackupInput{
		TableName:  awsv2.String(a.target.ID),
		BackupName: awsv2.String(state.BackupName),
	})
	if err != nil {
		return nil, awsapi.Classify("failed to create backup", err).
			WithResource(a.target.ID).
			WithOperation("CreateBackup")
	}
	state.BackupARN = awsv2.ToString(out.BackupDetails.BackupArn)

	a.metrics.RecordCreated("dynamodb", 1)
	log.WithField("backup_arn", state.BackupARN).Info("backup started")
	return engine.MarshalIntermediate(state)
}

// IsCompleted waits for the backup to become available, then tags the
// table. A deleted or vanished backup is a terminal failure.
func (a *CreateBackup) IsCompleted(ctx context.Context, intermediate json.RawMessage) (*engine.Result, error) {
	var state createBackupState
	if err := engine.UnmarshalIntermediate(intermediate, &state); err != nil {
		return nil, err
	}
	log := a.logger.WithResourceID(state.TableName).WithTask(a.task)

	out, err := a.client.DescribeBackup(ctx, &awsddb.DescribeBackupInput{
		BackupArn: awsv2.String(state.BackupARN),
	})
	if err != nil {
		if isBackupNotFound(err) {
			return nil, engine.NewOperationError("backup disappeared before becoming available", nil).
				WithResource(state.BackupARN).
				WithCode(engine.ErrCodeNotFound)
		}
		return nil, awsapi.Classify("failed to describe backup", err).
			WithResource(state.BackupARN).
			WithOperation("DescribeBackup")
	}

	details := out.BackupDescription.BackupDetails
	switch status := details.BackupStatus; status {
	case ddbtypes.BackupStatusCreating:
		return nil, nil
	case ddbtypes.BackupStatusDeleted:
		return nil, engine.NewOperationError("backup was deleted before becoming available", nil).
			WithResource(state.BackupARN).
			WithCode(engine.ErrCodeProviderFailed)
	case ddbtypes.BackupStatusAvailable:
	default:
		log.WithField("backup_status", string(status)).Warn("unrecognized backup status, treating as pending")
		return nil, nil
	}

	result := &engine.Result{
		Account:   a.target.Account,
		Region:    a.target.Region,
		Task:      a.task,
		Targets:   []string{state.TableName},
		Processed: 1,
		Created:   []string{state.BackupARN},
	}

	if len(a.params.TableTags) > 0 && state.TableARN != "" {
		_, err := a.client.TagResource(ctx, &awsddb.TagResourceInput{
			ResourceArn: awsv2.String(state.TableARN),
			Tags:        sdkTags(a.params.TableTags),
		})
		if err != nil {
			log.WithError(err).Warn("failed to tag table after backup")
			result.AddNote("tagging table failed: %s", err)
		}
	}

	log.WithField("backup_arn", state.BackupARN).Info("backup available")
	return result, nil
}

func (a *CreateBackup) backupName() string {
	if a.params.BackupName != "" {
		return a.params.BackupName
	}
	return engine.DefaultArtifactName(a.target.ID, a.now())
}
