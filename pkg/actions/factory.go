// Package actions builds concrete lifecycle actions from task
// configuration.
package actions

import (
	"context"
	"fmt"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/google/uuid"

	ddbactions "github.com/cloudreaper/cloudreaper/pkg/actions/dynamodb"
	ec2actions "github.com/cloudreaper/cloudreaper/pkg/actions/ec2"
	rdsactions "github.com/cloudreaper/cloudreaper/pkg/actions/rds"
	"github.com/cloudreaper/cloudreaper/pkg/config"
	"github.com/cloudreaper/cloudreaper/pkg/engine"
	"github.com/cloudreaper/cloudreaper/pkg/marker"
	"github.com/cloudreaper/cloudreaper/pkg/retention"
	"github.com/cloudreaper/cloudreaper/pkg/telemetry"
)

// Factory builds actions bound to provider clients and telemetry.
type Factory struct {
	deployment string
	ec2        ec2actions.API
	rds        rdsactions.API
	dynamodb   ddbactions.API
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
}

// NewFactory resolves provider credentials for the region and builds a
// factory.
func NewFactory(ctx context.Context, deployment, region string, logger *telemetry.Logger, metrics *telemetry.Metrics) (*Factory, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, engine.NewConfigError("failed to load provider credentials", err)
	}
	return NewFactoryWithConfig(cfg, deployment, logger, metrics), nil
}

// NewFactoryWithConfig builds a factory over an existing provider
// configuration.
func NewFactoryWithConfig(cfg awsv2.Config, deployment string, logger *telemetry.Logger, metrics *telemetry.Metrics) *Factory {
	return &Factory{
		deployment: deployment,
		ec2:        ec2actions.NewAPIFromConfig(cfg),
		rds:        rdsactions.NewAPIFromConfig(cfg),
		dynamodb:   ddbactions.NewAPIFromConfig(cfg),
		logger:     logger,
		metrics:    metrics,
	}
}

// NewFactoryWithClients builds a factory over explicit clients. Used
// by tests.
func NewFactoryWithClients(deployment string, ec2Client ec2actions.API, rdsClient rdsactions.API, ddbClient ddbactions.API, logger *telemetry.Logger, metrics *telemetry.Metrics) *Factory {
	return &Factory{
		deployment: deployment,
		ec2:        ec2Client,
		rds:        rdsClient,
		dynamodb:   ddbClient,
		logger:     logger,
		metrics:    metrics,
	}
}

// Build constructs the action a task names. Single-target actions
// require exactly one target; retention actions treat the target list
// as the candidate set.
func (f *Factory) Build(task config.TaskConfig) (engine.Action, error) {
	targets, err := f.targets(task)
	if err != nil {
		return nil, err
	}

	switch task.Action {
	case "ec2-terminate-instance":
		target, err := singleTarget(task, targets)
		if err != nil {
			return nil, err
		}
		var params ec2actions.TerminateInstanceParams
		params.CreateImage = true
		if err := config.DecodeParams(task.Parameters, &params); err != nil {
			return nil, err
		}
		markers := marker.NewStore(ec2actions.NewTagStore(f.ec2), f.deployment, f.logger, f.metrics)
		return ec2actions.NewTerminateInstance(f.ec2, markers, f.deployment, task.Name, uuid.New().String(), target, params, f.logger, f.metrics)

	case "ec2-delete-image":
		policy, err := taskPolicy(task)
		if err != nil {
			return nil, err
		}
		resolver := retention.NewOwnerResolver(f.deployment, f.logger)
		return ec2actions.NewDeleteImage(f.ec2, resolver, task.Name, task.Account, task.Region, policy, targets, f.logger, f.metrics)

	case "ec2-remove-snapshot":
		var params ec2actions.RemoveSnapshotParams
		if err := config.DecodeParams(task.Parameters, &params); err != nil {
			return nil, err
		}
		if len(params.SnapshotIDs) == 0 {
			for _, t := range targets {
				params.SnapshotIDs = append(params.SnapshotIDs, t.ID)
			}
		}
		return ec2actions.NewRemoveSnapshot(f.ec2, task.Name, task.Account, task.Region, params, f.logger, f.metrics)

	case "rds-delete-instance":
		target, err := singleTarget(task, targets)
		if err != nil {
			return nil, err
		}
		var params rdsactions.DeleteInstanceParams
		params.CreateSnapshot = true
		params.StartStopped = true
		if err := config.DecodeParams(task.Parameters, &params); err != nil {
			return nil, err
		}
		return rdsactions.NewDeleteInstance(f.rds, f.deployment, task.Name, target, params, f.logger, f.metrics)

	case "rds-delete-instance-snapshot":
		policy, err := taskPolicy(task)
		if err != nil {
			return nil, err
		}
		resolver := retention.NewOwnerResolver(f.deployment, f.logger)
		return rdsactions.NewDeleteInstanceSnapshot(f.rds, resolver, task.Name, task.Account, task.Region, policy, targets, f.logger, f.metrics)

	case "dynamodb-create-backup":
		target, err := singleTarget(task, targets)
		if err != nil {
			return nil, err
		}
		var params ddbactions.CreateBackupParams
		if err := config.DecodeParams(task.Parameters, &params); err != nil {
			return nil, err
		}
		return ddbactions.NewCreateBackup(f.dynamodb, task.Name, target, params, f.logger, f.metrics)

	case "dynamodb-delete-backup":
		policy, err := taskPolicy(task)
		if err != nil {
			return nil, err
		}
		resolver := retention.NewOwnerResolver(f.deployment, f.logger)
		return ddbactions.NewDeleteBackup(f.dynamodb, resolver, task.Name, task.Account, task.Region, policy, targets, f.logger, f.metrics)

	default:
		return nil, engine.NewConfigError(fmt.Sprintf("unknown action %q", task.Action), nil).
			WithCode(engine.ErrCodeValidation)
	}
}

func (f *Factory) targets(task config.TaskConfig) ([]engine.Resource, error) {
	targets := make([]engine.Resource, 0, len(task.Targets))
	for _, t := range task.Targets {
		res, err := t.Resource(task.Account, task.Region)
		if err != nil {
			return nil, err
		}
		targets = append(targets, res)
	}
	return targets, nil
}

func singleTarget(task config.TaskConfig, targets []engine.Resource) (engine.Resource, error) {
	if len(targets) != 1 {
		return engine.Resource{}, engine.NewConfigError(fmt.Sprintf("task %q requires exactly one target", task.Name), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return targets[0], nil
}

func taskPolicy(task config.TaskConfig) (retention.Policy, error) {
	if task.Retention == nil {
		return retention.Policy{}, engine.NewConfigError(fmt.Sprintf("task %q requires a retention policy", task.Name), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return *task.Retention, nil
}
