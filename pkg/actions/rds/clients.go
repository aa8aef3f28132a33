// Package rds implements lifecycle actions for RDS database instances
// and their snapshots.
package rds

import (
	"context"
	"errors"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	awsrds "github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
)

// API lists the RDS operations the actions in this package use.
type API interface {
	DescribeDBInstances(ctx context.Context, params *awsrds.DescribeDBInstancesInput, optFns ...func(*awsrds.Options)) (*awsrds.DescribeDBInstancesOutput, error)
	DeleteDBInstance(ctx context.Context, params *awsrds.DeleteDBInstanceInput, optFns ...func(*awsrds.Options)) (*awsrds.DeleteDBInstanceOutput, error)
	StartDBInstance(ctx context.Context, params *awsrds.StartDBInstanceInput, optFns ...func(*awsrds.Options)) (*awsrds.StartDBInstanceOutput, error)
	StopDBInstance(ctx context.Context, params *awsrds.StopDBInstanceInput, optFns ...func(*awsrds.Options)) (*awsrds.StopDBInstanceOutput, error)
	DescribeDBSnapshots(ctx context.Context, params *awsrds.DescribeDBSnapshotsInput, optFns ...func(*awsrds.Options)) (*awsrds.DescribeDBSnapshotsOutput, error)
	DeleteDBSnapshot(ctx context.Context, params *awsrds.DeleteDBSnapshotInput, optFns ...func(*awsrds.Options)) (*awsrds.DeleteDBSnapshotOutput, error)
	ModifyDBSnapshotAttribute(ctx context.Context, params *awsrds.ModifyDBSnapshotAttributeInput, optFns ...func(*awsrds.Options)) (*awsrds.ModifyDBSnapshotAttributeOutput, error)
	AddTagsToResource(ctx context.Context, params *awsrds.AddTagsToResourceInput, optFns ...func(*awsrds.Options)) (*awsrds.AddTagsToResourceOutput, error)
	RemoveTagsFromResource(ctx context.Context, params *awsrds.RemoveTagsFromResourceInput, optFns ...func(*awsrds.Options)) (*awsrds.RemoveTagsFromResourceOutput, error)
}

// NewAPIFromConfig builds the real RDS client.
func NewAPIFromConfig(cfg awsv2.Config) API {
	return awsrds.NewFromConfig(cfg)
}

// Instance statuses with dedicated handling. Anything else is treated
// as non-terminal.
const (
	statusAvailable = "available"
	statusStopped   = "stopped"
	statusDeleting  = "deleting"

	snapshotCreating  = "creating"
	snapshotAvailable = "available"
	snapshotFailed    = "failed"
)

func isInstanceNotFound(err error) bool {
	var nf *rdstypes.DBInstanceNotFoundFault
	return errors.As(err, &nf)
}

func isSnapshotNotFound(err error) bool {
	var nf *rdstypes.DBSnapshotNotFoundFault
	return errors.As(err, &nf)
}

func isInvalidInstanceState(err error) bool {
	var inv *rdstypes.InvalidDBInstanceStateFault
	return errors.As(err, &inv)
}

func sdkTags(tags map[string]string) []rdstypes.Tag {
	if len(tags) == 0 {
		return nil
	}
	out := make([]rdstypes.Tag, 0, len(tags))
	for k, v := range tags {
		out = append(out, rdstypes.Tag{Key: awsv2.String(k), Value: awsv2.String(v)})
	}
	return out
}

func tagMap(tags []rdstypes.Tag) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		out[awsv2.ToString(t.Key)] = awsv2.ToString(t.Value)
	}
	return out
}

// TagStore adapts the RDS tagging API to the marker tag store. RDS
// tags are addressed by ARN.
type TagStore struct {
	client API
}

// NewTagStore creates a marker tag store backed by RDS.
func NewTagStore(client API) *TagStore {
	return &TagStore{client: client}
}

// CreateTags writes tags on the resource.
func (s *TagStore) CreateTags(ctx context.Context, resourceARN string, tags map[string]string) error {
	_, err := s.client.AddTagsToResource(ctx, &awsrds.AddTagsToResourceInput{
		ResourceName: awsv2.String(resourceARN),
		Tags:         sdkTags(tags),
	})
	return err
}

// DeleteTags removes the named tag keys from the resource.
func (s *TagStore) DeleteTags(ctx context.Context, resourceARN string, keys []string) error {
	_, err := s.client.RemoveTagsFromResource(ctx, &awsrds.RemoveTagsFromResourceInput{
		ResourceName: awsv2.String(resourceARN),
		TagKeys:      keys,
	})
	return err
}
