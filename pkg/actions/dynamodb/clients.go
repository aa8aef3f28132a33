// Package dynamodb implements lifecycle actions for DynamoDB table
// backups.
package dynamodb

import (
	"context"
	"errors"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	awsddb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// API lists the DynamoDB operations the actions in this package use.
type API interface {
	CreateBackup(ctx context.Context, params *awsddb.CreateBackupInput, optFns ...func(*awsddb.Options)) (*awsddb.CreateBackupOutput, error)
	DescribeBackup(ctx context.Context, params *awsddb.DescribeBackupInput, optFns ...func(*awsddb.Options)) (*awsddb.DescribeBackupOutput, error)
	DeleteBackup(ctx context.Context, params *awsddb.DeleteBackupInput, optFns ...func(*awsddb.Options)) (*awsddb.DeleteBackupOutput, error)
	DescribeTable(ctx context.Context, params *awsddb.DescribeTableInput, optFns ...func(*awsddb.Options)) (*awsddb.DescribeTableOutput, error)
	TagResource(ctx context.Context, params *awsddb.TagResourceInput, optFns ...func(*awsddb.Options)) (*awsddb.TagResourceOutput, error)
	UntagResource(ctx context.Context, params *awsddb.UntagResourceInput, optFns ...func(*awsddb.Options)) (*awsddb.UntagResourceOutput, error)
}

// NewAPIFromConfig builds the real DynamoDB client.
func NewAPIFromConfig(cfg awsv2.Config) API {
	return awsddb.NewFromConfig(cfg)
}

func isBackupNotFound(err error) bool {
	var nf *ddbtypes.BackupNotFoundException
	return errors.As(err, &nf)
}

func sdkTags(tags map[string]string) []ddbtypes.Tag {
	if len(tags) == 0 {
		return nil
	}
	out := make([]ddbtypes.Tag, 0, len(tags))
	for k, v := range tags {
		out = append(out, ddbtypes.Tag{Key: awsv2.String(k), Value: awsv2.String(v)})
	}
	return out
}

// TagStore adapts the DynamoDB tagging API to the marker tag store.
// DynamoDB tags are addressed by ARN.
type TagStore struct {
	client API
}

// NewTagStore creates a marker tag store backed by DynamoDB.
func NewTagStore(client API) *TagStore {
	return &TagStore{client: client}
}

// CreateTags writes tags on the resource.
func (s *TagStore) CreateTags(ctx context.Context, resourceARN string, tags map[string]string) error {
	_, err := s.client.TagResource(ctx, &awsddb.TagResourceInput{
		ResourceArn: awsv2.String(resourceARN),
		Tags:        sdkTags(tags),
	})
	return err
}

// DeleteTags removes the named tag keys from the resource.
func (s *TagStore) DeleteTags(ctx context.Context, resourceARN string, keys []string) error {
	_, err := s.client.UntagResource(ctx, &awsddb.UntagResourceInput{
		ResourceArn: awsv2.String(resourceARN),
		TagKeys:     keys,
	})
	return err
}
