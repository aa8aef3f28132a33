// Package ec2 implements lifecycle actions for EC2 instances, images,
// and EBS snapshots.
package ec2

import (
	"context"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// API lists the EC2 operations the actions in this package use.
type API interface {
	DescribeInstances(ctx context.Context, params *awsec2.DescribeInstancesInput, optFns ...func(*awsec2.Options)) (*awsec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *awsec2.TerminateInstancesInput, optFns ...func(*awsec2.Options)) (*awsec2.TerminateInstancesOutput, error)
	CreateImage(ctx context.Context, params *awsec2.CreateImageInput, optFns ...func(*awsec2.Options)) (*awsec2.CreateImageOutput, error)
	DescribeImages(ctx context.Context, params *awsec2.DescribeImagesInput, optFns ...func(*awsec2.Options)) (*awsec2.DescribeImagesOutput, error)
	DeregisterImage(ctx context.Context, params *awsec2.DeregisterImageInput, optFns ...func(*awsec2.Options)) (*awsec2.DeregisterImageOutput, error)
	ModifyImageAttribute(ctx context.Context, params *awsec2.ModifyImageAttributeInput, optFns ...func(*awsec2.Options)) (*awsec2.ModifyImageAttributeOutput, error)
	DeleteSnapshot(ctx context.Context, params *awsec2.DeleteSnapshotInput, optFns ...func(*awsec2.Options)) (*awsec2.DeleteSnapshotOutput, error)
	CreateTags(ctx context.Context, params *awsec2.CreateTagsInput, optFns ...func(*awsec2.Options)) (*awsec2.CreateTagsOutput, error)
	DeleteTags(ctx context.Context, params *awsec2.DeleteTagsInput, optFns ...func(*awsec2.Options)) (*awsec2.DeleteTagsOutput, error)
}

// NewAPIFromConfig builds the real EC2 client.
func NewAPIFromConfig(cfg awsv2.Config) API {
	return awsec2.NewFromConfig(cfg)
}

// Instance state codes. The upper byte of the reported code is an
// internal provider detail and must be masked off before comparison.
const (
	stateCodeShuttingDown = 32
	stateCodeTerminated   = 48
	stateCodeStopping     = 64
	stateCodeStopped      = 80
)

func instanceStateCode(inst ec2types.Instance) int {
	if inst.State == nil || inst.State.Code == nil {
		return -1
	}
	return int(*inst.State.Code) & 0xFF
}

// sdkTags converts a tag map to the EC2 tag list form.
func sdkTags(tags map[string]string) []ec2types.Tag {
	if len(tags) == 0 {
		return nil
	}
	out := make([]ec2types.Tag, 0, len(tags))
	for k, v := range tags {
		out = append(out, ec2types.Tag{Key: awsv2.String(k), Value: awsv2.String(v)})
	}
	return out
}

// TagStore adapts the EC2 tagging API to the marker tag store.
type TagStore struct {
	client API
}

// NewTagStore creates a marker tag store backed by EC2.
func NewTagStore(client API) *TagStore {
	return &TagStore{client: client}
}

// CreateTags writes tags on the resource.
func (s *TagStore) CreateTags(ctx context.Context, resourceID string, tags map[string]string) error {
	_, err := s.client.CreateTags(ctx, &awsec2.CreateTagsInput{
		Resources: []string{resourceID},
		Tags:      sdkTags(tags),
	})
	return err
}

// DeleteTags removes the named tag keys from the resource.
func (s *TagStore) DeleteTags(ctx context.Context, resourceID string, keys []string) error {
	tags := make([]ec2types.Tag, 0, len(keys))
	for _, k := range keys {
		tags = append(tags, ec2types.Tag{Key: awsv2.String(k)})
	}
	_, err := s.client.DeleteTags(ctx, &awsec2.DeleteTagsInput{
		Resources: []string{resourceID},
		Tags:      tags,
	})
	return err
}
