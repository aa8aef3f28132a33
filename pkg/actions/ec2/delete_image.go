package ec2

import (
	"context"
	"encoding/json"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"

	"github.com/cloudreaper/cloudreaper/pkg/actions/awsapi"
	"github.com/cloudreaper/cloudreaper/pkg/engine"
	"github.com/cloudreaper/cloudreaper/pkg/retention"
	"github.com/cloudreaper/cloudreaper/pkg/telemetry"
)

// DeleteImage retires images under a retention policy, grouped by
// source instance. Deregistering an image leaves its EBS snapshots
// behind, so those are deleted as well.
type DeleteImage struct {
	client   API
	resolver *retention.OwnerResolver
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	task     string
	account  string
	region   string
	policy   retention.Policy
	images   []engine.Resource
	now      func() time.Time
}

// NewDeleteImage creates the action over the given candidate images.
// The policy is validated before any side effect.
func NewDeleteImage(client API, resolver *retention.OwnerResolver, task, account, region string, policy retention.Policy, images []engine.Resource, logger *telemetry.Logger, metrics *telemetry.Metrics) (*DeleteImage, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &DeleteImage{
		client:   client,
		resolver: resolver,
		logger:   logger.WithAction("ec2-delete-image"),
		metrics:  metrics,
		task:     task,
		account:  account,
		region:   region,
		policy:   policy,
		images:   images,
		now:      time.Now,
	}, nil
}

// Describe returns the action descriptor.
func (a *DeleteImage) Describe() engine.Descriptor {
	return engine.Descriptor{
		Name:              "ec2-delete-image",
		Service:           "ec2",
		Description:       "Deregisters images past retention and deletes their snapshots",
		CompletionTimeout: 15 * time.Minute,
		MinInterval:       time.Minute,
		Permissions: []string{
			"ec2:DescribeImages",
			"ec2:DeregisterImage",
			"ec2:DeleteSnapshot",
		},
	}
}

type deleteImageState struct {
	Deleted          []string `json:"deleted,omitempty"`
	DeletedSnapshots []string `json:"deleted_snapshots,omitempty"`
	Unresolved       []string `json:"unresolved,omitempty"`
}

// Execute selects and deregisters the doomed images. Deregistration
// is synchronous, so the completion check has nothing left to poll.
func (a *DeleteImage) Execute(ctx context.Context) (json.RawMessage, error) {
	selection := retention.SelectForDeletion(a.resolver.Resolve(a.images), a.policy, a.now())

	var state deleteImageState
	for _, res := range selection.Unresolved {
		a.logger.WithResourceID(res.ID).Warn("image has no resolvable source instance, excluded from retention")
		state.Unresolved = append(state.Unresolved, res.ID)
	}

	for _, img := range selection.Delete {
		snapshots, err := a.imageSnapshots(ctx, img.ID)
		if err != nil {
			return nil, err
		}
		if err := a.deregister(ctx, img.ID); err != nil {
			return nil, err
		}
		state.Deleted = append(state.Deleted, img.ID)
		for _, snap := range snapshots {
			if err := a.deleteSnapshot(ctx, snap); err != nil {
				return nil, err
			}
			state.DeletedSnapshots = append(state.DeletedSnapshots, snap)
		}
		a.logger.WithResourceID(img.ID).Info("image deregistered")
	}

	a.metrics.RecordDeleted("ec2", len(state.Deleted)+len(state.DeletedSnapshots))
	return engine.MarshalIntermediate(state)
}

// IsCompleted reports the already-final outcome of the execute phase.
func (a *DeleteImage) IsCompleted(ctx context.Context, intermediate json.RawMessage) (*engine.Result, error) {
	var state deleteImageState
	if err := engine.UnmarshalIntermediate(intermediate, &state); err != nil {
		return nil, err
	}

	result := &engine.Result{
		Account:   a.account,
		Region:    a.region,
		Task:      a.task,
		Targets:   state.Deleted,
		Processed: len(state.Deleted),
		Deleted:   append(append([]string(nil), state.Deleted...), state.DeletedSnapshots...),
	}
	for _, id := range state.Unresolved {
		result.AddNote("image %s excluded: source instance unresolved", id)
	}
	return result, nil
}

// imageSnapshots returns the EBS snapshot ids backing the image. A
// missing image yields no snapshots; it was already deregistered.
func (a *DeleteImage) imageSnapshots(ctx context.Context, imageID string) ([]string, error) {
	out, err := a.client.DescribeImages(ctx, &awsec2.DescribeImagesInput{
		ImageIds: []string{imageID},
	})
	if err != nil {
		if awsapi.IsCode(err, "InvalidAMIID.NotFound", "InvalidAMIID.Unavailable") {
			return nil, nil
		}
		return nil, awsapi.Classify("failed to describe image", err).
			WithResource(imageID).
			WithOperation("DescribeImages")
	}
	var snapshots []string
	for _, img := range out.Images {
		for _, mapping := range img.BlockDeviceMappings {
			if mapping.Ebs != nil && mapping.Ebs.SnapshotId != nil {
				snapshots = append(snapshots, awsv2.ToString(mapping.Ebs.SnapshotId))
			}
		}
	}
	return snapshots, nil
}

func (a *DeleteImage) deregister(ctx context.Context, imageID string) error {
	_, err := a.client.DeregisterImage(ctx, &awsec2.DeregisterImageInput{
		ImageId: awsv2.String(imageID),
	})
	if err != nil {
		// Already gone counts as deleted.
		if awsapi.IsCode(err, "InvalidAMIID.NotFound", "InvalidAMIID.Unavailable") {
			return nil
		}
		return awsapi.Classify("failed to deregister image", err).
			WithResource(imageID).
			WithOperation("DeregisterImage")
	}
	return nil
}

func (a *DeleteImage) deleteSnapshot(ctx context.Context, snapshotID string) error {
	_, err := a.client.DeleteSnapshot(ctx, &awsec2.DeleteSnapshotInput{
		SnapshotId: awsv2.String(snapshotID),
	})
	if err != nil {
		if awsapi.IsCode(err, "InvalidSnapshot.NotFound") {
			return nil
		}
		return awsapi.Classify("failed to delete image snapshot", err).
			WithResource(snapshotID).
			WithOperation("DeleteSnapshot")
	}
	return nil
}
