package ec2

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/cloudreaper/cloudreaper/pkg/actions/awsapi"
	"github.com/cloudreaper/cloudreaper/pkg/engine"
	"github.com/cloudreaper/cloudreaper/pkg/marker"
	"github.com/cloudreaper/cloudreaper/pkg/retention"
	"github.com/cloudreaper/cloudreaper/pkg/telemetry"
)

// TerminateInstanceParams configures instance termination with an
// optional final image.
type TerminateInstanceParams struct {
	// CreateImage takes a final image of the instance before
	// terminating it.
	CreateImage bool `json:"create_image" yaml:"create_image"`

	// ImageName names the final image. When empty the name is the
	// instance id with a timestamp suffix, optionally prefixed with
	// ImageNamePrefix.
	ImageName        string `json:"image_name,omitempty" yaml:"image_name,omitempty"`
	ImageNamePrefix  string `json:"image_name_prefix,omitempty" yaml:"image_name_prefix,omitempty"`
	ImageDescription string `json:"image_description,omitempty" yaml:"image_description,omitempty"`

	// ImageTags are set on the final image at creation.
	ImageTags map[string]string `json:"image_tags,omitempty" yaml:"image_tags,omitempty"`

	// CopiedInstanceTagKeys lists instance tag keys copied onto the
	// final image.
	CopiedInstanceTagKeys []string `json:"copied_instance_tag_keys,omitempty" yaml:"copied_instance_tag_keys,omitempty"`

	// InstanceTags are set on the instance once it is terminated.
	InstanceTags map[string]string `json:"instance_tags,omitempty" yaml:"instance_tags,omitempty"`

	// LaunchAccessAccounts are granted launch permission on the final
	// image once it is available.
	LaunchAccessAccounts []string `json:"launch_access_accounts,omitempty" yaml:"launch_access_accounts,omitempty" validate:"dive,len=12,number"`
}

// TerminateInstance terminates an EC2 instance, optionally taking a
// final image first. The image must be available before the instance
// is terminated; launch permissions are granted in between.
type TerminateInstance struct {
	client     API
	markers    *marker.Store
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
	deployment string
	task       string
	taskID     string
	target     engine.Resource
	params     TerminateInstanceParams
	timeout    time.Duration
	now        func() time.Time
}

// NewTerminateInstance creates the action for one target instance.
func NewTerminateInstance(client API, markers *marker.Store, deployment, task, taskID string, target engine.Resource, params TerminateInstanceParams, logger *telemetry.Logger, metrics *telemetry.Metrics) (*TerminateInstance, error) {
	if err := engine.ValidateParams(&params); err != nil {
		return nil, err
	}
	return &TerminateInstance{
		client:     client,
		markers:    markers,
		logger:     logger.WithAction("ec2-terminate-instance"),
		metrics:    metrics,
		deployment: deployment,
		task:       task,
		taskID:     taskID,
		target:     target,
		params:     params,
		timeout:    time.Hour,
		now:        time.Now,
	}, nil
}

// Describe returns the action descriptor.
func (a *TerminateInstance) Describe() engine.Descriptor {
	return engine.Descriptor{
		Name:              "ec2-terminate-instance",
		Service:           "ec2",
		Description:       "Terminates an EC2 instance with an optional final image",
		CompletionTimeout: a.timeout,
		MinInterval:       15 * time.Second,
		Permissions: []string{
			"ec2:DescribeInstances",
			"ec2:DescribeImages",
			"ec2:TerminateInstances",
			"ec2:CreateImage",
			"ec2:ModifyImageAttribute",
			"ec2:CreateTags",
			"ec2:DeleteTags",
		},
	}
}

type terminateInstanceState struct {
	InstanceID string `json:"instance_id"`
	ImageID    string `json:"image_id,omitempty"`
	ImageName  string `json:"image_name,omitempty"`
	Skipped    bool   `json:"skipped,omitempty"`
}

// Execute claims the instance, then either starts the final image or
// issues the termination directly. Returns without waiting for either.
func (a *TerminateInstance) Execute(ctx context.Context) (json.RawMessage, error) {
	log := a.logger.WithResourceID(a.target.ID).WithTask(a.task)

	outcome, err := a.markers.TryClaim(ctx, a.target, a.task, a.taskID, a.timeout)
	if err != nil {
		return nil, err
	}
	if outcome == marker.AlreadyInFlight {
		log.Info("instance claimed by another run, skipping")
		return engine.MarshalIntermediate(terminateInstanceState{InstanceID: a.target.ID, Skipped: true})
	}
	if outcome == marker.Resumed {
		log.Info("resuming abandoned termination")
	}

	state := terminateInstanceState{InstanceID: a.target.ID}
	if a.params.CreateImage {
		state.ImageName = a.imageName()
		out, err := a.client.CreateImage(ctx, &awsec2.CreateImageInput{
			InstanceId:  awsv2.String(a.target.ID),
			Name:        awsv2.String(state.ImageName),
			Description: awsv2.String(a.params.ImageDescription),
			NoReboot:    awsv2.Bool(false),
			TagSpecifications: []ec2types.TagSpecification{{
				ResourceType: ec2types.ResourceTypeImage,
				Tags:         sdkTags(a.imageTags()),
			}},
		})
		if err != nil {
			classified := awsapi.Classify("failed to create final image", err).
				WithResource(a.target.ID).
				WithOperation("CreateImage")
			a.releaseOnTerminal(ctx, classified)
			return nil, classified
		}
		state.ImageID = awsv2.ToString(out.ImageId)
		a.metrics.RecordCreated("ec2", 1)
		log.WithField("image_id", state.ImageID).Info("final image started")
	} else {
		if err := a.terminate(ctx); err != nil {
			a.releaseOnTerminal(ctx, err)
			return nil, err
		}
		log.Info("termination issued")
	}

	return engine.MarshalIntermediate(state)
}

// IsCompleted reports termination progress. While a final image is
// pending the instance keeps running; once the image is available the
// launch grants are applied and the termination is issued.
func (a *TerminateInstance) IsCompleted(ctx context.Context, intermediate json.RawMessage) (*engine.Result, error) {
	var state terminateInstanceState
	if err := engine.UnmarshalIntermediate(intermediate, &state); err != nil {
		return nil, err
	}
	log := a.logger.WithResourceID(state.InstanceID).WithTask(a.task)

	if state.Skipped {
		result := a.newResult()
		result.AddNote("skipped %s: claimed by another run", state.InstanceID)
		return result, nil
	}

	inst, found, err := a.describeInstance(ctx, state.InstanceID)
	if err != nil {
		return nil, err
	}
	if !found || instanceStateCode(inst) == stateCodeTerminated {
		return a.finalize(ctx, state, log)
	}

	switch code := instanceStateCode(inst); code {
	case stateCodeShuttingDown, stateCodeStopping:
		log.Debug("instance shutting down")
		return nil, nil
	}

	if state.ImageID == "" {
		// Termination was issued in the execute phase; the state
		// change has not landed yet.
		return nil, nil
	}
	return a.checkImage(ctx, state, log)
}

func (a *TerminateInstance) checkImage(ctx context.Context, state terminateInstanceState, log *telemetry.Logger) (*engine.Result, error) {
	out, err := a.client.DescribeImages(ctx, &awsec2.DescribeImagesInput{
		ImageIds: []string{state.ImageID},
	})
	if err != nil {
		if awsapi.IsCode(err, "InvalidAMIID.NotFound", "InvalidAMIID.Unavailable") {
			log.WithField("image_id", state.ImageID).Warn("final image disappeared while pending")
			return nil, a.failImage(ctx, state, nil)
		}
		return nil, awsapi.Classify("failed to describe final image", err).
			WithResource(state.ImageID).
			WithOperation("DescribeImages")
	}
	if len(out.Images) == 0 {
		return nil, a.failImage(ctx, state, nil)
	}

	switch imgState := out.Images[0].State; imgState {
	case ec2types.ImageStateAvailable:
		if err := a.grantLaunchAccess(ctx, state.ImageID); err != nil {
			return nil, err
		}
		if err := a.terminate(ctx); err != nil {
			return nil, err
		}
		log.Info("final image available, termination issued")
		return nil, nil
	case ec2types.ImageStateFailed, ec2types.ImageStateError, ec2types.ImageStateInvalid:
		log.WithField("image_state", string(imgState)).Error("final image entered a failure state")
		return nil, a.failImage(ctx, state, nil)
	case ec2types.ImageStatePending, ec2types.ImageStateTransient:
		return nil, nil
	default:
		log.WithField("image_state", string(imgState)).Warn("unrecognized image state, treating as pending")
		return nil, nil
	}
}

// releaseOnTerminal removes the claim marker before a terminal failure
// propagates. Retryable failures leave the marker in place, so a later
// run resumes through the staleness check instead of racing this one.
func (a *TerminateInstance) releaseOnTerminal(ctx context.Context, cause error) {
	if engine.IsRetryable(cause) {
		return
	}
	if err := a.markers.Release(ctx, a.target); err != nil {
		a.logger.WithResourceID(a.target.ID).WithError(err).Warn("failed to remove claim marker after failed execute")
	}
}

// failImage clears the claim marker and reports the terminal failure.
// The instance is left untouched.
func (a *TerminateInstance) failImage(ctx context.Context, state terminateInstanceState, cause error) error {
	if err := a.markers.Release(ctx, a.target); err != nil {
		a.logger.WithResourceID(state.InstanceID).WithError(err).Warn("failed to remove claim marker during cleanup")
	}
	return engine.NewOperationError("final image did not become available", cause).
		WithResource(state.ImageID).
		WithCode(engine.ErrCodeProviderFailed)
}

func (a *TerminateInstance) finalize(ctx context.Context, state terminateInstanceState, log *telemetry.Logger) (*engine.Result, error) {
	result := a.newResult()
	result.Targets = []string{state.InstanceID}
	result.Processed = 1
	result.Deleted = []string{state.InstanceID}
	if state.ImageID != "" {
		result.Created = []string{state.ImageID}
		result.GrantedAccounts = a.params.LaunchAccessAccounts
	}

	if len(a.params.InstanceTags) > 0 {
		_, err := a.client.CreateTags(ctx, &awsec2.CreateTagsInput{
			Resources: []string{state.InstanceID},
			Tags:      sdkTags(a.params.InstanceTags),
		})
		if err != nil {
			log.WithError(err).Warn("failed to tag terminated instance")
			result.AddNote("tagging terminated instance failed: %s", err)
		}
	}

	if err := a.markers.Release(ctx, a.target); err != nil {
		log.WithError(err).Warn("failed to remove claim marker after termination")
		result.AddNote("removing claim marker failed: %s", err)
	}

	a.metrics.RecordDeleted("ec2", 1)
	log.Info("instance terminated")
	return result, nil
}

func (a *TerminateInstance) terminate(ctx context.Context) error {
	_, err := a.client.TerminateInstances(ctx, &awsec2.TerminateInstancesInput{
		InstanceIds: []string{a.target.ID},
	})
	if err != nil {
		if awsapi.IsCode(err, "InvalidInstanceID.NotFound") {
			return nil
		}
		return awsapi.Classify("failed to terminate instance", err).
			WithResource(a.target.ID).
			WithOperation("TerminateInstances")
	}
	return nil
}

func (a *TerminateInstance) grantLaunchAccess(ctx context.Context, imageID string) error {
	if len(a.params.LaunchAccessAccounts) == 0 {
		return nil
	}
	add := make([]ec2types.LaunchPermission, 0, len(a.params.LaunchAccessAccounts))
	for _, account := range a.params.LaunchAccessAccounts {
		add = append(add, ec2types.LaunchPermission{UserId: awsv2.String(account)})
	}
	_, err := a.client.ModifyImageAttribute(ctx, &awsec2.ModifyImageAttributeInput{
		ImageId:          awsv2.String(imageID),
		LaunchPermission: &ec2types.LaunchPermissionModifications{Add: add},
	})
	if err != nil {
		return engine.NewPartialError("failed to grant launch access on final image", err).
			WithResource(imageID).
			WithOperation("ModifyImageAttribute").
			WithCode(engine.ErrCodePermissionGrant)
	}
	a.metrics.RecordAccessGrant("ec2", len(a.params.LaunchAccessAccounts))
	return nil
}

func (a *TerminateInstance) describeInstance(ctx context.Context, id string) (ec2types.Instance, bool, error) {
	out, err := a.client.DescribeInstances(ctx, &awsec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		if awsapi.IsCode(err, "InvalidInstanceID.NotFound") {
			return ec2types.Instance{}, false, nil
		}
		return ec2types.Instance{}, false, awsapi.Classify("failed to describe instance", err).
			WithResource(id).
			WithOperation("DescribeInstances")
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if awsv2.ToString(inst.InstanceId) == id {
				return inst, true, nil
			}
		}
	}
	return ec2types.Instance{}, false, nil
}

func (a *TerminateInstance) imageName() string {
	if a.params.ImageName != "" {
		return a.params.ImageName
	}
	return a.params.ImageNamePrefix + engine.DefaultArtifactName(a.target.ID, a.now())
}

// imageTags merges copied instance tags, configured image tags, and
// the source marker the relationship resolver reads later. Provider
// reserved keys are never copied.
func (a *TerminateInstance) imageTags() map[string]string {
	tags := make(map[string]string)
	for _, key := range a.params.CopiedInstanceTagKeys {
		if strings.HasPrefix(key, "aws:") {
			continue
		}
		if v, ok := a.target.Tags[key]; ok {
			tags[key] = v
		}
	}
	for k, v := range a.params.ImageTags {
		tags[k] = v
	}
	tags[retention.SourceTagName(a.deployment)] = a.target.ID
	return tags
}

func (a *TerminateInstance) newResult() *engine.Result {
	return &engine.Result{
		Account: a.target.Account,
		Region:  a.target.Region,
		Task:    a.task,
	}
}
