package ec2

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/cloudreaper/cloudreaper/pkg/engine"
	"github.com/cloudreaper/cloudreaper/pkg/marker"
	"github.com/cloudreaper/cloudreaper/pkg/telemetry"
)

// mockAPI implements API with overridable behavior per call.
type mockAPI struct {
	describeInstances    func(*awsec2.DescribeInstancesInput) (*awsec2.DescribeInstancesOutput, error)
	terminateInstances   func(*awsec2.TerminateInstancesInput) (*awsec2.TerminateInstancesOutput, error)
	createImage          func(*awsec2.CreateImageInput) (*awsec2.CreateImageOutput, error)
	describeImages       func(*awsec2.DescribeImagesInput) (*awsec2.DescribeImagesOutput, error)
	deregisterImage      func(*awsec2.DeregisterImageInput) (*awsec2.DeregisterImageOutput, error)
	modifyImageAttribute func(*awsec2.ModifyImageAttributeInput) (*awsec2.ModifyImageAttributeOutput, error)
	deleteSnapshot       func(*awsec2.DeleteSnapshotInput) (*awsec2.DeleteSnapshotOutput, error)
	createTags           func(*awsec2.CreateTagsInput) (*awsec2.CreateTagsOutput, error)
	deleteTags           func(*awsec2.DeleteTagsInput) (*awsec2.DeleteTagsOutput, error)

	terminateCalls int
	createTagCalls []*awsec2.CreateTagsInput
	deleteTagCalls []*awsec2.DeleteTagsInput
	grantCalls     []*awsec2.ModifyImageAttributeInput
}

func (m *mockAPI) DescribeInstances(ctx context.Context, params *awsec2.DescribeInstancesInput, optFns ...func(*awsec2.Options)) (*awsec2.DescribeInstancesOutput, error) {
	if m.describeInstances != nil {
		return m.describeInstances(params)
	}
	return &awsec2.DescribeInstancesOutput{}, nil
}

func (m *mockAPI) TerminateInstances(ctx context.Context, params *awsec2.TerminateInstancesInput, optFns ...func(*awsec2.Options)) (*awsec2.TerminateInstancesOutput, error) {
	m.terminateCalls++
	if m.terminateInstances != nil {
		return m.terminateInstances(params)
	}
	return &awsec2.TerminateInstancesOutput{}, nil
}

func (m *mockAPI) CreateImage(ctx context.Context, params *awsec2.CreateImageInput, optFns ...func(*awsec2.Options)) (*awsec2.CreateImageOutput, error) {
	if m.createImage != nil {
		return m.createImage(params)
	}
	return &awsec2.CreateImageOutput{ImageId: awsv2.String("ami-new")}, nil
}

func (m *mockAPI) DescribeImages(ctx context.Context, params *awsec2.DescribeImagesInput, optFns ...func(*awsec2.Options)) (*awsec2.DescribeImagesOutput, error) {
	if m.describeImages != nil {
		return m.describeImages(params)
	}
	return &awsec2.DescribeImagesOutput{}, nil
}

func (m *mockAPI) DeregisterImage(ctx context.Context, params *awsec2.DeregisterImageInput, optFns ...func(*awsec2.Options)) (*awsec2.DeregisterImageOutput, error) {
	if m.deregisterImage != nil {
		return m.deregisterImage(params)
	}
	return &awsec2.DeregisterImageOutput{}, nil
}

func (m *mockAPI) ModifyImageAttribute(ctx context.Context, params *awsec2.ModifyImageAttributeInput, optFns ...func(*awsec2.Options)) (*awsec2.ModifyImageAttributeOutput, error) {
	m.grantCalls = append(m.grantCalls, params)
	if m.modifyImageAttribute != nil {
		return m.modifyImageAttribute(params)
	}
	return &awsec2.ModifyImageAttributeOutput{}, nil
}

func (m *mockAPI) DeleteSnapshot(ctx context.Context, params *awsec2.DeleteSnapshotInput, optFns ...func(*awsec2.Options)) (*awsec2.DeleteSnapshotOutput, error) {
	if m.deleteSnapshot != nil {
		return m.deleteSnapshot(params)
	}
	return &awsec2.DeleteSnapshotOutput{}, nil
}

func (m *mockAPI) CreateTags(ctx context.Context, params *awsec2.CreateTagsInput, optFns ...func(*awsec2.Options)) (*awsec2.CreateTagsOutput, error) {
	m.createTagCalls = append(m.createTagCalls, params)
	if m.createTags != nil {
		return m.createTags(params)
	}
	return &awsec2.CreateTagsOutput{}, nil
}

func (m *mockAPI) DeleteTags(ctx context.Context, params *awsec2.DeleteTagsInput, optFns ...func(*awsec2.Options)) (*awsec2.DeleteTagsOutput, error) {
	m.deleteTagCalls = append(m.deleteTagCalls, params)
	if m.deleteTags != nil {
		return m.deleteTags(params)
	}
	return &awsec2.DeleteTagsOutput{}, nil
}

func instancesOutput(id string, stateCode int32) *awsec2.DescribeInstancesOutput {
	return &awsec2.DescribeInstancesOutput{
		Reservations: []ec2types.Reservation{{
			Instances: []ec2types.Instance{{
				InstanceId: awsv2.String(id),
				State:      &ec2types.InstanceState{Code: awsv2.Int32(stateCode)},
			}},
		}},
	}
}

func imagesOutput(id string, state ec2types.ImageState) *awsec2.DescribeImagesOutput {
	return &awsec2.DescribeImagesOutput{
		Images: []ec2types.Image{{ImageId: awsv2.String(id), State: state}},
	}
}

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return logger
}

func testMetrics(t *testing.T) *telemetry.Metrics {
	t.Helper()
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return metrics
}

func newTerminateAction(t *testing.T, client *mockAPI, target engine.Resource, params TerminateInstanceParams) *TerminateInstance {
	t.Helper()
	markers := marker.NewStore(NewTagStore(client), "prod", testLogger(t), testMetrics(t))
	action, err := NewTerminateInstance(client, markers, "prod", "retire-web", "task-1", target, params, testLogger(t), testMetrics(t))
	if err != nil {
		t.Fatalf("NewTerminateInstance: %v", err)
	}
	return action
}

func hasDeletedMarkerTag(client *mockAPI) bool {
	for _, call := range client.deleteTagCalls {
		for _, tag := range call.Tags {
			if awsv2.ToString(tag.Key) == marker.TagName("prod") {
				return true
			}
		}
	}
	return false
}

func TestTerminateWithFinalImage(t *testing.T) {
	client := &mockAPI{}
	target := engine.Resource{
		ID:      "i-1234",
		Account: "111122223333",
		Region:  "eu-west-1",
		Tags:    map[string]string{"team": "storage", "aws:internal": "x"},
	}
	action := newTerminateAction(t, client, target, TerminateInstanceParams{
		CreateImage:           true,
		CopiedInstanceTagKeys: []string{"team", "aws:internal"},
		LaunchAccessAccounts:  []string{"444455556666"},
		InstanceTags:          map[string]string{"retired": "true"},
	})

	var createdImage *awsec2.CreateImageInput
	client.createImage = func(in *awsec2.CreateImageInput) (*awsec2.CreateImageOutput, error) {
		createdImage = in
		return &awsec2.CreateImageOutput{ImageId: awsv2.String("ami-final")}, nil
	}

	intermediate, err := action.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if createdImage == nil {
		t.Fatal("CreateImage was not called")
	}
	imageTags := map[string]string{}
	for _, spec := range createdImage.TagSpecifications {
		for _, tag := range spec.Tags {
			imageTags[awsv2.ToString(tag.Key)] = awsv2.ToString(tag.Value)
		}
	}
	if imageTags["team"] != "storage" {
		t.Error("copied instance tag missing on image")
	}
	if _, ok := imageTags["aws:internal"]; ok {
		t.Error("provider reserved tag must not be copied")
	}
	if client.terminateCalls != 0 {
		t.Fatal("instance must not be terminated before the image is available")
	}

	// Image still pending: run stays pending, no termination.
	client.describeInstances = func(*awsec2.DescribeInstancesInput) (*awsec2.DescribeInstancesOutput, error) {
		return instancesOutput("i-1234", 16), nil
	}
	client.describeImages = func(*awsec2.DescribeImagesInput) (*awsec2.DescribeImagesOutput, error) {
		return imagesOutput("ami-final", ec2types.ImageStatePending), nil
	}
	result, err := action.IsCompleted(context.Background(), intermediate)
	if err != nil || result != nil {
		t.Fatalf("pending image: result=%v err=%v, want nil/nil", result, err)
	}
	if client.terminateCalls != 0 {
		t.Fatal("terminated while image still pending")
	}

	// Image available: grants applied, termination issued, still pending.
	client.describeImages = func(*awsec2.DescribeImagesInput) (*awsec2.DescribeImagesOutput, error) {
		return imagesOutput("ami-final", ec2types.ImageStateAvailable), nil
	}
	result, err = action.IsCompleted(context.Background(), intermediate)
	if err != nil || result != nil {
		t.Fatalf("available image: result=%v err=%v, want nil/nil", result, err)
	}
	if client.terminateCalls != 1 {
		t.Fatalf("terminate calls = %d, want 1", client.terminateCalls)
	}
	if len(client.grantCalls) != 1 {
		t.Fatalf("grant calls = %d, want 1", len(client.grantCalls))
	}

	// Instance terminated (state code carries provider bits in the
	// upper byte): finalize.
	client.describeInstances = func(*awsec2.DescribeInstancesInput) (*awsec2.DescribeInstancesOutput, error) {
		return instancesOutput("i-1234", 0x130), nil
	}
	result, err = action.IsCompleted(context.Background(), intermediate)
	if err != nil {
		t.Fatalf("terminated: %v", err)
	}
	if result == nil {
		t.Fatal("terminated: want a result")
	}
	if len(result.Created) != 1 || result.Created[0] != "ami-final" {
		t.Errorf("result.Created = %v", result.Created)
	}
	if len(result.Deleted) != 1 || result.Deleted[0] != "i-1234" {
		t.Errorf("result.Deleted = %v", result.Deleted)
	}
	if !hasDeletedMarkerTag(client) {
		t.Error("claim marker was not removed after success")
	}
}

// A final image entering a failure state fails the run and clears the
// claim marker; the instance is never terminated.
func TestTerminateFinalImageFailure(t *testing.T) {
	client := &mockAPI{}
	target := engine.Resource{ID: "i-1234", Account: "111122223333", Region: "eu-west-1"}
	action := newTerminateAction(t, client, target, TerminateInstanceParams{CreateImage: true})

	intermediate, err := action.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	client.describeInstances = func(*awsec2.DescribeInstancesInput) (*awsec2.DescribeInstancesOutput, error) {
		return instancesOutput("i-1234", 16), nil
	}
	client.describeImages = func(*awsec2.DescribeImagesInput) (*awsec2.DescribeImagesOutput, error) {
		return imagesOutput("ami-new", ec2types.ImageStateFailed), nil
	}

	result, err := action.IsCompleted(context.Background(), intermediate)
	if err == nil {
		t.Fatal("expected terminal failure")
	}
	if result != nil {
		t.Errorf("result = %+v, want nil", result)
	}
	if !engine.IsOperationFailed(err) {
		t.Errorf("expected operation failure, got %v", err)
	}
	if client.terminateCalls != 0 {
		t.Error("instance must not be terminated after image failure")
	}
	if !hasDeletedMarkerTag(client) {
		t.Error("claim marker was not removed during cleanup")
	}
}

// A non-retryable failure in the execute phase clears the claim marker,
// so an immediately rescheduled run is not skipped as in flight.
func TestTerminateExecuteFailureReleasesMarker(t *testing.T) {
	client := &mockAPI{}
	client.createImage = func(*awsec2.CreateImageInput) (*awsec2.CreateImageOutput, error) {
		return nil, &smithy.GenericAPIError{Code: "InvalidParameterValue", Message: "bad description"}
	}
	target := engine.Resource{ID: "i-1234", Account: "111122223333", Region: "eu-west-1"}
	action := newTerminateAction(t, client, target, TerminateInstanceParams{CreateImage: true})

	_, err := action.Execute(context.Background())
	if err == nil {
		t.Fatal("expected execute failure")
	}
	if engine.IsRetryable(err) {
		t.Fatalf("expected a non-retryable failure, got %v", err)
	}
	if len(client.createTagCalls) == 0 {
		t.Fatal("claim marker was never written")
	}
	if !hasDeletedMarkerTag(client) {
		t.Error("claim marker was not removed after non-retryable failure")
	}
}

// A throttled failure in the execute phase leaves the marker for the
// next run's staleness check.
func TestTerminateThrottledExecuteKeepsMarker(t *testing.T) {
	client := &mockAPI{}
	client.createImage = func(*awsec2.CreateImageInput) (*awsec2.CreateImageOutput, error) {
		return nil, &smithy.GenericAPIError{Code: "RequestLimitExceeded", Message: "slow down"}
	}
	target := engine.Resource{ID: "i-1234"}
	action := newTerminateAction(t, client, target, TerminateInstanceParams{CreateImage: true})

	_, err := action.Execute(context.Background())
	if !engine.IsRetryable(err) {
		t.Fatalf("expected a retryable failure, got %v", err)
	}
	if hasDeletedMarkerTag(client) {
		t.Error("claim marker must survive a retryable failure")
	}
}

func TestTerminateSkipsWhenClaimed(t *testing.T) {
	client := &mockAPI{}
	fresh := marker.Marker{Task: "retire-web", TaskID: "other", Stack: "prod", WrittenAt: time.Now().UTC()}
	raw, err := json.Marshal(fresh)
	if err != nil {
		t.Fatalf("marshal marker: %v", err)
	}
	target := engine.Resource{
		ID:   "i-1234",
		Tags: map[string]string{marker.TagName("prod"): string(raw)},
	}
	action := newTerminateAction(t, client, target, TerminateInstanceParams{})

	intermediate, err := action.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if client.terminateCalls != 0 {
		t.Error("claimed instance must not be touched")
	}
	if len(client.createTagCalls) != 0 {
		t.Error("fresh claim must not be overwritten")
	}

	result, err := action.IsCompleted(context.Background(), intermediate)
	if err != nil {
		t.Fatalf("IsCompleted: %v", err)
	}
	if result == nil || len(result.Notes) == 0 {
		t.Errorf("skip must complete with a note, got %+v", result)
	}
	if result.Processed != 0 {
		t.Errorf("Processed = %d, want 0", result.Processed)
	}
}

func TestTerminateWithoutImage(t *testing.T) {
	client := &mockAPI{}
	target := engine.Resource{ID: "i-1234"}
	action := newTerminateAction(t, client, target, TerminateInstanceParams{CreateImage: false})

	intermediate, err := action.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if client.terminateCalls != 1 {
		t.Fatalf("terminate calls = %d, want 1", client.terminateCalls)
	}

	// Instance gone entirely: also terminal success.
	client.describeInstances = func(*awsec2.DescribeInstancesInput) (*awsec2.DescribeInstancesOutput, error) {
		return nil, &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound", Message: "gone"}
	}
	result, err := action.IsCompleted(context.Background(), intermediate)
	if err != nil {
		t.Fatalf("IsCompleted: %v", err)
	}
	if result == nil || result.Processed != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestTerminateRejectsBadAccountIDs(t *testing.T) {
	client := &mockAPI{}
	markers := marker.NewStore(NewTagStore(client), "prod", testLogger(t), testMetrics(t))
	_, err := NewTerminateInstance(client, markers, "prod", "t", "id", engine.Resource{ID: "i-1"}, TerminateInstanceParams{
		LaunchAccessAccounts: []string{"not-an-account"},
	}, testLogger(t), testMetrics(t))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !engine.IsConfig(err) {
		t.Errorf("expected config error, got %v", err)
	}
}
