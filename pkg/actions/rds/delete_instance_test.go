package rds

import (
	"context"
	"errors"
	"testing"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	awsrds "github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"

	"github.com/cloudreaper/cloudreaper/pkg/engine"
	"github.com/cloudreaper/cloudreaper/pkg/retention"
	"github.com/cloudreaper/cloudreaper/pkg/telemetry"
)

type mockAPI struct {
	describeInstances func(*awsrds.DescribeDBInstancesInput) (*awsrds.DescribeDBInstancesOutput, error)
	deleteInstance    func(*awsrds.DeleteDBInstanceInput) (*awsrds.DeleteDBInstanceOutput, error)
	startInstance     func(*awsrds.StartDBInstanceInput) (*awsrds.StartDBInstanceOutput, error)
	stopInstance      func(*awsrds.StopDBInstanceInput) (*awsrds.StopDBInstanceOutput, error)
	describeSnapshots func(*awsrds.DescribeDBSnapshotsInput) (*awsrds.DescribeDBSnapshotsOutput, error)
	deleteSnapshot    func(*awsrds.DeleteDBSnapshotInput) (*awsrds.DeleteDBSnapshotOutput, error)
	modifyAttribute   func(*awsrds.ModifyDBSnapshotAttributeInput) (*awsrds.ModifyDBSnapshotAttributeOutput, error)
	addTags           func(*awsrds.AddTagsToResourceInput) (*awsrds.AddTagsToResourceOutput, error)
	removeTags        func(*awsrds.RemoveTagsFromResourceInput) (*awsrds.RemoveTagsFromResourceOutput, error)

	startCalls      int
	stopCalls       int
	deleteCalls     []*awsrds.DeleteDBInstanceInput
	addTagCalls     []*awsrds.AddTagsToResourceInput
	removeTagCalls  []*awsrds.RemoveTagsFromResourceInput
	attributeCalls  []*awsrds.ModifyDBSnapshotAttributeInput
	snapshotDeletes []string
}

func (m *mockAPI) DescribeDBInstances(ctx context.Context, params *awsrds.DescribeDBInstancesInput, optFns ...func(*awsrds.Options)) (*awsrds.DescribeDBInstancesOutput, error) {
	if m.describeInstances != nil {
		return m.describeInstances(params)
	}
	return &awsrds.DescribeDBInstancesOutput{}, nil
}

func (m *mockAPI) DeleteDBInstance(ctx context.Context, params *awsrds.DeleteDBInstanceInput, optFns ...func(*awsrds.Options)) (*awsrds.DeleteDBInstanceOutput, error) {
	m.deleteCalls = append(m.deleteCalls, params)
	if m.deleteInstance != nil {
		return m.deleteInstance(params)
	}
	return &awsrds.DeleteDBInstanceOutput{}, nil
}

func (m *mockAPI) StartDBInstance(ctx context.Context, params *awsrds.StartDBInstanceInput, optFns ...func(*awsrds.Options)) (*awsrds.StartDBInstanceOutput, error) {
	m.startCalls++
	if m.startInstance != nil {
		return m.startInstance(params)
	}
	return &awsrds.StartDBInstanceOutput{}, nil
}

func (m *mockAPI) StopDBInstance(ctx context.Context, params *awsrds.StopDBInstanceInput, optFns ...func(*awsrds.Options)) (*awsrds.StopDBInstanceOutput, error) {
	m.stopCalls++
	if m.stopInstance != nil {
		return m.stopInstance(params)
	}
	return &awsrds.StopDBInstanceOutput{}, nil
}

func (m *mockAPI) DescribeDBSnapshots(ctx context.Context, params *awsrds.DescribeDBSnapshotsInput, optFns ...func(*awsrds.Options)) (*awsrds.DescribeDBSnapshotsOutput, error) {
	if m.describeSnapshots != nil {
		return m.describeSnapshots(params)
	}
	return nil, &rdstypes.DBSnapshotNotFoundFault{}
}

func (m *mockAPI) DeleteDBSnapshot(ctx context.Context, params *awsrds.DeleteDBSnapshotInput, optFns ...func(*awsrds.Options)) (*awsrds.DeleteDBSnapshotOutput, error) {
	m.snapshotDeletes = append(m.snapshotDeletes, awsv2.ToString(params.DBSnapshotIdentifier))
	if m.deleteSnapshot != nil {
		return m.deleteSnapshot(params)
	}
	return &awsrds.DeleteDBSnapshotOutput{}, nil
}

func (m *mockAPI) ModifyDBSnapshotAttribute(ctx context.Context, params *awsrds.ModifyDBSnapshotAttributeInput, optFns ...func(*awsrds.Options)) (*awsrds.ModifyDBSnapshotAttributeOutput, error) {
	m.attributeCalls = append(m.attributeCalls, params)
	if m.modifyAttribute != nil {
		return m.modifyAttribute(params)
	}
	return &awsrds.ModifyDBSnapshotAttributeOutput{}, nil
}

func (m *mockAPI) AddTagsToResource(ctx context.Context, params *awsrds.AddTagsToResourceInput, optFns ...func(*awsrds.Options)) (*awsrds.AddTagsToResourceOutput, error) {
	m.addTagCalls = append(m.addTagCalls, params)
	if m.addTags != nil {
		return m.addTags(params)
	}
	return &awsrds.AddTagsToResourceOutput{}, nil
}

func (m *mockAPI) RemoveTagsFromResource(ctx context.Context, params *awsrds.RemoveTagsFromResourceInput, optFns ...func(*awsrds.Options)) (*awsrds.RemoveTagsFromResourceOutput, error) {
	m.removeTagCalls = append(m.removeTagCalls, params)
	if m.removeTags != nil {
		return m.removeTags(params)
	}
	return &awsrds.RemoveTagsFromResourceOutput{}, nil
}

func instanceOutput(id, status string) *awsrds.DescribeDBInstancesOutput {
	return &awsrds.DescribeDBInstancesOutput{
		DBInstances: []rdstypes.DBInstance{{
			DBInstanceIdentifier: awsv2.String(id),
			DBInstanceArn:        awsv2.String("arn:aws:rds:eu-west-1:111122223333:db:" + id),
			DBInstanceStatus:     awsv2.String(status),
			TagList: []rdstypes.Tag{
				{Key: awsv2.String("team"), Value: awsv2.String("storage")},
			},
		}},
	}
}

func snapshotOutput(id, status string) *awsrds.DescribeDBSnapshotsOutput {
	return &awsrds.DescribeDBSnapshotsOutput{
		DBSnapshots: []rdstypes.DBSnapshot{{
			DBSnapshotIdentifier: awsv2.String(id),
			DBSnapshotArn:        awsv2.String("arn:aws:rds:eu-west-1:111122223333:snapshot:" + id),
			Status:               awsv2.String(status),
		}},
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

func newDeleteInstanceAction(t *testing.T, client *mockAPI, params DeleteInstanceParams) *DeleteInstance {
	t.Helper()
	target := engine.Resource{ID: "db-main", Account: "111122223333", Region: "eu-west-1"}
	action, err := NewDeleteInstance(client, "prod", "retire-db", target, params, testLogger(t), testMetrics(t))
	if err != nil {
		t.Fatalf("NewDeleteInstance: %v", err)
	}
	return action
}

// Deleting a stopped instance with a final snapshot walks the full
// sequence: start the instance, delete once available, wait for the
// snapshot, then tag it and grant restore access.
func TestDeleteStoppedInstanceWithFinalSnapshot(t *testing.T) {
	client := &mockAPI{}
	client.describeInstances = func(*awsrds.DescribeDBInstancesInput) (*awsrds.DescribeDBInstancesOutput, error) {
		return instanceOutput("db-main", "stopped"), nil
	}

	action := newDeleteInstanceAction(t, client, DeleteInstanceParams{
		CreateSnapshot:        true,
		SnapshotName:          "db-main-final",
		StartStopped:          true,
		CopiedInstanceTagKeys: []string{"team"},
		RestoreAccessAccounts: []string{"444455556666"},
		TaskListTagKey:        "cloudreaper:tasks",
	})

	intermediate, err := action.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(client.deleteCalls) != 0 {
		t.Fatal("stopped instance must not be deleted in the execute phase")
	}

	// Poll 1: stopped, so the instance is started.
	result, err := action.IsCompleted(context.Background(), intermediate)
	if err != nil || result != nil {
		t.Fatalf("poll 1: result=%v err=%v, want nil/nil", result, err)
	}
	if client.startCalls != 1 {
		t.Fatalf("start calls = %d, want 1", client.startCalls)
	}

	// Poll 2: starting, still pending.
	client.describeInstances = func(*awsrds.DescribeDBInstancesInput) (*awsrds.DescribeDBInstancesOutput, error) {
		return instanceOutput("db-main", "starting"), nil
	}
	if result, err := action.IsCompleted(context.Background(), intermediate); err != nil || result != nil {
		t.Fatalf("poll 2: result=%v err=%v, want nil/nil", result, err)
	}
	if len(client.deleteCalls) != 0 {
		t.Fatal("deleted while still starting")
	}

	// Poll 3: available, deletion with the final snapshot is issued
	// and the task list tag is scrubbed first.
	client.describeInstances = func(*awsrds.DescribeDBInstancesInput) (*awsrds.DescribeDBInstancesOutput, error) {
		return instanceOutput("db-main", "available"), nil
	}
	if result, err := action.IsCompleted(context.Background(), intermediate); err != nil || result != nil {
		t.Fatalf("poll 3: result=%v err=%v, want nil/nil", result, err)
	}
	if len(client.deleteCalls) != 1 {
		t.Fatalf("delete calls = %d, want 1", len(client.deleteCalls))
	}
	del := client.deleteCalls[0]
	if awsv2.ToBool(del.SkipFinalSnapshot) {
		t.Error("final snapshot must not be skipped")
	}
	if got := awsv2.ToString(del.FinalDBSnapshotIdentifier); got != "db-main-final" {
		t.Errorf("FinalDBSnapshotIdentifier = %q", got)
	}
	scrubbed := false
	for _, call := range client.removeTagCalls {
		for _, key := range call.TagKeys {
			if key == "cloudreaper:tasks" {
				scrubbed = true
			}
		}
	}
	if !scrubbed {
		t.Error("task list tag was not scrubbed before deletion")
	}

	// Poll 4: instance gone, snapshot still creating.
	client.describeInstances = func(*awsrds.DescribeDBInstancesInput) (*awsrds.DescribeDBInstancesOutput, error) {
		return nil, &rdstypes.DBInstanceNotFoundFault{}
	}
	client.describeSnapshots = func(*awsrds.DescribeDBSnapshotsInput) (*awsrds.DescribeDBSnapshotsOutput, error) {
		return snapshotOutput("db-main-final", "creating"), nil
	}
	if result, err := action.IsCompleted(context.Background(), intermediate); err != nil || result != nil {
		t.Fatalf("poll 4: result=%v err=%v, want nil/nil", result, err)
	}

	// Poll 5: snapshot available, run completes with tags and grants.
	client.describeSnapshots = func(*awsrds.DescribeDBSnapshotsInput) (*awsrds.DescribeDBSnapshotsOutput, error) {
		return snapshotOutput("db-main-final", "available"), nil
	}
	result, err = action.IsCompleted(context.Background(), intermediate)
	if err != nil {
		t.Fatalf("poll 5: %v", err)
	}
	if result == nil {
		t.Fatal("poll 5: want a result")
	}
	if len(result.Created) != 1 || result.Created[0] != "db-main-final" {
		t.Errorf("result.Created = %v", result.Created)
	}
	if len(result.GrantedAccounts) != 1 {
		t.Errorf("result.GrantedAccounts = %v", result.GrantedAccounts)
	}
	if len(client.attributeCalls) != 1 {
		t.Fatalf("attribute calls = %d, want 1", len(client.attributeCalls))
	}
	attr := client.attributeCalls[0]
	if awsv2.ToString(attr.AttributeName) != "restore" {
		t.Errorf("AttributeName = %q, want restore", awsv2.ToString(attr.AttributeName))
	}

	tagged := map[string]string{}
	for _, call := range client.addTagCalls {
		for _, tag := range call.Tags {
			tagged[awsv2.ToString(tag.Key)] = awsv2.ToString(tag.Value)
		}
	}
	if tagged["team"] != "storage" {
		t.Error("copied instance tag missing on final snapshot")
	}
	if tagged[retention.SourceTagName("prod")] != "db-main" {
		t.Error("source marker tag missing on final snapshot")
	}
}

// A failed deletion re-stops an instance that was only started for the
// final snapshot.
func TestDeleteFailureRestopsInstance(t *testing.T) {
	client := &mockAPI{}
	client.describeInstances = func(*awsrds.DescribeDBInstancesInput) (*awsrds.DescribeDBInstancesOutput, error) {
		return instanceOutput("db-main", "stopped"), nil
	}

	action := newDeleteInstanceAction(t, client, DeleteInstanceParams{
		CreateSnapshot: true,
		StartStopped:   true,
	})
	intermediate, err := action.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	client.describeInstances = func(*awsrds.DescribeDBInstancesInput) (*awsrds.DescribeDBInstancesOutput, error) {
		return instanceOutput("db-main", "available"), nil
	}
	client.deleteInstance = func(*awsrds.DeleteDBInstanceInput) (*awsrds.DeleteDBInstanceOutput, error) {
		return nil, errors.New("deletion refused")
	}

	_, err = action.IsCompleted(context.Background(), intermediate)
	if err == nil {
		t.Fatal("expected delete failure to propagate")
	}
	if client.stopCalls != 1 {
		t.Errorf("stop calls = %d, want 1 (instance must be re-stopped)", client.stopCalls)
	}
}

func TestDeleteStoppedInstanceNotAllowed(t *testing.T) {
	client := &mockAPI{}
	client.describeInstances = func(*awsrds.DescribeDBInstancesInput) (*awsrds.DescribeDBInstancesOutput, error) {
		return instanceOutput("db-main", "stopped"), nil
	}

	action := newDeleteInstanceAction(t, client, DeleteInstanceParams{
		CreateSnapshot: true,
		StartStopped:   false,
	})
	_, err := action.Execute(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !engine.IsOperationFailed(err) {
		t.Errorf("expected operation failure, got %v", err)
	}
	if client.startCalls != 0 {
		t.Error("instance must not be started")
	}
}

func TestDeleteAvailableInstanceSkipsSnapshot(t *testing.T) {
	client := &mockAPI{}
	client.describeInstances = func(*awsrds.DescribeDBInstancesInput) (*awsrds.DescribeDBInstancesOutput, error) {
		return instanceOutput("db-main", "available"), nil
	}

	action := newDeleteInstanceAction(t, client, DeleteInstanceParams{CreateSnapshot: false})
	intermediate, err := action.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(client.deleteCalls) != 1 {
		t.Fatalf("delete calls = %d, want 1", len(client.deleteCalls))
	}
	if !awsv2.ToBool(client.deleteCalls[0].SkipFinalSnapshot) {
		t.Error("SkipFinalSnapshot should be set")
	}

	client.describeInstances = func(*awsrds.DescribeDBInstancesInput) (*awsrds.DescribeDBInstancesOutput, error) {
		return nil, &rdstypes.DBInstanceNotFoundFault{}
	}
	result, err := action.IsCompleted(context.Background(), intermediate)
	if err != nil {
		t.Fatalf("IsCompleted: %v", err)
	}
	if result == nil || len(result.Deleted) != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestDeleteMissingInstanceIsSuccess(t *testing.T) {
	client := &mockAPI{}
	client.describeInstances = func(*awsrds.DescribeDBInstancesInput) (*awsrds.DescribeDBInstancesOutput, error) {
		return nil, &rdstypes.DBInstanceNotFoundFault{}
	}

	action := newDeleteInstanceAction(t, client, DeleteInstanceParams{})
	intermediate, err := action.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	result, err := action.IsCompleted(context.Background(), intermediate)
	if err != nil {
		t.Fatalf("IsCompleted: %v", err)
	}
	if result == nil || len(result.Notes) == 0 {
		t.Errorf("result = %+v, want note about missing instance", result)
	}
}
