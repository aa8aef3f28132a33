package rds

import (
	"context"
	"testing"
	"time"

	awsrds "github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"

	"github.com/cloudreaper/cloudreaper/pkg/engine"
	"github.com/cloudreaper/cloudreaper/pkg/retention"
)

func snapshotResource(id, source string, created time.Time) engine.Resource {
	return engine.Resource{
		ID:        id,
		Account:   "111122223333",
		Region:    "eu-west-1",
		CreatedAt: created,
		Tags:      map[string]string{retention.SourceTagName("prod"): source},
	}
}

func newDeleteSnapshotAction(t *testing.T, client *mockAPI, policy retention.Policy, snapshots []engine.Resource) *DeleteInstanceSnapshot {
	t.Helper()
	logger := testLogger(t)
	resolver := retention.NewOwnerResolver("prod", logger)
	action, err := NewDeleteInstanceSnapshot(client, resolver, "prune-snapshots", "111122223333", "eu-west-1", policy, snapshots, logger, testMetrics(t))
	if err != nil {
		t.Fatalf("NewDeleteInstanceSnapshot: %v", err)
	}
	return action
}

func TestDeleteSnapshotKeepsNewestPerInstance(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	count := 2
	snapshots := []engine.Resource{
		snapshotResource("snap-day1", "db-main", base),
		snapshotResource("snap-day2", "db-main", base.Add(24*time.Hour)),
		snapshotResource("snap-day3", "db-main", base.Add(48*time.Hour)),
		snapshotResource("snap-other", "db-other", base),
	}

	client := &mockAPI{}
	action := newDeleteSnapshotAction(t, client, retention.Policy{Count: &count}, snapshots)

	intermediate, err := action.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(client.snapshotDeletes) != 1 || client.snapshotDeletes[0] != "snap-day1" {
		t.Errorf("deleted %v, want [snap-day1]", client.snapshotDeletes)
	}

	result, err := action.IsCompleted(context.Background(), intermediate)
	if err != nil {
		t.Fatalf("IsCompleted: %v", err)
	}
	if result.Processed != 1 || len(result.Deleted) != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestDeleteSnapshotAgePolicy(t *testing.T) {
	now := time.Now().UTC()
	days := 7
	snapshots := []engine.Resource{
		snapshotResource("snap-old", "db-main", now.Add(-8*24*time.Hour)),
		snapshotResource("snap-fresh", "db-main", now.Add(-6*24*time.Hour)),
	}

	client := &mockAPI{}
	action := newDeleteSnapshotAction(t, client, retention.Policy{Days: &days}, snapshots)

	if _, err := action.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(client.snapshotDeletes) != 1 || client.snapshotDeletes[0] != "snap-old" {
		t.Errorf("deleted %v, want [snap-old]", client.snapshotDeletes)
	}
}

func TestDeleteSnapshotToleratesAlreadyGone(t *testing.T) {
	count := 0
	client := &mockAPI{
		deleteSnapshot: func(*awsrds.DeleteDBSnapshotInput) (*awsrds.DeleteDBSnapshotOutput, error) {
			return nil, &rdstypes.DBSnapshotNotFoundFault{}
		},
	}
	action := newDeleteSnapshotAction(t, client, retention.Policy{Count: &count}, []engine.Resource{
		snapshotResource("snap-gone", "db-main", time.Now().UTC()),
	})

	intermediate, err := action.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	result, err := action.IsCompleted(context.Background(), intermediate)
	if err != nil {
		t.Fatalf("IsCompleted: %v", err)
	}
	if len(result.Deleted) != 1 || result.Deleted[0] != "snap-gone" {
		t.Errorf("result.Deleted = %v", result.Deleted)
	}
}

func TestDeleteSnapshotExcludesUnresolved(t *testing.T) {
	count := 0
	orphan := engine.Resource{ID: "snap-orphan", CreatedAt: time.Now().UTC()}

	client := &mockAPI{}
	action := newDeleteSnapshotAction(t, client, retention.Policy{Count: &count}, []engine.Resource{orphan})

	intermediate, err := action.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(client.snapshotDeletes) != 0 {
		t.Errorf("deleted %v, want none", client.snapshotDeletes)
	}
	result, err := action.IsCompleted(context.Background(), intermediate)
	if err != nil {
		t.Fatalf("IsCompleted: %v", err)
	}
	if len(result.Notes) != 1 {
		t.Errorf("result.Notes = %v, want one exclusion note", result.Notes)
	}
}
