package engine

import (
	"fmt"
	"strings"
	"time"
)

// Resource represents an addressable cloud object.
type Resource struct {
	// ID is the provider identifier (instance id, snapshot id, backup ARN, ...).
	ID string `json:"id"`

	// Account is the cloud account that owns the resource.
	Account string `json:"account"`

	// Region is the provider region the resource lives in.
	Region string `json:"region"`

	// Status is the provider-reported status string, unmodified.
	Status string `json:"status,omitempty"`

	// CreatedAt is the creation time, normalized to UTC.
	CreatedAt time.Time `json:"created_at,omitzero"`

	// Tags are the provider tags on the resource.
	Tags map[string]string `json:"tags,omitempty"`

	// ParentID is the provider-reported source resource id for derived
	// artifacts (image <- instance, snapshot <- db instance). Empty when the
	// provider API omits the linkage.
	ParentID string `json:"parent_id,omitempty"`
}

// Tag returns the value of a tag, or "" when absent.
func (r Resource) Tag(key string) string {
	return r.Tags[key]
}

// Result is the structured terminal outcome of a completed action run,
// reported upstream to the metrics/result collaborator.
type Result struct {
	// Account and Region identify where the run operated.
	Account string `json:"account"`
	Region  string `json:"region"`

	// Task is the logical task name the run belonged to.
	Task string `json:"task"`

	// Targets are the provider ids the run operated on.
	Targets []string `json:"targets,omitempty"`

	// Processed is the number of candidate resources examined.
	Processed int `json:"processed"`

	// Deleted lists provider ids of resources removed by the run.
	Deleted []string `json:"deleted,omitempty"`

	// Created lists provider ids of artifacts created by the run
	// (final images, snapshots, backups).
	Created []string `json:"created,omitempty"`

	// GrantedAccounts lists foreign accounts granted access to a created
	// artifact (launch or restore permissions).
	GrantedAccounts []string `json:"granted_accounts,omitempty"`

	// Notes carries secondary-failure reports and other non-fatal
	// observations. A failed finalization step (tagging, permission grant)
	// after a successful primary operation lands here instead of failing
	// the run.
	Notes []string `json:"notes,omitempty"`
}

// AddNote records a non-fatal observation on the result.
func (r *Result) AddNote(format string, args ...any) {
	r.Notes = append(r.Notes, fmt.Sprintf(format, args...))
}

// timestampLayouts are the accepted wire formats for creation times, in
// order of preference. Provider APIs return either structured times or
// ISO-8601 strings depending on the service and SDK path.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp normalizes an ISO-8601/RFC3339 timestamp string to a UTC
// time. Strings without a zone designator are interpreted as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// DefaultArtifactName builds the fallback name for a created artifact:
// <source id>-yyyymmddhhmm in UTC.
func DefaultArtifactName(sourceID string, now time.Time) string {
	return fmt.Sprintf("%s-%s", sourceID, now.UTC().Format("200601021504"))
}
