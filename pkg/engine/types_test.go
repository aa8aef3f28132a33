package engine

import (
	"testing"
	"time"
)

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  time.Time
	}{
		{"rfc3339", "2026-08-01T12:30:00Z", time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC)},
		{"rfc3339 nano", "2026-08-01T12:30:00.123456789Z", time.Date(2026, 8, 1, 12, 30, 0, 123456789, time.UTC)},
		{"offset normalized", "2026-08-01T14:30:00+02:00", time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC)},
		{"no zone means utc", "2026-08-01T12:30:00", time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC)},
		{"space separator", "2026-08-01 12:30:00", time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimestamp(tt.input)
			if err != nil {
				t.Fatalf("ParseTimestamp(%q): %v", tt.input, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParseTimestamp(%q) = %v, want %v", tt.input, got, tt.want)
			}
			if got.Location() != time.UTC {
				t.Errorf("ParseTimestamp(%q) location = %v, want UTC", tt.input, got.Location())
			}
		})
	}
}

func TestParseTimestampRejectsGarbage(t *testing.T) {
	for _, input := range []string{"", "  ", "not-a-time", "2026-13-45T99:00:00Z"} {
		if _, err := ParseTimestamp(input); err == nil {
			t.Errorf("ParseTimestamp(%q) succeeded, want error", input)
		}
	}
}

func TestDefaultArtifactName(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 30, 45, 0, time.UTC)
	got := DefaultArtifactName("i-0abc123", now)
	want := "i-0abc123-202608011230"
	if got != want {
		t.Errorf("DefaultArtifactName = %q, want %q", got, want)
	}
}

func TestDefaultArtifactNameNormalizesZone(t *testing.T) {
	zone := time.FixedZone("plus2", 2*60*60)
	now := time.Date(2026, 8, 1, 14, 30, 0, 0, zone)
	got := DefaultArtifactName("db-main", now)
	want := "db-main-202608011230"
	if got != want {
		t.Errorf("DefaultArtifactName = %q, want %q", got, want)
	}
}

func TestResourceTag(t *testing.T) {
	res := Resource{Tags: map[string]string{"env": "prod"}}
	if got := res.Tag("env"); got != "prod" {
		t.Errorf("Tag(env) = %q", got)
	}
	if got := res.Tag("absent"); got != "" {
		t.Errorf("Tag(absent) = %q, want empty", got)
	}
	var empty Resource
	if got := empty.Tag("env"); got != "" {
		t.Errorf("Tag on nil map = %q, want empty", got)
	}
}
