// Package config loads and validates task configuration files.
//
// A configuration file names one or more tasks. Each task binds an
// action to a target set, with action-specific parameters and an
// optional retention policy and cron schedule.
package config

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/cloudreaper/cloudreaper/pkg/engine"
	"github.com/cloudreaper/cloudreaper/pkg/retention"
	"github.com/cloudreaper/cloudreaper/pkg/telemetry"
)

// ActionNames lists the registered action names a task may reference.
var ActionNames = []string{
	"ec2-terminate-instance",
	"ec2-delete-image",
	"ec2-remove-snapshot",
	"rds-delete-instance",
	"rds-delete-instance-snapshot",
	"dynamodb-create-backup",
	"dynamodb-delete-backup",
}

// Config is the root of a configuration file.
type Config struct {
	// Deployment names this installation. It namespaces the claim
	// marker and source tags so deployments sharing an account never
	// interfere.
	Deployment string `yaml:"deployment" validate:"required"`

	Telemetry telemetry.Config `yaml:"telemetry"`

	Tasks []TaskConfig `yaml:"tasks" validate:"required,min=1,dive"`
}

// TaskConfig binds one action to its targets and parameters.
type TaskConfig struct {
	Name    string `yaml:"name" validate:"required"`
	Action  string `yaml:"action" validate:"required"`
	Account string `yaml:"account" validate:"omitempty,len=12,number"`
	Region  string `yaml:"region" validate:"required"`

	// Schedule is a cron expression for repeated runs. Empty means
	// the task only runs on demand.
	Schedule string `yaml:"schedule,omitempty"`

	// Timeout overrides the action's completion timeout. Duration
	// string form, e.g. "45m".
	Timeout string `yaml:"timeout,omitempty"`

	// Retention applies to retention-driven actions only.
	Retention *retention.Policy `yaml:"retention,omitempty"`

	// Targets lists the resources the action operates on.
	Targets []TargetConfig `yaml:"targets,omitempty" validate:"dive"`

	// Parameters carries the action-specific parameter block. It is
	// decoded into the action's own parameter struct at construction.
	Parameters map[string]any `yaml:"parameters,omitempty"`
}

// TargetConfig identifies one resource a task operates on.
type TargetConfig struct {
	ID        string            `yaml:"id" validate:"required"`
	CreatedAt string            `yaml:"created_at,omitempty"`
	Tags      map[string]string `yaml:"tags,omitempty"`
	ParentID  string            `yaml:"parent_id,omitempty"`
}

// Resource converts the target into the engine resource form.
func (t TargetConfig) Resource(account, region string) (engine.Resource, error) {
	res := engine.Resource{
		ID:       t.ID,
		Account:  account,
		Region:   region,
		Tags:     t.Tags,
		ParentID: t.ParentID,
	}
	if t.CreatedAt != "" {
		created, err := engine.ParseTimestamp(t.CreatedAt)
		if err != nil {
			return engine.Resource{}, engine.NewConfigError(fmt.Sprintf("invalid created_at for target %s", t.ID), err).
				WithCode(engine.ErrCodeValidation)
		}
		res.CreatedAt = created
	}
	return res, nil
}

var newValidator = sync.OnceValue(func() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
})

// cronParser accepts the standard five-field form plus descriptors
// like @daily.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("failed to read configuration file %s", path), err)
	}
	return Parse(data)
}

// Parse decodes and validates configuration bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, engine.NewConfigError("failed to decode configuration", err).WithCode(engine.ErrCodeValidation)
	}
	cfg.Telemetry.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural constraints, action names, retention
// exclusivity, and cron schedules.
func (c *Config) Validate() error {
	if err := newValidator().Struct(c); err != nil {
		return engine.NewConfigError("invalid configuration", err).WithCode(engine.ErrCodeValidation)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return engine.NewConfigError("invalid telemetry configuration", err).WithCode(engine.ErrCodeValidation)
	}

	seen := make(map[string]struct{}, len(c.Tasks))
	for i := range c.Tasks {
		task := &c.Tasks[i]
		if _, dup := seen[task.Name]; dup {
			return engine.NewConfigError(fmt.Sprintf("duplicate task name %q", task.Name), nil).WithCode(engine.ErrCodeValidation)
		}
		seen[task.Name] = struct{}{}

		if err := task.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks one task.
func (t *TaskConfig) Validate() error {
	if !knownAction(t.Action) {
		return engine.NewConfigError(fmt.Sprintf("task %q references unknown action %q", t.Name, t.Action), nil).
			WithCode(engine.ErrCodeValidation)
	}
	if t.Schedule != "" {
		if _, err := cronParser.Parse(t.Schedule); err != nil {
			return engine.NewConfigError(fmt.Sprintf("task %q has an invalid schedule", t.Name), err).
				WithCode(engine.ErrCodeValidation)
		}
	}
	if t.Timeout != "" {
		if _, err := time.ParseDuration(t.Timeout); err != nil {
			return engine.NewConfigError(fmt.Sprintf("task %q has an invalid timeout", t.Name), err).
				WithCode(engine.ErrCodeValidation)
		}
	}
	if t.Retention != nil {
		if err := t.Retention.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// CompletionTimeout returns the parsed timeout override, or zero when
// none is set. Validate must have accepted the task first.
func (t *TaskConfig) CompletionTimeout() time.Duration {
	if t.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(t.Timeout)
	if err != nil {
		return 0
	}
	return d
}

func knownAction(name string) bool {
	for _, known := range ActionNames {
		if name == known {
			return true
		}
	}
	return false
}

// DecodeParams decodes the task's parameter block into an action
// parameter struct. Unknown keys are rejected so a typo never silently
// reverts a setting to its default.
func DecodeParams(params map[string]any, out any) error {
	if len(params) == 0 {
		return nil
	}
	data, err := yaml.Marshal(params)
	if err != nil {
		return engine.NewConfigError("failed to encode parameters", err).WithCode(engine.ErrCodeValidation)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return engine.NewConfigError("invalid action parameters", err).WithCode(engine.ErrCodeValidation)
	}
	return nil
}
