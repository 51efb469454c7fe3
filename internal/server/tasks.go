package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	yaml "go.yaml.in/yaml/v3"

	"github.com/openjobspec/schedmq/internal/core"
	"github.com/openjobspec/schedmq/internal/scheduler"
	"github.com/openjobspec/schedmq/internal/target"
)

// TaskFile is the declarative list of tasks a worker registers and binds
// at startup.
type TaskFile struct {
	Tasks []TaskSpec `json:"tasks"`
}

// TaskSpec declares one task. Cron makes it recurring; Webhook or NATS binds
// a handler that relays executions.
type TaskSpec struct {
	ID      string       `json:"id"`
	Cron    string       `json:"cron,omitempty"`
	Retry   *RetrySpec   `json:"retry,omitempty"`
	Webhook *WebhookSpec `json:"webhook,omitempty"`
	NATS    *NATSSpec    `json:"nats,omitempty"`
}

// RetrySpec is a retry policy with a Go duration string timeout.
type RetrySpec struct {
	Enabled bool   `json:"enabled"`
	Timeout string `json:"timeout"`
}

// WebhookSpec configures a webhook target.
type WebhookSpec struct {
	URL        string `json:"url"`
	Timeout    string `json:"timeout,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// NATSSpec configures a NATS request target.
type NATSSpec struct {
	Subject string `json:"subject"`
	Timeout string `json:"timeout,omitempty"`
}

// LoadTaskFile reads and validates a YAML or JSON task file.
func LoadTaskFile(path string) (*TaskFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	return ParseTaskFile(path, data)
}

// ParseTaskFile decodes data, treating it as YAML when path ends in .yaml
// or .yml. Unknown fields are rejected.
func ParseTaskFile(path string, data []byte) (*TaskFile, error) {
	jsonData, format, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, err
	}

	var tf TaskFile
	dec := json.NewDecoder(bytes.NewReader(jsonData))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&tf); err != nil {
		return nil, fmt.Errorf("decode %s task file: %w", format, err)
	}
	if err := tf.Validate(); err != nil {
		return nil, err
	}
	return &tf, nil
}

// coerceToJSONBytes converts YAML to JSON so both formats go through the
// same strict decoder.
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, "json", nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}

	j, err := json.Marshal(normalizeYAML(v))
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, "yaml", nil
}

// normalizeYAML ensures all map keys are strings so the result can be JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}

// Validate checks every task and reports all problems with their paths.
func (tf *TaskFile) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(tf.Tasks))
	for i, t := range tf.Tasks {
		path := fmt.Sprintf("tasks[%d]", i)
		if err := core.ValidateTaskID(t.ID); err != nil {
			errs = append(errs, fmt.Errorf("%s.id: %w", path, err))
		} else if seen[t.ID] {
			errs = append(errs, fmt.Errorf("%s.id: duplicate task id %q", path, t.ID))
		}
		seen[t.ID] = true

		if t.Webhook != nil && t.NATS != nil {
			errs = append(errs, fmt.Errorf("%s: webhook and nats are mutually exclusive", path))
		}
		if t.Cron == "" && t.Webhook == nil && t.NATS == nil {
			errs = append(errs, fmt.Errorf("%s: needs cron, webhook or nats", path))
		}
		if _, err := t.retryPolicy(); err != nil {
			errs = append(errs, fmt.Errorf("%s.retry.timeout: %w", path, err))
		}
		if t.Webhook != nil {
			u, err := url.Parse(t.Webhook.URL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				errs = append(errs, fmt.Errorf("%s.webhook.url: must be an absolute http(s) URL", path))
			}
			if _, err := parseOptionalDuration(t.Webhook.Timeout); err != nil {
				errs = append(errs, fmt.Errorf("%s.webhook.timeout: %w", path, err))
			}
			if t.Webhook.RatePerSec < 0 {
				errs = append(errs, fmt.Errorf("%s.webhook.rate_per_sec: must not be negative", path))
			}
		}
		if t.NATS != nil {
			if t.NATS.Subject == "" {
				errs = append(errs, fmt.Errorf("%s.nats.subject: required", path))
			}
			if _, err := parseOptionalDuration(t.NATS.Timeout); err != nil {
				errs = append(errs, fmt.Errorf("%s.nats.timeout: %w", path, err))
			}
		}
	}
	return errors.Join(errs...)
}

// NeedsNATS reports whether any task relays to NATS.
func (tf *TaskFile) NeedsNATS() bool {
	for _, t := range tf.Tasks {
		if t.NATS != nil {
			return true
		}
	}
	return false
}

// Apply registers and binds every task on sched. nc may be nil when no task
// uses a NATS target.
func (tf *TaskFile) Apply(sched *scheduler.Scheduler, nc *nats.Conn) error {
	for i, t := range tf.Tasks {
		path := fmt.Sprintf("tasks[%d]", i)
		retry, err := t.retryPolicy()
		if err != nil {
			return fmt.Errorf("%s.retry.timeout: %w", path, err)
		}

		if t.Cron != "" {
			if err := sched.Register(t.ID, scheduler.ScheduleOptions{CronExpr: t.Cron, Retry: retry}); err != nil {
				return fmt.Errorf("%s.cron: %w", path, err)
			}
		}

		switch {
		case t.Webhook != nil:
			timeout, _ := parseOptionalDuration(t.Webhook.Timeout)
			if err := sched.Bind(t.ID, target.Webhook(target.WebhookConfig{
				URL:        t.Webhook.URL,
				Timeout:    timeout,
				RatePerSec: t.Webhook.RatePerSec,
			})); err != nil {
				return fmt.Errorf("%s.webhook: %w", path, err)
			}
		case t.NATS != nil:
			if nc == nil {
				return fmt.Errorf("%s.nats: no NATS connection available", path)
			}
			timeout, _ := parseOptionalDuration(t.NATS.Timeout)
			if err := sched.Bind(t.ID, target.NATSRequest(nc, target.NATSConfig{
				Subject: t.NATS.Subject,
				Timeout: timeout,
			})); err != nil {
				return fmt.Errorf("%s.nats: %w", path, err)
			}
		}
	}
	return nil
}

func (t TaskSpec) retryPolicy() (*core.RetryPolicy, error) {
	if t.Retry == nil || !t.Retry.Enabled {
		return nil, nil
	}
	d, err := time.ParseDuration(t.Retry.Timeout)
	if err != nil {
		return nil, err
	}
	if d < time.Millisecond {
		return nil, errors.New("must be at least 1ms")
	}
	return core.NewRetryPolicy(d), nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.New("must not be negative")
	}
	return d, nil
}
