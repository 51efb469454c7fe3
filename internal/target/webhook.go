// Package target builds scheduler handlers that relay executions to
// external endpoints configured in the task file.
package target

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/openjobspec/schedmq/internal/scheduler"
)

const (
	HeaderTask = "X-Schedmq-Task"
	HeaderExec = "X-Schedmq-Exec"
)

// WebhookConfig configures an HTTP relay.
type WebhookConfig struct {
	URL        string
	Timeout    time.Duration
	RatePerSec int
	Client     *http.Client
}

// Webhook returns a handler that POSTs the execution data to cfg.URL. Any
// 2xx response acknowledges the execution.
func Webhook(cfg WebhookConfig) scheduler.Handler {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}

	return func(ctx context.Context, data string) (bool, error) {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return false, fmt.Errorf("webhook rate limit: %w", err)
			}
		}

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, strings.NewReader(data))
		if err != nil {
			return false, fmt.Errorf("webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
		if exec, ok := scheduler.ExecutionFromContext(ctx); ok {
			req.Header.Set(HeaderTask, exec.TaskID)
			req.Header.Set(HeaderExec, exec.ExecID)
		}

		resp, err := client.Do(req)
		if err != nil {
			return false, fmt.Errorf("webhook post: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return false, fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		return true, nil
	}
}
