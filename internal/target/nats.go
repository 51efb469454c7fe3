package target

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/openjobspec/schedmq/internal/scheduler"
)

// NATSConfig configures a NATS request relay.
type NATSConfig struct {
	Subject string
	Timeout time.Duration
}

// NATSRequest returns a handler that sends the execution data as a NATS
// request. Any reply acknowledges the execution unless its body is "false"
// or "nack".
func NATSRequest(nc *nats.Conn, cfg NATSConfig) scheduler.Handler {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return func(ctx context.Context, data string) (bool, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		msg := nats.NewMsg(cfg.Subject)
		msg.Data = []byte(data)
		if exec, ok := scheduler.ExecutionFromContext(ctx); ok {
			msg.Header.Set(HeaderTask, exec.TaskID)
			msg.Header.Set(HeaderExec, exec.ExecID)
		}

		reply, err := nc.RequestMsgWithContext(ctx, msg)
		if err != nil {
			return false, fmt.Errorf("nats request %s: %w", cfg.Subject, err)
		}
		return isPositiveReply(reply.Data), nil
	}
}

func isPositiveReply(data []byte) bool {
	body := bytes.ToLower(bytes.TrimSpace(data))
	return !bytes.Equal(body, []byte("false")) && !bytes.Equal(body, []byte("nack"))
}
