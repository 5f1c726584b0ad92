// Package worker runs leased tasks for one external account. The
// actual browser automation lives behind the Executor interface; this
// package owns leasing, pacing, and result reporting around it.
package worker

import (
	"context"
	"fmt"
	"time"

	"outreach-coordinator/internal/models"
)

// Executor performs one task against the external platform and
// reports a structured result. Implementations must honor ctx
// cancellation; they hold no store locks while executing.
type Executor interface {
	Execute(ctx context.Context, task models.Task) models.Result
}

// SimExecutor is a deterministic stand-in for browser automation, used
// in development and tests. Payload knobs steer it: should_fail forces
// an error, duration_ms simulates slow work, and limit bounds how many
// destinations a fetch discovers.
type SimExecutor struct{}

func (SimExecutor) Execute(ctx context.Context, task models.Task) models.Result {
	if fail, ok := task.Payload["should_fail"].(bool); ok && fail {
		return models.Result{Error: "simulated failure requested by payload.should_fail", Steps: []string{"execute"}}
	}
	if ms, ok := asInt(task.Payload["duration_ms"]); ok && ms > 0 {
		select {
		case <-ctx.Done():
			return models.Result{Error: "cancelled: " + ctx.Err().Error(), Steps: []string{"execute"}}
		case <-time.After(time.Duration(ms) * time.Millisecond):
		}
	}

	switch task.Kind {
	case models.KindFetch:
		limit := 5
		if n, ok := asInt(task.Payload["limit"]); ok && n > 0 {
			limit = n
		}
		items := make([]string, 0, limit)
		for i := 0; i < limit; i++ {
			items = append(items, fmt.Sprintf("%s_f%02d", task.Username, i+1))
		}
		return models.Result{OK: true, Steps: []string{"open_profile", "read_followings"}, Items: items}
	case models.KindAnalyze:
		return models.Result{OK: true, Steps: []string{"open_profile", "collect_metrics"}}
	case models.KindSend:
		return models.Result{OK: true, Steps: []string{"open_conversation", "deliver_message"}}
	default:
		return models.Result{Error: fmt.Sprintf("unknown task kind %q", task.Kind), Steps: []string{"execute"}}
	}
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}
