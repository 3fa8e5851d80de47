package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the daemon's instruments. A nil *Metrics is safe to use;
// every record method no-ops.
type Metrics struct {
	TaskExecutions    metric.Int64Counter
	TaskDuration      metric.Float64Histogram
	NotificationSends metric.Int64Counter
	ApprovalDecisions metric.Int64Counter
	PollerErrors      metric.Int64Counter
}

// NewMetrics creates all instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskExecutions, err = meter.Int64Counter("cronpilot.task.executions",
		metric.WithDescription("Task executions by terminal status"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create task executions counter: %w", err)
	}

	m.TaskDuration, err = meter.Float64Histogram("cronpilot.task.duration",
		metric.WithDescription("Wall-clock duration of task executions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create task duration histogram: %w", err)
	}

	m.NotificationSends, err = meter.Int64Counter("cronpilot.notification.sends",
		metric.WithDescription("Notification deliveries by provider and outcome"),
		metric.WithUnit("{send}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create notification sends counter: %w", err)
	}

	m.ApprovalDecisions, err = meter.Int64Counter("cronpilot.approval.decisions",
		metric.WithDescription("Plan approval decisions by action"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create approval decisions counter: %w", err)
	}

	m.PollerErrors, err = meter.Int64Counter("cronpilot.poller.errors",
		metric.WithDescription("Callback poller fetch failures"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create poller errors counter: %w", err)
	}

	return m, nil
}

// RecordExecution records one finished execution and its duration.
func (m *Metrics) RecordExecution(ctx context.Context, taskName, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("task", taskName),
		attribute.String("status", status),
	)
	m.TaskExecutions.Add(ctx, 1, attrs)
	m.TaskDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordNotification records one delivery attempt.
func (m *Metrics) RecordNotification(ctx context.Context, provider string, ok bool) {
	if m == nil {
		return
	}
	m.NotificationSends.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Bool("ok", ok),
	))
}

// RecordApprovalDecision records one approval state transition.
func (m *Metrics) RecordApprovalDecision(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.ApprovalDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
	))
}

// RecordPollerError records a failed update fetch.
func (m *Metrics) RecordPollerError(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.PollerErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}
