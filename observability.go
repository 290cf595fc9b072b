package distlock

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// RecordStart starts a new tracing span for a given operation.
func RecordStart(ctx context.Context, backend, action, lockID string) (context.Context, trace.Span) {
	GetLogger().V(1).Info(fmt.Sprintf("attempting to %s lock", action), "lockID", lockID, "backend", backend)
	return GetTracer().Start(
		ctx,
		fmt.Sprintf("%s_lock.%s", backend, action),
		trace.WithAttributes(
			attribute.String("lock.id", lockID),
			attribute.String("backend", backend),
		),
	)
}

// HandleError logs, records metrics, and returns a formatted error.
func HandleError(
	ctx context.Context,
	span trace.Span,
	err error,
	backend, action, msg, lockID string) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	GetLogger().Error(err, msg, "lockID", lockID, "backend", backend)
	countFailure(ctx, backend, action)

	return fmt.Errorf("%s: %w", msg, err)
}

// RecordRejected records an operation that completed without error but did not
// take effect: the lock is held by someone else, or a release or renewal
// presented a token that no longer matches. It is logged at debug verbosity
// since contention is the normal case.
func RecordRejected(
	ctx context.Context,
	span trace.Span,
	backend, action, reason, lockID string) {
	span.AddEvent(reason)
	GetLogger().V(1).Info(reason, "lockID", lockID, "backend", backend, "action", action)
	countFailure(ctx, backend, action)
}

// RecordSuccess logs and records success metrics.
func RecordSuccess(
	ctx context.Context,
	span trace.Span,
	startTime time.Time,
	backend, action, lockID string) {
	metrics := GetMetrics()
	GetLogger().V(1).Info(fmt.Sprintf("lock %s successfully", action), "lockID", lockID, "backend", backend)
	duration := time.Since(startTime).Seconds()
	span.SetStatus(codes.Ok, fmt.Sprintf("lock %s", action))
	backendAttr := metric.WithAttributes(attribute.String("backend", backend))
	switch action {
	case ActionAcquiredSuccessfully:
		metrics.lockAcquiredCounter.Add(ctx, 1,
			metric.WithAttributes(attribute.Bool("success", true), attribute.String("backend", backend)))
		metrics.lockAcquireLatency.Record(ctx, duration, backendAttr)
		metrics.lockHeldGauge.Add(ctx, 1, backendAttr)
	case ActionReleasedSuccessfully:
		metrics.lockReleaseCounter.Add(ctx, 1,
			metric.WithAttributes(attribute.Bool("success", true), attribute.String("backend", backend)))
		metrics.lockReleaseLatency.Record(ctx, duration, backendAttr)
		metrics.lockHeldGauge.Add(ctx, -1, backendAttr)
	case ActionRenewedSuccessfully:
		metrics.lockRenewCounter.Add(ctx, 1,
			metric.WithAttributes(attribute.Bool("success", true), attribute.String("backend", backend)))
		metrics.lockRenewLatency.Record(ctx, duration, backendAttr)
	}
}

// RecordLost logs and counts a hold that ended without a release.
func RecordLost(ctx context.Context, backend, lockID, reason string) {
	GetLogger().Info("lock lost before release", "lockID", lockID, "backend", backend, "reason", reason)
	backendAttr := metric.WithAttributes(attribute.String("backend", backend))
	metrics := GetMetrics()
	metrics.lockLostCounter.Add(ctx, 1, backendAttr)
	metrics.lockHeldGauge.Add(ctx, -1, backendAttr)
}

func countFailure(ctx context.Context, backend, action string) {
	metrics := GetMetrics()
	attrs := metric.WithAttributes(attribute.Bool("success", false), attribute.String("backend", backend))
	switch action {
	case ActionAcquire:
		metrics.lockAcquiredCounter.Add(ctx, 1, attrs)
	case ActionRelease:
		metrics.lockReleaseCounter.Add(ctx, 1, attrs)
	case ActionRenew:
		metrics.lockRenewCounter.Add(ctx, 1, attrs)
	}
}
