// Package syncengine defines the consumer that receives primacy changes and
// status transitions observed from sibling instances.
package syncengine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"leasecast/pkg/metrics"
	"leasecast/pkg/models"
)

// Sink receives the outputs of the elector and the notification channel.
// Implementations must be idempotent: the same status may be reported more
// than once.
type Sink interface {
	SetPrimaryState(ctx context.Context, primary bool) error
	UpdateBatch(ctx context.Context, batchID models.BatchID, status models.MutationStatus, err *models.StatusError) error
	UpdateWatch(ctx context.Context, targetID models.TargetID, status models.WatchStatus, err *models.StatusError) error
}

// LoggingSink records every callback in the log and in metrics. It is the
// default consumer of the daemon, which owns no local query engine.
type LoggingSink struct {
	log *zap.Logger
}

func NewLoggingSink(log *zap.Logger) *LoggingSink {
	return &LoggingSink{log: log}
}

func (s *LoggingSink) SetPrimaryState(_ context.Context, primary bool) error {
	metrics.SinkCalls.WithLabelValues("set_primary_state").Inc()
	s.log.Debug("primary state", zap.Bool("primary", primary))
	return nil
}

func (s *LoggingSink) UpdateBatch(_ context.Context, batchID models.BatchID, status models.MutationStatus, err *models.StatusError) error {
	metrics.SinkCalls.WithLabelValues("update_batch").Inc()
	fields := []zap.Field{zap.Int64("batch_id", int64(batchID)), zap.String("status", string(status))}
	if err != nil {
		fields = append(fields, zap.String("error_code", err.Code), zap.String("error", err.Message))
	}
	s.log.Info("batch update", fields...)
	return nil
}

func (s *LoggingSink) UpdateWatch(_ context.Context, targetID models.TargetID, status models.WatchStatus, err *models.StatusError) error {
	metrics.SinkCalls.WithLabelValues("update_watch").Inc()
	fields := []zap.Field{zap.Int64("target_id", int64(targetID)), zap.String("status", string(status))}
	if err != nil {
		fields = append(fields, zap.String("error_code", err.Code), zap.String("error", err.Message))
	}
	s.log.Info("watch update", fields...)
	return nil
}

// Multi fans every call out to each sink in order and joins their errors.
type Multi []Sink

func (m Multi) SetPrimaryState(ctx context.Context, primary bool) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.SetPrimaryState(ctx, primary))
	}
	return errors.Join(errs...)
}

func (m Multi) UpdateBatch(ctx context.Context, batchID models.BatchID, status models.MutationStatus, err *models.StatusError) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.UpdateBatch(ctx, batchID, status, err))
	}
	return errors.Join(errs...)
}

func (m Multi) UpdateWatch(ctx context.Context, targetID models.TargetID, status models.WatchStatus, err *models.StatusError) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.UpdateWatch(ctx, targetID, status, err))
	}
	return errors.Join(errs...)
}

// PrimaryFunc adapts a func to a Sink that only observes primacy.
type PrimaryFunc func(primary bool)

func (f PrimaryFunc) SetPrimaryState(_ context.Context, primary bool) error {
	f(primary)
	return nil
}

func (PrimaryFunc) UpdateBatch(context.Context, models.BatchID, models.MutationStatus, *models.StatusError) error {
	return nil
}

func (PrimaryFunc) UpdateWatch(context.Context, models.TargetID, models.WatchStatus, *models.StatusError) error {
	return nil
}
