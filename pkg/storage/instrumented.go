package storage

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"leasecast/pkg/metrics"
	tracing "leasecast/pkg/observability"
)

type instrumented struct {
	Store
	log *zap.Logger
}

// Instrument wraps s so every transaction is traced, timed and logged.
func Instrument(s Store, log *zap.Logger) Store {
	return &instrumented{Store: s, log: log}
}

func (s *instrumented) RunTransaction(ctx context.Context, label string, fn func(ctx context.Context, tx Tx) error) error {
	ctx, span := tracing.StartSpan(ctx, "storage.transaction", attribute.String("label", label))
	start := time.Now()

	err := s.Store.RunTransaction(ctx, label, fn)

	elapsed := time.Since(start)
	metrics.RecordTransaction(label, err, elapsed.Seconds())
	tracing.End(span, err)
	if err != nil {
		s.log.Warn("transaction failed", zap.String("label", label), zap.Duration("elapsed", elapsed), zap.Error(err))
	} else {
		s.log.Debug("transaction committed", zap.String("label", label), zap.Duration("elapsed", elapsed))
	}
	return err
}
