package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vyrodovalexey/gatekeeper/internal/observability"
)

// shutdown drains, waits out the drain period, then stops the service and
// releases every dependency. ctx bounds the drain wait; the stop phase is
// bounded by the configured shutdown timeout.
func (a *application) shutdown(ctx context.Context) error {
	a.service.Drain("termination signal")

	if period := a.config.Server.DrainPeriod.Duration(); period > 0 {
		a.logger.Info("waiting for drain period",
			observability.Duration("drain_period", period),
		)
		timer := time.NewTimer(period)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.config.Server.ShutdownTimeout.Duration())
	defer cancel()

	var errs []error
	if err := a.service.Stop(stopCtx); err != nil {
		a.logger.Error("failed to stop gatekeeper gracefully", observability.Error(err))
		errs = append(errs, err)
	}
	if err := a.close(stopCtx); err != nil {
		errs = append(errs, err)
	}

	a.logger.Info("gatekeeper stopped")
	return errors.Join(errs...)
}

// close releases the task store and flushes the tracer.
func (a *application) close(ctx context.Context) error {
	var errs []error
	if a.store != nil {
		if err := a.store.close(); err != nil {
			a.logger.Error("failed to close task store", observability.Error(err))
			errs = append(errs, fmt.Errorf("task store: %w", err))
		}
	}
	if err := a.tracer.Shutdown(ctx); err != nil {
		a.logger.Error("failed to shutdown tracer", observability.Error(err))
		errs = append(errs, fmt.Errorf("tracer: %w", err))
	}
	return errors.Join(errs...)
}
