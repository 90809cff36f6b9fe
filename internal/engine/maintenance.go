package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/redbco/readbridge/internal/projection"
)

const defaultMaintenanceCron = "0 2 * * *"

// startMaintenance launches the cron-driven maintenance loop. Each tick runs
// index analysis and archival for every configured tenant and aggregate type,
// one collection at a time.
func (e *Engine) startMaintenance(ctx context.Context) {
	if !e.config.GetBool("maintenance.enabled", true) {
		e.logger.Info("maintenance scheduler disabled")
		return
	}

	cronExpr := e.config.GetDefault("maintenance.cron", defaultMaintenanceCron)
	if !gronx.IsValid(cronExpr) {
		e.logger.Errorf("invalid maintenance cron expression %q, scheduler disabled", cronExpr)
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runScheduler(ctx, cronExpr)
	}()
	e.logger.Infof("maintenance scheduler started, cron %q", cronExpr)
}

// runScheduler sleeps until the next cron tick and runs one maintenance
// pass. Scheduling errors fall back to a short retry sleep.
func (e *Engine) runScheduler(ctx context.Context, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			e.logger.Errorf("failed to compute next maintenance tick: %v", err)
			if !sleepCtx(ctx, 30*time.Second) {
				return
			}
			continue
		}

		if !sleepCtx(ctx, time.Until(next)) {
			return
		}
		if err := e.RunMaintenance(ctx); err != nil {
			e.logger.Errorf("maintenance pass failed: %v", err)
		}
	}
}

// RunMaintenance executes one maintenance pass over every configured tenant
// and registered aggregate type. Per-collection failures are logged and do
// not stop the pass; the first error is reported once the pass completes.
func (e *Engine) RunMaintenance(ctx context.Context) error {
	tenants := e.config.GetStrings("maintenance.tenants")
	if len(tenants) == 0 {
		e.logger.Debug("no maintenance tenants configured, skipping pass")
		return nil
	}

	started := time.Now()
	var firstErr error
	for _, tenantID := range tenants {
		for _, aggregateType := range e.registry.Types() {
			if err := e.maintainCollection(ctx, tenantID, aggregateType); err != nil {
				e.logger.Warnf("maintenance for %s/%s failed: %v", tenantID, aggregateType, err)
				if firstErr == nil {
					firstErr = err
				}
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
	e.logger.Infof("maintenance pass completed in %s", time.Since(started).Round(time.Millisecond))
	return firstErr
}

func (e *Engine) maintainCollection(ctx context.Context, tenantID, aggregateType string) error {
	s, err := e.schemaCache.GetSchema(ctx, tenantID, aggregateType)
	if err != nil {
		return fmt.Errorf("schema lookup: %w", err)
	}
	if s.SmartProjection == nil {
		return nil
	}

	collection := projection.CollectionFor(aggregateType)
	if tracking := s.SmartProjection.QueryTracking; tracking != nil {
		rate := tracking.SampleRate
		if !tracking.Enabled {
			rate = 0
		} else if rate <= 0 || rate > 1 {
			rate = 1
		}
		e.recorder.SetCollectionSampleRate(collection, rate)
	}
	if err := e.catalog.EnsureIndexes(ctx, collection, s.SmartProjection); err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}
	if err := e.analyzer.AnalyzeAndOptimize(ctx, collection, s.SmartProjection); err != nil {
		return fmt.Errorf("analyze: %w", err)
	}

	result := e.archiver.Archive(ctx, aggregateType, s.SmartProjection.Archival)
	if !result.Success {
		return fmt.Errorf("archive: %s", result.Message)
	}
	if result.ArchivedCount > 0 || result.DeletedCount > 0 {
		e.logger.Infof("archived %d and deleted %d documents from %s",
			result.ArchivedCount, result.DeletedCount, collection)
	}
	return nil
}

// sleepCtx sleeps for d or until the context is cancelled, reporting whether
// the full duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
