package book

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/depthbook/pkg/metrics"
)

// Self-healing supervisor: two independent periodic timers. The auto reload
// timer unconditionally requests a fresh snapshot on its interval; the
// validity timer applies hysteresis and forces a reload only after
// validityCheckLimit consecutive invalid observations. While a forced
// reload is in flight both timers are suspended so reload attempts never
// overlap.

// SetSnapshotReloadEnabled toggles the auto reload timer. Disabled by
// default.
func (b *Book) SetSnapshotReloadEnabled(enabled bool) {
	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()
	if b.snapshotReloadEnabled == enabled {
		return
	}
	b.snapshotReloadEnabled = enabled
	b.restartTimersLocked()
}

// SetSnapshotReloadTimeout replaces the auto reload interval, restarting the
// timer so only one generation ever runs.
func (b *Book) SetSnapshotReloadTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()
	b.snapshotReloadTimeout = d
	b.restartTimersLocked()
}

// SetValidityCheckEnabled toggles the validity timer. Enabled by default.
func (b *Book) SetValidityCheckEnabled(enabled bool) {
	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()
	if b.validityCheckEnabled == enabled {
		return
	}
	b.validityCheckEnabled = enabled
	b.restartTimersLocked()
}

// SetValidityCheckTimeout replaces the validity check interval.
func (b *Book) SetValidityCheckTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()
	b.validityCheckTimeout = d
	b.restartTimersLocked()
}

// SetValidityCheckLimit sets how many consecutive invalid observations are
// tolerated before a forced reload.
func (b *Book) SetValidityCheckLimit(limit int) {
	if limit <= 0 {
		return
	}
	b.cfgMu.Lock()
	b.validityCheckLimit = limit
	b.cfgMu.Unlock()
}

// restartTimersLocked stops the current timer generation and starts a fresh
// one per the current configuration. Caller holds cfgMu. No-op while a
// forced reload has the timers suspended; resumeTimers restarts them.
func (b *Book) restartTimersLocked() {
	if b.reloading || b.closed.Load() {
		return
	}
	b.reloadTask.Stop()
	b.validityTask.Stop()
	b.reloadTask = nil
	b.validityTask = nil
	if b.snapshotReloadEnabled {
		b.reloadTask = startPeriodic(b.snapshotReloadTimeout, b.onReloadTick)
	}
	if b.validityCheckEnabled {
		b.validityTask = startPeriodic(b.validityCheckTimeout, b.onValidityTick)
	}
}

func (b *Book) onReloadTick() {
	b.forceReload("auto")
}

func (b *Book) onValidityTick() {
	if b.closed.Load() {
		return
	}
	if b.IsValid() {
		b.cfgMu.Lock()
		b.invalidStreak = 0
		b.cfgMu.Unlock()
		metrics.InvalidStreak.WithLabelValues(b.pair).Set(0)
		return
	}
	b.cfgMu.Lock()
	b.invalidStreak++
	streak := b.invalidStreak
	limit := b.validityCheckLimit
	if streak >= limit {
		b.invalidStreak = 0
	}
	b.cfgMu.Unlock()
	metrics.InvalidStreak.WithLabelValues(b.pair).Set(float64(streak))

	if streak < limit {
		return
	}
	b.logger.Warn("order book invalid beyond limit, forcing snapshot reload",
		zap.String("pair", b.pair), zap.Int("streak", streak))
	metrics.InvalidStreak.WithLabelValues(b.pair).Set(0)
	b.forceReload("validity")
}

// ReloadSnapshot manually requests a fresh snapshot through the same
// timer-suspending path the supervisor uses.
func (b *Book) ReloadSnapshot() {
	b.forceReload("manual")
}

// forceReload stops both timers, asks the source for a fresh snapshot and
// restarts the timers in a guaranteed-cleanup path. Source failures are
// logged and absorbed; the supervisor retries on its normal schedule rather
// than hot-looping against a failing endpoint.
func (b *Book) forceReload(reason string) {
	if b.closed.Load() {
		return
	}
	if !b.source.SnapshotLoadEnabled() {
		return
	}

	b.suspendTimers()
	defer b.resumeTimers()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("source panicked during snapshot reload",
				zap.String("pair", b.pair), zap.Any("panic", r))
		}
	}()

	metrics.ForcedReloads.WithLabelValues(b.pair, reason).Inc()
	b.logger.Info("requesting snapshot reload",
		zap.String("pair", b.pair), zap.String("reason", reason))

	ctx, cancel := context.WithTimeout(context.Background(), reloadCallTimeout)
	defer cancel()
	if err := b.source.LoadSnapshot(ctx, b.pairOriginal, defaultSnapshotMaxCount); err != nil {
		b.logger.Error("snapshot reload failed",
			zap.String("pair", b.pair),
			zap.String("reason", reason),
			zap.Error(err))
	}
}

func (b *Book) suspendTimers() {
	b.cfgMu.Lock()
	b.reloading = true
	reload, validity := b.reloadTask, b.validityTask
	b.reloadTask, b.validityTask = nil, nil
	b.cfgMu.Unlock()
	reload.Stop()
	validity.Stop()
}

func (b *Book) resumeTimers() {
	b.cfgMu.Lock()
	b.reloading = false
	b.restartTimersLocked()
	b.cfgMu.Unlock()
}
