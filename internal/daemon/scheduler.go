package daemon

// Discovery scheduler: fires SendTargets sweeps at the configured
// period and reconciles discovered targets with the node store. Each
// firing runs on a detached worker; a mutex interlock guarantees at
// most one sweep at a time, and a tick arriving while a sweep is
// running is skipped with a log entry.

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/goiscsi/iscsid/internal/iscsi"
	"github.com/goiscsi/iscsid/internal/store"
)

// DiscoveryMetrics is the scheduler's instrumentation hook.
type DiscoveryMetrics interface {
	DiscoveryResult(ok bool)
	DiscoveryTickSkipped()
}

// Scheduler owns the periodic discovery timer.
type Scheduler struct {
	logger     *slog.Logger
	store      *store.Store
	discoverer *iscsi.Discoverer
	metrics    DiscoveryMetrics

	// sweepMu is the discovery interlock: TryLock on each tick,
	// contention skips.
	sweepMu sync.Mutex

	// rearm wakes the run loop to re-read the discovery settings.
	rearm chan struct{}

	// wg tracks detached sweep workers for clean shutdown.
	wg sync.WaitGroup
}

// NewScheduler creates a Scheduler. metrics may be nil.
func NewScheduler(logger *slog.Logger, st *store.Store, discoverer *iscsi.Discoverer, metrics DiscoveryMetrics) *Scheduler {
	return &Scheduler{
		logger:     logger.With(slog.String("component", "discovery-scheduler")),
		store:      st,
		discoverer: discoverer,
		metrics:    metrics,
		rearm:      make(chan struct{}, 1),
	}
}

// Rearm asks the run loop to re-read the discovery settings and reset
// its timer. Safe from any goroutine; coalesces bursts.
func (s *Scheduler) Rearm() {
	select {
	case s.rearm <- struct{}{}:
	default:
	}
}

// Run drives the timer until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.wg.Wait()

	timer := time.NewTimer(s.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-s.rearm:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.nextDelay())

		case <-timer.C:
			if s.store.SendTargetsEnabled() {
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					s.runSweep(ctx)
				}()
			}
			timer.Reset(s.nextDelay())
		}
	}
}

// nextDelay returns the wait until the next tick. With discovery
// disabled the loop still wakes occasionally to notice a re-enable
// that arrived without a Rearm.
func (s *Scheduler) nextDelay() time.Duration {
	if s.store.SendTargetsEnabled() {
		return s.store.SendTargetsInterval()
	}
	return time.Minute
}

// runSweep queries every discovery portal and reconciles the results.
func (s *Scheduler) runSweep(ctx context.Context) {
	if !s.sweepMu.TryLock() {
		s.logger.Info("discovery tick skipped, previous sweep still running")
		if s.metrics != nil {
			s.metrics.DiscoveryTickSkipped()
		}
		return
	}
	defer s.sweepMu.Unlock()

	for _, portal := range s.store.DiscoveryPortals() {
		ok := s.sweepPortal(ctx, portal)
		if s.metrics != nil {
			s.metrics.DiscoveryResult(ok)
		}
	}
}

// sweepPortal runs one SendTargets query and updates the store:
// newly discovered targets are recorded as dynamic entries owned by
// the portal, dynamic targets no longer advertised are removed, and
// static targets are never modified.
func (s *Scheduler) sweepPortal(ctx context.Context, portal iscsi.Portal) bool {
	record, status, err := s.discoverer.QueryPortalForTargets(ctx, portal, iscsi.AuthNone())
	if err != nil || status != iscsi.LoginSuccess {
		s.logger.Warn("discovery sweep failed",
			slog.String("portal", portal.String()),
			slog.String("status", status.String()),
			slog.Any("error", err),
		)
		return false
	}

	advertised := make(map[string]bool)
	for _, iqn := range record.Targets() {
		advertised[iqn] = true

		var portals []iscsi.Portal
		for _, tpgt := range record.PortalGroups(iqn) {
			portals = append(portals, record.Portals(iqn, tpgt)...)
		}

		if err := s.store.RecordDynamicTarget(iqn, portal, portals); err != nil {
			// Static entries win over discovery.
			s.logger.Warn("discovered target skipped",
				slog.String("target", iqn),
				slog.Any("error", err),
			)
		}
	}

	// Previously-dynamic targets this portal no longer advertises are
	// dropped.
	for _, iqn := range s.store.DynamicTargetsOwnedBy(portal) {
		if advertised[iqn] {
			continue
		}
		if err := s.store.RemoveTarget(iqn); err != nil {
			s.logger.Warn("remove stale dynamic target",
				slog.String("target", iqn),
				slog.Any("error", err),
			)
		} else {
			s.logger.Info("dynamic target removed",
				slog.String("target", iqn),
				slog.String("portal", portal.String()),
			)
		}
	}

	return true
}
