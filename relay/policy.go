package relay

import (
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RoutePolicy is the failure-handling capability of a route, chosen when the
// route is loaded. Legacy routes auto-disable past a failure threshold;
// newer routes only report, because their permission validation catches the
// same failures before a relay is ever attempted.
type RoutePolicy interface {
	// OnSuccess records a successful relay on the route.
	OnSuccess(route RoutePair) error
	// OnFailure records a failed relay on the route.
	OnFailure(route RoutePair) error
}

// HealthTracker hands out route policies and runs the auto-disable sweep.
type HealthTracker struct {
	db        *gorm.DB
	log       *zap.Logger
	threshold int
}

func NewHealthTracker(db *gorm.DB, log *zap.Logger, threshold int) *HealthTracker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &HealthTracker{db: db, log: log, threshold: threshold}
}

func (h *HealthTracker) Threshold() int { return h.threshold }

// PolicyFor selects the failure policy matching the route's variant.
func (h *HealthTracker) PolicyFor(route *MirroredChannel) RoutePolicy {
	if route.Legacy {
		return &autoDisablePolicy{h: h}
	}
	return &reportOnlyPolicy{log: h.log}
}

// FailingRoutes returns enabled legacy routes at or past the threshold.
func (h *HealthTracker) FailingRoutes() ([]RoutePair, error) {
	var routes []MirroredChannel
	err := h.db.Where(
		"enabled = ? AND legacy = ? AND legacy_error_rate >= ?",
		true, true, h.threshold,
	).Find(&routes).Error
	if err != nil {
		return nil, err
	}
	pairs := make([]RoutePair, 0, len(routes))
	for _, route := range routes {
		pairs = append(pairs, RoutePair{Src: route.SrcID, Dest: route.DestID})
	}
	return pairs, nil
}

// DisableFailing force-disables every failing legacy route, stamping the
// disable date. Disabled routes stay down until an operator re-enables them.
// Returns the pairs that were disabled.
func (h *HealthTracker) DisableFailing() ([]RoutePair, error) {
	var pairs []RoutePair
	err := withConflictRetry(func() error {
		pairs = pairs[:0]
		return h.db.Transaction(func(tx *gorm.DB) error {
			var routes []MirroredChannel
			if err := tx.Where(
				"enabled = ? AND legacy = ? AND legacy_error_rate >= ?",
				true, true, h.threshold,
			).Find(&routes).Error; err != nil {
				return err
			}
			now := time.Now().UTC()
			for _, route := range routes {
				if err := tx.Model(&MirroredChannel{}).
					Where("src_id = ? AND dest_id = ?", route.SrcID, route.DestID).
					Updates(map[string]any{
						"enabled":                            false,
						"legacy_disable_for_failure_on_date": now,
					}).Error; err != nil {
					return err
				}
				pairs = append(pairs, RoutePair{Src: route.SrcID, Dest: route.DestID})
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	for _, pair := range pairs {
		h.log.Warn("auto-disabled failing route",
			zap.Int64("src", pair.Src), zap.Int64("dest", pair.Dest),
			zap.Int("threshold", h.threshold))
	}
	return pairs, nil
}

// autoDisablePolicy tracks consecutive failures on a legacy route. The
// counter updates are single guarded UPDATE statements so that concurrent
// workers on the same route never lose an increment.
type autoDisablePolicy struct {
	h *HealthTracker
}

func (p *autoDisablePolicy) OnFailure(route RoutePair) error {
	return withConflictRetry(func() error {
		return p.h.db.Model(&MirroredChannel{}).
			Where("src_id = ? AND dest_id = ? AND enabled = ? AND legacy = ?",
				route.Src, route.Dest, true, true).
			UpdateColumn("legacy_error_rate", gorm.Expr("legacy_error_rate + 1")).Error
	})
}

func (p *autoDisablePolicy) OnSuccess(route RoutePair) error {
	// Full reset: failures count toward the threshold only when consecutive
	// since the last success.
	return withConflictRetry(func() error {
		return p.h.db.Model(&MirroredChannel{}).
			Where("src_id = ? AND dest_id = ? AND enabled = ? AND legacy = ?",
				route.Src, route.Dest, true, true).
			UpdateColumn("legacy_error_rate", 0).Error
	})
}

// reportOnlyPolicy logs failures and never disables anything.
type reportOnlyPolicy struct {
	log *zap.Logger
}

func (p *reportOnlyPolicy) OnFailure(route RoutePair) error {
	p.log.Warn("relay failure on route",
		zap.Int64("src", route.Src), zap.Int64("dest", route.Dest))
	return nil
}

func (p *reportOnlyPolicy) OnSuccess(RoutePair) error { return nil }
