package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// unknownPopulation sorts servers without a statistics row ahead of every
// known server, so new servers are tried first.
const unknownPopulation = int64(1) << 40

// Registry owns the mirrored_channel table. All route creation, lookup and
// state changes go through it; no other component writes routes.
//
// It keeps an in-memory set of legacy source channel ids as a hot-path guard
// for "is anything mirrored from this channel". The set is add-only on
// removal: a source whose last route was removed stays in the set until the
// next full reload, which only costs one spurious lookup.
type Registry struct {
	db  *gorm.DB
	log *zap.Logger

	mu         sync.Mutex
	legacySrcs map[int64]struct{}
}

func NewRegistry(db *gorm.DB, log *zap.Logger) *Registry {
	return &Registry{db: db, log: log}
}

// Register creates a route. The new route starts enabled with a zero error
// counter. Returns ErrDuplicateRoute if the (src, dest) pair already exists.
func (r *Registry) Register(src, dest, destServer int64, legacy bool) (*MirroredChannel, error) {
	route := &MirroredChannel{
		SrcID:        src,
		DestID:       dest,
		DestServerID: destServer,
		Legacy:       legacy,
		Enabled:      true,
	}
	err := withConflictRetry(func() error {
		return r.db.Transaction(func(tx *gorm.DB) error {
			var existing MirroredChannel
			err := tx.Where("src_id = ? AND dest_id = ?", src, dest).First(&existing).Error
			if err == nil {
				return ErrDuplicateRoute
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			return tx.Create(route).Error
		})
	})
	if err != nil {
		return nil, err
	}
	if legacy {
		r.cacheAdd(src)
	}
	r.log.Info("route registered",
		zap.Int64("src", src), zap.Int64("dest", dest),
		zap.Int64("dest_server", destServer), zap.Bool("legacy", legacy))
	return route, nil
}

// LookupDestinations returns the enabled routes for a source channel,
// ordered by destination server population descending. Servers with no
// statistics row sort first.
func (r *Registry) LookupDestinations(src int64) ([]MirroredChannel, error) {
	var routes []MirroredChannel
	err := r.db.Model(&MirroredChannel{}).
		Select("mirrored_channel.*").
		Joins("LEFT JOIN server_statistics ON server_statistics.id = mirrored_channel.dest_server_id").
		Where("mirrored_channel.src_id = ? AND mirrored_channel.enabled = ?", src, true).
		Order(fmt.Sprintf("COALESCE(server_statistics.population, %d) DESC", unknownPopulation)).
		Find(&routes).Error
	if err != nil {
		return nil, err
	}
	return routes, nil
}

// List returns every route, enabled or not, ordered by (src, dest).
func (r *Registry) List() ([]MirroredChannel, error) {
	var routes []MirroredChannel
	err := r.db.Order("src_id, dest_id").Find(&routes).Error
	if err != nil {
		return nil, err
	}
	return routes, nil
}

// Get returns a route regardless of enabled state.
func (r *Registry) Get(src, dest int64) (*MirroredChannel, error) {
	var route MirroredChannel
	err := r.db.Where("src_id = ? AND dest_id = ?", src, dest).First(&route).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRouteNotFound
	}
	if err != nil {
		return nil, err
	}
	return &route, nil
}

// SetEnabled toggles a route. Toggling is idempotent and never changes the
// route's identity or destination server.
//
// A plain toggle leaves legacy_error_rate alone. Enabling a route that was
// auto-disabled for failures is the operator undo path: the counter is reset
// and the disable date cleared, since auto-disable never self-heals.
func (r *Registry) SetEnabled(src, dest int64, enabled bool) error {
	return withConflictRetry(func() error {
		return r.db.Transaction(func(tx *gorm.DB) error {
			var route MirroredChannel
			err := tx.Where("src_id = ? AND dest_id = ?", src, dest).First(&route).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRouteNotFound
			}
			if err != nil {
				return err
			}
			updates := map[string]any{"enabled": enabled}
			if enabled && route.LegacyDisableForFailureOnDate != nil {
				updates["legacy_error_rate"] = 0
				updates["legacy_disable_for_failure_on_date"] = nil
			}
			return tx.Model(&MirroredChannel{}).
				Where("src_id = ? AND dest_id = ?", src, dest).
				Updates(updates).Error
		})
	})
}

// SetLegacy switches a route between the auto-disable and report-only
// failure policies.
func (r *Registry) SetLegacy(src, dest int64, legacy bool) error {
	res := r.db.Model(&MirroredChannel{}).
		Where("src_id = ? AND dest_id = ?", src, dest).
		Update("legacy", legacy)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRouteNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.legacySrcs != nil {
		if legacy {
			r.legacySrcs[src] = struct{}{}
		} else {
			delete(r.legacySrcs, src)
		}
	}
	return nil
}

// Remove deletes a route. It refuses with ErrHasDependents while ledger rows
// exist for the pair; use RemoveWithHistory to delete both.
func (r *Registry) Remove(src, dest int64) error {
	return withConflictRetry(func() error {
		return r.db.Transaction(func(tx *gorm.DB) error {
			var count int64
			if err := tx.Model(&MirroredMessage{}).
				Where("src_ch = ? AND dest_ch = ?", src, dest).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return ErrHasDependents
			}
			return r.deleteRoute(tx, src, dest)
		})
	})
}

// RemoveWithHistory deletes a route and its ledger rows in one transaction.
func (r *Registry) RemoveWithHistory(src, dest int64) error {
	return withConflictRetry(func() error {
		return r.db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("src_ch = ? AND dest_ch = ?", src, dest).
				Delete(&MirroredMessage{}).Error; err != nil {
				return err
			}
			return r.deleteRoute(tx, src, dest)
		})
	})
}

func (r *Registry) deleteRoute(tx *gorm.DB, src, dest int64) error {
	res := tx.Where("src_id = ? AND dest_id = ?", src, dest).Delete(&MirroredChannel{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRouteNotFound
	}
	return nil
}

// Sources returns the source channel ids feeding a destination. Nil filters
// mean "any".
func (r *Registry) Sources(dest int64, legacy, enabled *bool) ([]int64, error) {
	q := r.db.Model(&MirroredChannel{}).Where("dest_id = ?", dest)
	if legacy != nil {
		q = q.Where("legacy = ?", *legacy)
	}
	if enabled != nil {
		q = q.Where("enabled = ?", *enabled)
	}
	var srcs []int64
	if err := q.Pluck("src_id", &srcs).Error; err != nil {
		return nil, err
	}
	return srcs, nil
}

// AllSources returns the set of source channel ids with at least one route.
// For legacy sources the result is served from the in-memory cache once
// loaded; see the Registry doc comment for its staleness trade-off.
func (r *Registry) AllSources(legacy bool) (map[int64]struct{}, error) {
	if legacy {
		r.mu.Lock()
		if r.legacySrcs != nil {
			out := make(map[int64]struct{}, len(r.legacySrcs))
			for id := range r.legacySrcs {
				out[id] = struct{}{}
			}
			r.mu.Unlock()
			return out, nil
		}
		r.mu.Unlock()
	}

	var srcs []int64
	if err := r.db.Model(&MirroredChannel{}).
		Where("legacy = ?", legacy).
		Distinct().
		Pluck("src_id", &srcs).Error; err != nil {
		return nil, err
	}
	set := make(map[int64]struct{}, len(srcs))
	for _, id := range srcs {
		set[id] = struct{}{}
	}
	if legacy {
		r.mu.Lock()
		r.legacySrcs = make(map[int64]struct{}, len(set))
		for id := range set {
			r.legacySrcs[id] = struct{}{}
		}
		r.mu.Unlock()
	}
	return set, nil
}

// CountDestinations returns the number of enabled routes from a source.
func (r *Registry) CountDestinations(src int64) (int64, error) {
	var count int64
	err := r.db.Model(&MirroredChannel{}).
		Where("src_id = ? AND enabled = ?", src, true).
		Count(&count).Error
	return count, err
}

// UndoAutoDisable re-enables routes auto-disabled for failures on or after
// since, resetting their counters and clearing the disable dates. Returns
// the pairs that were re-enabled.
func (r *Registry) UndoAutoDisable(since time.Time) ([]RoutePair, error) {
	var pairs []RoutePair
	err := withConflictRetry(func() error {
		pairs = pairs[:0]
		return r.db.Transaction(func(tx *gorm.DB) error {
			var routes []MirroredChannel
			if err := tx.Where(
				"enabled = ? AND legacy = ? AND legacy_disable_for_failure_on_date >= ?",
				false, true, since,
			).Find(&routes).Error; err != nil {
				return err
			}
			for _, route := range routes {
				if err := tx.Model(&MirroredChannel{}).
					Where("src_id = ? AND dest_id = ?", route.SrcID, route.DestID).
					Updates(map[string]any{
						"enabled":                            true,
						"legacy_error_rate":                  0,
						"legacy_disable_for_failure_on_date": nil,
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
		r.cacheAdd(pair.Src)
	}
	if len(pairs) > 0 {
		r.log.Info("undid auto-disable", zap.Int("routes", len(pairs)), zap.Time("since", since))
	}
	return pairs, nil
}

func (r *Registry) cacheAdd(src int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.legacySrcs != nil {
		r.legacySrcs[src] = struct{}{}
	}
}
