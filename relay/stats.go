package relay

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Stats owns the server_statistics table. Population figures only influence
// destination ordering, so stale or missing rows are harmless.
type Stats struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewStats(db *gorm.DB, log *zap.Logger) *Stats {
	return &Stats{db: db, log: log}
}

// Upsert records the population of a server, inserting or overwriting.
func (s *Stats) Upsert(serverID, population int64) error {
	return withConflictRetry(func() error {
		return s.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"population"}),
		}).Create(&ServerStatistics{ID: serverID, Population: population}).Error
	})
}

// Populations returns the known population per server id.
func (s *Stats) Populations() (map[int64]int64, error) {
	var rows []ServerStatistics
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[int64]int64, len(rows))
	for _, row := range rows {
		out[row.ID] = row.Population
	}
	return out, nil
}

// PopulationSource reports current member counts per server id. The host
// injects one backed by its chat transport.
type PopulationSource func(ctx context.Context) (map[int64]int64, error)

// Refresher periodically pulls populations from the source into the table.
type Refresher struct {
	stats    *Stats
	source   PopulationSource
	interval time.Duration
	log      *zap.Logger
}

func NewRefresher(stats *Stats, source PopulationSource, interval time.Duration, log *zap.Logger) *Refresher {
	if interval <= 0 {
		interval = DefaultStatsRefresh
	}
	return &Refresher{stats: stats, source: source, interval: interval, log: log}
}

// Run refreshes once immediately, then on every tick until ctx is done.
func (r *Refresher) Run(ctx context.Context) error {
	r.refresh(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *Refresher) refresh(ctx context.Context) {
	populations, err := r.source(ctx)
	if err != nil {
		r.log.Warn("population refresh failed", zap.Error(err))
		return
	}
	updated := 0
	for id, population := range populations {
		if err := r.stats.Upsert(id, population); err != nil {
			r.log.Warn("population upsert failed", zap.Int64("server", id), zap.Error(err))
			continue
		}
		updated++
	}
	r.log.Info("refreshed server populations", zap.Int("servers", updated))
}
