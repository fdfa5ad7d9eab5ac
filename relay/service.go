package relay

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Service wires the registry, ledger, health tracker and engine onto one
// database and runs the role's background loops. The relay role runs the
// engine plus maintenance; the janitor role runs only maintenance, for
// deployments that split the prune and statistics work into its own process.
type Service struct {
	cfg    *Config
	db     *gorm.DB
	log    *zap.Logger
	source PopulationSource

	registry *Registry
	ledger   *Ledger
	health   *HealthTracker
	stats    *Stats
	engine   *Engine
}

// NewService opens the database and assembles the components for the
// configured role. sender is required for the relay role; source may be nil,
// which skips the statistics refresh loop.
func NewService(cfg *Config, sender Sender, source PopulationSource, log *zap.Logger) (*Service, error) {
	cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Role == RoleRelay && sender == nil {
		return nil, errors.New("relay role requires a sender")
	}

	db, err := OpenDB(cfg.DB)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:      cfg,
		db:       db,
		log:      log,
		source:   source,
		registry: NewRegistry(db, log),
		ledger:   NewLedger(db, log),
		stats:    NewStats(db, log),
	}
	s.health = NewHealthTracker(db, log, cfg.FailureThreshold)
	if cfg.Role == RoleRelay {
		s.engine = NewEngine(s.registry, s.ledger, s.health, sender, cfg, log)
	}
	return s, nil
}

func (s *Service) Registry() *Registry    { return s.registry }
func (s *Service) Ledger() *Ledger        { return s.ledger }
func (s *Service) Health() *HealthTracker { return s.health }
func (s *Service) Stats() *Stats          { return s.stats }
func (s *Service) DB() *gorm.DB           { return s.db }

// Engine returns the relay engine, or nil outside the relay role.
func (s *Service) Engine() *Engine { return s.engine }

// Run executes the role's background loops until ctx is done, then drains
// and returns. The returned error is nil on a clean context cancellation.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("service starting",
		zap.String("role", s.cfg.Role),
		zap.String("db", s.cfg.DB),
		zap.Int("failure_threshold", s.cfg.FailureThreshold))

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.Go(func() error { return s.pruneLoop(grpCtx) })
	if s.source != nil {
		refresher := NewRefresher(s.stats, s.source, s.cfg.StatsRefreshInterval.Std(), s.log)
		grp.Go(func() error { return refresher.Run(grpCtx) })
	}

	err := grp.Wait()
	if s.engine != nil {
		if cerr := s.engine.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	s.log.Info("service stopped", zap.String("role", s.cfg.Role))
	return err
}

// Close releases the database. Call after Run has returned.
func (s *Service) Close() error {
	return CloseDB(s.db)
}

func (s *Service) pruneLoop(ctx context.Context) error {
	if _, err := s.ledger.Prune(s.cfg.PruneAge.Std()); err != nil {
		s.log.Warn("ledger prune failed", zap.Error(err))
	}
	ticker := time.NewTicker(s.cfg.PruneInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.ledger.Prune(s.cfg.PruneAge.Std()); err != nil {
				s.log.Warn("ledger prune failed", zap.Error(err))
			}
		}
	}
}
