// Package pruning periodically deletes drafts that were never sent.
package pruning

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Store interface {
	PruneDrafts(ctx context.Context, before time.Time) (int64, error)
}

// Locker elects a single pruner per interval when several server processes
// share a store
type Locker interface {
	// TryLock takes key until ttl expires. Returns false when another process holds it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

const lockKey = "scrawl:prune"

type Config struct {
	Interval time.Duration

	// Drafts older than this are deleted
	Retention time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:  time.Hour,
		Retention: 7 * 24 * time.Hour,
	}
}

type Service struct {
	store  Store
	config Config
	locker Locker
	logger *slog.Logger
	now    func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates the service. locker may be nil for a single process.
func New(store Store, config Config, locker Locker, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		config: config,
		locker: locker,
		logger: logger,
		now:    time.Now,
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("draft pruning started",
		slog.Duration("interval", s.config.Interval), slog.Duration("retention", s.config.Retention))
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.logger.Info("draft pruning stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	s.prune(ctx)

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.prune(ctx)
		}
	}
}

func (s *Service) prune(ctx context.Context) {
	if s.locker != nil {
		ok, err := s.locker.TryLock(ctx, lockKey, s.config.Interval)
		if err != nil {
			s.logger.Warn("failed to take prune lock", slog.Any("error", err))
			return
		}
		if !ok {
			s.logger.Debug("prune lock held elsewhere, skipping cycle")
			return
		}
	}

	if _, err := s.PruneNow(ctx); err != nil {
		s.logger.Error("failed to prune drafts", slog.Any("error", err))
	}
}

// PruneNow deletes drafts older than the retention window and returns how many went
func (s *Service) PruneNow(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.config.Retention)
	n, err := s.store.PruneDrafts(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("pruned stale drafts", slog.Int64("count", n), slog.Time("before", cutoff))
	}
	return n, nil
}
