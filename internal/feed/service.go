// Package feed sweeps the marketplace changes feed on a fixed interval
// and hands every non-terminal tender summary to the poller. The crawl
// cursor and the origin-server affinity cookie are persisted so a restart
// resumes where the previous run stopped.
package feed

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"chronograph/internal/chrono"
	"chronograph/internal/marketplace"
	"chronograph/internal/storage"
	logx "chronograph/pkg/logx"
)

// maxPagesPerSweep bounds one sweep so a huge backlog cannot starve the
// next tick; the cursor makes the following sweep continue from there.
const maxPagesPerSweep = 50

type Config struct {
	Enabled  bool
	Interval time.Duration // default 30s
	Limit    int           // page size, default 100
}

type Service struct {
	cfg    Config
	client *marketplace.Client
	poller *chrono.Poller
	store  *storage.Store
	log    logx.Logger

	c        *cron.Cron
	sweeping atomic.Bool

	mu     sync.Mutex
	runCtx context.Context
	cancel context.CancelFunc
}

func New(cfg Config, client *marketplace.Client, poller *chrono.Poller, store *storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	return &Service{cfg: cfg, client: client, poller: poller, store: store, log: log}
}

// Start restores the persisted cursor and begins the periodic sweep.
func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Info("feed sweep disabled")
		return nil
	}

	cursor, err := s.store.FeedPosition(ctx)
	if err != nil {
		return fmt.Errorf("feed cursor: %w", err)
	}
	if cursor.ServerID != "" && s.client.ServerID() == "" {
		s.client.SetServerID(cursor.ServerID)
	}

	s.mu.Lock()
	s.runCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.c = cron.New()
	_, err = s.c.AddFunc(fmt.Sprintf("@every %s", s.cfg.Interval), func() {
		s.Sweep(s.runCtx)
	})
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.c.Start()
	s.mu.Unlock()

	s.log.Info("feed sweep started",
		logx.Duration("interval", s.cfg.Interval), logx.Int("limit", s.cfg.Limit),
		logx.String("offset", cursor.Offset))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("feed sweep stopped")
}

// Sweep crawls forward from the persisted cursor. Overlapping ticks are
// skipped rather than queued.
func (s *Service) Sweep(ctx context.Context) {
	if !s.sweeping.CompareAndSwap(false, true) {
		s.log.Debug("sweep still running, tick skipped")
		return
	}
	defer s.sweeping.Store(false)

	cursor, err := s.store.FeedPosition(ctx)
	if err != nil {
		s.log.Warn("feed cursor read failed", logx.Err(err))
		return
	}

	start := time.Now()
	seen, queued := 0, 0
	for page := 0; page < maxPagesPerSweep; page++ {
		if ctx.Err() != nil {
			return
		}
		pg, err := s.client.Listing(ctx, cursor.Offset, s.cfg.Limit)
		if err != nil {
			s.log.Warn("feed page fetch failed", logx.String("offset", cursor.Offset), logx.Err(err))
			return
		}

		for i := range pg.Items {
			t := &pg.Items[i]
			seen++
			if t.ID == "" || isTerminalStatus(t.Status) {
				continue
			}
			if err := s.poller.ProcessListing(ctx, t, chrono.OriginFeed); err != nil {
				s.log.Warn("listing processing failed", logx.String("tender", t.ID), logx.Err(err))
			} else {
				queued++
			}
		}

		if pg.NextOffset != "" && pg.NextOffset != cursor.Offset {
			cursor.Offset = pg.NextOffset
			cursor.ServerID = s.client.ServerID()
			if err := s.store.SaveFeedPosition(ctx, cursor); err != nil {
				s.log.Warn("feed cursor save failed", logx.Err(err))
				return
			}
		}
		if len(pg.Items) < s.cfg.Limit || pg.NextOffset == "" {
			break
		}
	}
	s.log.Debug("sweep finished",
		logx.Int("seen", seen), logx.Int("queued", queued),
		logx.Duration("took", time.Since(start)))
}

// Feed rows in these statuses never reach the poller.
func isTerminalStatus(status string) bool {
	switch status {
	case "unsuccessful", "complete", "cancelled":
		return true
	}
	return false
}
