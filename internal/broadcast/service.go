// Package broadcast drains pending broadcast templates against the backend's
// paginated recipient lists: fetch a page, send serially with pacing,
// classify failures, advance the cursor, and mark the template done only
// after a clean empty-page exit.
package broadcast

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"onboardbot/internal/transport"
	"onboardbot/pkg/logx"
)

type Service struct {
	mu sync.Mutex

	cfg     Config
	backend Backend
	gateway transport.Gateway
	log     logx.Logger

	limiter *rate.Limiter

	c     *cron.Cron
	entry cron.EntryID

	// running makes overlapping triggers a no-op: at most one pass at a time.
	running atomic.Bool

	runCtx    context.Context
	runCancel context.CancelFunc

	// reportWG tracks fire-and-forget deactivation reports so Stop can give
	// them a bounded chance to finish.
	reportWG sync.WaitGroup
}

func New(cfg Config, b Backend, gw transport.Gateway, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		backend: b,
		gateway: gw,
		log:     log,
		// Burst 1 keeps sends strictly spaced instead of allowing an initial
		// burst to hit the gateway at once.
		limiter: rate.NewLimiter(rate.Limit(cfg.SendRatePerSec), 1),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply updates tunables. A changed cron spec re-registers the trigger when
// the service is running.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()

	oldSpec := s.cfg.Spec
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.SendRatePerSec), 1)

	if s.c != nil && cfg.Spec != oldSpec {
		s.c.Remove(s.entry)
		if id, err := s.c.AddFunc(cfg.Spec, s.trigger); err != nil {
			s.log.Warn("broadcast spec rejected, trigger disabled until restart",
				logx.String("spec", cfg.Spec), logx.Err(err))
		} else {
			s.entry = id
			s.log.Info("broadcast schedule updated", logx.String("spec", cfg.Spec))
		}
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Info("broadcast disabled")
		return nil
	}

	s.runCtx, s.runCancel = context.WithCancel(ctx)

	s.c = cron.New()
	id, err := s.c.AddFunc(s.cfg.Spec, s.trigger)
	if err != nil {
		s.c = nil
		s.runCancel()
		return err
	}
	s.entry = id
	s.c.Start()
	s.log.Info("broadcast started", logx.String("spec", s.cfg.Spec), logx.Int("page_size", s.cfg.PageSize))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.runCancel = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	stopCtx := c.Stop() // waits for a running trigger callback via its context
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		<-stopCtx.Done()
		s.reportWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("broadcast stopped")
	case <-ctx.Done():
		s.log.Warn("broadcast stop timed out; reports may be lost")
	}
}

// trigger is the cron entry point. Run itself holds the overlap guard, so a
// trigger firing mid-pass returns immediately.
func (s *Service) trigger() {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if err := s.Run(ctx); err != nil {
		s.log.Warn("broadcast pass failed", logx.Err(err))
	}
}
