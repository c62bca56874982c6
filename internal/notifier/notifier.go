// Package notifier fans completed-entry events out to the presentation
// layer (chat, web, anything external to this core) through a Sink interface.
//
// Delivery is exactly-once within the winning instance: a queue feeds a
// small worker pool, sends are rate limited, and a dedup window keyed by
// entry identity suppresses replays (the window is persisted so a restart
// does not re-announce a finished tick). Cross-instance duplicate
// suppression is entirely the tick lock's job, not this package's.
package notifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"leaguebot/internal/league"
	"leaguebot/internal/storage"
	logx "leaguebot/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Notification is one completed entry ready for downstream announcement.
type Notification struct {
	EntryID  string
	Tick     int
	Phase    league.Phase
	TeamA    league.TeamID
	TeamB    league.TeamID
	ScoreA   int
	ScoreB   int
	Winner   league.TeamID
	SeriesID string
	At       time.Time
}

// Sink delivers a notification to wherever the community watches the league.
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, n Notification) error

func (f SinkFunc) Deliver(ctx context.Context, n Notification) error { return f(ctx, n) }

type Config struct {
	Enabled     bool
	Workers     int
	QueueSize   int
	RatePerSec  int
	DedupWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 24 * time.Hour
	}
	return c
}

// Service is the async notification pipeline. Safe for concurrent use.
type Service struct {
	mu sync.Mutex

	cfg     Config
	sink    Sink
	store   storage.Store
	log     logx.Logger
	limiter *rate.Limiter

	queue  chan Notification
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// In-memory dedup cache: entry id -> suppress until.
	dmu   sync.Mutex
	dedup map[string]time.Time
}

func New(cfg Config, sink Sink, store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		sink:    sink,
		store:   store,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		dedup:   map[string]time.Time{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.queue != nil {
		return
	}
	s.queue = make(chan Notification, s.cfg.QueueSize)

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.worker(wctx)
		}()
	}
	s.log.Info("notifier started", logx.Int("workers", s.cfg.Workers))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.queue = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("notifier stopped")
}

// Publish enqueues a notification. Replays of an already-announced entry are
// silently dropped; a full queue is reported but never blocks the tick.
func (s *Service) Publish(ctx context.Context, n Notification) error {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		if !s.cfg.Enabled {
			return nil
		}
		return ErrStopped
	}

	if s.seen(ctx, n.EntryID) {
		s.log.Debug("notification suppressed (duplicate)", logx.String("entry", n.EntryID))
		return nil
	}
	if n.At.IsZero() {
		n.At = time.Now()
	}

	select {
	case q <- n:
		return nil
	default:
		s.log.Warn("notification dropped", logx.String("entry", n.EntryID))
		return ErrQueueFull
	}
}

func (s *Service) worker(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-q:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			s.deliver(ctx, n)
		}
	}
}

func (s *Service) deliver(ctx context.Context, n Notification) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Deliver(ctx, n); err != nil {
		s.log.Warn("notification delivery failed", logx.String("entry", n.EntryID), logx.Err(err))
		return
	}
	s.markSeen(ctx, n.EntryID)
}

// seen checks the dedup window, consulting the in-memory cache first and the
// persisted window on a miss.
func (s *Service) seen(ctx context.Context, key string) bool {
	now := time.Now()

	s.dmu.Lock()
	until, ok := s.dedup[key]
	s.dmu.Unlock()
	if ok && now.Before(until) {
		return true
	}

	if s.store != nil {
		if until, ok, err := s.store.GetDedup(ctx, dedupKey(key)); err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return true
		}
	}
	return false
}

func (s *Service) markSeen(ctx context.Context, key string) {
	until := time.Now().Add(s.cfg.DedupWindow)

	s.dmu.Lock()
	s.dedup[key] = until
	// Opportunistic cleanup so the cache does not grow with the season.
	if len(s.dedup) > 4096 {
		now := time.Now()
		for k, u := range s.dedup {
			if now.After(u) {
				delete(s.dedup, k)
			}
		}
	}
	s.dmu.Unlock()

	if s.store != nil {
		if err := s.store.PutDedup(ctx, dedupKey(key), until); err != nil {
			s.log.Debug("dedup persist failed", logx.String("entry", key), logx.Err(err))
		}
	}
}

func dedupKey(entryID string) string { return "notify:" + entryID }
