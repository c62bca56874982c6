package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "leaguebot/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled        bool
	Timezone       string // IANA TZ, e.g. "America/New_York"
	DefaultTimeout time.Duration
}

type jobDef struct {
	id      string
	name    string
	spec    string // cron spec or @every form
	timeout time.Duration
	run     func(ctx context.Context) error
	entryID cron.EntryID
	state   *runState
}

// runState gates overlap: a firing is skipped while the previous run of the
// same job is still in flight.
type runState struct {
	mu       sync.Mutex
	inflight int
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *runState) release() {
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	defs   []jobDef

	baseCtx context.Context
	runWG   sync.WaitGroup

	idSeq uint64
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// AddSchedule parses the schedule string and registers a named job.
// Registering an existing name replaces the previous definition, which keeps
// repeated registrations across config reloads from stacking duplicates.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("name required")
	}
	if job == nil {
		return "", errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	spec := ps.Cron
	if ps.Kind == SpecInterval {
		spec = fmt.Sprintf("@every %s", ps.Every.String())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.removeLocked(name)
	s.idSeq++
	d := jobDef{
		id:      fmt.Sprintf("job:%d", s.idSeq),
		name:    name,
		spec:    spec,
		timeout: s.resolveTimeoutLocked(timeout),
		run:     job,
		state:   &runState{},
	}
	s.defs = append(s.defs, d)

	if s.c != nil {
		if err := s.registerLocked(&s.defs[len(s.defs)-1]); err != nil {
			s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", spec), logx.Err(err))
			return d.id, err
		}
		s.log.Debug("schedule registered",
			logx.String("name", name), logx.String("id", d.id),
			logx.String("spec", spec), logx.Duration("timeout", d.timeout))
	}
	// Scheduler not started yet: keep the definition, register when Start() runs.
	return d.id, nil
}

// Remove unschedules the named job. Returns true if something was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeLocked(name)
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) removeLocked(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) registerLocked(d *jobDef) error {
	eid, err := s.c.AddFunc(d.spec, func() { s.fire(d) })
	if err == nil {
		d.entryID = eid
	}
	return err
}

// fire runs one scheduled firing of a job in its own goroutine.
func (s *Service) fire(d *jobDef) {
	if !d.state.tryAcquire() {
		s.log.Debug("firing skipped (previous run still in flight)", logx.String("job", d.name))
		return
	}

	s.mu.Lock()
	base := s.baseCtx
	s.mu.Unlock()
	if base == nil {
		d.state.release()
		return
	}

	s.runWG.Add(1)
	go func() {
		defer s.runWG.Done()
		defer d.state.release()

		ctx := base
		var cancel context.CancelFunc
		if d.timeout > 0 {
			ctx, cancel = context.WithTimeout(base, d.timeout)
			defer cancel()
		}

		start := time.Now()
		if err := d.run(ctx); err != nil {
			s.log.Warn("job failed", logx.String("job", d.name), logx.Err(err), logx.Duration("took", time.Since(start)))
			return
		}
		s.log.Debug("job completed", logx.String("job", d.name), logx.Duration("took", time.Since(start)))
	}()
}

// Start begins cron triggering. No-op when disabled or already started.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.c != nil {
		return
	}

	// Firings must not inherit the Start caller's cancellation; Stop() owns
	// the drain.
	s.baseCtx = context.WithoutCancel(ctx)

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	for i := range s.defs {
		if err := s.registerLocked(&s.defs[i]); err != nil {
			s.log.Error("schedule register failed", logx.String("name", s.defs[i].name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("trigger service started", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop halts triggering and waits for in-flight firings, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	s.baseCtx = nil
	for i := range s.defs {
		s.defs[i].entryID = 0
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}

	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	s.log.Info("trigger service stopped", logx.Duration("took", time.Since(start)))
}

// NextRun reports the next scheduled firing of the named job, if known.
// Presentation layers use this ("next tip-off at ..."); the core itself
// never depends on it.
func (s *Service) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}, false
	}
	for _, d := range s.defs {
		if d.name != name || d.entryID == 0 {
			continue
		}
		e := s.c.Entry(d.entryID)
		if e.ID == 0 {
			continue
		}
		return e.Next, true
	}
	return time.Time{}, false
}

func (s *Service) resolveTimeoutLocked(timeout time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	return s.cfg.DefaultTimeout
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
