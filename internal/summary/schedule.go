package summary

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "notifyd/pkg/logx"
)

// Parser accepts five-field specs, an optional leading seconds field and
// descriptors such as @weekly.
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether spec parses.
func ValidateSchedule(spec string) error {
	if _, err := Parser.Parse(strings.TrimSpace(spec)); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// Entry binds a digest job to its cron spec.
type Entry struct {
	Job      Job
	Schedule string
}

type SchedulerConfig struct {
	Enabled    bool
	Timezone   string // IANA name; empty means local time
	RunTimeout time.Duration
	Entries    []Entry
}

// Runner executes a job; *Aggregator satisfies it.
type Runner interface {
	Run(ctx context.Context, job Job) Report
}

// Scheduler triggers digest runs. Overlapping runs of the same entry are
// skipped and a panicking run is recovered.
type Scheduler struct {
	mu sync.Mutex

	log    logx.Logger
	runner Runner
	cfg    SchedulerConfig
	loc    *time.Location

	c       *cron.Cron
	ids     map[string]cron.EntryID
	baseCtx context.Context
	last    map[string]Report
}

func NewScheduler(cfg SchedulerConfig, runner Runner, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:    cfg,
		runner: runner,
		log:    log.With(logx.String("comp", "summary.scheduler")),
		last:   map[string]Report{},
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.baseCtx = ctx
	return s.startLocked()
}

func (s *Scheduler) startLocked() error {
	if !s.cfg.Enabled {
		s.log.Info("digest scheduler disabled")
		return nil
	}
	s.loc = s.loadLocationLocked()
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(Parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	ids := make(map[string]cron.EntryID, len(s.cfg.Entries))
	for _, e := range s.cfg.Entries {
		e := e
		id, err := c.AddFunc(strings.TrimSpace(e.Schedule), func() { s.fire(e.Job) })
		if err != nil {
			return fmt.Errorf("schedule %s digest: %w", e.Job.Name, err)
		}
		ids[e.Job.Name] = id
		s.log.Info("digest scheduled", logx.String("job", e.Job.Name), logx.String("schedule", e.Schedule))
	}
	c.Start()
	s.c = c
	s.ids = ids
	s.log.Info("digest scheduler started", logx.String("tz", s.loc.String()), logx.Int("entries", len(s.cfg.Entries)))
	return nil
}

// Stop waits for running jobs up to ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.baseCtx = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		s.log.Info("digest scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("digest scheduler stop: %w", ctx.Err())
	}
}

// Apply swaps the configuration, rebuilding the cron table when running.
// In-flight runs finish first; s.mu is released while waiting because a
// finishing run records its report under it.
func (s *Scheduler) Apply(cfg SchedulerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	for s.c != nil {
		c := s.c
		s.c = nil
		s.mu.Unlock()
		<-c.Stop().Done()
		s.mu.Lock()
	}
	if s.baseCtx == nil {
		return nil
	}
	return s.startLocked()
}

// RunNow executes job synchronously, outside the cron table.
func (s *Scheduler) RunNow(ctx context.Context, job Job) Report {
	rep := s.runner.Run(ctx, job)
	s.record(rep)
	return rep
}

// Last returns the latest report per job name.
func (s *Scheduler) Last() map[string]Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Report, len(s.last))
	for k, v := range s.last {
		out[k] = v
	}
	return out
}

// Next returns the next activation per job, for status output.
func (s *Scheduler) Next() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]time.Time{}
	if s.c == nil {
		return out
	}
	for name, id := range s.ids {
		out[name] = s.c.Entry(id).Next
	}
	return out
}

func (s *Scheduler) fire(job Job) {
	s.mu.Lock()
	ctx := s.baseCtx
	timeout := s.cfg.RunTimeout
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rep := s.RunNow(ctx, job)
	fields := []logx.Field{
		logx.String("job", rep.Job),
		logx.Int("users", rep.Users),
		logx.Int("sent", rep.Sent),
		logx.Int("skipped", rep.Skipped),
		logx.Int("failed", rep.Failed),
		logx.Duration("took", rep.Duration),
	}
	if rep.Err != nil {
		s.log.Warn("digest run finished with error", append(fields, logx.Err(rep.Err))...)
		return
	}
	s.log.Info("digest run finished", fields...)
}

func (s *Scheduler) record(rep Report) {
	s.mu.Lock()
	s.last[rep.Job] = rep
	s.mu.Unlock()
}

func (s *Scheduler) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger routes cron's own messages into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
