// Package janitor runs periodic storage maintenance on a cron schedule.
package janitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "botcast/pkg/logx"
)

const (
	DefaultSchedule  = "@daily"
	DefaultRetention = 30 * 24 * time.Hour
	pruneTimeout     = time.Minute
)

// Parser accepts 5-field and 6-field (with seconds) specs and descriptors.
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Pruner removes journal entries received before a cutoff.
type Pruner interface {
	PruneInbound(ctx context.Context, before time.Time) (int64, error)
}

type Config struct {
	Schedule  string
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	c.Schedule = strings.TrimSpace(c.Schedule)
	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	return c
}

type Janitor struct {
	cfg   Config
	sched cron.Schedule
	store Pruner
	log   logx.Logger
	now   func() time.Time

	mu sync.Mutex
	c  *cron.Cron
}

func New(cfg Config, store Pruner, log logx.Logger) (*Janitor, error) {
	cfg = cfg.withDefaults()
	sched, err := Parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("janitor schedule %q: %w", cfg.Schedule, err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Janitor{
		cfg:   cfg,
		sched: sched,
		store: store,
		log:   log.With(logx.String("comp", "janitor")),
		now:   time.Now,
	}, nil
}

// Start schedules the prune job. Jobs run under ctx; an overlapping run is
// skipped rather than queued.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.c != nil {
		return
	}
	cl := cronLogger{log: j.log}
	j.c = cron.New(
		cron.WithParser(Parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	j.c.Schedule(j.sched, cron.FuncJob(func() {
		if _, err := j.RunOnce(ctx); err != nil {
			j.log.Warn("inbound prune failed", logx.Err(err))
		}
	}))
	j.c.Start()
	j.log.Info("janitor started",
		logx.String("schedule", j.cfg.Schedule),
		logx.Duration("retention", j.cfg.Retention),
		logx.String("next", j.sched.Next(j.now()).Format(time.RFC3339)),
	)
}

// Stop waits for a running job or for ctx.
func (j *Janitor) Stop(ctx context.Context) {
	j.mu.Lock()
	c := j.c
	j.c = nil
	j.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	j.log.Info("janitor stopped")
}

// RunOnce prunes journal entries older than the retention window.
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, pruneTimeout)
	defer cancel()
	cutoff := j.now().Add(-j.cfg.Retention)
	n, err := j.store.PruneInbound(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.log.Info("inbound journal pruned", logx.Int64("removed", n), logx.String("before", cutoff.Format(time.RFC3339)))
	}
	return n, nil
}

// cronLogger adapts cron's key/value logger to logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
