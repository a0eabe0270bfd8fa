package janitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"botcast/internal/model"
	"botcast/internal/storage"
	logx "botcast/pkg/logx"
)

type countingPruner struct {
	mu     sync.Mutex
	calls  int
	before time.Time
	err    error
	ran    chan struct{}
}

func (p *countingPruner) PruneInbound(_ context.Context, before time.Time) (int64, error) {
	p.mu.Lock()
	p.calls++
	p.before = before
	p.mu.Unlock()
	if p.ran != nil {
		select {
		case p.ran <- struct{}{}:
		default:
		}
	}
	return 0, p.err
}

func TestRunOncePrunesOlderThanRetention(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })

	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	for _, age := range []time.Duration{48 * time.Hour, 36 * time.Hour, time.Hour} {
		ev := model.InboundEvent{BotID: "b1", Kind: model.EventMessage, FromID: 1, ReceivedAt: now.Add(-age)}
		if err := st.AppendInbound(ctx, ev); err != nil {
			t.Fatalf("AppendInbound: %v", err)
		}
	}

	j, err := New(Config{Retention: 24 * time.Hour}, st, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	j.now = func() time.Time { return now }

	n, err := j.RunOnce(ctx)
	if err != nil || n != 2 {
		t.Fatalf("RunOnce = %d, %v; want 2 removed", n, err)
	}
	if n, _ := j.RunOnce(ctx); n != 0 {
		t.Fatalf("second RunOnce removed %d", n)
	}
}

func TestNewDefaultsAndRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	j, err := New(Config{}, &countingPruner{}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if j.cfg.Schedule != DefaultSchedule || j.cfg.Retention != DefaultRetention {
		t.Fatalf("defaults = %+v", j.cfg)
	}
	if _, err := New(Config{Schedule: "whenever"}, &countingPruner{}, logx.Nop()); err == nil {
		t.Fatalf("bad schedule accepted")
	}
}

func TestScheduledRun(t *testing.T) {
	t.Parallel()
	p := &countingPruner{ran: make(chan struct{}, 1), err: errors.New("db down")}
	j, err := New(Config{Schedule: "@every 1s"}, p, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	j.Start(ctx)
	defer j.Stop(context.Background())

	select {
	case <-p.ran:
	case <-time.After(5 * time.Second):
		t.Fatalf("prune job never ran")
	}
}
