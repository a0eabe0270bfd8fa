package dispatch

import (
	"context"
	"runtime/debug"
	"sort"
	"time"

	logx "botcast/pkg/logx"
)

const (
	// Async dispatches can be started often; keep their statuses bounded.
	defaultStatusMax = 200
	defaultStatusTTL = 24 * time.Hour
)

// Status is the progress of a dispatch started with Start.
type Status struct {
	Report
	Running   bool      `json:"running"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Start runs pre-flight synchronously and the delivery in the background.
// ctx bounds the background run, so callers pass a process-lifetime context,
// not a request context.
func (e *Engine) Start(ctx context.Context, botID string, in Intent) (string, error) {
	p, err := e.prepare(ctx, botID, in)
	if err != nil {
		return "", err
	}

	now := e.now()
	e.pruneStatus(now)
	e.statusMu.Lock()
	e.status[p.id] = &Status{
		Report: Report{
			DispatchID: p.id,
			BotID:      p.bot.ID,
			Action:     in.Action.Kind(),
			Broadcast:  in.Target.All,
			Total:      len(p.recipients),
			StartedAt:  now,
		},
		Running:   true,
		CreatedAt: now,
	}
	e.statusMu.Unlock()

	e.running.Add(1)
	go func() {
		defer e.running.Done()
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("panic in async dispatch", logx.String("dispatch", p.id), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				e.setStatus(p.id, func(st *Status) {
					st.Running = false
					st.Error = "internal error"
					st.FinishedAt = e.now()
				})
			}
		}()

		rep, err := e.execute(ctx, p, func(r Report) {
			e.setStatus(p.id, func(st *Status) { st.Report = r })
		})
		e.setStatus(p.id, func(st *Status) {
			st.Report = rep
			st.Running = false
			if err != nil {
				st.Error = err.Error()
			}
		})
	}()
	return p.id, nil
}

// Status returns a copy of the dispatch status.
func (e *Engine) Status(id string) (Status, bool) {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	st, ok := e.status[id]
	if !ok || st == nil {
		return Status{}, false
	}
	cp := *st
	cp.Report = st.Report.clone()
	return cp, true
}

// Wait blocks until background dispatches finish or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) setStatus(id string, fn func(*Status)) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	if st := e.status[id]; st != nil {
		fn(st)
	}
}

func (e *Engine) pruneStatus(now time.Time) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()

	max := e.statusMax
	if max <= 0 {
		max = defaultStatusMax
	}
	ttl := e.statusTTL
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}

	// 1) Drop finished dispatches older than TTL.
	for id, st := range e.status {
		if st == nil {
			delete(e.status, id)
			continue
		}
		if st.Running {
			continue
		}
		ref := st.FinishedAt
		if ref.IsZero() {
			ref = st.CreatedAt
		}
		if !ref.IsZero() && now.Sub(ref) > ttl {
			delete(e.status, id)
		}
	}

	// Leave room for the status about to be added.
	excess := len(e.status) - max + 1
	if excess <= 0 {
		return
	}

	// 2) Still too big: drop the oldest finished dispatches.
	type kv struct {
		id string
		t  time.Time
	}
	items := make([]kv, 0, len(e.status))
	for id, st := range e.status {
		if st.Running {
			continue
		}
		items = append(items, kv{id: id, t: st.FinishedAt})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].t.Before(items[j].t) })
	for i := 0; i < excess && i < len(items); i++ {
		delete(e.status, items[i].id)
	}
}
