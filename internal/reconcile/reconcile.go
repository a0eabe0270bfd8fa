// Package reconcile folds normalized inbound events into the recipient
// directory.
package reconcile

import (
	"context"
	"strings"
	"sync"
	"time"

	"botcast/internal/directory"
	"botcast/internal/dispatch"
	"botcast/internal/model"
	"botcast/internal/storage"
	logx "botcast/pkg/logx"
)

// Unblock policies.
const (
	// UnblockAny treats any contact other than a kick as proof of reachability.
	UnblockAny = "any"
	// UnblockMessage unblocks only on messages and "member" membership changes.
	UnblockMessage = "message"
)

type Config struct {
	StartCommand string // default "/start"
	UnblockOn    string // UnblockAny (default) or UnblockMessage
	WelcomeText  string // sent after each start command when set
}

func (c Config) withDefaults() Config {
	c.StartCommand = strings.TrimSpace(c.StartCommand)
	if c.StartCommand == "" {
		c.StartCommand = "/start"
	}
	c.UnblockOn = strings.ToLower(strings.TrimSpace(c.UnblockOn))
	if c.UnblockOn != UnblockMessage {
		c.UnblockOn = UnblockAny
	}
	return c
}

type BotSource interface {
	GetBot(ctx context.Context, id string) (model.BotIdentity, error)
}

// Welcomer sends the welcome reply; dispatch.Engine satisfies it.
type Welcomer interface {
	Dispatch(ctx context.Context, botID string, in dispatch.Intent) (dispatch.Report, error)
}

type Deps struct {
	Bots      BotSource
	Directory *directory.Directory
	Journal   storage.EventStore // optional
	Welcomer  Welcomer           // optional
	Log       logx.Logger
}

type Reconciler struct {
	mu  sync.RWMutex
	cfg Config

	bots    BotSource
	dir     *directory.Directory
	journal storage.EventStore
	welcome Welcomer
	log     logx.Logger
	now     func() time.Time
}

func New(cfg Config, d Deps) *Reconciler {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reconciler{
		cfg:     cfg.withDefaults(),
		bots:    d.Bots,
		dir:     d.Directory,
		journal: d.Journal,
		welcome: d.Welcomer,
		log:     log.With(logx.String("comp", "reconcile")),
		now:     time.Now,
	}
}

func (r *Reconciler) Apply(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg.withDefaults()
	r.mu.Unlock()
}

func (r *Reconciler) config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Reconcile records ev for botID and returns the recipient as stored after
// every update.
func (r *Reconciler) Reconcile(ctx context.Context, botID string, ev model.InboundEvent) (model.Recipient, error) {
	if ev.FromID <= 0 {
		return model.Recipient{}, model.Invalid("from.id", "required")
	}
	if _, err := r.bots.GetBot(ctx, botID); err != nil {
		return model.Recipient{}, err
	}
	cfg := r.config()
	ev.BotID = botID
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = r.now()
	}
	log := r.log.With(logx.String("bot", botID), logx.Int64("user", ev.FromID), logx.String("kind", string(ev.Kind)))

	if r.journal != nil {
		if err := r.journal.AppendInbound(ctx, ev); err != nil {
			log.Warn("inbound journal append failed", logx.Err(err))
		}
	}

	rec, err := r.dir.Upsert(ctx, botID, ev.FromID, ev.From)
	if err != nil {
		return model.Recipient{}, err
	}

	start := isStart(ev, cfg.StartCommand)
	engage := start || (ev.Kind == model.EventMembershipChange && ev.NewStatus == model.MemberStatusMember)
	kicked := ev.Kind == model.EventMembershipChange && ev.NewStatus == model.MemberStatusKicked

	switch {
	case kicked:
		if err := r.dir.MarkReachable(ctx, botID, ev.FromID, false); err != nil {
			return model.Recipient{}, err
		}
	case engage || unblocks(cfg.UnblockOn, ev):
		// Both writes are conditional in the store; rec only decides what to log.
		if engage {
			if err := r.dir.MarkEngaged(ctx, botID, ev.FromID); err != nil {
				return model.Recipient{}, err
			}
			if rec.EngagedAt == nil {
				log.Info("recipient engaged")
			}
		}
		if err := r.dir.MarkReachable(ctx, botID, ev.FromID, true); err != nil {
			return model.Recipient{}, err
		}
		if rec.Blocked {
			log.Info("recipient unblocked by contact")
		}
	}

	rec, err = r.dir.Get(ctx, botID, ev.FromID)
	if err != nil {
		return model.Recipient{}, err
	}
	log.Debug("event reconciled", logx.Bool("blocked", rec.Blocked), logx.Bool("engaged", rec.EngagedAt != nil))

	if start && cfg.WelcomeText != "" && r.welcome != nil {
		in := dispatch.Intent{Action: dispatch.Text{Text: cfg.WelcomeText}, Target: dispatch.ToUser(ev.FromID)}
		if rep, err := r.welcome.Dispatch(ctx, botID, in); err != nil {
			log.Warn("welcome reply rejected", logx.Err(err))
		} else if rep.Sent == 0 {
			log.Warn("welcome reply not delivered")
		}
	}
	return rec, nil
}

// isStart matches "/start", "/start payload" and "/start@botname".
func isStart(ev model.InboundEvent, cmd string) bool {
	if ev.Kind != model.EventMessage {
		return false
	}
	fields := strings.Fields(ev.Text)
	if len(fields) == 0 {
		return false
	}
	tok := fields[0]
	return tok == cmd || strings.HasPrefix(tok, cmd+"@")
}

func unblocks(policy string, ev model.InboundEvent) bool {
	if policy == UnblockAny {
		return true
	}
	return ev.Kind == model.EventMessage
}
