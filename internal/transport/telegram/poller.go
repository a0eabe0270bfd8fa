package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"botcast/internal/eventbus"
	"botcast/internal/model"
	rtsup "botcast/internal/runtime/supervisor"
	"botcast/internal/secrets"
	logx "botcast/pkg/logx"
)

// Handler consumes normalized events; reconcile.Reconciler satisfies it.
type Handler interface {
	Reconcile(ctx context.Context, botID string, ev model.InboundEvent) (model.Recipient, error)
}

type BotLister interface {
	ListBots(ctx context.Context) ([]model.BotIdentity, error)
}

type PollerConfig struct {
	APIURL  string
	Timeout time.Duration // long-poll timeout, default 25s
	// ResyncOn is the bus event type that triggers a bot list refresh.
	ResyncOn string
}

// Poller runs one long-poll loop per active bot and keeps the set in sync
// with the bot registry.
type Poller struct {
	cfg     PollerConfig
	bots    BotLister
	sealer  secrets.Sealer
	handler Handler
	bus     eventbus.Bus
	log     logx.Logger

	mu      sync.Mutex
	running map[string]*rtsup.Supervisor
}

func NewPoller(cfg PollerConfig, bots BotLister, sealer secrets.Sealer, h Handler, bus eventbus.Bus, log logx.Logger) *Poller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 25 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{
		cfg:     cfg,
		bots:    bots,
		sealer:  sealer,
		handler: h,
		bus:     bus,
		log:     log.With(logx.String("comp", "telegram.poller")),
		running: map[string]*rtsup.Supervisor{},
	}
}

// Run blocks until ctx is done, then stops every poll loop.
func (p *Poller) Run(ctx context.Context) error {
	var events <-chan eventbus.Event
	if p.bus != nil && p.cfg.ResyncOn != "" {
		ch, unsub := p.bus.Subscribe(16, p.cfg.ResyncOn)
		defer unsub()
		events = ch
	}

	p.sync(ctx)
	for {
		select {
		case <-ctx.Done():
			p.stopAll()
			return nil
		case <-events:
			p.sync(ctx)
		}
	}
}

// Active returns the ids of bots currently polled.
func (p *Poller) Active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.running))
	for id := range p.running {
		out = append(out, id)
	}
	return out
}

func (p *Poller) sync(ctx context.Context) {
	bots, err := p.bots.ListBots(ctx)
	if err != nil {
		p.log.Warn("list bots failed", logx.Err(err))
		return
	}
	want := map[string]model.BotIdentity{}
	for _, b := range bots {
		if b.Active {
			want[b.ID] = b
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, sup := range p.running {
		if _, ok := want[id]; !ok {
			sup.Cancel()
			delete(p.running, id)
			p.log.Info("polling stopped", logx.String("bot", id))
		}
	}
	for id, b := range want {
		if _, ok := p.running[id]; ok {
			continue
		}
		sup, err := p.start(ctx, b)
		if err != nil {
			p.log.Warn("polling not started", logx.String("bot", id), logx.Err(err))
			continue
		}
		p.running[id] = sup
	}
}

func (p *Poller) stopAll() {
	p.mu.Lock()
	sups := make([]*rtsup.Supervisor, 0, len(p.running))
	for id, sup := range p.running {
		sups = append(sups, sup)
		delete(p.running, id)
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout+5*time.Second)
	defer cancel()
	for _, sup := range sups {
		if err := sup.Stop(ctx); err != nil {
			p.log.Warn("poll loop did not stop cleanly", logx.Err(err))
		}
	}
}

func (p *Poller) start(ctx context.Context, bot model.BotIdentity) (*rtsup.Supervisor, error) {
	token, err := p.sealer.Open(bot.Token)
	if err != nil {
		return nil, err
	}
	log := p.log.With(logx.String("bot", bot.ID))
	b, err := tele.NewBot(tele.Settings{
		URL:     p.cfg.APIURL,
		Token:   token,
		Offline: true,
		Client:  newPollClient(p.cfg.Timeout),
		OnError: func(err error, _ tele.Context) {
			log.Warn("telegram poll error", logx.Err(redact(err, token)))
		},
	})
	if err != nil {
		return nil, err
	}

	sup := rtsup.New(ctx, rtsup.WithLogger(log))
	sup.GoRestart("poll", func(c context.Context) error {
		// getUpdates is refused while a webhook is registered.
		if err := b.RemoveWebhook(); err != nil {
			log.Warn("remove webhook failed", logx.Err(redact(err, token)))
		}
		p.loop(c, bot.ID, b, log)
		return nil
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	log.Info("polling started")
	return sup, nil
}

// loop pulls updates until ctx is done. The poll goroutine only notices stop
// between requests, so updates are drained until it returns.
func (p *Poller) loop(ctx context.Context, botID string, b *tele.Bot, log logx.Logger) {
	lp := &tele.LongPoller{Timeout: p.cfg.Timeout, AllowedUpdates: AllowedUpdates}
	updates := make(chan tele.Update, 64)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		lp.Poll(b, updates, stop)
	}()

	for {
		select {
		case <-ctx.Done():
			close(stop)
			for {
				select {
				case <-updates:
				case <-done:
					return
				}
			}
		case u := <-updates:
			p.handle(ctx, botID, u, log)
		}
	}
}

func (p *Poller) handle(ctx context.Context, botID string, u tele.Update, log logx.Logger) {
	ev, ok := Normalize(botID, u, time.Now())
	if !ok {
		return
	}
	if _, err := p.handler.Reconcile(ctx, botID, ev); err != nil {
		log.Warn("reconcile failed", logx.Int("update", u.ID), logx.Err(err))
	}
}

func newPollClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout + 10*time.Second}
}

// redact strips the bot token, which transport errors carry inside the URL.
func redact(err error, token string) error {
	if err == nil || token == "" {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), token, "<token>"))
}
