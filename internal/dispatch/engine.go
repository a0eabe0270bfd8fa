package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/osteele/liquid"
	"golang.org/x/time/rate"

	"botcast/internal/directory"
	"botcast/internal/eventbus"
	"botcast/internal/gateway"
	"botcast/internal/ledger"
	"botcast/internal/model"
	logx "botcast/pkg/logx"
)

// EventFinished is published on the bus with a Report as data.
const EventFinished = "dispatch.finished"

const (
	defaultWorkers     = 8
	defaultRatePerSec  = 25
	defaultMaxFailures = 200
)

type Config struct {
	Workers     int
	RatePerSec  int
	MaxFailures int
	// BlockTerms extend DefaultBlockTerms.
	BlockTerms []string
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = defaultRatePerSec
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = defaultMaxFailures
	}
	return c
}

// BotSource loads bot identities.
type BotSource interface {
	GetBot(ctx context.Context, id string) (model.BotIdentity, error)
}

type Deps struct {
	Bots      BotSource
	Directory *directory.Directory
	Ledger    *ledger.Ledger
	Gateways  gateway.Provider
	Bus       eventbus.Bus // optional
	Log       logx.Logger
}

// Failure is one failed recipient in a report.
type Failure struct {
	UserID int64  `json:"user_id"`
	Action string `json:"action"`
	Error  string `json:"error"`
}

type Report struct {
	DispatchID string    `json:"dispatch_id"`
	BotID      string    `json:"bot_id"`
	Action     string    `json:"action"`
	Broadcast  bool      `json:"broadcast"`
	Total      int       `json:"total"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Canceled   bool      `json:"canceled"`
	Failures   []Failure `json:"failures,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

func (r Report) clone() Report {
	if len(r.Failures) > 0 {
		r.Failures = append([]Failure(nil), r.Failures...)
	}
	return r
}

// Engine runs intents over recipient sets. The rate limiter is shared by every
// dispatch of one engine.
type Engine struct {
	mu         sync.Mutex
	cfg        Config
	limiter    *rate.Limiter
	classifier Classifier

	bots   BotSource
	dir    *directory.Directory
	ledger *ledger.Ledger
	gw     gateway.Provider
	bus    eventbus.Bus
	log    logx.Logger
	tpl    *liquid.Engine
	now    func() time.Time

	statusMu  sync.RWMutex
	status    map[string]*Status
	statusMax int
	statusTTL time.Duration
	running   sync.WaitGroup
}

func New(cfg Config, d Deps) *Engine {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		bots:   d.Bots,
		dir:    d.Directory,
		ledger: d.Ledger,
		gw:     d.Gateways,
		bus:    d.Bus,
		log:    log.With(logx.String("comp", "dispatch")),
		tpl:    liquid.NewEngine(),
		now:    time.Now,
		status: map[string]*Status{},
	}
	e.Apply(cfg)
	return e
}

// Apply swaps limits and block terms. In-flight dispatches keep their worker
// count but pick up the new limiter on their next send.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	e.classifier = NewClassifier(cfg.BlockTerms...)
}

func (e *Engine) snapshot() (Config, *rate.Limiter, Classifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg, e.limiter, e.classifier
}

// plan is a dispatch that passed pre-flight.
type plan struct {
	id         string
	bot        model.BotIdentity
	intent     Intent
	render     renderFunc
	gw         gateway.Gateway
	recipients []model.Recipient
}

// prepare runs every check that may reject the intent. Nothing is written
// except the recipient row created by a single send to an unknown user.
func (e *Engine) prepare(ctx context.Context, botID string, in Intent) (*plan, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	bot, err := e.bots.GetBot(ctx, botID)
	if err != nil {
		return nil, err
	}
	if !bot.Active {
		return nil, model.Invalid("bot", "bot is inactive")
	}
	render, err := compile(e.tpl, in.Action, in.Personalize)
	if err != nil {
		return nil, err
	}
	gw, err := e.gw.ForBot(ctx, bot)
	if err != nil {
		return nil, fmt.Errorf("resolve gateway: %w", err)
	}

	var recipients []model.Recipient
	if in.Target.All {
		recipients, err = e.dir.EligibleForBroadcast(ctx, bot.ID)
		if err != nil {
			return nil, fmt.Errorf("load eligible recipients: %w", err)
		}
	} else {
		r, err := e.dir.Ensure(ctx, bot.ID, in.Target.UserID)
		if err != nil {
			return nil, fmt.Errorf("ensure recipient: %w", err)
		}
		recipients = []model.Recipient{r}
	}

	return &plan{
		id:         uuid.NewString(),
		bot:        bot,
		intent:     in,
		render:     render,
		gw:         gw,
		recipients: recipients,
	}, nil
}

// Dispatch runs in to completion. On cancellation it returns the partial
// report together with ctx.Err().
func (e *Engine) Dispatch(ctx context.Context, botID string, in Intent) (Report, error) {
	p, err := e.prepare(ctx, botID, in)
	if err != nil {
		return Report{}, err
	}
	return e.execute(ctx, p, nil)
}

// result is the outcome of one recipient.
type result struct {
	userID  int64
	sent    bool
	skipped bool
	err     string
}

func (e *Engine) execute(ctx context.Context, p *plan, progress func(Report)) (Report, error) {
	cfg, _, _ := e.snapshot()
	kind := p.intent.Action.Kind()
	rep := Report{
		DispatchID: p.id,
		BotID:      p.bot.ID,
		Action:     kind,
		Broadcast:  p.intent.Target.All,
		Total:      len(p.recipients),
		StartedAt:  e.now(),
	}
	log := e.log.With(logx.String("dispatch", p.id), logx.String("bot", p.bot.ID), logx.String("action", kind))
	log.Info("dispatch started", logx.Int("total", rep.Total), logx.Bool("broadcast", rep.Broadcast))

	if rep.Total > 0 {
		e.fanOut(ctx, cfg, p, log, func(res result) {
			switch {
			case res.skipped:
				rep.Skipped++
			case res.sent:
				rep.Sent++
			default:
				rep.Failed++
				if len(rep.Failures) < cfg.MaxFailures {
					rep.Failures = append(rep.Failures, Failure{UserID: res.userID, Action: kind, Error: res.err})
				}
			}
			if progress != nil {
				progress(rep.clone())
			}
		})
	}

	rep.Skipped = rep.Total - rep.Sent - rep.Failed
	rep.FinishedAt = e.now()
	err := ctx.Err()
	rep.Canceled = err != nil && rep.Skipped > 0
	if !rep.Canceled {
		err = nil
	}

	fields := []logx.Field{
		logx.Int("total", rep.Total),
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
		logx.Int("skipped", rep.Skipped),
		logx.Duration("dur", rep.FinishedAt.Sub(rep.StartedAt)),
	}
	switch {
	case rep.Canceled:
		log.Warn("dispatch canceled", fields...)
	case rep.Failed > 0:
		log.Warn("dispatch finished with failures", fields...)
	default:
		log.Info("dispatch finished", fields...)
	}

	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: EventFinished, Data: rep.clone()})
	}
	return rep, err
}

// fanOut feeds recipients to a bounded pool and folds results on the calling
// goroutine. Scheduling stops on cancellation.
func (e *Engine) fanOut(ctx context.Context, cfg Config, p *plan, log logx.Logger, fold func(result)) {
	workers := cfg.Workers
	if workers > len(p.recipients) {
		workers = len(p.recipients)
	}
	jobs := make(chan model.Recipient)
	results := make(chan result, workers)

	go func() {
		defer close(jobs)
		for _, r := range p.recipients {
			select {
			case <-ctx.Done():
				return
			case jobs <- r:
			}
		}
	}()

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for r := range jobs {
				results <- e.deliverOne(ctx, p, log, r)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	for res := range results {
		fold(res)
	}
}

// deliverOne is the recipient boundary: nothing that goes wrong here stops
// the batch.
func (e *Engine) deliverOne(ctx context.Context, p *plan, log logx.Logger, r model.Recipient) (res result) {
	res.userID = r.UserID
	entry := ledger.Entry{
		DispatchID: p.id,
		CampaignID: p.intent.CampaignID,
		BotID:      p.bot.ID,
		UserID:     r.UserID,
		Action:     p.intent.Action.Kind(),
	}
	// Writes for a recipient already contacted must survive cancellation.
	wctx := context.WithoutCancel(ctx)

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("panic delivering to recipient", logx.Int64("user", r.UserID), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
			res = result{userID: r.UserID, err: "internal error"}
			_ = e.ledger.Append(wctx, e.ledger.Failed(entry, res.err))
		}
	}()

	_, lim, cls := e.snapshot()
	if err := lim.Wait(ctx); err != nil {
		return result{userID: r.UserID, skipped: true}
	}

	act, err := p.render(r)
	if err == nil {
		err = act.validate()
	}
	var (
		out       gateway.Outcome
		delivered bool
	)
	if err != nil {
		out = gateway.Failure("personalize: " + err.Error())
	} else {
		out, delivered = send(ctx, p.gw, r.UserID, act)
	}

	// A message that reached the user proves reachability even when a later
	// step (pin, ledger) fails. The two writes are independent.
	storageFailed := false
	if delivered {
		if err := e.dir.MarkDelivered(wctx, p.bot.ID, r.UserID); err != nil {
			log.Error("mark delivered failed", logx.Int64("user", r.UserID), logx.Err(err))
			storageFailed = true
		}
	}

	if out.Success {
		if err := e.ledger.Append(wctx, e.ledger.Sent(entry, out.MessageID)); err != nil {
			log.Error("ledger append failed", logx.Int64("user", r.UserID), logx.Err(err))
			storageFailed = true
		}
		if storageFailed {
			return result{userID: r.UserID, err: "storage error"}
		}
		log.Debug("recipient delivered", logx.Int64("user", r.UserID), logx.String("message_id", out.MessageID))
		return result{userID: r.UserID, sent: true}
	}

	if err := e.ledger.Append(wctx, e.ledger.Failed(entry, out.Error)); err != nil {
		log.Error("ledger append failed", logx.Int64("user", r.UserID), logx.Err(err))
	}
	class := cls.Classify(out.Error)
	if class == ClassPermanent && !delivered {
		if err := e.dir.MarkReachable(wctx, p.bot.ID, r.UserID, false); err != nil {
			log.Error("mark unreachable failed", logx.Int64("user", r.UserID), logx.Err(err))
		}
	}
	log.Debug("recipient failed", logx.Int64("user", r.UserID), logx.String("err", out.Error), logx.String("class", class.String()))
	return result{userID: r.UserID, err: out.Error}
}

// send performs one action against the gateway. Pin is send then pin; the pin
// is skipped when the send fails. delivered reports whether a message reached
// the chat, which for Pin can be true while the outcome is a failure.
func send(ctx context.Context, gw gateway.Gateway, chatID int64, a Action) (out gateway.Outcome, delivered bool) {
	switch v := a.(type) {
	case Text:
		out = gw.SendText(ctx, chatID, v.Text)
	case Photo:
		out = gw.SendPhoto(ctx, chatID, v.Media, v.Caption)
	case Video:
		out = gw.SendVideo(ctx, chatID, v.Media, v.Caption)
	case Poll:
		out = gw.SendPoll(ctx, chatID, gateway.Poll{
			Question:        v.Question,
			Options:         v.Options,
			Anonymous:       v.Anonymous,
			MultipleAnswers: v.MultipleAnswers,
		})
	case Pin:
		out = gw.SendText(ctx, chatID, v.Text)
		if !out.Success {
			return out, false
		}
		if pin := gw.PinMessage(ctx, chatID, out.MessageID); !pin.Success {
			return gateway.Failure(fmt.Sprintf("pin failed (message %s delivered): %s", out.MessageID, pin.Error)), true
		}
		return out, true
	default:
		return gateway.Failure(fmt.Sprintf("unsupported action %T", a)), false
	}
	return out, out.Success
}
