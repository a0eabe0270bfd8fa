package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"botcast/internal/media"
	"botcast/internal/model"
	"botcast/internal/secrets"
	logx "botcast/pkg/logx"
)

type TelegramConfig struct {
	APIURL   string // empty uses telebot's default
	Timeouts Timeouts
}

// Telegram hands out one cached telebot client per bot and also implements
// the credential and profile operations of the bot registry.
type Telegram struct {
	cfg    TelegramConfig
	sealer secrets.Sealer
	media  media.Store
	log    logx.Logger
	client *http.Client

	mu    sync.Mutex
	cache map[string]cachedBot
}

type cachedBot struct {
	token string
	bot   *tele.Bot
}

func NewTelegram(cfg TelegramConfig, sealer secrets.Sealer, ms media.Store, log logx.Logger) *Telegram {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.Timeouts = cfg.Timeouts.WithDefaults()
	return &Telegram{
		cfg:    cfg,
		sealer: sealer,
		media:  ms,
		log:    log,
		client: &http.Client{Timeout: cfg.Timeouts.max() + 5*time.Second},
		cache:  map[string]cachedBot{},
	}
}

func (t *Telegram) ForBot(ctx context.Context, bot model.BotIdentity) (Gateway, error) {
	_ = ctx
	token, err := t.sealer.Open(bot.Token)
	if err != nil {
		return nil, fmt.Errorf("bot %s credential: %w", bot.ID, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.cache[bot.ID]
	if !ok || c.token != token {
		b, err := t.newBot(token, true)
		if err != nil {
			return nil, err
		}
		c = cachedBot{token: token, bot: b}
		t.cache[bot.ID] = c
	}
	return &telegramGateway{
		bot:      c.bot,
		token:    token,
		media:    t.media,
		timeouts: t.cfg.Timeouts,
		log:      t.log.With(logx.String("bot", bot.ID)),
	}, nil
}

// Forget drops a cached client, e.g. after a bot is deactivated.
func (t *Telegram) Forget(botID string) {
	t.mu.Lock()
	delete(t.cache, botID)
	t.mu.Unlock()
}

// newBot builds a telebot client. Offline skips the getMe round trip.
func (t *Telegram) newBot(token string, offline bool) (*tele.Bot, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	return tele.NewBot(tele.Settings{
		URL:     t.cfg.APIURL,
		Token:   token,
		Client:  t.client,
		Offline: offline,
	})
}

// BotInfo is what getMe reports for a credential.
type BotInfo struct {
	ID        int64
	Username  string
	FirstName string
}

// Verify validates a plaintext credential against the platform.
func (t *Telegram) Verify(ctx context.Context, token string) (BotInfo, error) {
	type res struct {
		b   *tele.Bot
		err error
	}
	ch := make(chan res, 1)
	go func() {
		b, err := t.newBot(token, false)
		ch <- res{b, err}
	}()
	select {
	case <-ctx.Done():
		return BotInfo{}, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			if strings.HasPrefix(r.err.Error(), "telegram:") {
				return BotInfo{}, model.Invalid("token", "rejected by platform: "+r.err.Error())
			}
			return BotInfo{}, errors.New("verify credential: platform unreachable")
		}
		return BotInfo{ID: r.b.Me.ID, Username: r.b.Me.Username, FirstName: r.b.Me.FirstName}, nil
	}
}

// Profile is the public bot profile kept in sync with the platform.
type Profile struct {
	Name             string
	Description      string
	ShortDescription string
}

// SyncProfile pushes name and descriptions for bot. Empty fields are skipped.
func (t *Telegram) SyncProfile(ctx context.Context, bot model.BotIdentity, p Profile) error {
	b, err := t.botClient(ctx, bot)
	if err != nil {
		return err
	}

	steps := []struct {
		name string
		val  string
		fn   func(string, string) error
	}{
		{"setMyName", p.Name, b.SetMyName},
		{"setMyDescription", p.Description, b.SetMyDescription},
		{"setMyShortDescription", p.ShortDescription, b.SetMyShortDescription},
	}
	for _, s := range steps {
		if s.val == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.fn(s.val, ""); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// FetchProfile reads the live name and descriptions for bot.
func (t *Telegram) FetchProfile(ctx context.Context, bot model.BotIdentity) (Profile, error) {
	b, err := t.botClient(ctx, bot)
	if err != nil {
		return Profile{}, err
	}

	var p Profile
	steps := []struct {
		name string
		fn   func(string) (*tele.BotInfo, error)
		pick func(*tele.BotInfo)
	}{
		{"getMyName", b.MyName, func(i *tele.BotInfo) { p.Name = i.Name }},
		{"getMyDescription", b.MyDescription, func(i *tele.BotInfo) { p.Description = i.Description }},
		{"getMyShortDescription", b.MyShortDescription, func(i *tele.BotInfo) { p.ShortDescription = i.ShortDescription }},
	}
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return Profile{}, err
		}
		info, err := s.fn("")
		if err != nil {
			return Profile{}, fmt.Errorf("%s: %w", s.name, err)
		}
		if info != nil {
			s.pick(info)
		}
	}
	return p, nil
}

// Webhook is where the platform pushes one bot's updates.
type Webhook struct {
	URL            string
	Secret         string
	AllowedUpdates []string
}

// SetWebhook points bot's update stream at w.URL.
func (t *Telegram) SetWebhook(ctx context.Context, bot model.BotIdentity, w Webhook) error {
	b, err := t.botClient(ctx, bot)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err = b.SetWebhook(&tele.Webhook{
		Endpoint:       &tele.WebhookEndpoint{PublicURL: w.URL},
		SecretToken:    w.Secret,
		AllowedUpdates: w.AllowedUpdates,
	})
	if err != nil {
		return fmt.Errorf("setWebhook: %w", err)
	}
	return nil
}

func (t *Telegram) botClient(ctx context.Context, bot model.BotIdentity) (*tele.Bot, error) {
	gw, err := t.ForBot(ctx, bot)
	if err != nil {
		return nil, err
	}
	return gw.(*telegramGateway).bot, nil
}

// SendAlert implements logx.AlertSender for the bot resolved by lookup.
type AlertSender struct {
	Provider Provider
	Lookup   func(ctx context.Context) (model.BotIdentity, error)
}

func (a AlertSender) SendAlert(ctx context.Context, chatID int64, text string) error {
	bot, err := a.Lookup(ctx)
	if err != nil {
		return err
	}
	gw, err := a.Provider.ForBot(ctx, bot)
	if err != nil {
		return err
	}
	if out := gw.SendText(ctx, chatID, text); !out.Success {
		return errors.New(out.Error)
	}
	return nil
}
