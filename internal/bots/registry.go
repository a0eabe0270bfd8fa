// Package bots manages bot identities: registration against the platform,
// activation, and public profile sync.
package bots

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"botcast/internal/eventbus"
	"botcast/internal/gateway"
	"botcast/internal/model"
	"botcast/internal/secrets"
	"botcast/internal/storage"
	logx "botcast/pkg/logx"
)

// EventChanged is published with the bot id as data whenever a bot is
// registered or toggled.
const EventChanged = "bot.changed"

// Profile field limits of the platform.
const (
	MaxNameLen             = 64
	MaxDescriptionLen      = 512
	MaxShortDescriptionLen = 120
)

// Platform is the credential and profile side of the chat platform.
type Platform interface {
	Verify(ctx context.Context, token string) (gateway.BotInfo, error)
	SyncProfile(ctx context.Context, bot model.BotIdentity, p gateway.Profile) error
	FetchProfile(ctx context.Context, bot model.BotIdentity) (gateway.Profile, error)
	SetWebhook(ctx context.Context, bot model.BotIdentity, w gateway.Webhook) error
	Forget(botID string)
}

// WebhookConfig says where inbound updates are delivered. With an empty
// PublicURL no webhook is ever registered.
type WebhookConfig struct {
	PublicURL      string
	Secret         string
	AllowedUpdates []string
}

type StatsSource interface {
	Stats(ctx context.Context, botID string) (model.BotStats, error)
}

type Deps struct {
	Store    storage.BotStore
	Stats    StatsSource
	Platform Platform
	Sealer   secrets.Sealer
	Bus      eventbus.Bus // optional
	Webhook  WebhookConfig
	Log      logx.Logger
}

type Registry struct {
	store    storage.BotStore
	stats    StatsSource
	platform Platform
	sealer   secrets.Sealer
	bus      eventbus.Bus
	hook     WebhookConfig
	log      logx.Logger
	now      func() time.Time
}

func New(d Deps) *Registry {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		store:    d.Store,
		stats:    d.Stats,
		platform: d.Platform,
		sealer:   d.Sealer,
		bus:      d.Bus,
		hook:     d.Webhook,
		log:      log.With(logx.String("comp", "bots")),
		now:      time.Now,
	}
}

// Register validates token with the platform and stores a new active bot.
// An empty name falls back to the platform username.
func (r *Registry) Register(ctx context.Context, name, token string, adminChatID int64) (model.BotIdentity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return model.BotIdentity{}, model.Invalid("token", "required")
	}
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) > MaxNameLen {
		return model.BotIdentity{}, model.Invalid("name", "longer than 64 characters")
	}

	hash := secrets.Fingerprint(token)
	existing, err := r.store.ListBots(ctx)
	if err != nil {
		return model.BotIdentity{}, err
	}
	for _, b := range existing {
		if b.TokenHash == hash {
			return model.BotIdentity{}, fmt.Errorf("credential already registered as bot %s: %w", b.ID, model.ErrConflict)
		}
	}

	info, err := r.platform.Verify(ctx, token)
	if err != nil {
		return model.BotIdentity{}, err
	}
	if name == "" {
		name = info.Username
		if name == "" {
			name = info.FirstName
		}
	}
	sealed, err := r.sealer.Seal(token)
	if err != nil {
		return model.BotIdentity{}, fmt.Errorf("seal credential: %w", err)
	}

	bot := model.BotIdentity{
		ID:          uuid.NewString(),
		Name:        name,
		Token:       sealed,
		TokenHash:   hash,
		Active:      true,
		AdminChatID: adminChatID,
		CreatedAt:   r.now(),
	}
	if err := r.store.CreateBot(ctx, bot); err != nil {
		if errors.Is(err, model.ErrConflict) {
			return model.BotIdentity{}, fmt.Errorf("credential already registered: %w", model.ErrConflict)
		}
		return model.BotIdentity{}, err
	}
	r.log.Info("bot registered", logx.String("bot", bot.ID), logx.String("name", name), logx.Int64("platform_id", info.ID))
	r.autoWebhook(ctx, bot)
	r.changed(bot.ID)
	return bot, nil
}

func (r *Registry) Get(ctx context.Context, id string) (model.BotIdentity, error) {
	return r.store.GetBot(ctx, id)
}

func (r *Registry) List(ctx context.Context) ([]model.BotIdentity, error) {
	return r.store.ListBots(ctx)
}

// SetActive toggles a bot. Bots are never deleted.
func (r *Registry) SetActive(ctx context.Context, id string, active bool) error {
	if err := r.store.SetBotActive(ctx, id, active); err != nil {
		return err
	}
	if !active {
		r.platform.Forget(id)
	} else if bot, err := r.store.GetBot(ctx, id); err == nil {
		r.autoWebhook(ctx, bot)
	}
	r.log.Info("bot activation changed", logx.String("bot", id), logx.Bool("active", active))
	r.changed(id)
	return nil
}

// SyncProfile pushes the non-empty fields to the platform and stores the
// merged profile.
func (r *Registry) SyncProfile(ctx context.Context, id string, p gateway.Profile) (model.BotIdentity, error) {
	p = gateway.Profile{
		Name:             strings.TrimSpace(p.Name),
		Description:      strings.TrimSpace(p.Description),
		ShortDescription: strings.TrimSpace(p.ShortDescription),
	}
	switch {
	case p.Name == "" && p.Description == "" && p.ShortDescription == "":
		return model.BotIdentity{}, model.Invalid("profile", "nothing to update")
	case utf8.RuneCountInString(p.Name) > MaxNameLen:
		return model.BotIdentity{}, model.Invalid("name", "longer than 64 characters")
	case utf8.RuneCountInString(p.Description) > MaxDescriptionLen:
		return model.BotIdentity{}, model.Invalid("description", "longer than 512 characters")
	case utf8.RuneCountInString(p.ShortDescription) > MaxShortDescriptionLen:
		return model.BotIdentity{}, model.Invalid("short_description", "longer than 120 characters")
	}

	bot, err := r.store.GetBot(ctx, id)
	if err != nil {
		return model.BotIdentity{}, err
	}
	if err := r.platform.SyncProfile(ctx, bot, p); err != nil {
		return model.BotIdentity{}, fmt.Errorf("sync profile: %w", err)
	}

	if p.Name != "" {
		bot.Name = p.Name
	}
	if p.Description != "" {
		bot.Description = p.Description
	}
	if p.ShortDescription != "" {
		bot.ShortDescription = p.ShortDescription
	}
	if err := r.store.UpdateBotProfile(ctx, id, bot.Name, bot.Description, bot.ShortDescription); err != nil {
		return model.BotIdentity{}, err
	}
	r.log.Info("bot profile synced", logx.String("bot", id))
	return bot, nil
}

// RefreshProfile reads the live profile from the platform and stores it.
// The platform is authoritative: cleared descriptions are cleared here too.
func (r *Registry) RefreshProfile(ctx context.Context, id string) (model.BotIdentity, error) {
	bot, err := r.store.GetBot(ctx, id)
	if err != nil {
		return model.BotIdentity{}, err
	}
	p, err := r.platform.FetchProfile(ctx, bot)
	if err != nil {
		return model.BotIdentity{}, fmt.Errorf("fetch profile: %w", err)
	}
	if p.Name != "" {
		bot.Name = p.Name
	}
	bot.Description = p.Description
	bot.ShortDescription = p.ShortDescription
	if err := r.store.UpdateBotProfile(ctx, id, bot.Name, bot.Description, bot.ShortDescription); err != nil {
		return model.BotIdentity{}, err
	}
	r.log.Info("bot profile refreshed", logx.String("bot", id))
	return bot, nil
}

// RegisterWebhook points an active bot's updates at
// <public_url>/webhook/<id> and returns that URL.
func (r *Registry) RegisterWebhook(ctx context.Context, id string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(r.hook.PublicURL), "/")
	if base == "" {
		return "", model.Invalid("http.public_url", "not configured")
	}
	bot, err := r.store.GetBot(ctx, id)
	if err != nil {
		return "", err
	}
	if !bot.Active {
		return "", fmt.Errorf("bot %s is inactive: %w", id, model.ErrConflict)
	}
	url := base + "/webhook/" + bot.ID
	err = r.platform.SetWebhook(ctx, bot, gateway.Webhook{
		URL:            url,
		Secret:         r.hook.Secret,
		AllowedUpdates: r.hook.AllowedUpdates,
	})
	if err != nil {
		return "", fmt.Errorf("register webhook: %w", err)
	}
	r.log.Info("webhook registered", logx.String("bot", id), logx.String("url", url))
	return url, nil
}

// autoWebhook registers the webhook when a public URL is configured. A
// failure leaves the bot usable for sending and is only logged.
func (r *Registry) autoWebhook(ctx context.Context, bot model.BotIdentity) {
	if strings.TrimSpace(r.hook.PublicURL) == "" {
		return
	}
	if _, err := r.RegisterWebhook(ctx, bot.ID); err != nil {
		r.log.Warn("webhook registration failed", logx.String("bot", bot.ID), logx.Err(err))
	}
}

// Stats reports the recipient population of an existing bot.
func (r *Registry) Stats(ctx context.Context, id string) (model.BotStats, error) {
	if _, err := r.store.GetBot(ctx, id); err != nil {
		return model.BotStats{}, err
	}
	return r.stats.Stats(ctx, id)
}

func (r *Registry) changed(id string) {
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: EventChanged, Data: id})
	}
}
