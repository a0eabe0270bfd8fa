// Package directory tracks the users known to each bot and their
// reachability and engagement state.
package directory

import (
	"context"
	"strings"
	"time"

	"botcast/internal/model"
	"botcast/internal/storage"
	logx "botcast/pkg/logx"
)

type Directory struct {
	store storage.RecipientStore
	log   logx.Logger
	now   func() time.Time
}

func New(store storage.RecipientStore, log logx.Logger) *Directory {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Directory{store: store, log: log, now: time.Now}
}

// Upsert creates the recipient or merges the non-empty fields of p into it,
// and records the contact time.
func (d *Directory) Upsert(ctx context.Context, botID string, userID int64, p model.Profile) (model.Recipient, error) {
	p = model.Profile{
		Username:     strings.TrimSpace(p.Username),
		FirstName:    strings.TrimSpace(p.FirstName),
		LastName:     strings.TrimSpace(p.LastName),
		LanguageCode: strings.TrimSpace(p.LanguageCode),
	}
	r, err := d.store.UpsertRecipient(ctx, botID, userID, p, d.now())
	if err != nil {
		return model.Recipient{}, err
	}
	d.log.Debug("recipient upserted", logx.String("bot", botID), logx.Int64("user", userID))
	return r, nil
}

// Ensure creates an unknown recipient without touching an existing one.
func (d *Directory) Ensure(ctx context.Context, botID string, userID int64) (model.Recipient, error) {
	return d.store.EnsureRecipient(ctx, botID, userID, d.now())
}

func (d *Directory) Get(ctx context.Context, botID string, userID int64) (model.Recipient, error) {
	return d.store.GetRecipient(ctx, botID, userID)
}

// MarkEngaged is first-write-wins and safe to call on every inbound event.
func (d *Directory) MarkEngaged(ctx context.Context, botID string, userID int64) error {
	return d.store.MarkEngaged(ctx, botID, userID, d.now())
}

func (d *Directory) MarkReachable(ctx context.Context, botID string, userID int64, reachable bool) error {
	if err := d.store.SetBlocked(ctx, botID, userID, !reachable, time.Time{}); err != nil {
		return err
	}
	if !reachable {
		d.log.Info("recipient marked blocked", logx.String("bot", botID), logx.Int64("user", userID))
	}
	return nil
}

// MarkDelivered records a confirmed outbound delivery: the recipient is
// reachable and was just seen.
func (d *Directory) MarkDelivered(ctx context.Context, botID string, userID int64) error {
	return d.store.SetBlocked(ctx, botID, userID, false, d.now())
}

// EligibleForBroadcast returns a snapshot of unblocked, engaged recipients.
func (d *Directory) EligibleForBroadcast(ctx context.Context, botID string) ([]model.Recipient, error) {
	return d.store.ListEligible(ctx, botID)
}

func (d *Directory) Stats(ctx context.Context, botID string) (model.BotStats, error) {
	return d.store.BotStats(ctx, botID)
}
