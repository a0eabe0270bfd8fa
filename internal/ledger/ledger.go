// Package ledger builds and appends delivery records.
//
// Records are append-only. Sent and Failed construct the only two shapes the
// dispatch path writes, and Append refuses anything that breaks the status
// invariants.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"botcast/internal/model"
	"botcast/internal/storage"
)

var ErrInvariant = errors.New("delivery record violates status invariant")

// Entry identifies one delivery attempt.
type Entry struct {
	DispatchID string
	CampaignID string
	BotID      string
	UserID     int64
	Action     string
}

type Ledger struct {
	store storage.DeliveryStore
	now   func() time.Time
}

func New(store storage.DeliveryStore) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

func (l *Ledger) Sent(e Entry, messageID string) model.DeliveryRecord {
	now := l.now()
	sent := now
	rec := record(e, model.StatusSent, now)
	rec.PlatformMessageID = messageID
	rec.SentAt = &sent
	return rec
}

func (l *Ledger) Failed(e Entry, reason string) model.DeliveryRecord {
	if strings.TrimSpace(reason) == "" {
		reason = "unknown error"
	}
	rec := record(e, model.StatusFailed, l.now())
	rec.Error = reason
	return rec
}

func record(e Entry, st model.DeliveryStatus, now time.Time) model.DeliveryRecord {
	return model.DeliveryRecord{
		ID:         uuid.NewString(),
		DispatchID: e.DispatchID,
		CampaignID: e.CampaignID,
		BotID:      e.BotID,
		UserID:     e.UserID,
		Action:     e.Action,
		Status:     st,
		CreatedAt:  now,
	}
}

func (l *Ledger) Append(ctx context.Context, rec model.DeliveryRecord) error {
	if err := Check(rec); err != nil {
		return err
	}
	return l.store.AppendDelivery(ctx, rec)
}

func (l *Ledger) List(ctx context.Context, f storage.DeliveryFilter) ([]model.DeliveryRecord, error) {
	return l.store.ListDeliveries(ctx, f)
}

// Check validates the status invariants of rec.
func Check(rec model.DeliveryRecord) error {
	switch rec.Status {
	case model.StatusSent:
		if rec.PlatformMessageID == "" || rec.SentAt == nil || rec.Error != "" {
			return ErrInvariant
		}
	case model.StatusFailed:
		if rec.Error == "" || rec.PlatformMessageID != "" || rec.SentAt != nil {
			return ErrInvariant
		}
	case model.StatusPending:
		if rec.Error != "" || rec.PlatformMessageID != "" || rec.SentAt != nil {
			return ErrInvariant
		}
	default:
		return ErrInvariant
	}
	return nil
}
