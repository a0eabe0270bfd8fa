package storage

import (
	"database/sql"
	"time"

	"botcast/internal/model"
)

type botRow struct {
	ID               string `db:"id"`
	Name             string `db:"name"`
	Token            string `db:"token"`
	TokenHash        string `db:"token_hash"`
	Active           bool   `db:"active"`
	AdminChatID      int64  `db:"admin_chat_id"`
	Description      string `db:"description"`
	ShortDescription string `db:"short_description"`
	CreatedAt        int64  `db:"created_at"`
}

func (r botRow) model() model.BotIdentity {
	return model.BotIdentity{
		ID:               r.ID,
		Name:             r.Name,
		Token:            r.Token,
		TokenHash:        r.TokenHash,
		Active:           r.Active,
		AdminChatID:      r.AdminChatID,
		Description:      r.Description,
		ShortDescription: r.ShortDescription,
		CreatedAt:        time.UnixMilli(r.CreatedAt),
	}
}

type recipientRow struct {
	BotID        string         `db:"bot_id"`
	UserID       int64          `db:"user_id"`
	Username     sql.NullString `db:"username"`
	FirstName    sql.NullString `db:"first_name"`
	LastName     sql.NullString `db:"last_name"`
	LanguageCode sql.NullString `db:"language_code"`
	Blocked      bool           `db:"blocked"`
	EngagedAt    sql.NullInt64  `db:"engaged_at"`
	LastSeenAt   sql.NullInt64  `db:"last_seen_at"`
	CreatedAt    int64          `db:"created_at"`
}

func (r recipientRow) model() model.Recipient {
	return model.Recipient{
		BotID:  r.BotID,
		UserID: r.UserID,
		Profile: model.Profile{
			Username:     r.Username.String,
			FirstName:    r.FirstName.String,
			LastName:     r.LastName.String,
			LanguageCode: r.LanguageCode.String,
		},
		Blocked:    r.Blocked,
		EngagedAt:  millisPtr(r.EngagedAt),
		LastSeenAt: millisPtr(r.LastSeenAt),
		CreatedAt:  time.UnixMilli(r.CreatedAt),
	}
}

type deliveryRow struct {
	ID                string         `db:"id"`
	DispatchID        string         `db:"dispatch_id"`
	CampaignID        sql.NullString `db:"campaign_id"`
	BotID             string         `db:"bot_id"`
	UserID            int64          `db:"user_id"`
	Action            string         `db:"action"`
	Status            string         `db:"status"`
	PlatformMessageID sql.NullString `db:"platform_message_id"`
	Error             sql.NullString `db:"error"`
	SentAt            sql.NullInt64  `db:"sent_at"`
	CreatedAt         int64          `db:"created_at"`
}

func (r deliveryRow) model() model.DeliveryRecord {
	return model.DeliveryRecord{
		ID:                r.ID,
		DispatchID:        r.DispatchID,
		CampaignID:        r.CampaignID.String,
		BotID:             r.BotID,
		UserID:            r.UserID,
		Action:            r.Action,
		Status:            model.DeliveryStatus(r.Status),
		PlatformMessageID: r.PlatformMessageID.String,
		Error:             r.Error.String,
		SentAt:            millisPtr(r.SentAt),
		CreatedAt:         time.UnixMilli(r.CreatedAt),
	}
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
