// Package model holds the records shared by storage, the directory, the
// dispatch engine and the reconciler.
package model

import (
	"strings"
	"time"
)

// BotIdentity is one registered bot credential.
//
// Token is the sealed credential as stored; TokenHash is the sha256 of the
// plaintext and carries the uniqueness constraint.
type BotIdentity struct {
	ID               string
	Name             string
	Token            string
	TokenHash        string
	Active           bool
	AdminChatID      int64
	Description      string
	ShortDescription string
	CreatedAt        time.Time
}

// Profile is optional display metadata. Empty fields mean "unknown".
type Profile struct {
	Username     string `json:"username,omitempty"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
}

// Merge returns p with every non-empty field of in applied on top.
func (p Profile) Merge(in Profile) Profile {
	if v := strings.TrimSpace(in.Username); v != "" {
		p.Username = v
	}
	if v := strings.TrimSpace(in.FirstName); v != "" {
		p.FirstName = v
	}
	if v := strings.TrimSpace(in.LastName); v != "" {
		p.LastName = v
	}
	if v := strings.TrimSpace(in.LanguageCode); v != "" {
		p.LanguageCode = v
	}
	return p
}

// Recipient is a platform user known to one bot.
type Recipient struct {
	BotID  string `json:"bot_id"`
	UserID int64  `json:"user_id"`
	Profile
	Blocked    bool       `json:"blocked"`
	EngagedAt  *time.Time `json:"engaged_at,omitempty"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Eligible reports whether the recipient is part of a broadcast population.
func (r Recipient) Eligible() bool { return !r.Blocked && r.EngagedAt != nil }

type DeliveryStatus string

const (
	StatusPending DeliveryStatus = "pending"
	StatusSent    DeliveryStatus = "sent"
	StatusFailed  DeliveryStatus = "failed"
)

// DeliveryRecord is one append-only ledger entry.
type DeliveryRecord struct {
	ID                string         `json:"id"`
	DispatchID        string         `json:"dispatch_id"`
	CampaignID        string         `json:"campaign_id,omitempty"`
	BotID             string         `json:"bot_id"`
	UserID            int64          `json:"user_id"`
	Action            string         `json:"action"`
	Status            DeliveryStatus `json:"status"`
	PlatformMessageID string         `json:"platform_message_id,omitempty"`
	Error             string         `json:"error,omitempty"`
	SentAt            *time.Time     `json:"sent_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

type EventKind string

const (
	EventMessage          EventKind = "message"
	EventCallback         EventKind = "callback"
	EventMembershipChange EventKind = "membership_change"
)

// Membership statuses reported by the platform for the bot's private chat.
const (
	MemberStatusMember = "member"
	MemberStatusKicked = "kicked"
)

// InboundEvent is the normalized form of one platform update.
type InboundEvent struct {
	BotID      string    `json:"bot_id"`
	Kind       EventKind `json:"kind"`
	FromID     int64     `json:"from_id"`
	From       Profile   `json:"from"`
	Text       string    `json:"text,omitempty"`
	NewStatus  string    `json:"new_status,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// BotStats is a point-in-time population summary for one bot.
type BotStats struct {
	Total    int `json:"total"`
	Engaged  int `json:"engaged"`
	Blocked  int `json:"blocked"`
	Eligible int `json:"eligible"`
}
