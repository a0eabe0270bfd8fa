// Package telegram turns Bot API updates into inbound events, either from
// webhook bodies or from long polling.
package telegram

import (
	"encoding/json"
	"fmt"
	"time"

	tele "gopkg.in/telebot.v4"

	"botcast/internal/model"
)

// AllowedUpdates is the update subset the reconciler consumes.
var AllowedUpdates = []string{"message", "edited_message", "callback_query", "my_chat_member"}

// Decode parses a webhook body.
func Decode(body []byte) (tele.Update, error) {
	var u tele.Update
	if err := json.Unmarshal(body, &u); err != nil {
		return tele.Update{}, fmt.Errorf("decode update: %w", err)
	}
	return u, nil
}

// Normalize maps u to an inbound event. ok is false for updates without a
// human sender, such as channel posts or membership changes in groups.
func Normalize(botID string, u tele.Update, now time.Time) (ev model.InboundEvent, ok bool) {
	ev = model.InboundEvent{BotID: botID, ReceivedAt: now}

	switch {
	case u.Message != nil:
		ev.Kind = model.EventMessage
		ok = fromMessage(&ev, u.Message)
	case u.EditedMessage != nil:
		ev.Kind = model.EventMessage
		ok = fromMessage(&ev, u.EditedMessage)
	case u.Callback != nil:
		ev.Kind = model.EventCallback
		ev.Text = u.Callback.Data
		ok = fromUser(&ev, u.Callback.Sender)
	case u.MyChatMember != nil:
		m := u.MyChatMember
		if m.Chat == nil || m.Chat.Type != tele.ChatPrivate || m.NewChatMember == nil {
			return ev, false
		}
		ev.Kind = model.EventMembershipChange
		ev.NewStatus = string(m.NewChatMember.Role)
		ok = fromUser(&ev, m.Sender)
	}
	return ev, ok
}

func fromMessage(ev *model.InboundEvent, m *tele.Message) bool {
	ev.Text = m.Text
	if ev.Text == "" {
		ev.Text = m.Caption
	}
	return fromUser(ev, m.Sender)
}

func fromUser(ev *model.InboundEvent, u *tele.User) bool {
	if u == nil || u.ID <= 0 || u.IsBot {
		return false
	}
	ev.FromID = u.ID
	ev.From = model.Profile{
		Username:     u.Username,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		LanguageCode: u.LanguageCode,
	}
	return true
}
