package dispatch

import (
	"strings"

	"botcast/internal/gateway"
	"botcast/internal/model"
)

// Request is the wire form of an intent.
type Request struct {
	Action      string `json:"action"`
	UserID      int64  `json:"user_id,omitempty"`
	All         bool   `json:"all,omitempty"`
	CampaignID  string `json:"campaign_id,omitempty"`
	Personalize bool   `json:"personalize,omitempty"`

	Text    string `json:"text,omitempty"`
	Caption string `json:"caption,omitempty"`
	URL     string `json:"url,omitempty"`
	Handle  string `json:"handle,omitempty"`

	Question              string   `json:"question,omitempty"`
	Options               []string `json:"options,omitempty"`
	IsAnonymous           *bool    `json:"is_anonymous,omitempty"`
	AllowsMultipleAnswers bool     `json:"allows_multiple_answers,omitempty"`
}

// Intent converts and validates r.
func (r Request) Intent() (Intent, error) {
	media := gateway.Media{URL: strings.TrimSpace(r.URL), Handle: strings.TrimSpace(r.Handle)}

	var a Action
	switch strings.ToLower(strings.TrimSpace(r.Action)) {
	case KindText:
		a = Text{Text: r.Text}
	case KindPhoto:
		a = Photo{Media: media, Caption: r.Caption}
	case KindVideo:
		a = Video{Media: media, Caption: r.Caption}
	case KindPoll:
		a = Poll{
			Question:        r.Question,
			Options:         r.Options,
			Anonymous:       r.IsAnonymous,
			MultipleAnswers: r.AllowsMultipleAnswers,
		}
	case KindPin:
		a = Pin{Text: r.Text}
	case "":
		return Intent{}, model.Invalid("action", "required")
	default:
		return Intent{}, model.Invalid("action", "unknown action "+r.Action)
	}

	in := Intent{
		Action:      a,
		Target:      Target{UserID: r.UserID, All: r.All},
		CampaignID:  strings.TrimSpace(r.CampaignID),
		Personalize: r.Personalize,
	}
	if err := in.Validate(); err != nil {
		return Intent{}, err
	}
	return in, nil
}
