package dispatch

import (
	"strings"
	"unicode/utf8"

	"botcast/internal/gateway"
	"botcast/internal/model"
)

// Platform limits checked before any recipient is contacted.
const (
	MaxTextLen         = 4096
	MaxCaptionLen      = 1024
	MaxPollQuestionLen = 300
	MaxPollOptionLen   = 100
	MinPollOptions     = 2
	MaxPollOptions     = 10
)

// Action kinds as they appear in ledger records and at the HTTP edge.
const (
	KindText  = "text"
	KindPhoto = "photo"
	KindVideo = "video"
	KindPoll  = "poll"
	KindPin   = "pin"
)

// Action is one of Text, Photo, Video, Poll or Pin.
type Action interface {
	Kind() string
	validate() error
}

type Text struct {
	Text string
}

type Photo struct {
	Media   gateway.Media
	Caption string
}

type Video struct {
	Media   gateway.Media
	Caption string
}

type Poll struct {
	Question        string
	Options         []string
	Anonymous       *bool
	MultipleAnswers bool
}

// Pin sends Text and pins the resulting message silently.
type Pin struct {
	Text string
}

func (Text) Kind() string  { return KindText }
func (Photo) Kind() string { return KindPhoto }
func (Video) Kind() string { return KindVideo }
func (Poll) Kind() string  { return KindPoll }
func (Pin) Kind() string   { return KindPin }

func (a Text) validate() error { return checkText("text", a.Text, MaxTextLen) }
func (a Pin) validate() error  { return checkText("text", a.Text, MaxTextLen) }

func (a Photo) validate() error {
	if err := checkMedia(a.Media); err != nil {
		return err
	}
	return checkLen("caption", a.Caption, MaxCaptionLen)
}

func (a Video) validate() error {
	if err := checkMedia(a.Media); err != nil {
		return err
	}
	return checkLen("caption", a.Caption, MaxCaptionLen)
}

func (a Poll) validate() error {
	if err := checkText("question", a.Question, MaxPollQuestionLen); err != nil {
		return err
	}
	if len(a.Options) < MinPollOptions {
		return model.Invalid("options", "a poll needs at least 2 options")
	}
	if len(a.Options) > MaxPollOptions {
		return model.Invalid("options", "a poll allows at most 10 options")
	}
	for _, o := range a.Options {
		if err := checkText("options", o, MaxPollOptionLen); err != nil {
			return err
		}
	}
	return nil
}

func checkText(field, v string, max int) error {
	if strings.TrimSpace(v) == "" {
		return model.Invalid(field, "required")
	}
	return checkLen(field, v, max)
}

func checkLen(field, v string, max int) error {
	if utf8.RuneCountInString(v) > max {
		return model.Invalid(field, "longer than platform limit")
	}
	return nil
}

func checkMedia(m gateway.Media) error {
	url, handle := strings.TrimSpace(m.URL), strings.TrimSpace(m.Handle)
	switch {
	case url == "" && handle == "":
		return model.Invalid("media", "url or stored handle required")
	case url != "" && handle != "":
		return model.Invalid("media", "url and stored handle are mutually exclusive")
	}
	return nil
}

// Target selects a single user or the eligible population of the bot.
type Target struct {
	UserID int64
	All    bool
}

func ToUser(id int64) Target { return Target{UserID: id} }
func ToAll() Target          { return Target{All: true} }

// Intent is one operator request. It is never persisted.
type Intent struct {
	Action      Action
	Target      Target
	CampaignID  string
	Personalize bool
}

// Validate checks the intent without touching storage or the platform.
func (in Intent) Validate() error {
	if in.Action == nil {
		return model.Invalid("action", "required")
	}
	switch {
	case in.Target.All && in.Target.UserID != 0:
		return model.Invalid("target", "user id and all are mutually exclusive")
	case !in.Target.All && in.Target.UserID == 0:
		return model.Invalid("target", "user id or all required")
	}
	return in.Action.validate()
}
