// Package gateway is the send-side capability over the chat platform.
//
// Every operation returns an Outcome, never an error: transport failures
// are folded into Success=false so callers have a single shape to interpret.
package gateway

import (
	"context"
	"time"

	"botcast/internal/model"
)

type Outcome struct {
	Success   bool
	MessageID string
	Error     string
}

func Failure(desc string) Outcome { return Outcome{Error: desc} }

// Media references a file by URL or by a handle into the media store.
type Media struct {
	URL    string
	Handle string
}

func (m Media) IsUpload() bool { return m.URL == "" && m.Handle != "" }

type Poll struct {
	Question        string
	Options         []string
	Anonymous       *bool // nil keeps the platform default (anonymous)
	MultipleAnswers bool
}

type Gateway interface {
	SendText(ctx context.Context, chatID int64, text string) Outcome
	SendPhoto(ctx context.Context, chatID int64, m Media, caption string) Outcome
	SendVideo(ctx context.Context, chatID int64, m Media, caption string) Outcome
	SendPoll(ctx context.Context, chatID int64, p Poll) Outcome
	PinMessage(ctx context.Context, chatID int64, messageID string) Outcome
}

// Provider resolves the gateway bound to one bot's credential.
type Provider interface {
	ForBot(ctx context.Context, bot model.BotIdentity) (Gateway, error)
}

// Timeouts bound each platform call.
type Timeouts struct {
	Text     time.Duration
	PhotoURL time.Duration
	VideoURL time.Duration
	Upload   time.Duration
	Poll     time.Duration
	Pin      time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Text:     15 * time.Second,
		PhotoURL: 20 * time.Second,
		VideoURL: 30 * time.Second,
		Upload:   60 * time.Second,
		Poll:     20 * time.Second,
		Pin:      15 * time.Second,
	}
}

// WithDefaults fills zero fields from DefaultTimeouts.
func (t Timeouts) WithDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Text <= 0 {
		t.Text = d.Text
	}
	if t.PhotoURL <= 0 {
		t.PhotoURL = d.PhotoURL
	}
	if t.VideoURL <= 0 {
		t.VideoURL = d.VideoURL
	}
	if t.Upload <= 0 {
		t.Upload = d.Upload
	}
	if t.Poll <= 0 {
		t.Poll = d.Poll
	}
	if t.Pin <= 0 {
		t.Pin = d.Pin
	}
	return t
}

func (t Timeouts) max() time.Duration {
	m := t.Text
	for _, d := range []time.Duration{t.PhotoURL, t.VideoURL, t.Upload, t.Poll, t.Pin} {
		if d > m {
			m = d
		}
	}
	return m
}
