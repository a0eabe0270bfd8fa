package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"botcast/internal/media"
	logx "botcast/pkg/logx"
)

// telegramGateway sends through one telebot client. Calls run on their own
// goroutine so the per-kind timeout holds even though telebot has no
// per-request context; an abandoned call is bounded by the HTTP client timeout.
type telegramGateway struct {
	bot      *tele.Bot
	token    string
	media    media.Store
	timeouts Timeouts
	log      logx.Logger
}

type callResult struct {
	msg *tele.Message
	err error
}

func (g *telegramGateway) call(ctx context.Context, op string, timeout time.Duration, fn func() (*tele.Message, error)) Outcome {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- callResult{err: fmt.Errorf("panic in %s: %v", op, r)}
			}
		}()
		m, err := fn()
		ch <- callResult{msg: m, err: err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Failure("timeout after " + timeout.String())
		}
		return Failure("canceled")
	case r := <-ch:
		if r.err != nil {
			return g.failure(op, r.err)
		}
		if r.msg == nil {
			return Failure("empty response")
		}
		return Outcome{Success: true, MessageID: strconv.Itoa(r.msg.ID)}
	}
}

// failure keeps the platform's error description and hides transport errors,
// whose text embeds the request URL and with it the bot token.
func (g *telegramGateway) failure(op string, err error) Outcome {
	msg := err.Error()
	var apiErr *tele.Error
	if errors.As(err, &apiErr) || strings.HasPrefix(msg, "telegram:") {
		return Failure(msg)
	}
	if g.token != "" {
		msg = strings.ReplaceAll(msg, g.token, "<token>")
	}
	g.log.Warn("telegram transport error", logx.String("op", op), logx.String("err", msg))
	return Failure("transport error")
}

func (g *telegramGateway) SendText(ctx context.Context, chatID int64, text string) Outcome {
	return g.call(ctx, "sendMessage", g.timeouts.Text, func() (*tele.Message, error) {
		return g.bot.Send(tele.ChatID(chatID), text)
	})
}

func (g *telegramGateway) SendPhoto(ctx context.Context, chatID int64, m Media, caption string) Outcome {
	timeout := g.timeouts.PhotoURL
	if m.IsUpload() {
		timeout = g.timeouts.Upload
	}
	return g.withFile(ctx, m, func(f tele.File, _ string) Outcome {
		return g.call(ctx, "sendPhoto", timeout, func() (*tele.Message, error) {
			return g.bot.Send(tele.ChatID(chatID), &tele.Photo{File: f, Caption: caption})
		})
	})
}

func (g *telegramGateway) SendVideo(ctx context.Context, chatID int64, m Media, caption string) Outcome {
	timeout := g.timeouts.VideoURL
	if m.IsUpload() {
		timeout = g.timeouts.Upload
	}
	return g.withFile(ctx, m, func(f tele.File, name string) Outcome {
		return g.call(ctx, "sendVideo", timeout, func() (*tele.Message, error) {
			return g.bot.Send(tele.ChatID(chatID), &tele.Video{File: f, Caption: caption, FileName: name})
		})
	})
}

func (g *telegramGateway) SendPoll(ctx context.Context, chatID int64, p Poll) Outcome {
	anonymous := true
	if p.Anonymous != nil {
		anonymous = *p.Anonymous
	}
	poll := &tele.Poll{
		Type:            tele.PollRegular,
		Question:        p.Question,
		Anonymous:       anonymous,
		MultipleAnswers: p.MultipleAnswers,
	}
	for _, o := range p.Options {
		poll.Options = append(poll.Options, tele.PollOption{Text: o})
	}
	return g.call(ctx, "sendPoll", g.timeouts.Poll, func() (*tele.Message, error) {
		return g.bot.Send(tele.ChatID(chatID), poll)
	})
}

func (g *telegramGateway) PinMessage(ctx context.Context, chatID int64, messageID string) Outcome {
	out := g.call(ctx, "pinChatMessage", g.timeouts.Pin, func() (*tele.Message, error) {
		err := g.bot.Pin(tele.StoredMessage{MessageID: messageID, ChatID: chatID}, tele.Silent)
		if err != nil {
			return nil, err
		}
		id, _ := strconv.Atoi(messageID)
		return &tele.Message{ID: id}, nil
	})
	if out.Success {
		out.MessageID = messageID
	}
	return out
}

// withFile resolves m into a telebot file. Stored handles are opened per call
// and closed once the send returns.
func (g *telegramGateway) withFile(ctx context.Context, m Media, send func(tele.File, string) Outcome) Outcome {
	if m.URL != "" {
		return send(tele.FromURL(m.URL), "")
	}
	if g.media == nil {
		return Failure("stored media is not configured")
	}
	obj, err := g.media.Open(ctx, m.Handle)
	if err != nil {
		return Failure("open media: " + err.Error())
	}
	defer obj.Close()
	return send(tele.FromReader(obj), obj.Name)
}
