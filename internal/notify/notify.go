// Package notify reports finished broadcasts to each bot's admin chat.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"botcast/internal/dispatch"
	"botcast/internal/eventbus"
	"botcast/internal/gateway"
	"botcast/internal/model"
	logx "botcast/pkg/logx"
)

const (
	sendTimeout     = 15 * time.Second
	maxListedErrors = 5
	maxErrorRunes   = 160
)

type BotSource interface {
	GetBot(ctx context.Context, id string) (model.BotIdentity, error)
}

type Notifier struct {
	bus     eventbus.Bus
	bots    BotSource
	gw      gateway.Provider
	limiter *rate.Limiter
	log     logx.Logger
}

func New(bus eventbus.Bus, bots BotSource, gw gateway.Provider, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		bus:     bus,
		bots:    bots,
		gw:      gw,
		limiter: rate.NewLimiter(rate.Limit(1), 3),
		log:     log.With(logx.String("comp", "notify")),
	}
}

// Run consumes dispatch.finished events until ctx is done. Single-user sends
// are not reported.
func (n *Notifier) Run(ctx context.Context) error {
	ch, unsub := n.bus.Subscribe(64, dispatch.EventFinished)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			n.handle(ctx, ev)
		}
	}
}

func (n *Notifier) handle(ctx context.Context, ev eventbus.Event) {
	rep, ok := ev.Data.(dispatch.Report)
	if !ok || !rep.Broadcast {
		return
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return
	}
	if err := n.report(ctx, rep); err != nil {
		n.log.Warn("dispatch summary not sent", logx.String("dispatch", rep.DispatchID), logx.Err(err))
	}
}

func (n *Notifier) report(ctx context.Context, rep dispatch.Report) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	bot, err := n.bots.GetBot(ctx, rep.BotID)
	if err != nil {
		return err
	}
	if bot.AdminChatID == 0 {
		return nil
	}
	gw, err := n.gw.ForBot(ctx, bot)
	if err != nil {
		return err
	}
	if out := gw.SendText(ctx, bot.AdminChatID, Summary(bot.Name, rep)); !out.Success {
		return fmt.Errorf("send summary: %s", out.Error)
	}
	return nil
}

// Summary renders rep as a plain-text admin message.
func Summary(botName string, rep dispatch.Report) string {
	var b strings.Builder
	status := "finished"
	if rep.Canceled {
		status = "canceled"
	}
	fmt.Fprintf(&b, "Broadcast %s on %s\n", status, botName)
	fmt.Fprintf(&b, "Action: %s\n", rep.Action)
	fmt.Fprintf(&b, "Recipients: %d\nSent: %d\nFailed: %d\n", rep.Total, rep.Sent, rep.Failed)
	if rep.Skipped > 0 {
		fmt.Fprintf(&b, "Skipped: %d\n", rep.Skipped)
	}
	if !rep.FinishedAt.IsZero() && !rep.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Took: %s\n", rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond))
	}
	for i, f := range rep.Failures {
		if i == maxListedErrors {
			fmt.Fprintf(&b, "...and %d more failures\n", len(rep.Failures)-maxListedErrors)
			break
		}
		fmt.Fprintf(&b, "- %d: %s\n", f.UserID, truncRunes(f.Error, maxErrorRunes))
	}
	fmt.Fprintf(&b, "ID: %s", rep.DispatchID)
	return truncRunes(b.String(), dispatch.MaxTextLen)
}

// truncRunes cuts s to at most n runes, the last being an ellipsis.
func truncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	seen := 0
	for i := range s {
		if seen == n-1 {
			return s[:i] + "…"
		}
		seen++
	}
	return s
}
