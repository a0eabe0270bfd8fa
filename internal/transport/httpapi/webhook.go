package httpapi

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"botcast/internal/model"
	"botcast/internal/transport/telegram"
	logx "botcast/pkg/logx"
)

const (
	secretHeader   = "X-Telegram-Bot-Api-Secret-Token"
	maxWebhookBody = 1 << 20
)

var okBody = map[string]bool{"ok": true}

// webhook accepts one update for a bot. Updates the reconciler rejects as
// invalid are acknowledged so the platform does not redeliver them; storage
// failures answer 500 so it does.
func (s *Server) webhook(c echo.Context) error {
	if s.cfg.WebhookSecret != "" {
		got := c.Request().Header.Get(secretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.WebhookSecret)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "bad webhook secret")
		}
	}

	ctx := c.Request().Context()
	botID := c.Param("bot_id")
	bot, err := s.bots.Get(ctx, botID)
	if err != nil {
		return err
	}
	if !bot.Active {
		return c.JSON(http.StatusOK, okBody)
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body").SetInternal(err)
	}
	u, err := telegram.Decode(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed update").SetInternal(err)
	}

	ev, ok := telegram.Normalize(bot.ID, u, time.Now())
	if !ok {
		return c.JSON(http.StatusOK, okBody)
	}
	if _, err := s.reconciler.Reconcile(ctx, bot.ID, ev); err != nil {
		if errors.Is(err, model.ErrInvalid) || errors.Is(err, model.ErrNotFound) {
			s.log.Warn("update ignored", logx.String("bot", bot.ID), logx.Int("update", u.ID), logx.Err(err))
			return c.JSON(http.StatusOK, okBody)
		}
		return err
	}
	return c.JSON(http.StatusOK, okBody)
}
