package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"botcast/internal/dispatch"
	"botcast/internal/gateway"
	"botcast/internal/model"
	"botcast/internal/storage"
)

// botView is the API form of a bot. The credential never leaves the process.
type botView struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Active           bool      `json:"active"`
	AdminChatID      int64     `json:"admin_chat_id,omitempty"`
	Description      string    `json:"description,omitempty"`
	ShortDescription string    `json:"short_description,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

func viewBot(b model.BotIdentity) botView {
	return botView{
		ID:               b.ID,
		Name:             b.Name,
		Active:           b.Active,
		AdminChatID:      b.AdminChatID,
		Description:      b.Description,
		ShortDescription: b.ShortDescription,
		CreatedAt:        b.CreatedAt,
	}
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listBots(c echo.Context) error {
	bots, err := s.bots.List(c.Request().Context())
	if err != nil {
		return err
	}
	out := make([]botView, 0, len(bots))
	for _, b := range bots {
		out = append(out, viewBot(b))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getBot(c echo.Context) error {
	b, err := s.bots.Get(c.Request().Context(), c.Param("bot_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, viewBot(b))
}

type registerRequest struct {
	Name        string `json:"name"`
	Token       string `json:"token"`
	AdminChatID int64  `json:"admin_chat_id"`
}

func (s *Server) registerBot(c echo.Context) error {
	var req registerRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	b, err := s.bots.Register(c.Request().Context(), req.Name, req.Token, req.AdminChatID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, viewBot(b))
}

type activeRequest struct {
	Active *bool `json:"active"`
}

func (s *Server) setActive(c echo.Context) error {
	var req activeRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if req.Active == nil {
		return model.Invalid("active", "required")
	}
	ctx := c.Request().Context()
	id := c.Param("bot_id")
	if err := s.bots.SetActive(ctx, id, *req.Active); err != nil {
		return err
	}
	b, err := s.bots.Get(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, viewBot(b))
}

type profileRequest struct {
	Name             string `json:"name"`
	Description      string `json:"description"`
	ShortDescription string `json:"short_description"`
}

func (s *Server) syncProfile(c echo.Context) error {
	var req profileRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	b, err := s.bots.SyncProfile(c.Request().Context(), c.Param("bot_id"), gateway.Profile{
		Name:             req.Name,
		Description:      req.Description,
		ShortDescription: req.ShortDescription,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, viewBot(b))
}

// refreshProfile pulls the live profile from the platform into the store.
func (s *Server) refreshProfile(c echo.Context) error {
	b, err := s.bots.RefreshProfile(c.Request().Context(), c.Param("bot_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, viewBot(b))
}

func (s *Server) registerWebhook(c echo.Context) error {
	url, err := s.bots.RegisterWebhook(c.Request().Context(), c.Param("bot_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"url": url})
}

func (s *Server) stats(c echo.Context) error {
	st, err := s.bots.Stats(c.Request().Context(), c.Param("bot_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

// dispatch runs an intent. With ?async=1 only pre-flight runs in the request
// and the delivery continues under the server's base context.
func (s *Server) dispatch(c echo.Context) error {
	var req dispatch.Request
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	in, err := req.Intent()
	if err != nil {
		return err
	}
	botID := c.Param("bot_id")

	if async, _ := strconv.ParseBool(c.QueryParam("async")); async {
		id, err := s.dispatcher.Start(s.base, botID, in)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusAccepted, map[string]string{"dispatch_id": id})
	}

	rep, err := s.dispatcher.Dispatch(c.Request().Context(), botID, in)
	if err != nil {
		// A canceled run still has a partial report worth returning.
		if rep.DispatchID != "" && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return c.JSON(http.StatusOK, rep)
		}
		return err
	}
	return c.JSON(http.StatusOK, rep)
}

func (s *Server) dispatchStatus(c echo.Context) error {
	id := c.Param("id")
	st, ok := s.dispatcher.Status(id)
	if !ok {
		return model.NotFound("dispatch", id)
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) listDeliveries(c echo.Context) error {
	if s.deliveries == nil {
		return echo.NewHTTPError(http.StatusNotFound, "delivery ledger not exposed")
	}
	f := storage.DeliveryFilter{
		BotID:      c.QueryParam("bot_id"),
		DispatchID: c.QueryParam("dispatch_id"),
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return model.Invalid("limit", "must be a non-negative integer")
		}
		f.Limit = n
	}
	recs, err := s.deliveries.List(c.Request().Context(), f)
	if err != nil {
		return err
	}
	if recs == nil {
		recs = []model.DeliveryRecord{}
	}
	return c.JSON(http.StatusOK, recs)
}

// bindJSON decodes the body only; path and query never populate request structs.
func bindJSON(c echo.Context, v any) error {
	if err := (&echo.DefaultBinder{}).BindBody(c, v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body").SetInternal(err)
	}
	return nil
}
