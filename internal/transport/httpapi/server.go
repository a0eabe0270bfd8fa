// Package httpapi serves the Telegram webhook and the operator API.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"botcast/internal/dispatch"
	"botcast/internal/gateway"
	"botcast/internal/model"
	"botcast/internal/storage"
	logx "botcast/pkg/logx"
)

type Config struct {
	Addr string
	// APIToken is the bearer token required on /api/v1. Empty disables auth.
	APIToken string
	// WebhookSecret is compared with X-Telegram-Bot-Api-Secret-Token.
	WebhookSecret string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

type Registry interface {
	Register(ctx context.Context, name, token string, adminChatID int64) (model.BotIdentity, error)
	Get(ctx context.Context, id string) (model.BotIdentity, error)
	List(ctx context.Context) ([]model.BotIdentity, error)
	SetActive(ctx context.Context, id string, active bool) error
	SyncProfile(ctx context.Context, id string, p gateway.Profile) (model.BotIdentity, error)
	RefreshProfile(ctx context.Context, id string) (model.BotIdentity, error)
	RegisterWebhook(ctx context.Context, id string) (string, error)
	Stats(ctx context.Context, id string) (model.BotStats, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, botID string, in dispatch.Intent) (dispatch.Report, error)
	Start(ctx context.Context, botID string, in dispatch.Intent) (string, error)
	Status(id string) (dispatch.Status, bool)
}

type Reconciler interface {
	Reconcile(ctx context.Context, botID string, ev model.InboundEvent) (model.Recipient, error)
}

type Deliveries interface {
	List(ctx context.Context, f storage.DeliveryFilter) ([]model.DeliveryRecord, error)
}

type Deps struct {
	Bots       Registry
	Dispatcher Dispatcher
	Reconciler Reconciler
	Deliveries Deliveries
	// Base bounds background dispatches started with ?async=1.
	Base context.Context
	Log  logx.Logger
}

type Server struct {
	cfg  Config
	e    *echo.Echo
	base context.Context
	log  logx.Logger

	bots       Registry
	dispatcher Dispatcher
	reconciler Reconciler
	deliveries Deliveries
}

func New(cfg Config, d Deps) *Server {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	base := d.Base
	if base == nil {
		base = context.Background()
	}
	s := &Server{
		cfg:        cfg,
		base:       base,
		log:        log.With(logx.String("comp", "http")),
		bots:       d.Bots,
		dispatcher: d.Dispatcher,
		reconciler: d.Reconciler,
		deliveries: d.Deliveries,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Server.ReadTimeout = cfg.ReadTimeout
	e.Server.WriteTimeout = cfg.WriteTimeout
	e.Use(requestLogger(s.log), recovery(s.log))

	e.GET("/healthz", s.healthz)
	e.POST("/webhook/:bot_id", s.webhook)

	api := e.Group("/api/v1", requireToken(cfg.APIToken))
	{
		api.GET("/bots", s.listBots)
		api.POST("/bots", s.registerBot)
		api.GET("/bots/:bot_id", s.getBot)
		api.POST("/bots/:bot_id/active", s.setActive)
		api.POST("/bots/:bot_id/profile", s.syncProfile)
		api.GET("/bots/:bot_id/profile", s.refreshProfile)
		api.POST("/bots/:bot_id/webhook", s.registerWebhook)
		api.GET("/bots/:bot_id/stats", s.stats)
		api.POST("/bots/:bot_id/dispatch", s.dispatch)
		api.GET("/dispatches/:id", s.dispatchStatus)
		api.GET("/deliveries", s.listDeliveries)
	}
	s.e = e
	return s
}

func (s *Server) Handler() http.Handler { return s.e }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.e.Start(s.cfg.Addr) }()
	s.log.Info("http listening", logx.String("addr", s.cfg.Addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("http stopped")
	return nil
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// handleError maps domain errors to status codes. Internal errors are logged
// by the request logger and never echoed to the client.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, body := http.StatusInternalServerError, errorBody{Error: "internal error"}

	var (
		he *echo.HTTPError
		ve *model.ValidationError
	)
	switch {
	case errors.As(err, &he):
		status = he.Code
		if msg, ok := he.Message.(string); ok {
			body.Error = msg
		} else {
			body.Error = http.StatusText(he.Code)
		}
	case errors.As(err, &ve):
		status, body = http.StatusBadRequest, errorBody{Error: ve.Reason, Field: ve.Field}
	case errors.Is(err, model.ErrInvalid):
		status, body.Error = http.StatusBadRequest, err.Error()
	case errors.Is(err, model.ErrNotFound):
		status, body.Error = http.StatusNotFound, err.Error()
	case errors.Is(err, model.ErrConflict):
		status, body.Error = http.StatusConflict, err.Error()
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		s.log.Warn("write error response failed", logx.Err(err))
	}
}
