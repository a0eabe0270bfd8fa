package httpapi

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	logx "botcast/pkg/logx"
)

// requestLogger logs one line per request. Webhook paths carry only the bot id,
// so nothing here can leak a credential.
func requestLogger(log logx.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				// Let the error handler settle the status before it is logged.
				c.Error(err)
			}

			fields := []logx.Field{
				logx.String("method", c.Request().Method),
				logx.String("path", c.Path()),
				logx.Int("status", c.Response().Status),
				logx.String("ip", c.RealIP()),
				logx.Duration("latency", time.Since(start)),
			}
			switch status := c.Response().Status; {
			case status >= 500:
				log.Error("request", append(fields, logx.Err(err))...)
			case status >= 400:
				log.Warn("request", fields...)
			default:
				log.Debug("request", fields...)
			}
			return nil
		}
	}
}

func recovery(log logx.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic recovered",
						logx.Any("panic", r),
						logx.Stack(string(debug.Stack())),
						logx.String("path", c.Request().URL.Path),
					)
					err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error").
						SetInternal(fmt.Errorf("panic: %v", r))
				}
			}()
			return next(c)
		}
	}
}

// requireToken guards the operator API. An empty token disables the check.
func requireToken(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if token == "" {
				return next(c)
			}
			got := bearer(c.Request())
			if got == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			return next(c)
		}
	}
}

func bearer(r *http.Request) string {
	parts := strings.Fields(r.Header.Get(echo.HeaderAuthorization))
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1]
	}
	return ""
}
