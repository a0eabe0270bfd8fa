package app

import (
	"strings"
	"time"

	"botcast/internal/bots"
	"botcast/internal/config"
	"botcast/internal/dispatch"
	"botcast/internal/gateway"
	"botcast/internal/janitor"
	"botcast/internal/media"
	"botcast/internal/reconcile"
	"botcast/internal/transport/httpapi"
	"botcast/internal/transport/telegram"
	logx "botcast/pkg/logx"
)

const (
	defaultHTTPAddr        = ":8080"
	defaultHTTPReadTimeout = 15 * time.Second
	defaultPollTimeout     = 25 * time.Second
)

func mapLogConfig(cfg *Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    l.Alerts.Enabled,
			ChatID:     l.Alerts.ChatID,
			MinLevel:   l.Alerts.MinLevel,
			RatePerSec: l.Alerts.RatePerSec,
		},
	}
}

func mapDispatchConfig(cfg *Config) dispatch.Config {
	d := cfg.Dispatch
	return dispatch.Config{
		Workers:     d.Workers,
		RatePerSec:  d.RatePerSec,
		MaxFailures: d.MaxFailures,
		BlockTerms:  append([]string(nil), d.BlockTerms...),
	}
}

func mapReconcileConfig(cfg *Config) reconcile.Config {
	r := cfg.Reconcile
	return reconcile.Config{
		StartCommand: r.StartCommand,
		UnblockOn:    r.UnblockOn,
		WelcomeText:  r.WelcomeText,
	}
}

func mapGatewayConfig(cfg *Config) (gateway.TelegramConfig, error) {
	t := cfg.Telegram.Timeouts
	var (
		out gateway.Timeouts
		err error
	)
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"telegram.timeouts.text", t.Text, &out.Text},
		{"telegram.timeouts.photo_url", t.PhotoURL, &out.PhotoURL},
		{"telegram.timeouts.video_url", t.VideoURL, &out.VideoURL},
		{"telegram.timeouts.upload", t.Upload, &out.Upload},
		{"telegram.timeouts.poll", t.Poll, &out.Poll},
		{"telegram.timeouts.pin", t.Pin, &out.Pin},
	}
	for _, f := range fields {
		if *f.dst, err = parseDurationField(f.path, f.raw); err != nil {
			return gateway.TelegramConfig{}, err
		}
	}
	return gateway.TelegramConfig{
		APIURL:   strings.TrimSpace(cfg.Telegram.APIURL),
		Timeouts: out.WithDefaults(),
	}, nil
}

func mapHTTPConfig(cfg *Config) (httpapi.Config, error) {
	h := cfg.HTTP
	read, err := parseDurationOrDefault("http.read_timeout", h.ReadTimeout, defaultHTTPReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	// Synchronous broadcasts can outlive any sensible write timeout, so it
	// stays disabled unless configured.
	write, err := parseDurationField("http.write_timeout", h.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	addr := strings.TrimSpace(h.Addr)
	if addr == "" {
		addr = defaultHTTPAddr
	}
	return httpapi.Config{
		Addr:          addr,
		APIToken:      strings.TrimSpace(h.APIToken),
		WebhookSecret: strings.TrimSpace(h.WebhookSecret),
		ReadTimeout:   read,
		WriteTimeout:  write,
	}, nil
}

// mapWebhookConfig leaves PublicURL empty in polling mode so registration
// never fights the poller for the update stream.
func mapWebhookConfig(cfg *Config) bots.WebhookConfig {
	w := bots.WebhookConfig{
		Secret:         strings.TrimSpace(cfg.HTTP.WebhookSecret),
		AllowedUpdates: telegram.AllowedUpdates,
	}
	if !pollingEnabled(cfg) {
		w.PublicURL = strings.TrimSpace(cfg.HTTP.PublicURL)
	}
	return w
}

func mapMediaConfig(cfg *Config) media.Config {
	if cfg.Media == nil {
		return media.Config{}
	}
	m := cfg.Media
	return media.Config{
		Driver:    m.Driver,
		Root:      m.Root,
		Endpoint:  m.Endpoint,
		AccessKey: m.AccessKey,
		SecretKey: m.SecretKey,
		Bucket:    m.Bucket,
		UseSSL:    m.UseSSL,
	}
}

func mapJanitorConfig(cfg *Config) (janitor.Config, error) {
	retention, err := parseDurationField("maintenance.inbound_retention", cfg.Maintenance.InboundRetention)
	if err != nil {
		return janitor.Config{}, err
	}
	return janitor.Config{Schedule: cfg.Maintenance.Schedule, Retention: retention}, nil
}

func pollingEnabled(cfg *Config) bool {
	return strings.EqualFold(strings.TrimSpace(cfg.Telegram.Inbound), config.InboundPolling)
}
