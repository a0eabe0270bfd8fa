package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

const (
	InboundWebhook = "webhook"
	InboundPolling = "polling"
)

// janitorParser matches the parser the maintenance janitor schedules with.
var janitorParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	durations := map[string]string{
		"http.read_timeout":             cfg.HTTP.ReadTimeout,
		"http.write_timeout":            cfg.HTTP.WriteTimeout,
		"telegram.poll_timeout":         cfg.Telegram.PollTimeout,
		"telegram.timeouts.text":        cfg.Telegram.Timeouts.Text,
		"telegram.timeouts.photo_url":   cfg.Telegram.Timeouts.PhotoURL,
		"telegram.timeouts.video_url":   cfg.Telegram.Timeouts.VideoURL,
		"telegram.timeouts.upload":      cfg.Telegram.Timeouts.Upload,
		"telegram.timeouts.poll":        cfg.Telegram.Timeouts.Poll,
		"telegram.timeouts.pin":         cfg.Telegram.Timeouts.Pin,
		"storage.busy_timeout":          cfg.Storage.BusyTimeout,
		"maintenance.inbound_retention": cfg.Maintenance.InboundRetention,
	}
	for path, raw := range durations {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when file logging is enabled"))
	}
	if a := cfg.Logging.Alerts; a.Enabled {
		if strings.TrimSpace(a.BotID) == "" {
			add(errors.New("logging.alerts.bot_id is required when alerts are enabled"))
		}
		if a.ChatID == 0 {
			add(errors.New("logging.alerts.chat_id is required when alerts are enabled"))
		}
	}

	if pu := strings.TrimSpace(cfg.HTTP.PublicURL); pu != "" {
		if u, err := url.Parse(pu); err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
			add(fmt.Errorf("http.public_url: %q is not an absolute http(s) URL", pu))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Telegram.Inbound)) {
	case "", InboundWebhook, InboundPolling:
	default:
		add(fmt.Errorf("telegram.inbound: must be %q or %q", InboundWebhook, InboundPolling))
	}

	d := cfg.Dispatch
	if d.Workers < 0 || d.RatePerSec < 0 || d.MaxFailures < 0 {
		add(errors.New("dispatch: workers, rate_per_sec and max_failures must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Reconcile.UnblockOn)) {
	case "", "any", "message":
	default:
		add(fmt.Errorf("reconcile.unblock_on: must be \"any\" or \"message\""))
	}
	if sc := strings.TrimSpace(cfg.Reconcile.StartCommand); sc != "" && !strings.HasPrefix(sc, "/") {
		add(errors.New("reconcile.start_command must start with /"))
	}

	s := cfg.Storage
	switch strings.ToLower(strings.TrimSpace(s.Driver)) {
	case "", "memory":
	case "file", "sqlite":
		if strings.TrimSpace(s.Path) == "" {
			add(fmt.Errorf("storage.path is required for driver %s", s.Driver))
		}
	case "postgres":
		if strings.TrimSpace(s.DSN) == "" {
			add(errors.New("storage.dsn is required for driver postgres"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
	}

	if m := cfg.Media; m != nil {
		switch strings.ToLower(strings.TrimSpace(m.Driver)) {
		case "", "none":
		case "local":
			if strings.TrimSpace(m.Root) == "" {
				add(errors.New("media.root is required for driver local"))
			}
		case "s3":
			if strings.TrimSpace(m.Endpoint) == "" || strings.TrimSpace(m.Bucket) == "" {
				add(errors.New("media.endpoint and media.bucket are required for driver s3"))
			}
		default:
			add(fmt.Errorf("media.driver: unknown driver %q", m.Driver))
		}
	}

	if spec := strings.TrimSpace(cfg.Maintenance.Schedule); spec != "" {
		if _, err := janitorParser.Parse(spec); err != nil {
			add(fmt.Errorf("maintenance.schedule: %w", err))
		}
	}

	return errors.Join(errs...)
}
