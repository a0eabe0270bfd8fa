package config

import (
	"reflect"
	"sort"
	"strings"

	logx "botcast/pkg/logx"
)

// Hot-applied sections. Everything else needs a restart.
var hotSections = map[string]bool{"logging": true, "dispatch": true, "reconcile": true}

// SummarizeConfigChange returns the changed sections, safe structured attrs
// for logging (never tokens, DSNs or keys) and the changed sections that only
// take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 20)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	if oh.Addr != nh.Addr || oh.ReadTimeout != nh.ReadTimeout || oh.WriteTimeout != nh.WriteTimeout ||
		oh.APIToken != nh.APIToken || oh.WebhookSecret != nh.WebhookSecret || oh.PublicURL != nh.PublicURL {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", nh.Addr),
			logx.Bool("http.api_token_set", strings.TrimSpace(nh.APIToken) != ""),
			logx.Bool("http.webhook_secret_set", strings.TrimSpace(nh.WebhookSecret) != ""),
			logx.String("http.public_url", nh.PublicURL),
		)
	}

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.inbound", newCfg.Telegram.Inbound),
			logx.Bool("telegram.api_url_set", strings.TrimSpace(newCfg.Telegram.APIURL) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.workers", newCfg.Dispatch.Workers),
			logx.Int("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec),
			logx.Int("dispatch.max_failures", newCfg.Dispatch.MaxFailures),
			logx.Int("dispatch.block_terms", len(newCfg.Dispatch.BlockTerms)),
		)
	}

	if oldCfg.Reconcile != newCfg.Reconcile {
		changed = append(changed, "reconcile")
		attrs = append(attrs,
			logx.String("reconcile.unblock_on", newCfg.Reconcile.UnblockOn),
			logx.String("reconcile.start_command", newCfg.Reconcile.StartCommand),
			logx.Bool("reconcile.welcome_set", newCfg.Reconcile.WelcomeText != ""),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
			logx.Bool("storage.secret_key_set", strings.TrimSpace(newCfg.Storage.SecretKey) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Media, newCfg.Media) {
		changed = append(changed, "media")
		driver := ""
		if newCfg.Media != nil {
			driver = newCfg.Media.Driver
		}
		attrs = append(attrs, logx.String("media.driver", driver))
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.schedule", newCfg.Maintenance.Schedule),
			logx.String("maintenance.inbound_retention", newCfg.Maintenance.InboundRetention),
		)
	}

	sort.Strings(changed)
	var restart []string
	for _, s := range changed {
		if !hotSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}
