package config

// Config is the whole process configuration. JSON and YAML files share these
// keys; unknown keys are rejected.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	HTTP        HTTPConfig        `json:"http"`
	Telegram    TelegramConfig    `json:"telegram"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	Reconcile   ReconcileConfig   `json:"reconcile"`
	Storage     StorageConfig     `json:"storage"`
	Media       *MediaConfig      `json:"media,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards warn+ records to a chat through one registered bot.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	BotID      string `json:"bot_id"`
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// HTTPConfig controls the webhook and operator API listener.
//
// Security note: api_token and webhook_secret are never logged.
type HTTPConfig struct {
	Addr          string `json:"addr"` // default ":8080"
	APIToken      string `json:"api_token,omitempty"`
	WebhookSecret string `json:"webhook_secret,omitempty"`
	// PublicURL is the externally reachable base of this server. When set
	// in webhook mode, bots get their webhook registered on register and
	// activation.
	PublicURL    string `json:"public_url,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

type TelegramConfig struct {
	APIURL      string           `json:"api_url,omitempty"`
	Inbound     string           `json:"inbound,omitempty"` // webhook (default) | polling
	PollTimeout string           `json:"poll_timeout,omitempty"`
	Timeouts    TelegramTimeouts `json:"timeouts"`
}

// TelegramTimeouts bound each platform call kind. Zero keeps the default.
type TelegramTimeouts struct {
	Text     string `json:"text,omitempty"`
	PhotoURL string `json:"photo_url,omitempty"`
	VideoURL string `json:"video_url,omitempty"`
	Upload   string `json:"upload,omitempty"`
	Poll     string `json:"poll,omitempty"`
	Pin      string `json:"pin,omitempty"`
}

// DispatchConfig is hot-applied.
//
// Defaults (when fields are omitted/zero):
//   - workers: 8
//   - rate_per_sec: 25
//   - max_failures: 200
type DispatchConfig struct {
	Workers     int      `json:"workers,omitempty"`
	RatePerSec  int      `json:"rate_per_sec,omitempty"`
	MaxFailures int      `json:"max_failures,omitempty"`
	BlockTerms  []string `json:"block_terms,omitempty"`
}

// ReconcileConfig is hot-applied.
type ReconcileConfig struct {
	StartCommand string `json:"start_command,omitempty"`
	// UnblockOn is "any" (default) or "message".
	UnblockOn   string `json:"unblock_on,omitempty"`
	WelcomeText string `json:"welcome_text,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./botcast.db", "secret_key": "..." }
type StorageConfig struct {
	Driver      string `json:"driver"` // memory | file | sqlite | postgres
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxOpenConn int    `json:"max_open_conn,omitempty"`
	// SecretKey seals bot credentials at rest. Never logged.
	SecretKey string `json:"secret_key,omitempty"`
}

// MediaConfig resolves stored-file handles for photo and video sends.
type MediaConfig struct {
	Driver    string `json:"driver"` // local | s3
	Root      string `json:"root,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
	Bucket    string `json:"bucket,omitempty"`
	UseSSL    bool   `json:"use_ssl,omitempty"`
}

// MaintenanceConfig drives the inbound journal janitor.
type MaintenanceConfig struct {
	Schedule         string `json:"schedule,omitempty"`          // cron spec, default "@daily"
	InboundRetention string `json:"inbound_retention,omitempty"` // default "720h"
}
