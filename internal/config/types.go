package config

// Config is the full runtime configuration. File values are decoded from
// JSON (or YAML coerced to JSON); `env` tags name the environment variables
// that override them.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Twitch   TwitchConfig   `json:"twitch"`
	Monitor  MonitorConfig  `json:"monitor"`
	Storage  StorageConfig  `json:"storage"`
	Notifier NotifierConfig `json:"notifier"`
	Commands CommandsConfig `json:"commands"`
	Logging  LoggingConfig  `json:"logging"`
	Ops      OpsConfig      `json:"ops"`
}

type TelegramConfig struct {
	Token       string `json:"token" env:"BOT_TOKEN" validate:"required"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	// AdminChatID receives forwarded warnings when logging.admin is enabled.
	AdminChatID int64 `json:"admin_chat_id,omitempty" env:"ADMIN_CHAT_ID"`
}

type TwitchConfig struct {
	ClientID     string `json:"client_id" env:"TWITCH_CLIENT_ID" validate:"required"`
	ClientSecret string `json:"client_secret" env:"TWITCH_CLIENT_SECRET" validate:"required"`
	BaseURL      string `json:"base_url,omitempty" validate:"omitempty,url"`
	TokenURL     string `json:"token_url,omitempty" validate:"omitempty,url"`
	Timeout      string `json:"timeout,omitempty"`
	// BatchSize is the number of logins per Helix request (max 100).
	BatchSize   int `json:"batch_size,omitempty" validate:"gte=0,lte=100"`
	Concurrency int `json:"concurrency,omitempty" validate:"gte=0,lte=16"`
}

type MonitorConfig struct {
	Interval string `json:"interval,omitempty"`
	// IntervalSeconds mirrors CHECK_INTERVAL and wins over Interval.
	IntervalSeconds int  `json:"-" env:"CHECK_INTERVAL" validate:"gte=0"`
	DisableAddProbe bool `json:"disable_add_probe,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./twitchrise.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty" env:"STORAGE_DRIVER" validate:"omitempty,oneof=file sqlite postgres"`
	Path        string `json:"path,omitempty" env:"STORAGE_PATH"`
	DatabaseURL string `json:"database_url,omitempty" env:"DATABASE_URL"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

type NotifierConfig struct {
	Backend    string `json:"backend,omitempty" env:"NOTIFIER_BACKEND" validate:"omitempty,oneof=shoutrrr apprise"`
	AppriseURL string `json:"apprise_url,omitempty" env:"APPRISE_API_URL" validate:"omitempty,url"`
	Workers    int    `json:"workers,omitempty" validate:"gte=0,lte=64"`
	QueueSize  int    `json:"queue_size,omitempty" validate:"gte=0"`
	RatePerSec int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
	Timeout    string `json:"timeout,omitempty"`
}

type CommandsConfig struct {
	Workers    int    `json:"workers,omitempty" validate:"gte=0,lte=64"`
	QueueSize  int    `json:"queue_size,omitempty" validate:"gte=0"`
	Timeout    string `json:"timeout,omitempty"`
	ConfirmTTL string `json:"confirm_ttl,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level,omitempty" env:"LOG_LEVEL" validate:"omitempty,oneof=trace debug info warn warning error"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Admin   LoggingAdmin `json:"admin"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// LoggingAdmin forwards log lines at or above MinLevel to telegram.admin_chat_id.
type LoggingAdmin struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty" validate:"omitempty,oneof=debug info warn warning error"`
	RatePerSec int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
}

// OpsConfig controls the optional ops HTTP server (health, metrics, pprof).
//
// Prefer binding to localhost. A non-loopback address needs a token or
// allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled" env:"OPS_ENABLED"`
	Addr          string `json:"addr,omitempty" env:"OPS_ADDR" validate:"omitempty,hostname_port"`
	Token         string `json:"token,omitempty" env:"OPS_TOKEN"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
