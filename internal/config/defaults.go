package config

import (
	"strings"
	"time"
)

const (
	DefaultHelixURL      = "https://api.twitch.tv/helix"
	DefaultTokenURL      = "https://id.twitch.tv/oauth2/token"
	DefaultInterval      = 60 * time.Second
	DefaultFilePath      = "watchlists.json"
	DefaultSQLitePath    = "twitchrise.db"
	DefaultOpsAddr       = "127.0.0.1:9090"
	DefaultConfirmTTL    = 5 * time.Minute
	DefaultCommandTimeout = 30 * time.Second
)

// ApplyDefaults fills omitted fields in place.
func ApplyDefaults(c *Config) {
	if c.Telegram.PollTimeout == "" {
		c.Telegram.PollTimeout = "10s"
	}

	if c.Twitch.BaseURL == "" {
		c.Twitch.BaseURL = DefaultHelixURL
	}
	c.Twitch.BaseURL = strings.TrimRight(c.Twitch.BaseURL, "/")
	if c.Twitch.TokenURL == "" {
		c.Twitch.TokenURL = DefaultTokenURL
	}
	if c.Twitch.Timeout == "" {
		c.Twitch.Timeout = "10s"
	}
	if c.Twitch.BatchSize == 0 {
		c.Twitch.BatchSize = 100
	}
	if c.Twitch.Concurrency == 0 {
		c.Twitch.Concurrency = 4
	}

	if c.Monitor.IntervalSeconds > 0 {
		c.Monitor.Interval = (time.Duration(c.Monitor.IntervalSeconds) * time.Second).String()
	}
	if c.Monitor.Interval == "" {
		c.Monitor.Interval = DefaultInterval.String()
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "file"
	}
	if c.Storage.Path == "" {
		switch c.Storage.Driver {
		case "file":
			c.Storage.Path = DefaultFilePath
		case "sqlite":
			c.Storage.Path = DefaultSQLitePath
		}
	}

	c.Notifier.Backend = strings.ToLower(strings.TrimSpace(c.Notifier.Backend))
	if c.Notifier.Backend == "" {
		c.Notifier.Backend = "shoutrrr"
	}
	c.Notifier.AppriseURL = strings.TrimRight(c.Notifier.AppriseURL, "/")
	if c.Notifier.Workers == 0 {
		c.Notifier.Workers = 4
	}
	if c.Notifier.QueueSize == 0 {
		c.Notifier.QueueSize = 256
	}
	if c.Notifier.RatePerSec == 0 {
		c.Notifier.RatePerSec = 10
	}
	if c.Notifier.Timeout == "" {
		c.Notifier.Timeout = "15s"
	}

	if c.Commands.Workers == 0 {
		c.Commands.Workers = 4
	}
	if c.Commands.QueueSize == 0 {
		c.Commands.QueueSize = 256
	}
	if c.Commands.Timeout == "" {
		c.Commands.Timeout = DefaultCommandTimeout.String()
	}
	if c.Commands.ConfirmTTL == "" {
		c.Commands.ConfirmTTL = DefaultConfirmTTL.String()
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Admin.MinLevel = strings.ToLower(strings.TrimSpace(c.Logging.Admin.MinLevel))
	if c.Logging.Admin.MinLevel == "" {
		c.Logging.Admin.MinLevel = "warn"
	}
	if c.Logging.Admin.RatePerSec == 0 {
		c.Logging.Admin.RatePerSec = 1
	}

	if c.Ops.Addr == "" {
		c.Ops.Addr = DefaultOpsAddr
	}
	if c.Ops.ReadTimeout == "" {
		c.Ops.ReadTimeout = "5s"
	}
	if c.Ops.IdleTimeout == "" {
		c.Ops.IdleTimeout = "60s"
	}
}

// dur parses a duration that Validate already accepted.
func dur(raw string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func (c *Config) PollTimeout() time.Duration { return dur(c.Telegram.PollTimeout, 10*time.Second) }
func (c *Config) TwitchTimeout() time.Duration {
	return dur(c.Twitch.Timeout, 10*time.Second)
}
func (c *Config) MonitorInterval() time.Duration { return dur(c.Monitor.Interval, DefaultInterval) }
func (c *Config) SQLiteBusyTimeout() time.Duration {
	return dur(c.Storage.BusyTimeout, 5*time.Second)
}
func (c *Config) NotifierTimeout() time.Duration { return dur(c.Notifier.Timeout, 15*time.Second) }
func (c *Config) CommandTimeout() time.Duration {
	return dur(c.Commands.Timeout, DefaultCommandTimeout)
}
func (c *Config) ConfirmTTL() time.Duration { return dur(c.Commands.ConfirmTTL, DefaultConfirmTTL) }

func (c *Config) OpsTimeouts() (read, write, idle time.Duration) {
	read = dur(c.Ops.ReadTimeout, 5*time.Second)
	// write stays 0 unless set so /debug/pprof/profile can stream
	write = dur(c.Ops.WriteTimeout, 0)
	idle = dur(c.Ops.IdleTimeout, 60*time.Second)
	return read, write, idle
}
