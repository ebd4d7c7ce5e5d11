package config

import (
	logx "twitchrise/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe log
// fields for them. Secrets (tokens, client secret, database url) are never
// included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	fields := make([]logx.Field, 0, 16)

	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		fields = append(fields,
			logx.String("telegram.poll_timeout", newCfg.Telegram.PollTimeout),
			logx.Bool("telegram.admin_chat_set", newCfg.Telegram.AdminChatID != 0),
		)
	}
	if oldCfg.Twitch != newCfg.Twitch {
		changed = append(changed, "twitch")
		fields = append(fields,
			logx.String("twitch.base_url", newCfg.Twitch.BaseURL),
			logx.Int("twitch.batch_size", newCfg.Twitch.BatchSize),
		)
	}
	if oldCfg.Monitor != newCfg.Monitor {
		changed = append(changed, "monitor")
		fields = append(fields, logx.String("monitor.interval", newCfg.Monitor.Interval))
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		fields = append(fields, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		fields = append(fields,
			logx.String("notifier.backend", newCfg.Notifier.Backend),
			logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
		)
	}
	if oldCfg.Commands != newCfg.Commands {
		changed = append(changed, "commands")
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.admin", newCfg.Logging.Admin.Enabled),
		)
	}
	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		fields = append(fields,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
		)
	}
	return changed, fields
}

// RestartRequired reports sections whose changes only apply after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "telegram", "twitch", "storage", "commands", "ops":
			out = append(out, s)
		}
	}
	return out
}
