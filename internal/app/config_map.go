package app

import (
	"twitchrise/internal/commands"
	"twitchrise/internal/config"
	"twitchrise/internal/monitor"
	"twitchrise/internal/notifier"
	"twitchrise/internal/observability/ops"
	"twitchrise/internal/storage"
	"twitchrise/internal/twitch"
	logx "twitchrise/pkg/logx"
)

// The config package has already applied defaults and validated durations,
// so these mappings never fail.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		AdminChat: logx.AdminChatConfig{
			Enabled:    cfg.Logging.Admin.Enabled && cfg.Telegram.AdminChatID != 0,
			ChatID:     cfg.Telegram.AdminChatID,
			MinLevel:   cfg.Logging.Admin.MinLevel,
			RatePerSec: cfg.Logging.Admin.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DatabaseURL: cfg.Storage.DatabaseURL,
		BusyTimeout: cfg.SQLiteBusyTimeout(),
	}
}

func mapTwitchConfig(cfg *config.Config) twitch.Config {
	return twitch.Config{
		ClientID:     cfg.Twitch.ClientID,
		ClientSecret: cfg.Twitch.ClientSecret,
		BaseURL:      cfg.Twitch.BaseURL,
		TokenURL:     cfg.Twitch.TokenURL,
		Timeout:      cfg.TwitchTimeout(),
		BatchSize:    cfg.Twitch.BatchSize,
		Concurrency:  cfg.Twitch.Concurrency,
	}
}

func mapMonitorConfig(cfg *config.Config) monitor.Config {
	return monitor.Config{
		Interval:        cfg.MonitorInterval(),
		DisableAddProbe: cfg.Monitor.DisableAddProbe,
	}
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	return notifier.Config{
		Backend:    cfg.Notifier.Backend,
		AppriseURL: cfg.Notifier.AppriseURL,
		Workers:    cfg.Notifier.Workers,
		QueueSize:  cfg.Notifier.QueueSize,
		RatePerSec: cfg.Notifier.RatePerSec,
		Timeout:    cfg.NotifierTimeout(),
	}
}

func mapCommandsConfig(cfg *config.Config) commands.Config {
	return commands.Config{
		Workers:    cfg.Commands.Workers,
		QueueSize:  cfg.Commands.QueueSize,
		Timeout:    cfg.CommandTimeout(),
		ConfirmTTL: cfg.ConfirmTTL(),
	}
}

func mapOpsConfig(cfg *config.Config) ops.Config {
	read, write, idle := cfg.OpsTimeouts()
	return ops.Config{
		Enabled:       cfg.Ops.Enabled,
		Addr:          cfg.Ops.Addr,
		Token:         cfg.Ops.Token,
		AllowInsecure: cfg.Ops.AllowInsecure,
		Pprof:         cfg.Ops.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}
}
