package app

import (
	"testing"
	"time"

	"twitchrise/internal/config"
)

func loadTestConfig(t *testing.T, extra map[string]string) *config.Config {
	t.Helper()
	env := map[string]string{
		"BOT_TOKEN":            "123:abc",
		"TWITCH_CLIENT_ID":     "id",
		"TWITCH_CLIENT_SECRET": "secret",
	}
	for k, v := range extra {
		env[k] = v
	}
	cfg, err := config.NewManager("", config.WithEnvironment(env)).Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return cfg
}

func TestConfigMapping(t *testing.T) {
	t.Parallel()

	cfg := loadTestConfig(t, map[string]string{
		"CHECK_INTERVAL":   "45",
		"STORAGE_DRIVER":   "sqlite",
		"NOTIFIER_BACKEND": "apprise",
		"APPRISE_API_URL":  "http://apprise:8000/",
		"ADMIN_CHAT_ID":    "-100",
		"OPS_ADDR":         "127.0.0.1:9191",
	})

	if mc := mapMonitorConfig(cfg); mc.Interval != 45*time.Second || mc.DisableAddProbe {
		t.Fatalf("monitor = %+v", mc)
	}
	if sc := mapStorageConfig(cfg); sc.Driver != "sqlite" || sc.Path != config.DefaultSQLitePath || sc.BusyTimeout <= 0 {
		t.Fatalf("storage = %+v", sc)
	}
	if nc := mapNotifierConfig(cfg); nc.Backend != "apprise" || nc.AppriseURL != "http://apprise:8000" || nc.Timeout != 15*time.Second {
		t.Fatalf("notifier = %+v", nc)
	}
	if tc := mapTwitchConfig(cfg); tc.ClientID != "id" || tc.BatchSize != 100 || tc.Timeout != 10*time.Second {
		t.Fatalf("twitch = %+v", tc)
	}
	if cc := mapCommandsConfig(cfg); cc.Timeout != config.DefaultCommandTimeout || cc.ConfirmTTL != config.DefaultConfirmTTL {
		t.Fatalf("commands = %+v", cc)
	}
	// an explicit address turns the ops server on
	if oc := mapOpsConfig(cfg); !oc.Enabled || oc.Addr != "127.0.0.1:9191" || oc.ReadTimeout != 5*time.Second || oc.WriteTimeout != 0 {
		t.Fatalf("ops = %+v", oc)
	}
}

func TestOpsDisabledWithoutAddr(t *testing.T) {
	t.Parallel()

	oc := mapOpsConfig(loadTestConfig(t, nil))
	if oc.Enabled || oc.Addr != config.DefaultOpsAddr {
		t.Fatalf("ops = %+v, want disabled on %s", oc, config.DefaultOpsAddr)
	}
}

func TestAdminLogSinkNeedsChat(t *testing.T) {
	t.Parallel()

	cfg := loadTestConfig(t, nil)
	cfg.Logging.Admin.Enabled = true
	if lc := mapLogConfig(cfg); lc.AdminChat.Enabled {
		t.Fatalf("admin sink enabled without a chat id")
	}
	cfg.Telegram.AdminChatID = -100
	lc := mapLogConfig(cfg)
	if !lc.AdminChat.Enabled || lc.AdminChat.ChatID != -100 || lc.AdminChat.MinLevel != "warn" {
		t.Fatalf("admin sink = %+v", lc.AdminChat)
	}
}
