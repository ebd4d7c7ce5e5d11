package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"twitchrise/internal/monitor"
	"twitchrise/internal/storage"
	"twitchrise/pkg/tgui"
	logx "twitchrise/pkg/logx"
)

const welcomeText = "👋 Welcome to the Twitchrise bot for Telegram!\n\n" +
	"Use /add <channel> to watch a Twitch streamer.\n" +
	"Use /remove <channel> to stop watching.\n" +
	"Use /list to see your watchlist.\n" +
	"Use /setapprise <url> to add extra notification targets.\n" +
	"Use /rmapprise <number> to remove already added notification targets.\n" +
	"Use /listapprise to list all added notification targets.\n\n" +
	"You can see the supported URLs and their formats here - https://github.com/caronc/apprise#supported-notifications\n\n" +
	"These work in addition to Telegram: you will always receive updates in this chat whether or not you add more targets."

func (m *Manager) builtin() []Command {
	return []Command{
		{Name: "start", Description: "Show the welcome message", Usage: "/start", Handle: m.handleStart},
		{Name: "add", Description: "Watch a Twitch channel", Usage: "/add <channel_name>", Handle: m.handleAdd},
		{Name: "remove", Description: "Stop watching a channel", Usage: "/remove <channel_name>", Handle: m.handleRemove},
		{Name: "list", Description: "Show your watchlist", Usage: "/list", Handle: m.handleList},
		{Name: "setapprise", Description: "Add a notification URL", Usage: "/setapprise <apprise_url>", Handle: m.handleSetEndpoint},
		{Name: "rmapprise", Description: "Remove a notification URL", Usage: "/rmapprise <number>", Handle: m.handleRemoveEndpoint},
		{Name: "listapprise", Description: "List your notification URLs", Usage: "/listapprise", Handle: m.handleListEndpoints},
		{Name: "cancel", Description: "Cancel a pending confirmation", Usage: "/cancel", Handle: m.handleCancel},
		{Name: "status", Description: "Show monitor status", Usage: "/status", Handle: m.handleStatus},
		{Name: "help", Description: "List commands", Usage: "/help", Handle: m.handleHelp},
	}
}

func (m *Manager) handleStart(ctx context.Context, req *Request) error {
	created, err := m.deps.Store.EnsureUser(ctx, req.ChatID)
	if err != nil {
		return err
	}
	if created {
		req.Logger.Info("user started the bot", logx.String("username", req.FromUsername))
	}
	return req.Reply(ctx, welcomeText)
}

func (m *Manager) handleAdd(ctx context.Context, req *Request) error {
	const usage = "/add <channel_name>"
	if len(req.Args) != 1 {
		return usageError(usage)
	}
	name, err := storage.NormalizeChannel(req.Args[0])
	if err != nil {
		return withUsage(err, usage)
	}
	err = m.deps.Store.AddChannel(ctx, req.ChatID, name)
	switch {
	case errors.Is(err, storage.ErrDuplicate):
		return req.Reply(ctx, fmt.Sprintf("⚠️ %s is already in your watchlist.", name))
	case err != nil:
		return withUsage(err, usage)
	}
	req.Logger.Info("channel added", logx.String("channel", name))
	if err := req.Reply(ctx, fmt.Sprintf("✅ Added %s to your watchlist.", name)); err != nil {
		return err
	}
	if m.deps.Watcher != nil {
		m.deps.Watcher.Probe(ctx, req.ChatID, name)
	}
	return nil
}

func (m *Manager) handleRemove(ctx context.Context, req *Request) error {
	const usage = "/remove <channel_name>"
	if len(req.Args) != 1 {
		return usageError(usage)
	}
	name, err := storage.NormalizeChannel(req.Args[0])
	if err != nil {
		return withUsage(err, usage)
	}
	err = m.deps.Store.RemoveChannel(ctx, req.ChatID, name)
	var nf *storage.NotFoundError
	switch {
	case errors.As(err, &nf):
		return req.Reply(ctx, fmt.Sprintf("⚠️ %s is not in your watchlist.", name))
	case err != nil:
		return err
	}
	req.Logger.Info("channel removed", logx.String("channel", name))
	return req.Reply(ctx, fmt.Sprintf("🗑 Removed %s from your watchlist.", name))
}

func (m *Manager) handleList(ctx context.Context, req *Request) error {
	channels, err := m.deps.Store.ListChannels(ctx, req.ChatID)
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		return req.Reply(ctx, "📭 Your watchlist is empty.")
	}
	return req.ReplyMsg(ctx, tgui.New().
		Line("📜 Your watchlist: (tap to copy)").
		CodeBullets(channels...).
		Build())
}

func (m *Manager) handleSetEndpoint(ctx context.Context, req *Request) error {
	const usage = "/setapprise <apprise_url>"
	if len(req.Args) != 1 {
		return usageError(usage)
	}
	url, err := storage.NormalizeEndpoint(req.Args[0])
	if err != nil {
		return withUsage(err, usage)
	}

	if err := m.deps.Endpoints.Test(ctx, url); err != nil {
		req.Logger.Info("endpoint test failed", logx.Err(err))
		return req.Reply(ctx, "❌ The Apprise URL did not work. Please check and try again.\n"+
			tgui.TruncRunes(err.Error(), 300))
	}

	m.pending.put(req.ChatID, url)
	return req.Reply(ctx, "✅ Test notification sent successfully.\n"+
		"Do you want to save this URL for future alerts? Please reply 'yes' or 'no'")
}

// handleConfirm resolves a pending /setapprise with the next plain message.
func (m *Manager) handleConfirm(ctx context.Context, req *Request) error {
	url, ok := m.pending.take(req.ChatID)
	if !ok {
		return req.Reply(ctx, "⚠️ No pending URL found.")
	}
	answer := ""
	if len(req.Args) > 0 {
		answer = strings.ToLower(strings.TrimSpace(req.Args[0]))
	}
	if answer != "yes" && answer != "y" {
		return req.Reply(ctx, "❌ Not saved.")
	}

	err := m.deps.Store.AddEndpoint(ctx, req.ChatID, url)
	switch {
	case errors.Is(err, storage.ErrDuplicate):
		return req.Reply(ctx, "⚠️ This Apprise URL is already saved.")
	case err != nil:
		return err
	}
	req.Logger.Info("endpoint saved")
	return req.Reply(ctx, "💾 Saved your Apprise URL.")
}

func (m *Manager) handleCancel(ctx context.Context, req *Request) error {
	m.pending.take(req.ChatID)
	return req.Reply(ctx, "❌ Operation cancelled.")
}

func (m *Manager) handleListEndpoints(ctx context.Context, req *Request) error {
	urls, err := m.deps.Store.ListEndpoints(ctx, req.ChatID)
	if err != nil {
		return err
	}
	if len(urls) == 0 {
		return req.Reply(ctx, "📭 You have no saved Apprise URLs.")
	}
	return req.ReplyMsg(ctx, tgui.New().
		Line("🔗 Your saved Apprise URLs: (tap to copy)").
		Numbered(urls...).
		Build())
}

func (m *Manager) handleRemoveEndpoint(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return usageError("/rmapprise <number>")
	}
	n, err := strconv.Atoi(req.Args[0])
	if err != nil {
		return req.Reply(ctx, "⚠️ Please provide a valid number.")
	}
	const invalid = "⚠️ Invalid number. Use /listapprise to see saved URLs."
	if n < 1 {
		return req.Reply(ctx, invalid)
	}
	removed, err := m.deps.Store.RemoveEndpoint(ctx, req.ChatID, n-1)
	var nf *storage.NotFoundError
	switch {
	case errors.As(err, &nf):
		return req.Reply(ctx, invalid)
	case err != nil:
		return err
	}
	req.Logger.Info("endpoint removed", logx.Int("index", n))
	return req.Reply(ctx, "🗑 Removed Apprise URL:\n"+removed)
}

func (m *Manager) handleStatus(ctx context.Context, req *Request) error {
	if m.deps.Watcher == nil {
		return req.Reply(ctx, "Monitor is not running.")
	}
	st := m.deps.Watcher.Status()
	mine, err := m.deps.Store.ListChannels(ctx, req.ChatID)
	if err != nil {
		return err
	}

	b := tgui.New().Title("📡", "Monitor status").
		KV("check interval", st.Interval.String())
	if st.LastTick.IsZero() {
		b.KV("last check", "not yet")
	} else {
		b.KV("last check", time.Since(st.LastTick).Truncate(time.Second).String()+" ago")
	}
	b.KV("result", st.LastResult)
	if st.LastResult != monitor.ResultOK && st.LastErr != "" {
		b.KV("error", tgui.TruncRunes(st.LastErr, 200))
	}
	b.KV("watched channels", strconv.Itoa(st.Watched)).
		KV("live now", strconv.Itoa(st.Live)).
		KV("your channels", strconv.Itoa(len(mine)))
	return req.ReplyMsg(ctx, b.Build())
}

func (m *Manager) handleHelp(ctx context.Context, req *Request) error {
	b := tgui.New().Title("", "Commands")
	for _, c := range m.Commands() {
		if c.Hidden {
			continue
		}
		b.HTML(tgui.JoinH(" - ", tgui.Code(c.Usage), tgui.Esc(c.Description)))
	}
	return req.ReplyMsg(ctx, b.Build())
}
