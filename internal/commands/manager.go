// Package commands routes chat commands to watchlist and endpoint
// operations.
//
// Updates are parsed on the dispatch loop and executed on a bounded worker
// pool. Each chat is pinned to one worker so its commands run in arrival
// order. Every handler runs behind panic recovery, request logging and a
// per-command timeout, so a failing handler only produces a reply.
package commands

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"twitchrise/internal/metrics"
	"twitchrise/internal/monitor"
	rtsup "twitchrise/internal/runtime/supervisor"
	"twitchrise/internal/storage"
	kit "twitchrise/internal/transport"
	"twitchrise/pkg/tgui"
	logx "twitchrise/pkg/logx"
)

// Watcher is the poll loop as seen from chat commands.
type Watcher interface {
	Probe(ctx context.Context, user int64, name string)
	Status() monitor.Status
}

// EndpointTester checks a notification URL before it is saved.
type EndpointTester interface {
	Verify(url string) error
	Test(ctx context.Context, url string) error
}

type Deps struct {
	Store     storage.Store
	Watcher   Watcher
	Endpoints EndpointTester
	Chat      kit.Sender
}

type Config struct {
	Workers    int
	QueueSize  int
	Timeout    time.Duration
	ConfirmTTL time.Duration
}

type Command struct {
	Name        string
	Description string
	Usage       string
	// Hidden commands work but stay out of the menu and /help.
	Hidden bool
	Handle HandlerFunc
}

type Request struct {
	Chat         kit.ChatTarget
	ChatID       int64
	FromID       int64
	FromUsername string
	Command      string
	Args         []string
	Text         string
	ReqID        string
	Logger       logx.Logger

	chat kit.Sender
}

// Reply sends plain text to the requesting chat.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.chat.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// ReplyMsg sends a rendered message to the requesting chat.
func (r *Request) ReplyMsg(ctx context.Context, msg tgui.Message) error {
	_, err := msg.Send(ctx, r.chat, r.Chat)
	return err
}

type Manager struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	m    *metrics.Metrics

	mu    sync.RWMutex
	cmds  map[string]Command
	order []Command

	pending *pendingStore

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
	lanes   []chan func()
}

func New(cfg Config, deps Deps, log logx.Logger, m *metrics.Metrics) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.ConfirmTTL <= 0 {
		cfg.ConfirmTTL = 5 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	mgr := &Manager{
		cfg:     cfg,
		deps:    deps,
		log:     log,
		m:       m,
		pending: newPendingStore(cfg.ConfirmTTL),
		lanes:   make([]chan func(), cfg.Workers),
	}
	per := max(1, cfg.QueueSize/cfg.Workers)
	for i := range mgr.lanes {
		mgr.lanes[i] = make(chan func(), per)
	}
	mgr.setRegistry(mgr.builtin())
	return mgr
}

func (m *Manager) setRegistry(cmds []Command) {
	idx := make(map[string]Command, len(cmds))
	for _, c := range cmds {
		if c.Name == "" || c.Handle == nil {
			continue
		}
		idx[c.Name] = c
	}
	m.mu.Lock()
	m.cmds = idx
	m.order = slices.Clone(cmds)
	m.mu.Unlock()
}

// Commands returns the registry in menu order.
func (m *Manager) Commands() []Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.order)
}

// Supervisor returns the worker pool supervisor (nil if not running).
func (m *Manager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *Manager) setSupervisor(sup *rtsup.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// UpdateMenu pushes the visible commands to the chat menu when the sender
// supports it. Errors are logged.
func (m *Manager) UpdateMenu(ctx context.Context) {
	up, ok := m.deps.Chat.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	var menu []kit.BotCommand
	for _, c := range m.Commands() {
		if !c.Hidden {
			menu = append(menu, kit.BotCommand{Command: c.Name, Description: c.Description})
		}
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := up.UpdateMenuCommands(cctx, menu); err != nil {
		m.log.Warn("menu update failed", logx.Err(err))
	}
}

// lane picks the worker queue owning chat.
func (m *Manager) lane(chat int64) chan func() {
	n := int64(len(m.lanes))
	i := chat % n
	if i < 0 {
		i += n
	}
	return m.lanes[i]
}

// tryEnqueue is a panic-safe enqueue helper (handles the lane being closed).
func (m *Manager) tryEnqueue(chat int64, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.lane(chat) <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop consumes updates until ctx is done or updates is closed.
func (m *Manager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(m.log),
		rtsup.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	m.log.Info("command dispatcher started", logx.Int("workers", m.cfg.Workers), logx.Int("queue_per_worker", cap(m.lanes[0])))

	for i, jobs := range m.lanes {
		sup.GoRestart(fmt.Sprintf("command.worker.%d", i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job", logx.Int("worker", i), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}

	defer func() {
		m.setSupervisor(sup, false)
		for _, jobs := range m.lanes {
			close(jobs)
		}
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if !m.routable(up) {
				continue
			}
			msg := up.Message
			if !m.tryEnqueue(msg.ChatID, func() { m.Handle(ctx, up) }) {
				m.m.Command("dispatch", "busy")
				_, _ = m.deps.Chat.SendText(ctx, kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, "busy, try again", nil)
			}
		}
	}
}

// routable filters out plain text that nobody is waiting for.
func (m *Manager) routable(up kit.Update) bool {
	if up.Message == nil {
		return false
	}
	if _, _, ok := parseCommand(up.Message.Text); ok {
		return true
	}
	return m.pending.has(up.Message.ChatID)
}

// Handle executes one update synchronously.
func (m *Manager) Handle(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}

	name, args, isCmd := parseCommand(msg.Text)
	var cmd Command
	switch {
	case isCmd:
		m.mu.RLock()
		c, ok := m.cmds[name]
		m.mu.RUnlock()
		if !ok {
			// unknown names share one label to bound metric cardinality
			cmd = Command{Name: "unknown", Handle: func(ctx context.Context, req *Request) error {
				return req.Reply(ctx, "❓ Unknown command. Try /help")
			}}
		} else {
			cmd = c
		}
	case m.pending.has(msg.ChatID):
		cmd = Command{Name: "confirm", Handle: m.handleConfirm}
		args = []string{strings.TrimSpace(msg.Text)}
	default:
		return
	}

	rid := uuid.NewString()
	req := &Request{
		Chat:         kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		ChatID:       msg.ChatID,
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		Command:      cmd.Name,
		Args:         args,
		Text:         msg.Text,
		ReqID:        rid,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.String("cmd", cmd.Name),
		),
		chat: m.deps.Chat,
	}

	final := Chain(
		cmd.Handle,
		MWPanicRecover(),
		MWRequestLog(),
		MWTimeout(m.cfg.Timeout),
	)
	err := final(ctx, req)
	outcome := "ok"
	if err != nil {
		var text string
		outcome, text = describeError(err)
		if rerr := req.Reply(ctx, text); rerr != nil {
			req.Logger.Warn("error reply failed", logx.Err(rerr))
		}
	}
	m.m.Command(cmd.Name, outcome)
}

// describeError maps a handler error to a metrics outcome and a reply.
func describeError(err error) (outcome, reply string) {
	var ve *storage.ValidationError
	switch {
	case errors.As(err, &ve):
		if ve.Field == "args" {
			return "invalid", ve.Usage
		}
		text := "⚠️ " + upperFirst(ve.Error()) + "."
		if ve.Usage != "" {
			text += "\n" + ve.Usage
		}
		return "invalid", text
	case errors.Is(err, errPanic):
		return "panic", "⚠️ Something went wrong, please try again later."
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout", "⌛ That took too long, please try again."
	default:
		return "error", "⚠️ Something went wrong, please try again later."
	}
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// usageError reports a wrong argument count for c.
func usageError(c string) error {
	return &storage.ValidationError{Field: "args", Reason: "wrong number of arguments", Usage: "Usage: " + c}
}

// withUsage attaches a usage line to a validation error from the store.
func withUsage(err error, usage string) error {
	var ve *storage.ValidationError
	if errors.As(err, &ve) && ve.Usage == "" {
		ve.Usage = "Usage: " + usage
	}
	return err
}
