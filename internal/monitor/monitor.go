// Package monitor runs the poll loop that turns Twitch live status changes
// into alerts.
//
// Every tick snapshots the store, queries the union of watched channels and
// compares the answer with the previous observation. The first observation of
// a channel is only recorded, so a restart never replays alerts for streams
// that were already live. A failed platform query skips the whole tick and
// leaves the cache untouched.
package monitor

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"twitchrise/internal/eventbus"
	"twitchrise/internal/metrics"
	"twitchrise/internal/notifier"
	"twitchrise/internal/storage"
	"twitchrise/internal/twitch"
	logx "twitchrise/pkg/logx"
)

// StatusSource answers live status queries for channel logins.
type StatusSource interface {
	LiveStatus(ctx context.Context, names []string) (map[string]twitch.ChannelState, error)
}

// Store is the part of storage.Store the poll loop reads.
type Store interface {
	Snapshot(ctx context.Context) ([]storage.UserRecord, error)
	ListEndpoints(ctx context.Context, user int64) ([]string, error)
}

// AlertSink accepts alerts for delivery.
type AlertSink interface {
	Enqueue(ctx context.Context, a notifier.Alert) (string, error)
}

type Config struct {
	Interval        time.Duration
	DisableAddProbe bool
}

const (
	ResultNever    = "never"
	ResultOK       = "ok"
	ResultUpstream = "upstream_error"
	ResultStore    = "store_error"
)

// Status describes the most recent tick.
type Status struct {
	LastTick   time.Time
	LastResult string
	LastErr    string
	Watched    int
	Live       int
	Interval   time.Duration
}

type Monitor struct {
	cfg    Config
	store  Store
	client StatusSource
	alerts AlertSink
	bus    eventbus.Bus
	m      *metrics.Metrics
	log    logx.Logger

	// mu guards the observation cache; Tick and Probe both hold it while
	// comparing and recording.
	mu     sync.Mutex
	cache  map[string]bool
	status Status

	smu   sync.Mutex
	c     *cron.Cron
	job   cron.Job
	entry cron.EntryID
}

func New(cfg Config, store Store, client StatusSource, alerts AlertSink, bus eventbus.Bus, m *metrics.Metrics, log logx.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{
		cfg:    cfg,
		store:  store,
		client: client,
		alerts: alerts,
		bus:    bus,
		m:      m,
		log:    log,
		cache:  map[string]bool{},
		status: Status{LastResult: ResultNever, Interval: cfg.Interval},
	}
}

// Start schedules ticks every interval and runs the first one right away.
// Ticks never overlap: a tick still running when the next is due is skipped.
func (m *Monitor) Start(ctx context.Context) {
	m.smu.Lock()
	defer m.smu.Unlock()
	if m.c != nil {
		return
	}
	cl := logx.CronLogger(m.log)
	m.job = cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(func() {
		_ = m.Tick(ctx)
	}))
	m.c = cron.New(cron.WithLogger(cl))
	m.entry = m.c.Schedule(cron.Every(m.cfg.Interval), m.job)
	m.c.Start()
	go m.job.Run()
	m.log.Info("monitor started", logx.Duration("interval", m.cfg.Interval))
}

// SetInterval re-registers the tick entry with a new interval.
func (m *Monitor) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	m.smu.Lock()
	defer m.smu.Unlock()
	if d == m.cfg.Interval {
		return
	}
	m.cfg.Interval = d
	if m.c != nil {
		m.c.Remove(m.entry)
		m.entry = m.c.Schedule(cron.Every(d), m.job)
	}
	m.mu.Lock()
	m.status.Interval = d
	m.mu.Unlock()
	m.log.Info("monitor interval changed", logx.Duration("interval", d))
}

func (m *Monitor) Stop(ctx context.Context) {
	m.smu.Lock()
	c := m.c
	m.c = nil
	m.smu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	m.log.Info("monitor stopped")
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

type transition struct {
	name     string
	state    twitch.ChannelState
	watchers []storage.UserRecord
}

// Tick runs one poll cycle.
func (m *Monitor) Tick(ctx context.Context) error {
	start := time.Now()

	recs, err := m.store.Snapshot(ctx)
	if err != nil {
		m.fail(start, ResultStore, err)
		return fmt.Errorf("snapshot store: %w", err)
	}

	watchers := map[string][]storage.UserRecord{}
	for _, r := range recs {
		for _, ch := range r.Channels {
			watchers[ch] = append(watchers[ch], r)
		}
	}
	names := make([]string, 0, len(watchers))
	for n := range watchers {
		names = append(names, n)
	}
	slices.Sort(names)

	if len(names) == 0 {
		m.mu.Lock()
		m.cache = map[string]bool{}
		m.finishLocked(start, 0, 0)
		m.mu.Unlock()
		m.m.Tick(ResultOK, time.Since(start))
		return nil
	}

	states, err := m.client.LiveStatus(ctx, names)
	if err != nil {
		m.fail(start, ResultUpstream, err)
		return err
	}

	var changes []transition
	live := 0
	m.mu.Lock()
	next := make(map[string]bool, len(names))
	for _, n := range names {
		st := states[n]
		if st.Login == "" {
			st.Login = n
		}
		if st.Live {
			live++
		}
		prev, seen := m.cache[n]
		if seen && prev != st.Live {
			changes = append(changes, transition{name: n, state: st, watchers: watchers[n]})
		}
		next[n] = st.Live
	}
	m.cache = next
	m.finishLocked(start, len(names), live)
	m.mu.Unlock()

	notified := 0
	for _, tr := range changes {
		m.m.Transition(tr.state.Live)
		typ := eventbus.TypeStreamOffline
		msg := offlineMessage(tr.name)
		if tr.state.Live {
			typ = eventbus.TypeStreamLive
			msg = liveMessage("🔴", "is now LIVE!", tr.state)
		}
		m.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.Transition{Channel: tr.name, Watchers: len(tr.watchers)}})
		m.log.Info("stream state changed",
			logx.String("channel", tr.name),
			logx.Bool("live", tr.state.Live),
			logx.Int("watchers", len(tr.watchers)),
		)
		for _, w := range tr.watchers {
			if m.enqueue(ctx, w.ChatID, w.Endpoints, msg) {
				notified++
			}
		}
	}

	m.m.Tick(ResultOK, time.Since(start))
	m.m.Channels(len(names), live)
	m.bus.Publish(eventbus.Event{Type: eventbus.TypeTickCompleted, Data: Status{
		LastTick: start, LastResult: ResultOK, Watched: len(names), Live: live,
	}})
	m.log.Debug("tick completed",
		logx.Int("watched", len(names)),
		logx.Int("live", live),
		logx.Int("transitions", len(changes)),
		logx.Int("alerts", notified),
		logx.Duration("took", time.Since(start)),
	)
	return nil
}

func (m *Monitor) finishLocked(start time.Time, watched, live int) {
	m.status.LastTick = start
	m.status.LastResult = ResultOK
	m.status.LastErr = ""
	m.status.Watched = watched
	m.status.Live = live
}

func (m *Monitor) fail(start time.Time, result string, err error) {
	m.mu.Lock()
	m.status.LastTick = start
	m.status.LastResult = result
	m.status.LastErr = err.Error()
	m.mu.Unlock()

	m.m.Tick(result, time.Since(start))
	m.bus.Publish(eventbus.Event{Type: eventbus.TypeTickFailed, Data: err.Error()})
	m.log.Warn("tick skipped", logx.String("result", result), logx.Err(err))
}

func (m *Monitor) enqueue(ctx context.Context, chatID int64, endpoints []string, msg notifier.Message) bool {
	id, err := m.alerts.Enqueue(ctx, notifier.Alert{ChatID: chatID, Endpoints: endpoints, Message: msg})
	if err != nil {
		m.log.Warn("alert not queued",
			logx.Int64("chat_id", chatID),
			logx.String("title", msg.Title),
			logx.Err(err),
		)
		return false
	}
	m.log.Debug("alert queued", logx.String("alert", id), logx.Int64("chat_id", chatID))
	return true
}

// Probe checks a freshly added channel and, when it is already live, alerts
// only the user who added it. Errors are logged, never returned.
func (m *Monitor) Probe(ctx context.Context, user int64, name string) {
	if m.cfg.DisableAddProbe {
		return
	}
	states, err := m.client.LiveStatus(ctx, []string{name})
	if err != nil {
		m.log.Warn("live check on add failed", logx.String("channel", name), logx.Err(err))
		return
	}
	st, ok := states[name]
	if !ok || !st.Live {
		return
	}
	if st.Login == "" {
		st.Login = name
	}

	m.mu.Lock()
	live, seen := m.cache[name]
	if !seen {
		m.cache[name] = true
	}
	m.mu.Unlock()
	if seen && !live {
		// the next tick reports the offline->live change to every watcher
		return
	}

	endpoints, err := m.store.ListEndpoints(ctx, user)
	if err != nil {
		m.log.Warn("list endpoints failed", logx.Int64("chat_id", user), logx.Err(err))
	}
	if m.enqueue(ctx, user, endpoints, liveMessage("🟢", "is already LIVE!", st)) {
		m.log.Info("channel already live on add", logx.String("channel", name), logx.Int64("chat_id", user))
	}
}
