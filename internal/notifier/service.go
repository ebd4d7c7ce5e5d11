package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"twitchrise/internal/eventbus"
	"twitchrise/internal/metrics"
	rtsup "twitchrise/internal/runtime/supervisor"
	kit "twitchrise/internal/transport"
	"twitchrise/pkg/tgui"
	logx "twitchrise/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

var testMessage = Message{
	Title: "Test Notification",
	Body:  "If you see this, the notification URL works!",
}

// Service implements the async alert pipeline:
// queue + worker pool + rate limit in front of the Dispatcher.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	chat   kit.Sender
	sender URLSender
	disp   *Dispatcher
	bus    eventbus.Bus
	m      *metrics.Metrics

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan Alert
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping
}

func New(cfg Config, chat kit.Sender, log logx.Logger, bus eventbus.Bus, m *metrics.Metrics) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	sender, err := NewURLSender(cfg)
	if err != nil {
		return nil, err
	}
	s := &Service{
		log:    log,
		chat:   chat,
		sender: sender,
		bus:    bus,
		m:      m,
	}
	s.applyLocked(cfg)
	s.disp = NewDispatcher(sender, s.cfg.Timeout, log, m)
	return s, nil
}

// SetRate changes the delivery rate limit in place.
func (s *Service) SetRate(perSec int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if perSec <= 0 || perSec == s.cfg.RatePerSec {
		return
	}
	s.cfg.RatePerSec = perSec
	s.limiter.SetLimit(rate.Limit(perSec))
	s.limiter.SetBurst(perSec)
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	s.cfg = cfg
	// burst = rate per sec so a tick's worth of alerts goes out promptly
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Supervisor returns the worker supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan Alert, s.cfg.QueueSize)
	s.accepting = true
	// workers end on Stop, not when ctx is canceled, so queued alerts drain
	s.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log),
		// delivery is best-effort and must not take the relay down
		rtsup.WithCancelOnError(false),
	)
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	s.mu.Unlock()

	for i := range workers {
		sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping || c.Err() != nil {
				return context.Canceled
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("notifier started",
		logx.String("backend", s.sender.Name()),
		logx.Int("workers", workers),
	)
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		if n := len(q); n > 0 {
			s.log.Warn("notifier stopped with pending alerts", logx.Int("pending", n))
		}
	}
}

// Enqueue queues an alert and returns its ID.
func (s *Service) Enqueue(ctx context.Context, a Alert) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return "", ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Endpoints = append([]string(nil), a.Endpoints...)

	select {
	case q <- a:
		s.m.AlertQueue(len(q))
		return a.ID, nil
	default:
		s.m.AlertDropped("queue_full")
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeAlertDropped, Data: eventbus.AlertOutcome{
			AlertID: a.ID, ChatID: a.ChatID, Endpoints: len(a.Endpoints), Err: ErrQueueFull.Error(),
		}})
		s.log.Warn("alert dropped", logx.String("alert", a.ID), logx.Int64("chat_id", a.ChatID), logx.Err(ErrQueueFull))
		return a.ID, ErrQueueFull
	}
}

// Pending returns the number of queued alerts.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Alert) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-q:
			if !ok {
				return
			}
			s.m.AlertQueue(len(q))
			s.deliver(ctx, a)
		}
	}
}

func (s *Service) deliver(ctx context.Context, a Alert) {
	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()
	if err := lim.Wait(ctx); err != nil {
		s.m.AlertDropped("shutdown")
		return
	}

	log := s.log.With(logx.String("alert", a.ID), logx.Int64("chat_id", a.ChatID))
	failed := 0
	var errs []error

	if s.chat != nil {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		start := time.Now()
		_, err := ChatMessage(a.Message).Send(cctx, s.chat, kit.ChatTarget{ChatID: a.ChatID})
		cancel()
		s.m.NotificationSent("telegram", err, time.Since(start))
		if err != nil {
			failed++
			errs = append(errs, fmt.Errorf("telegram: %w", err))
			log.Warn("chat delivery failed", logx.Err(err))
		}
	}

	rep := s.disp.Notify(ctx, a.Endpoints, a.Message)
	failed += rep.Failed()
	if err := rep.Err(); err != nil {
		errs = append(errs, err)
	}

	out := eventbus.AlertOutcome{AlertID: a.ID, ChatID: a.ChatID, Endpoints: len(a.Endpoints), Failed: failed}
	if failed > 0 {
		out.Err = errors.Join(errs...).Error()
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeAlertFailed, Data: out})
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeAlertDelivered, Data: out})
	log.Debug("alert delivered", logx.Int("endpoints", len(a.Endpoints)))
}

// Test sends a single test notification to url, bypassing the queue.
func (s *Service) Test(ctx context.Context, url string) error {
	if err := s.Verify(url); err != nil {
		return err
	}
	rep := s.disp.Notify(ctx, []string{url}, testMessage)
	return rep.Results[0].Err
}

// Verify checks that url is understood by the configured backend.
func (s *Service) Verify(url string) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return errors.New("empty url")
	}
	return s.sender.Verify(url)
}

// ChatMessage renders m for the Telegram chat.
func ChatMessage(m Message) tgui.Message {
	b := tgui.New().DisablePreview(false)
	b.HTML(tgui.B(m.Title))
	for _, ln := range strings.Split(m.Body, "\n") {
		if strings.HasPrefix(ln, "https://") {
			b.HTML(tgui.Link(ln, ln))
			continue
		}
		b.Line(ln)
	}
	return b.Build()
}
