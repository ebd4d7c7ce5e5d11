package notifier

import (
	"context"
	"sync"
	"time"

	"twitchrise/internal/metrics"
	logx "twitchrise/pkg/logx"
)

// Dispatcher fans one Message out to endpoint URLs.
type Dispatcher struct {
	sender  URLSender
	timeout time.Duration
	log     logx.Logger
	m       *metrics.Metrics
}

func NewDispatcher(sender URLSender, timeout time.Duration, log logx.Logger, m *metrics.Metrics) *Dispatcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Dispatcher{sender: sender, timeout: timeout, log: log, m: m}
}

// Notify sends msg to every endpoint concurrently and reports each outcome.
// Failures are logged and never abort the other sends.
func (d *Dispatcher) Notify(ctx context.Context, endpoints []string, msg Message) Report {
	rep := Report{Results: make([]Result, len(endpoints))}
	var wg sync.WaitGroup
	for i, ep := range endpoints {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rep.Results[i] = d.send(ctx, ep, msg)
		}()
	}
	wg.Wait()
	return rep
}

func (d *Dispatcher) send(ctx context.Context, endpoint string, msg Message) Result {
	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	err := d.sender.Send(cctx, endpoint, msg)
	took := time.Since(start)
	d.m.NotificationSent(d.sender.Name(), err, took)
	if err != nil {
		d.log.Warn("endpoint delivery failed",
			logx.String("endpoint", redact(endpoint)),
			logx.Duration("took", took),
			logx.Err(err),
		)
	}
	return Result{Endpoint: endpoint, Err: err, Took: took}
}
