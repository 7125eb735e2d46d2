// Package connectivity watches server reachability and reports transitions
// to the offline manager.
package connectivity

import (
	"context"
	"time"

	"github.com/dmitrijs2005/apicore/internal/logging"
)

const defaultCheckTimeout = 3 * time.Second

// Pinger checks that the server answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Sink receives connectivity reports.
type Sink interface {
	SetOnline(ctx context.Context, online bool)
}

type Monitor struct {
	pinger   Pinger
	sink     Sink
	interval time.Duration
	timeout  time.Duration
	log      logging.Logger
}

func NewMonitor(p Pinger, sink Sink, interval time.Duration, log logging.Logger) *Monitor {
	if log == nil {
		log = logging.NewNop()
	}
	return &Monitor{
		pinger:   p,
		sink:     sink,
		interval: interval,
		timeout:  defaultCheckTimeout,
		log:      log.With("module", "connectivity"),
	}
}

// Check pings once and reports the result.
func (m *Monitor) Check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.pinger.Ping(pctx)
	cancel()

	online := err == nil
	if !online {
		m.log.Debug(ctx, "server unreachable", "error", err)
	}
	m.sink.SetOnline(ctx, online)
	return online
}

// Run checks immediately and then every interval until ctx is done.
// Reports are delivered from this goroutine one at a time.
func (m *Monitor) Run(ctx context.Context) {
	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Check(ctx)
		case <-ctx.Done():
			return
		}
	}
}
