// Package offline owns the durable queue of requests deferred while the
// device has no connectivity and replays them when it comes back.
//
// All queue mutations go through Manager and are serialized by its mutex.
// A sync pass replays a snapshot of the queue outside the lock, so new
// requests can be queued while it runs, and merges the outcome back by id.
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/apicore/internal/client/models"
	"github.com/dmitrijs2005/apicore/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/apicore/internal/logging"
	"github.com/dmitrijs2005/apicore/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxAge     = 24 * time.Hour
	DefaultMaxRetries = 3
)

// DefaultQueueable is the allow-list used when none is configured.
var DefaultQueueable = []string{"/api/v1/chat/send"}

// Replayer sends a queued request over the authenticated transport.
type Replayer interface {
	Replay(ctx context.Context, q models.QueuedRequest) error
}

// ReplayFunc adapts a function to Replayer.
type ReplayFunc func(ctx context.Context, q models.QueuedRequest) error

func (f ReplayFunc) Replay(ctx context.Context, q models.QueuedRequest) error { return f(ctx, q) }

type Options struct {
	QueueableEndpoints []string
	MaxAge             time.Duration
	MaxRetries         int
	// Limiter paces replays within a sync pass. Nil means no pacing.
	Limiter *rate.Limiter
	// StartOnline is the assumed state before the first connectivity report.
	StartOnline bool

	Logger  logging.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// SyncResult summarizes one sync pass.
type SyncResult struct {
	Replayed  int
	Failed    int
	Expired   int
	Exhausted int
	Remaining int
	// Skipped is set when the pass did not run (offline, empty queue or a
	// pass already in progress).
	Skipped bool
}

type Manager struct {
	repo      metadata.Repository
	replayer  Replayer
	queueable map[string]struct{}
	maxAge    time.Duration
	maxRetry  int
	limiter   *rate.Limiter
	log       logging.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu      sync.Mutex
	queue   []models.QueuedRequest
	online  bool
	subs    map[int]func(int)
	nextSub int

	syncing atomic.Bool
}

func NewManager(repo metadata.Repository, replayer Replayer, opts Options) *Manager {
	if opts.QueueableEndpoints == nil {
		opts.QueueableEndpoints = DefaultQueueable
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Manager{
		repo:      repo,
		replayer:  replayer,
		queueable: make(map[string]struct{}, len(opts.QueueableEndpoints)),
		maxAge:    opts.MaxAge,
		maxRetry:  opts.MaxRetries,
		limiter:   opts.Limiter,
		log:       opts.Logger.With("module", "offline"),
		metrics:   opts.Metrics,
		now:       opts.Now,
		online:    opts.StartOnline,
		subs:      make(map[int]func(int)),
	}
	for _, ep := range opts.QueueableEndpoints {
		m.queueable[ep] = struct{}{}
	}
	return m
}

// Load reads the persisted queue, dropping entries that reached the max
// age. Call it once before the manager is used.
func (m *Manager) Load(ctx context.Context) error {
	raw, err := m.repo.Get(ctx, metadata.KeyOfflineQueue)
	if err != nil {
		return fmt.Errorf("load offline queue: %w", err)
	}

	var stored []models.QueuedRequest
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &stored); err != nil {
			return fmt.Errorf("decode offline queue: %w", err)
		}
	}

	now := m.now()
	kept := stored[:0]
	for _, q := range stored {
		if q.Expired(now, m.maxAge) {
			m.metrics.Replays.WithLabelValues("expired").Inc()
			continue
		}
		kept = append(kept, q)
	}
	dropped := len(stored) - len(kept)

	m.mu.Lock()
	m.queue = kept
	if dropped > 0 {
		err = m.persistLocked(ctx)
	}
	n := len(m.queue)
	m.mu.Unlock()

	if err != nil {
		return err
	}
	m.log.Info(ctx, "offline queue loaded", "pending", n, "expired", dropped)
	m.publish(n)
	return nil
}

func (m *Manager) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a connectivity report. An offline to online transition
// runs one sync pass before returning.
func (m *Manager) SetOnline(ctx context.Context, online bool) {
	m.mu.Lock()
	was := m.online
	m.online = online
	m.mu.Unlock()

	if was == online {
		return
	}
	m.log.Info(ctx, "connectivity changed", "online", online)

	if online {
		if _, err := m.SyncPendingRequests(ctx); err != nil {
			m.log.Error(ctx, "sync after reconnect failed", "error", err)
		}
	}
}

// ShouldQueueRequest reports whether endpoint is safe to defer.
func (m *Manager) ShouldQueueRequest(endpoint string) bool {
	_, ok := m.queueable[endpoint]
	return ok
}

// QueueRequest appends a request and persists the whole queue.
func (m *Manager) QueueRequest(ctx context.Context, endpoint string, method models.Method, body []byte) error {
	q := models.NewQueuedRequest(endpoint, method, body, m.now())

	m.mu.Lock()
	m.queue = append(m.queue, q)
	err := m.persistLocked(ctx)
	if err != nil {
		m.queue = m.queue[:len(m.queue)-1]
	}
	n := len(m.queue)
	m.mu.Unlock()

	if err != nil {
		return err
	}
	m.log.Debug(ctx, "request queued", "id", q.ID, "endpoint", endpoint, "pending", n)
	m.publish(n)
	return nil
}

// PendingCount is the number of queued requests.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Pending returns a copy of the queue in replay order.
func (m *Manager) Pending() []models.QueuedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.QueuedRequest(nil), m.queue...)
}

// Subscribe registers fn to receive the pending count after every change.
// The returned func removes it.
func (m *Manager) Subscribe(fn func(pending int)) (cancel func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// SyncPendingRequests replays the queue in FIFO order. It does nothing when
// offline, when the queue is empty, or when another pass is running.
func (m *Manager) SyncPendingRequests(ctx context.Context) (SyncResult, error) {
	if !m.IsOnline() || m.PendingCount() == 0 {
		return SyncResult{Skipped: true}, nil
	}
	if !m.syncing.CompareAndSwap(false, true) {
		return SyncResult{Skipped: true}, nil
	}
	defer m.syncing.Store(false)

	snapshot := m.Pending()
	var res SyncResult
	dropped := make(map[string]struct{}, len(snapshot))
	updated := make(map[string]models.QueuedRequest)
	now := m.now()

	for _, q := range snapshot {
		if ctx.Err() != nil || !m.IsOnline() {
			break
		}

		switch {
		case q.Expired(now, m.maxAge):
			dropped[q.ID] = struct{}{}
			res.Expired++
			m.metrics.Replays.WithLabelValues("expired").Inc()
			continue
		case q.RetryCount >= m.maxRetry:
			dropped[q.ID] = struct{}{}
			res.Exhausted++
			m.metrics.Replays.WithLabelValues("exhausted").Inc()
			continue
		}

		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				break
			}
		}

		err := m.replayer.Replay(ctx, q)
		switch {
		case err == nil:
			dropped[q.ID] = struct{}{}
			res.Replayed++
			m.metrics.Replays.WithLabelValues("replayed").Inc()
		case ctx.Err() != nil:
			// Interrupted, not failed: leave the entry untouched.
		default:
			q.RetryCount++
			updated[q.ID] = q
			res.Failed++
			m.metrics.Replays.WithLabelValues("failed").Inc()
			m.log.Warn(ctx, "replay failed", "id", q.ID, "endpoint", q.Endpoint, "retry_count", q.RetryCount, "error", err)
		}
	}

	m.mu.Lock()
	merged := make([]models.QueuedRequest, 0, len(m.queue))
	for _, q := range m.queue {
		if _, ok := dropped[q.ID]; ok {
			continue
		}
		if u, ok := updated[q.ID]; ok {
			q = u
		}
		merged = append(merged, q)
	}
	m.queue = merged
	err := m.persistLocked(ctx)
	res.Remaining = len(m.queue)
	m.mu.Unlock()

	m.log.Info(ctx, "sync pass finished",
		"replayed", res.Replayed, "failed", res.Failed,
		"expired", res.Expired, "exhausted", res.Exhausted, "remaining", res.Remaining)
	m.publish(res.Remaining)

	return res, err
}

// persistLocked writes the whole queue under one key. Caller holds mu.
// The write is detached from ctx cancellation so an interrupted sync still
// records what it replayed.
func (m *Manager) persistLocked(ctx context.Context) error {
	queue := m.queue
	if queue == nil {
		queue = []models.QueuedRequest{}
	}
	raw, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("encode offline queue: %w", err)
	}
	if err := m.repo.Set(context.WithoutCancel(ctx), metadata.KeyOfflineQueue, raw); err != nil {
		return fmt.Errorf("persist offline queue: %w", err)
	}
	return nil
}

func (m *Manager) publish(pending int) {
	m.metrics.QueueDepth.Set(float64(pending))

	m.mu.Lock()
	subs := make([]func(int), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(pending)
	}
}
