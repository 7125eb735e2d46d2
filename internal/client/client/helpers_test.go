package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/apicore/internal/client/credentials"
	"github.com/dmitrijs2005/apicore/internal/common"
	"github.com/stretchr/testify/require"
)

type memTokens struct {
	mu     sync.Mutex
	t      credentials.Tokens
	saves  int
	clears int
}

func (m *memTokens) AccessToken(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.t.AccessToken == "" {
		return "", common.ErrNoCredential
	}
	return m.t.AccessToken, nil
}

func (m *memTokens) RefreshToken(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.t.RefreshToken == "" {
		return "", common.ErrNoCredential
	}
	return m.t.RefreshToken, nil
}

func (m *memTokens) Save(_ context.Context, t credentials.Tokens) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t = t
	m.saves++
	return nil
}

func (m *memTokens) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t = credentials.Tokens{}
	m.clears++
	return nil
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) all() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type fixture struct {
	srv    *httptest.Server
	client *Client
	tokens *memTokens
	sleeps *sleepRecorder
}

func newFixture(t *testing.T, h http.Handler, mutate func(*Options)) *fixture {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	f := &fixture{srv: srv, tokens: &memTokens{t: credentials.Tokens{AccessToken: "old", RefreshToken: "r1"}}, sleeps: &sleepRecorder{}}
	opts := Options{
		BaseURL:          srv.URL,
		Timeout:          2 * time.Second,
		MaxRetryAttempts: 3,
		Tokens:           f.tokens,
		HTTPClient:       srv.Client(),
		Sleep:            f.sleeps.sleep,
		Jitter:           func() float64 { return 0.5 },
	}
	if mutate != nil {
		mutate(&opts)
	}

	c, err := New(opts)
	require.NoError(t, err)
	f.client = c
	return f
}

// brokenTokens fails every read the way an undecryptable store does.
type brokenTokens struct {
	memTokens
	err error
}

func (b *brokenTokens) AccessToken(context.Context) (string, error) { return "", b.err }
