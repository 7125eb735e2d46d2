package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/apicore/internal/client/credentials"
	"github.com/dmitrijs2005/apicore/internal/client/models"
	"github.com/dmitrijs2005/apicore/internal/client/offline"
	"github.com/dmitrijs2005/apicore/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/apicore/internal/common"
	"github.com/dmitrijs2005/apicore/internal/metrics"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type message struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

var (
	getMessage  = models.Endpoint{Path: "/api/v1/messages/1", Method: models.MethodGet, RequiresAuth: true}
	sendMessage = models.Endpoint{Path: "/api/v1/chat/send", Method: models.MethodPost, RequiresAuth: true}
	listTools   = models.Endpoint{Path: "/api/v1/tools", Method: models.MethodGet, RequiresAuth: true}
	health      = models.Endpoint{Path: "/health", Method: models.MethodGet}
)

// scripted answers each non-refresh request with the next status; the last
// one repeats.
func scripted(hits *atomic.Int32, statuses ...int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := int(hits.Add(1)) - 1
		if n >= len(statuses) {
			n = len(statuses) - 1
		}
		w.WriteHeader(statuses[n])
		if statuses[n] == http.StatusOK {
			_, _ = io.WriteString(w, `{"id":"1","text":"hi"}`)
		}
	}
}

func TestRequest_RetriesServerErrorsThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	f := newFixture(t, scripted(&hits, 503, 503, 200), nil)

	got, err := Request[message](context.Background(), f.client, getMessage, nil)
	require.NoError(t, err)
	assert.Equal(t, message{ID: "1", Text: "hi"}, got)
	assert.EqualValues(t, 3, hits.Load())
	assert.Equal(t, []time.Duration{1250 * time.Millisecond, 2250 * time.Millisecond}, f.sleeps.all())
}

func TestRequest_ExhaustedServerRetriesSurfaceHTTPError(t *testing.T) {
	var hits atomic.Int32
	f := newFixture(t, scripted(&hits, 502), func(o *Options) { o.MaxRetryAttempts = 2 })

	err := f.client.Do(context.Background(), getMessage, nil, nil)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 502, httpErr.StatusCode)
	assert.ErrorIs(t, err, ErrHTTP)
	assert.EqualValues(t, 3, hits.Load())
	assert.Len(t, f.sleeps.all(), 2)
}

func TestRequest_NotImplementedIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	f := newFixture(t, scripted(&hits, 501), nil)

	err := f.client.Do(context.Background(), getMessage, nil, nil)
	require.ErrorIs(t, err, ErrHTTP)
	assert.EqualValues(t, 1, hits.Load())
	assert.Empty(t, f.sleeps.all())
}

func TestRequest_StructuredErrorBecomesServerError(t *testing.T) {
	cases := []struct {
		body    string
		message string
	}{
		{`{"message":"text too long"}`, "text too long"},
		{`{"error":"quota exceeded"}`, "quota exceeded"},
	}
	for _, tc := range cases {
		f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, tc.body)
		}), nil)

		err := f.client.Do(context.Background(), sendMessage, message{Text: "x"}, nil)
		var se *ServerError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, tc.message, se.Message)
		assert.Equal(t, http.StatusBadRequest, se.StatusCode)
		assert.Equal(t, tc.message, UserMessage(err))
	}
}

func TestRequest_UnstructuredErrorKeepsBody(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such thing", http.StatusNotFound)
	}), nil)

	err := f.client.Do(context.Background(), getMessage, nil, nil)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
	assert.Equal(t, "no such thing\n", string(httpErr.Body))
}

func TestRequest_StampsHeadersAndSynthesizesBody(t *testing.T) {
	var got *http.Request
	var body []byte
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}), nil)

	require.NoError(t, f.client.Do(context.Background(), sendMessage, nil, nil))

	assert.Equal(t, "{}", string(body))
	assert.Equal(t, "Bearer old", got.Header.Get(common.HeaderAuthorization))
	assert.Equal(t, common.ContentTypeJSON, got.Header.Get(common.HeaderContentType))
	assert.NotEmpty(t, got.Header.Get(common.HeaderRequestID))
	assert.NotEmpty(t, got.Header.Get(common.HeaderNonce))
	assert.NotEmpty(t, got.Header.Get(common.HeaderTimestamp))
}

func TestRequest_NotAuthenticatedBeforeAnyIO(t *testing.T) {
	var hits atomic.Int32
	f := newFixture(t, scripted(&hits, 200), nil)
	require.NoError(t, f.tokens.Clear(context.Background()))

	err := f.client.Do(context.Background(), getMessage, nil, nil)
	require.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Zero(t, hits.Load())

	require.NoError(t, f.client.Do(context.Background(), health, nil, nil))
	assert.EqualValues(t, 1, hits.Load())
}

func TestRequest_CredentialStoreFailureIsReturnedUnchanged(t *testing.T) {
	var hits atomic.Int32
	storeErr := errors.New("decrypt failed")
	f := newFixture(t, scripted(&hits, 200), func(o *Options) {
		o.Tokens = &brokenTokens{err: storeErr}
	})

	err := f.client.Do(context.Background(), getMessage, nil, nil)
	require.ErrorIs(t, err, storeErr)
	assert.NotErrorIs(t, err, ErrNetwork)
	assert.NotErrorIs(t, err, ErrNotAuthenticated)
	var ne *NetworkError
	assert.False(t, errors.As(err, &ne))
	assert.NotEqual(t, "Cannot reach server.", UserMessage(err))
	assert.Zero(t, hits.Load())
	assert.Empty(t, f.sleeps.all())
}

func TestReach_IgnoresOfflineGate(t *testing.T) {
	var hits atomic.Int32
	q := &fakeQueue{online: false}
	f := newFixture(t, scripted(&hits, 200), func(o *Options) { o.Offline = q })

	require.NoError(t, f.client.Reach(context.Background(), health))
	assert.EqualValues(t, 1, hits.Load())
	assert.Empty(t, q.queued)

	var oe *OfflineError
	require.ErrorAs(t, f.client.Do(context.Background(), health, nil, nil), &oe)
	assert.EqualValues(t, 1, hits.Load())
}

func TestReach_SingleAttemptWithoutAuth(t *testing.T) {
	var hits atomic.Int32
	var auth string
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		auth = r.Header.Get(common.HeaderAuthorization)
		w.WriteHeader(http.StatusServiceUnavailable)
	}), nil)

	err := f.client.Reach(context.Background(), models.Endpoint{Path: "/health", Method: models.MethodGet, RequiresAuth: true})
	require.ErrorIs(t, err, ErrHTTP)
	assert.EqualValues(t, 1, hits.Load())
	assert.Empty(t, auth)
	assert.Empty(t, f.sleeps.all())
}

func TestReach_UnreachableServerIsNetworkError(t *testing.T) {
	f := newFixture(t, http.NotFoundHandler(), nil)
	f.srv.Close()

	err := f.client.Reach(context.Background(), health)
	var ne *NetworkError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, 1, ne.Attempts)
	assert.Empty(t, f.sleeps.all())
}

// authServer accepts only the "new" token and hands it out on refresh.
type authServer struct {
	refreshes  atomic.Int32
	calls      atomic.Int32
	refreshGap time.Duration
	refreshErr int
	// afterRefresh scripts statuses for calls carrying the new token.
	afterRefresh []int
}

func (a *authServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == defaultRefreshPath {
		a.refreshes.Add(1)
		time.Sleep(a.refreshGap)
		if a.refreshErr != 0 {
			w.WriteHeader(a.refreshErr)
			return
		}
		var req refreshRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.RefreshToken != "r1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(credentials.Tokens{AccessToken: "new", RefreshToken: "r2"})
		return
	}

	if r.Header.Get(common.HeaderAuthorization) != "Bearer new" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	n := int(a.calls.Add(1)) - 1
	if n < len(a.afterRefresh) {
		w.WriteHeader(a.afterRefresh[n])
		return
	}
	_, _ = io.WriteString(w, `{"id":"1","text":"ok"}`)
}

func TestRequest_RefreshesOnceAndRetriesWithFreshBudget(t *testing.T) {
	srv := &authServer{afterRefresh: []int{503}}
	f := newFixture(t, srv, func(o *Options) { o.MaxRetryAttempts = 1 })

	got, err := Request[message](context.Background(), f.client, getMessage, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", got.Text)
	assert.EqualValues(t, 1, srv.refreshes.Load())

	tok, _ := f.tokens.AccessToken(context.Background())
	assert.Equal(t, "new", tok)
	rt, _ := f.tokens.RefreshToken(context.Background())
	assert.Equal(t, "r2", rt)
	assert.Len(t, f.sleeps.all(), 1, "only the 503 after refresh backs off")
}

func TestRequest_RefreshNotCountedAgainstZeroBudget(t *testing.T) {
	srv := &authServer{}
	f := newFixture(t, srv, func(o *Options) { o.MaxRetryAttempts = 0 })

	_, err := Request[message](context.Background(), f.client, getMessage, nil)
	require.NoError(t, err)
	assert.Empty(t, f.sleeps.all())
}

func TestRequest_RejectedRefreshIsTokenExpired(t *testing.T) {
	srv := &authServer{refreshErr: http.StatusUnauthorized}
	f := newFixture(t, srv, nil)

	err := f.client.Do(context.Background(), getMessage, nil, nil)
	require.ErrorIs(t, err, ErrTokenExpired)
	assert.Equal(t, 1, f.tokens.clears)
	assert.Equal(t, "Your session has expired. Please sign in again.", UserMessage(err))
}

func TestRequest_SecondUnauthorizedIsTokenExpired(t *testing.T) {
	srv := &authServer{afterRefresh: []int{401}}
	f := newFixture(t, srv, nil)

	err := f.client.Do(context.Background(), getMessage, nil, nil)
	require.ErrorIs(t, err, ErrTokenExpired)
	assert.EqualValues(t, 1, srv.refreshes.Load())
}

func TestRequest_UnauthorizedOnPublicEndpointIsNotRefreshed(t *testing.T) {
	srv := &authServer{}
	f := newFixture(t, srv, nil)

	err := f.client.Do(context.Background(), health, nil, nil)
	require.ErrorIs(t, err, ErrHTTP)
	assert.Zero(t, srv.refreshes.Load())
}

func TestRequest_ConcurrentUnauthorizedShareOneRefresh(t *testing.T) {
	srv := &authServer{refreshGap: 50 * time.Millisecond}
	f := newFixture(t, srv, nil)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = Request[message](context.Background(), f.client, getMessage, nil)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, srv.refreshes.Load())
	assert.Equal(t, 1, f.tokens.saves)
}

func TestRequest_CancelledCallerDoesNotHoldRefresh(t *testing.T) {
	srv := &authServer{refreshGap: 100 * time.Millisecond}
	f := newFixture(t, srv, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := f.client.Do(ctx, getMessage, nil, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	got, err := Request[message](context.Background(), f.client, getMessage, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", got.Text)
	assert.EqualValues(t, 1, srv.refreshes.Load())
}

func TestRequest_ProactiveRefreshForExpiredJWT(t *testing.T) {
	srv := &authServer{}
	f := newFixture(t, srv, nil)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}).SignedString([]byte("k"))
	require.NoError(t, err)
	require.NoError(t, f.tokens.Save(context.Background(), credentials.Tokens{AccessToken: expired, RefreshToken: "r1"}))

	_, err = Request[message](context.Background(), f.client, getMessage, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, srv.refreshes.Load())
	assert.EqualValues(t, 1, srv.calls.Load(), "no request was sent with the expired token")
}

func TestRequest_NetworkErrorsRetryThenSurface(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	sleeps := &sleepRecorder{}
	c, err := New(Options{BaseURL: url, MaxRetryAttempts: 2, Tokens: &memTokens{}, Sleep: sleeps.sleep, Jitter: func() float64 { return 0 }})
	require.NoError(t, err)

	err = c.Do(context.Background(), health, nil, nil)
	var ne *NetworkError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, 3, ne.Attempts)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps.all())
	assert.Equal(t, "Cannot reach server.", UserMessage(err))
}

func TestRequest_TimeoutIsRetried(t *testing.T) {
	var hits atomic.Int32
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
			return
		}
		_, _ = io.WriteString(w, `{"id":"2"}`)
	}), func(o *Options) { o.Timeout = 50 * time.Millisecond })

	got, err := Request[message](context.Background(), f.client, getMessage, nil)
	require.NoError(t, err)
	assert.Equal(t, "2", got.ID)
	assert.Len(t, f.sleeps.all(), 1)
}

func TestRequest_CancellationStopsRetries(t *testing.T) {
	var hits atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, scripted(&hits, 503), func(o *Options) {
		o.Sleep = func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		}
	})

	err := f.client.Do(ctx, getMessage, nil, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 1, hits.Load())
}

func TestRequest_Decoding(t *testing.T) {
	serve := func(body string) *fixture {
		return newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, body)
		}), nil)
	}

	_, err := Request[message](context.Background(), serve("<html>").client, getMessage, nil)
	require.ErrorIs(t, err, ErrDecoding)
	var de *DecodingError
	require.ErrorAs(t, err, &de)

	_, err = Request[message](context.Background(), serve("").client, getMessage, nil)
	require.ErrorIs(t, err, ErrDecoding)

	_, err = Request[message](context.Background(), serve("null").client, getMessage, nil)
	require.ErrorIs(t, err, ErrDecoding)

	for _, body := range []string{"", "null", " \n"} {
		list, err := Request[List[message]](context.Background(), serve(body).client, listTools, nil)
		require.NoError(t, err)
		assert.NotNil(t, list)
		assert.Empty(t, list)
	}

	list, err := Request[List[message]](context.Background(), serve(`[{"id":"a"},{"id":"b"}]`).client, listTools, nil)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, serve("").client.Do(context.Background(), getMessage, nil, nil))
}

type fakeQueue struct {
	online   bool
	queued   []models.QueuedRequest
	allowed  map[string]bool
	queueErr error
}

func (f *fakeQueue) IsOnline() bool { return f.online }
func (f *fakeQueue) ShouldQueueRequest(path string) bool { return f.allowed[path] }
func (f *fakeQueue) QueueRequest(_ context.Context, ep string, m models.Method, body []byte) error {
	if f.queueErr != nil {
		return f.queueErr
	}
	f.queued = append(f.queued, models.QueuedRequest{Endpoint: ep, Method: m, Body: body})
	return nil
}

func TestRequest_OfflineQueueableIsDeferred(t *testing.T) {
	var hits atomic.Int32
	repo := metadata.NewMemoryRepository()
	mgr := offline.NewManager(repo, offline.ReplayFunc(func(context.Context, models.QueuedRequest) error { return nil }), offline.Options{})
	require.NoError(t, mgr.Load(context.Background()))

	reg := metrics.NewNop()
	f := newFixture(t, scripted(&hits, 200), func(o *Options) { o.Offline = mgr; o.Metrics = reg })

	err := f.client.Do(context.Background(), sendMessage, message{Text: "later"}, nil)
	var oe *OfflineError
	require.ErrorAs(t, err, &oe)
	assert.True(t, oe.Queued)
	assert.ErrorIs(t, err, ErrOffline)
	assert.Equal(t, "Will send when back online.", UserMessage(err))
	assert.Zero(t, hits.Load())

	pending := mgr.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].RetryCount)
	assert.Equal(t, sendMessage.Path, pending[0].Endpoint)
	assert.JSONEq(t, `{"id":"","text":"later"}`, string(pending[0].Body))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Requests.WithLabelValues("offline")))
}

func TestRequest_OfflineNotQueueableFailsFast(t *testing.T) {
	var hits atomic.Int32
	q := &fakeQueue{allowed: map[string]bool{sendMessage.Path: true}}
	f := newFixture(t, scripted(&hits, 200), func(o *Options) { o.Offline = q })

	err := f.client.Do(context.Background(), listTools, nil, nil)
	var oe *OfflineError
	require.ErrorAs(t, err, &oe)
	assert.False(t, oe.Queued)
	assert.Empty(t, q.queued)
	assert.Zero(t, hits.Load())

	q.queueErr = errors.New("disk full")
	err = f.client.Do(context.Background(), sendMessage, nil, nil)
	require.ErrorContains(t, err, "disk full")
	assert.NotErrorIs(t, err, ErrOffline)
}

func TestReplay_UsesAuthenticatedPathAndNeverQueues(t *testing.T) {
	var got *http.Request
	var body []byte
	q := &fakeQueue{online: false, allowed: map[string]bool{sendMessage.Path: true}}
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		body, _ = io.ReadAll(r.Body)
	}), func(o *Options) { o.Offline = q })

	err := f.client.Replay(context.Background(), models.QueuedRequest{ID: "x", Endpoint: sendMessage.Path, Method: models.MethodPost, Body: []byte(`{"text":"a"}`)})
	require.NoError(t, err)
	assert.Empty(t, q.queued)
	assert.Equal(t, "Bearer old", got.Header.Get(common.HeaderAuthorization))
	assert.Equal(t, `{"text":"a"}`, string(body))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{BaseURL: "ftp://x", Tokens: &memTokens{}})
	require.Error(t, err)
	_, err = New(Options{BaseURL: "https://api.example.test"})
	require.Error(t, err)
	_, err = New(Options{BaseURL: "https://api.example.test", Tokens: &memTokens{}, MaxRetryAttempts: -1})
	require.Error(t, err)

	c, err := New(Options{BaseURL: "https://api.example.test/", Tokens: &memTokens{}})
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.test/v1/x", c.url("/v1/x"))
	assert.Equal(t, defaultTimeout, c.timeout)
}
