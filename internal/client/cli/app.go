package cli

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/dmitrijs2005/apicore/internal/client/client"
	"github.com/dmitrijs2005/apicore/internal/client/config"
	"github.com/dmitrijs2005/apicore/internal/client/connectivity"
	"github.com/dmitrijs2005/apicore/internal/client/credentials"
	"github.com/dmitrijs2005/apicore/internal/client/localdb"
	"github.com/dmitrijs2005/apicore/internal/client/models"
	"github.com/dmitrijs2005/apicore/internal/client/offline"
	"github.com/dmitrijs2005/apicore/internal/client/pinning"
	"github.com/dmitrijs2005/apicore/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/apicore/internal/client/services"
	"github.com/dmitrijs2005/apicore/internal/logging"
	"github.com/dmitrijs2005/apicore/internal/metrics"
)

type Mode string

const (
	ModeOffline Mode = "offline"
	ModeOnline  Mode = "online"
)

// queue is the part of the offline manager the REPL drives.
type queue interface {
	IsOnline() bool
	PendingCount() int
	SyncPendingRequests(ctx context.Context) (offline.SyncResult, error)
}

type App struct {
	config   *config.Config
	log      logging.Logger
	auth     services.AuthService
	messages services.MessageService
	queue    queue
	pins     *pinning.Validator
	monitor  *connectivity.Monitor
	reader   *bufio.Reader
	out      io.Writer
	userName string

	db            *sql.DB
	metricsServer *http.Server
}

// NewApp wires the client core from c: local store, credentials, pinning,
// API client, offline queue and the connectivity monitor.
func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger := logging.New(string(c.Environment))
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	db, err := localdb.InitDatabase(ctx, c.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("error initializing database: %w", err)
	}
	repo := metadata.NewSQLiteRepository(db)
	tokens := credentials.NewSecureStore(repo, []byte(c.DeviceSecret))

	bundle, err := loadPins(c.PinManifest)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	validator := pinning.NewValidator(bundle, pinning.Options{
		Production:     c.Environment == config.Production,
		EnforcePinning: c.EnforcePinning,
		Logger:         logger,
		Metrics:        m,
	})
	if err := checkPinCoverage(validator, c.BaseURL); err != nil {
		_ = db.Close()
		return nil, err
	}

	var limiter *rate.Limiter
	if c.ReplayRatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(c.ReplayRatePerSecond), 1)
	}

	// The manager reaches the client only through this closure; api is set
	// below before anything can replay.
	var api *client.Client
	mgr := offline.NewManager(repo, offline.ReplayFunc(func(ctx context.Context, q models.QueuedRequest) error {
		return api.Replay(ctx, q)
	}), offline.Options{
		QueueableEndpoints: c.QueueableEndpoints,
		MaxAge:             c.QueueMaxAge,
		MaxRetries:         c.QueueMaxRetries,
		Limiter:            limiter,
		Logger:             logger,
		Metrics:            m,
	})

	api, err = client.New(client.Options{
		BaseURL:          c.BaseURL,
		Timeout:          c.RequestTimeout,
		MaxRetryAttempts: c.MaxRetryAttempts,
		RefreshPath:      c.RefreshPath,
		Tokens:           tokens,
		Offline:          mgr,
		Validator:        validator,
		Logger:           logger,
		Metrics:          m,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := mgr.Load(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	endpoints := services.DefaultAuthEndpoints()
	endpoints.Login.Path = c.LoginPath
	endpoints.Health.Path = c.HealthPath
	auth := services.NewAuthService(api, tokens, endpoints)

	a := &App{
		config:   c,
		log:      logger,
		auth:     auth,
		messages: services.NewMessageService(api),
		queue:    mgr,
		pins:     validator,
		monitor:  connectivity.NewMonitor(auth, mgr, c.OnlineCheckInterval, logger),
		reader:   bufio.NewReader(os.Stdin),
		out:      os.Stdout,
		db:       db,
	}

	mgr.Subscribe(func(pending int) {
		a.log.Debug(context.Background(), "offline queue changed", "pending", pending)
	})

	if c.MetricsAddr != "" {
		a.metricsServer = &http.Server{
			Addr:              c.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return a, nil
}

// loadPins returns the embedded bundle, or the manifest at path when set.
func loadPins(path string) (*pinning.Bundle, error) {
	if path == "" {
		return pinning.LoadDefault()
	}
	b, err := pinning.Load(os.DirFS(filepath.Dir(path)), filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("load pin manifest %s: %w", path, err)
	}
	return b, nil
}

// checkPinCoverage fails when pinning is enforced for an https base URL
// whose host has no pins, since every handshake would then be rejected.
func checkPinCoverage(v *pinning.Validator, baseURL string) error {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme != "https" {
		return nil
	}
	if !v.Covers(u.Hostname()) {
		return fmt.Errorf("pinning is enforced but %s has no pins; supply a manifest with -pins or disable pinning with -p=false", u.Hostname())
	}
	return nil
}

// Run starts the background watchers and blocks in the REPL until the user
// exits or ctx is done.
func (a *App) Run(ctx context.Context) {
	defer a.Close()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error(ctx, "metrics server stopped", "error", err)
			}
		}()
	}

	go a.monitor.Run(ctx)

	a.Root(ctx)
}

// Close stops the metrics endpoint and releases the local store.
func (a *App) Close() {
	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = a.metricsServer.Shutdown(ctx)
		cancel()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func (a *App) mode() Mode {
	if a.queue.IsOnline() {
		return ModeOnline
	}
	return ModeOffline
}

func (a *App) isLoggedIn(ctx context.Context) bool {
	return a.auth.LoggedIn(ctx)
}

func (a *App) getStatus() string {
	s := ""
	if a.userName != "" {
		s = a.userName + " "
	}
	s += string(a.mode())
	if n := a.queue.PendingCount(); n > 0 {
		s += fmt.Sprintf(", %d pending", n)
	}
	return fmt.Sprintf("(%s)", s)
}

// Root prints the greeting and runs the REPL on stdin.
func (a *App) Root(ctx context.Context) {
	fmt.Fprintln(a.out, "Welcome to apicore CLI (type 'help' for commands)")
	runREPL(ctx, a, a.getStatus, a.reader)
}
