package config

import (
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/dmitrijs2005/apicore/internal/flagx"
)

var knownFlags = []string{"-e", "-a", "-t", "-r", "-d", "-i", "-p", "-m", "-pins"}

// parseFlags overlays selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-e string   environment profile (development, staging, production)
//	-a string   base URL of the API
//	-t int      request timeout in seconds
//	-r int      maximum retry attempts
//	-d string   path of the local database
//	-i int      online check interval in seconds
//	-p bool     enforce certificate pinning (use -p=false to disable)
//	-m string   host:port to serve prometheus metrics on
//	-pins string pin manifest on disk
//
// args are filtered with flagx.FilterArgs so other loaders' flags do not
// interfere.
func parseFlags(cfg *Config, args []string) error {
	fs := newFlagSet()

	env := fs.String("e", string(cfg.Environment), "environment profile")
	fs.StringVar(&cfg.BaseURL, "a", cfg.BaseURL, "base URL of the API")
	timeout := fs.Int("t", int(cfg.RequestTimeout.Seconds()), "request timeout (in seconds)")
	fs.IntVar(&cfg.MaxRetryAttempts, "r", cfg.MaxRetryAttempts, "maximum retry attempts")
	fs.StringVar(&cfg.DatabasePath, "d", cfg.DatabasePath, "path of the local database")
	interval := fs.Int("i", int(cfg.OnlineCheckInterval.Seconds()), "online check interval (in seconds)")
	fs.BoolVar(&cfg.EnforcePinning, "p", cfg.EnforcePinning, "enforce certificate pinning")
	fs.StringVar(&cfg.MetricsAddr, "m", cfg.MetricsAddr, "address to serve metrics on")
	fs.StringVar(&cfg.PinManifest, "pins", cfg.PinManifest, "pin manifest on disk")

	if err := fs.Parse(flagx.FilterArgs(args, knownFlags)); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	cfg.Environment = Environment(*env)
	cfg.RequestTimeout = time.Duration(*timeout) * time.Second
	cfg.OnlineCheckInterval = time.Duration(*interval) * time.Second
	return nil
}

// envFlag returns the -e value, if given.
func envFlag(args []string) string {
	fs := newFlagSet()
	env := fs.String("e", "", "environment profile")
	_ = fs.Parse(flagx.FilterArgs(args, []string{"-e"}))
	return *env
}

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("apicore", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}
