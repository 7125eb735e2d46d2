// Package pinning restricts which server identities the client trusts to a
// bundled set of certificates and public key hashes.
//
// The standard chain and hostname checks run first (crypto/tls). The pin
// check runs afterwards from tls.Config.VerifyConnection: the leaf must
// equal a pinned certificate byte for byte or carry a pinned public key.
// A rejection wraps ErrTrustFailure and is never retried.
package pinning

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/apicore/internal/logging"
	"github.com/dmitrijs2005/apicore/internal/metrics"
)

var ErrTrustFailure = errors.New("server identity not trusted")

// PinError describes a rejected handshake.
type PinError struct {
	Host   string
	Reason string
}

func (e *PinError) Error() string {
	return fmt.Sprintf("pinning rejected %s: %s", e.Host, e.Reason)
}

func (e *PinError) Unwrap() error { return ErrTrustFailure }

// Options configure a Validator.
type Options struct {
	// Production forces enforcement. A production validator never accepts a
	// host without pinned material, whatever EnforcePinning says.
	Production bool
	// EnforcePinning rejects hosts without pinned material outside
	// production.
	EnforcePinning bool
	// RootCAs replaces the system roots for the standard chain check.
	RootCAs *x509.CertPool

	Logger  logging.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Validator struct {
	bundle     *Bundle
	production bool
	enforce    bool
	roots      *x509.CertPool
	log        logging.Logger
	metrics    *metrics.Metrics
	anchor     CertificateStatus
}

// NewValidator builds a validator and reports the fallback anchor expiry and
// any host that cannot survive a certificate rotation.
func NewValidator(bundle *Bundle, opts Options) *Validator {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	v := &Validator{
		bundle:     bundle,
		production: opts.Production,
		enforce:    opts.EnforcePinning || opts.Production,
		roots:      opts.RootCAs,
		log:        opts.Logger.With("module", "pinning"),
		metrics:    opts.Metrics,
		anchor:     ExpiryStatus(LegacyAnchorExpiry, opts.Now()),
	}
	v.report(context.Background(), opts.Now())
	return v
}

// Enforced reports whether hosts without pins are rejected.
func (v *Validator) Enforced() bool { return v.enforce }

// AnchorStatus is the expiry classification of the legacy anchor computed at
// construction.
func (v *Validator) AnchorStatus() CertificateStatus { return v.anchor }

func (v *Validator) Bundle() *Bundle { return v.bundle }

// Covers reports whether a handshake with host can pass the pin rules at
// all: pinning is off or the host has pinned material.
func (v *Validator) Covers(host string) bool {
	if !v.enforce {
		return true
	}
	set, ok := v.bundle.For(host)
	return ok && !set.Empty()
}

// Evaluate applies the pin rules to a leaf that already passed standard
// verification.
func (v *Validator) Evaluate(host string, leaf *x509.Certificate) (Match, error) {
	set, ok := v.bundle.For(host)
	if !ok || set.Empty() {
		if v.production {
			return MatchNone, v.reject(host, "unpinned", "no pinned material in production")
		}
		if v.enforce {
			return MatchNone, v.reject(host, "unpinned", "no pinned material")
		}
		return MatchUnpinned, nil
	}

	m := set.Match(leaf)
	if m == MatchNone {
		return MatchNone, v.reject(host, "mismatch", "certificate and public key not pinned")
	}
	return m, nil
}

// VerifyConnection is meant for tls.Config.VerifyConnection. It requires
// the standard chain verification to have produced a chain.
func (v *Validator) VerifyConnection(host string, cs tls.ConnectionState) error {
	if len(cs.VerifiedChains) == 0 || len(cs.VerifiedChains[0]) == 0 {
		return v.reject(host, "unverified", "no verified chain")
	}
	m, err := v.Evaluate(host, cs.VerifiedChains[0][0])
	if err != nil {
		return err
	}
	v.log.Debug(context.Background(), "server identity accepted", "host", host, "match", m.String())
	return nil
}

// TLSConfig returns a client config that pins host.
func (v *Validator) TLSConfig(host string) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    v.roots,
		VerifyConnection: func(cs tls.ConnectionState) error {
			return v.VerifyConnection(host, cs)
		},
	}
}

func (v *Validator) reject(host, reason, detail string) error {
	v.metrics.PinRejections.WithLabelValues(host, reason).Inc()
	v.log.Error(context.Background(), "server identity rejected", "host", host, "reason", detail)
	return &PinError{Host: host, Reason: detail}
}

func (v *Validator) report(ctx context.Context, now time.Time) {
	v.metrics.CertDaysRemaining.Set(float64(v.anchor.DaysRemaining))

	switch v.anchor.State {
	case StateExpired:
		v.log.Error(ctx, "legacy trust anchor expired", "expiry", LegacyAnchorExpiry)
	case StateExpiringSoon:
		v.log.Warn(ctx, "legacy trust anchor expiring soon", "days", v.anchor.DaysRemaining, "expiry", LegacyAnchorExpiry)
	default:
		v.log.Info(ctx, "legacy trust anchor valid", "days", v.anchor.DaysRemaining, "checked_at", now)
	}

	for _, host := range v.bundle.RotationRisks() {
		v.log.Warn(ctx, "host pinned by certificate only; rotation will break it", "host", host)
	}
	if len(v.bundle.Hosts()) == 0 && v.enforce {
		v.log.Error(ctx, "no pinned material loaded; every connection will be rejected")
	}
}
