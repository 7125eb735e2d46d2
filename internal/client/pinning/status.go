package pinning

import (
	"fmt"
	"time"
)

// ExpiryWarningDays is the window in which the anchor is reported as
// expiring soon.
const ExpiryWarningDays = 30

type CertificateState int

const (
	StateValid CertificateState = iota
	StateExpiringSoon
	StateExpired
)

// CertificateStatus is informational. It never affects a trust decision.
type CertificateStatus struct {
	State         CertificateState
	DaysRemaining int
}

func (s CertificateStatus) String() string {
	switch s.State {
	case StateExpired:
		return "expired"
	case StateExpiringSoon:
		return fmt.Sprintf("expiring soon (%d days)", s.DaysRemaining)
	default:
		return fmt.Sprintf("valid (%d days)", s.DaysRemaining)
	}
}

// ExpiryStatus classifies expiry relative to now. Partial days are
// truncated.
func ExpiryStatus(expiry, now time.Time) CertificateStatus {
	if !now.Before(expiry) {
		return CertificateStatus{State: StateExpired}
	}
	days := int(expiry.Sub(now) / (24 * time.Hour))
	if days <= ExpiryWarningDays {
		return CertificateStatus{State: StateExpiringSoon, DaysRemaining: days}
	}
	return CertificateStatus{State: StateValid, DaysRemaining: days}
}
