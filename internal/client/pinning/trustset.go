package pinning

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
)

// Match tells which rule accepted a certificate.
type Match int

const (
	MatchNone Match = iota
	MatchCertificate
	MatchPublicKey
	// MatchUnpinned means the host has no pins and enforcement is off.
	MatchUnpinned
)

func (m Match) String() string {
	switch m {
	case MatchCertificate:
		return "certificate"
	case MatchPublicKey:
		return "public_key"
	case MatchUnpinned:
		return "unpinned"
	default:
		return "none"
	}
}

// TrustSet is the pinned material for one host. It is immutable once built.
type TrustSet struct {
	host         string
	certificates [][]byte
	keyHashes    [][sha256.Size]byte
	legacy       bool
}

// NewTrustSet builds a set from DER certificates and base64 SHA-256 digests
// of SubjectPublicKeyInfo.
func NewTrustSet(host string, certificates [][]byte, keyHashes []string) (*TrustSet, error) {
	s := &TrustSet{host: normalizeHost(host)}
	if s.host == "" {
		return nil, fmt.Errorf("trust set: empty host")
	}

	for _, der := range certificates {
		s.certificates = append(s.certificates, append([]byte(nil), der...))
	}

	for _, h := range keyHashes {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(h))
		if err != nil {
			return nil, fmt.Errorf("trust set %s: bad key hash %q: %w", s.host, h, err)
		}
		if len(raw) != sha256.Size {
			return nil, fmt.Errorf("trust set %s: key hash %q is %d bytes, want %d", s.host, h, len(raw), sha256.Size)
		}
		var sum [sha256.Size]byte
		copy(sum[:], raw)
		s.keyHashes = append(s.keyHashes, sum)
	}
	return s, nil
}

func (s *TrustSet) Host() string { return s.host }

// Empty reports whether the set holds no material at all.
func (s *TrustSet) Empty() bool {
	return len(s.certificates) == 0 && len(s.keyHashes) == 0
}

// RotationReady reports whether a key hash is pinned. Without one, a renewed
// certificate is rejected until a new bundle ships.
func (s *TrustSet) RotationReady() bool { return len(s.keyHashes) > 0 }

// Legacy reports whether the set includes the embedded fallback anchor.
func (s *TrustSet) Legacy() bool { return s.legacy }

// Match checks leaf against the exact certificates first and then against
// the public key hashes.
func (s *TrustSet) Match(leaf *x509.Certificate) Match {
	if leaf == nil {
		return MatchNone
	}
	for _, der := range s.certificates {
		if bytes.Equal(der, leaf.Raw) {
			return MatchCertificate
		}
	}
	sum := SPKIHash(leaf)
	for _, h := range s.keyHashes {
		if h == sum {
			return MatchPublicKey
		}
	}
	return MatchNone
}

// SPKIHash returns the SHA-256 digest of the certificate's public key info.
func SPKIHash(cert *x509.Certificate) [sha256.Size]byte {
	return sha256.Sum256(cert.RawSubjectPublicKeyInfo)
}

// SPKIHashBase64 is SPKIHash in the encoding used by pin manifests.
func SPKIHashBase64(cert *x509.Certificate) string {
	sum := SPKIHash(cert)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Bundle is the full pinned trust material, keyed by host.
type Bundle struct {
	sets map[string]*TrustSet
}

func NewBundle(sets ...*TrustSet) *Bundle {
	b := &Bundle{sets: make(map[string]*TrustSet, len(sets))}
	for _, s := range sets {
		b.sets[s.host] = s
	}
	return b
}

// For returns the set pinned for host, if any.
func (b *Bundle) For(host string) (*TrustSet, bool) {
	if b == nil {
		return nil, false
	}
	s, ok := b.sets[normalizeHost(host)]
	return s, ok
}

func (b *Bundle) Hosts() []string {
	if b == nil {
		return nil
	}
	hosts := make([]string, 0, len(b.sets))
	for h := range b.sets {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// RotationRisks lists hosts pinned by certificate bytes only.
func (b *Bundle) RotationRisks() []string {
	var out []string
	for _, h := range b.Hosts() {
		if s := b.sets[h]; !s.Empty() && !s.RotationReady() {
			out = append(out, h)
		}
	}
	return out
}

func normalizeHost(h string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
}
