package pinning

import (
	"crypto/x509"
	"embed"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultManifest is the manifest path inside the embedded bundle.
const DefaultManifest = "bundle/pins.yaml"

// LegacyHost is the only host allowed to fall back to the embedded anchor.
const LegacyHost = "api.apicore.app"

// LegacyAnchorExpiry is the notAfter of the embedded anchor. It drives
// CertificateStatus reporting.
var LegacyAnchorExpiry = time.Date(2028, time.October, 17, 18, 4, 20, 0, time.UTC)

//go:embed bundle
var bundled embed.FS

//go:embed bundle/legacy_anchor.pem
var legacyAnchorPEM []byte

type manifest struct {
	Hosts []manifestHost `yaml:"hosts"`
}

type manifestHost struct {
	Host         string   `yaml:"host"`
	Certificates []string `yaml:"certificates"`
	SPKISHA256   []string `yaml:"spki_sha256"`
}

// LoadDefault loads the trust material compiled into the binary.
func LoadDefault() (*Bundle, error) {
	return Load(bundled, DefaultManifest)
}

// Load reads a YAML manifest and the certificate files it references from
// fsys. When LegacyHost ends up without certificate bytes, the embedded
// legacy anchor is added to its set.
func Load(fsys fs.FS, name string) (*Bundle, error) {
	raw, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("read pin manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse pin manifest %s: %w", name, err)
	}

	dir := path.Dir(name)
	b := NewBundle()

	for _, h := range m.Hosts {
		var certs [][]byte
		for _, file := range h.Certificates {
			data, err := fs.ReadFile(fsys, path.Join(dir, file))
			if err != nil {
				return nil, fmt.Errorf("pin manifest %s: %w", h.Host, err)
			}
			ders, err := decodeCertificates(data)
			if err != nil {
				return nil, fmt.Errorf("pin manifest %s: %s: %w", h.Host, file, err)
			}
			certs = append(certs, ders...)
		}

		set, err := NewTrustSet(h.Host, certs, h.SPKISHA256)
		if err != nil {
			return nil, err
		}
		if _, dup := b.sets[set.host]; dup {
			return nil, fmt.Errorf("pin manifest: host %s listed twice", set.host)
		}
		b.sets[set.host] = set
	}

	if err := attachLegacyAnchor(b); err != nil {
		return nil, err
	}
	return b, nil
}

// LegacyAnchor parses the embedded fallback certificate.
func LegacyAnchor() (*x509.Certificate, error) {
	ders, err := decodeCertificates(legacyAnchorPEM)
	if err != nil {
		return nil, fmt.Errorf("legacy anchor: %w", err)
	}
	return x509.ParseCertificate(ders[0])
}

func attachLegacyAnchor(b *Bundle) error {
	set, ok := b.sets[LegacyHost]
	if ok && len(set.certificates) > 0 {
		return nil
	}

	anchor, err := LegacyAnchor()
	if err != nil {
		return err
	}
	if !ok {
		set = &TrustSet{host: LegacyHost}
		b.sets[LegacyHost] = set
	}
	set.certificates = append(set.certificates, anchor.Raw)
	set.legacy = true
	return nil
}

// decodeCertificates accepts one or more PEM CERTIFICATE blocks or a
// single DER certificate.
func decodeCertificates(data []byte) ([][]byte, error) {
	var out [][]byte
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		if _, err := x509.ParseCertificate(block.Bytes); err != nil {
			return nil, err
		}
		out = append(out, block.Bytes)
	}
	if len(out) > 0 {
		return out, nil
	}

	if _, err := x509.ParseCertificate(data); err != nil {
		return nil, errors.New("no certificate found")
	}
	return [][]byte{data}, nil
}
