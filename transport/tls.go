package transport

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// TLSConfig describes how to trust the rendering service certificate.
// CA sources are cumulative; with none of them set the system pool is used.
type TLSConfig struct {
	CAFile             string // PEM bundle on disk
	CAPath             string // Directory of PEM certificates
	CAData             []byte // PEM bundle in memory
	ServerName         string // Overrides the name checked against the certificate
	InsecureSkipVerify bool
}

// Build returns the crypto/tls configuration. A nil receiver returns nil,
// which selects a plaintext connection.
func (c *TLSConfig) Build() (*tls.Config, error) {
	if c == nil {
		return nil, nil
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
	if c.CAFile == "" && c.CAPath == "" && len(c.CAData) == 0 {
		return cfg, nil
	}

	pool := x509.NewCertPool()
	if c.CAFile != "" {
		if err := appendFile(pool, c.CAFile); err != nil {
			return nil, err
		}
	}
	if c.CAPath != "" {
		entries, err := os.ReadDir(c.CAPath)
		if err != nil {
			return nil, errors.Wrapf(err, "read CA directory %s", c.CAPath)
		}
		loaded := 0
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			// Files that are not PEM certificates are skipped.
			if appendFile(pool, filepath.Join(c.CAPath, entry.Name())) == nil {
				loaded++
			}
		}
		if loaded == 0 {
			return nil, errors.Errorf("no certificate found in CA directory %s", c.CAPath)
		}
	}
	if len(c.CAData) > 0 && !pool.AppendCertsFromPEM(c.CAData) {
		return nil, errors.New("no certificate found in CA data")
	}
	cfg.RootCAs = pool
	return cfg, nil
}

func appendFile(pool *x509.CertPool, path string) error {
	pem, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read CA file %s", path)
	}
	if !pool.AppendCertsFromPEM(pem) {
		return errors.Errorf("no certificate found in %s", path)
	}
	return nil
}
