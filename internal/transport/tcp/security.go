package tcp

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

var (
	ErrInvalidSecurityMode     = errors.New("tcp: invalid security mode")
	ErrTLSRequired             = errors.New("tcp: tls required")
	ErrMTLSRequired            = errors.New("tcp: mtls required")
	ErrTLSCertFileRequired     = errors.New("tcp: tls cert file required")
	ErrTLSKeyFileRequired      = errors.New("tcp: tls key file required")
	ErrTLSCAFileRequired       = errors.New("tcp: tls ca file required")
	ErrTLSInsecureSkipNotAllow = errors.New("tcp: insecure skip verify not allowed")
)

// SecurityMode selects how strictly link security is enforced.
type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig is the file-based TLS setup of a head-unit link.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	if strings.TrimSpace(string(mode)) == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(strings.ToLower(strings.TrimSpace(string(mode))))
}

// ValidateSecurity checks the TLS block against the security mode.
// Production links must use mutual TLS with verification.
func ValidateSecurity(mode SecurityMode, t TLSConfig) error {
	switch NormalizeSecurityMode(mode) {
	case SecurityModeDevelopment:
	case SecurityModeProduction:
		if !t.Enabled {
			return ErrTLSRequired
		}
		if !t.Mutual {
			return ErrMTLSRequired
		}
		if t.InsecureSkipVerify {
			return ErrTLSInsecureSkipNotAllow
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, mode)
	}

	if t.Mutual && !t.Enabled {
		return ErrTLSRequired
	}
	if t.Enabled && strings.TrimSpace(t.CAFile) == "" && !t.InsecureSkipVerify {
		return ErrTLSCAFileRequired
	}
	if t.Mutual {
		if strings.TrimSpace(t.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(t.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
	}
	return nil
}

func clientTLSConfig(address string, t TLSConfig) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: t.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(t.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	cfg.ServerName = serverName

	if caPath := strings.TrimSpace(t.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("tcp: parse tls ca bundle: %s", caPath)
		}
		cfg.RootCAs = pool
	}

	if t.Mutual {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
