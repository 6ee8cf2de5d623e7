// Package transport builds the gRPC credentials used between shells and the host.
package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/miniapp-io/miniapp-host/internal/config"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

var ErrMissingKeyPair = errors.New("tls enabled but cert/key paths are empty")

// ServerOption returns the listener credentials for cfg. Disabled TLS yields
// a nil option and the server runs plaintext.
func ServerOption(cfg config.TLSConfig) (grpc.ServerOption, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.CertPath == "" || cfg.KeyPath == "" {
		return nil, ErrMissingKeyPair
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load shell tls cert: %w", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.ClientCAPath != "" {
		pool, err := loadPool(cfg.ClientCAPath)
		if err != nil {
			return nil, err
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return grpc.Creds(credentials.NewTLS(tlsCfg)), nil
}

// ClientConfig is the shell side of the handshake.
type ClientConfig struct {
	CAPath             string
	CertPath           string
	KeyPath            string
	ServerName         string
	InsecureSkipVerify bool
}

// Enabled reports whether any TLS material or override was given.
func (c ClientConfig) Enabled() bool {
	return c.CAPath != "" || c.CertPath != "" || c.InsecureSkipVerify
}

// DialOption returns plaintext credentials unless cfg enables TLS.
func DialOption(cfg ClientConfig) (grpc.DialOption, error) {
	if !cfg.Enabled() {
		return grpc.WithTransportCredentials(insecure.NewCredentials()), nil
	}
	tlsCfg := &tls.Config{
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	if cfg.CertPath != "" || cfg.KeyPath != "" {
		if cfg.CertPath == "" || cfg.KeyPath == "" {
			return nil, ErrMissingKeyPair
		}
		cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("load shell client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	if cfg.CAPath != "" {
		pool, err := loadPool(cfg.CAPath)
		if err != nil {
			return nil, err
		}
		tlsCfg.RootCAs = pool
	}
	return grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)), nil
}

func loadPool(path string) (*x509.CertPool, error) {
	caBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ca %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(caBytes); !ok {
		return nil, fmt.Errorf("append ca cert %s failed", path)
	}
	return pool, nil
}
