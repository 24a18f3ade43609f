package streamreactor

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type VerifyMode int

const (
	VerifyNone VerifyMode = iota
	VerifyPeer
	VerifyPeerRequireCert
)

func (m VerifyMode) String() string {
	switch m {
	case VerifyPeer:
		return "peer"
	case VerifyPeerRequireCert:
		return "require"
	}
	return "none"
}

func ParseVerifyMode(s string) (VerifyMode, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return VerifyNone, nil
	case "peer":
		return VerifyPeer, nil
	case "require", "peer_require_cert":
		return VerifyPeerRequireCert, nil
	}
	return VerifyNone, errors.Wrapf(ErrInvalidConfig, "unknown verify mode %q", s)
}

type CertificateData struct {
	TLS                  bool
	VerifyMode           VerifyMode
	CertificateFile      string
	PrivateKeyFile       string
	CertificateChainFile string
	CAFile               string
	ClientCAFile         string
	ServerName           string
	OCSPResponderURL     string
}

// tlsContextCache builds tls.Config values from certificate data and keeps
// them so that every accept or reconnect does not reload key material.
type tlsContextCache struct {
	cache *ristretto.Cache
}

func newTLSContextCache() (*tlsContextCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1000,
		MaxCost:     100,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &tlsContextCache{cache: cache}, nil
}

func (c *tlsContextCache) serverConfig(data CertificateData) (*tls.Config, error) {
	key := fmt.Sprintf("server|%+v", data)
	return c.load(key, func() (*tls.Config, error) { return newServerTLSConfig(data) })
}

func (c *tlsContextCache) clientConfig(data CertificateData, hostname string) (*tls.Config, error) {
	key := fmt.Sprintf("client|%s|%+v", hostname, data)
	return c.load(key, func() (*tls.Config, error) { return newClientTLSConfig(data, hostname) })
}

func (c *tlsContextCache) load(key string, build func() (*tls.Config, error)) (*tls.Config, error) {
	if c == nil {
		return build()
	}
	if v, ok := c.cache.Get(key); ok {
		return v.(*tls.Config), nil
	}
	config, err := build()
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, config, 1)
	return config, nil
}

func (c *tlsContextCache) Close() {
	if c != nil {
		c.cache.Close()
	}
}

func newServerTLSConfig(data CertificateData) (*tls.Config, error) {
	cert, err := loadKeyPair(data)
	if err != nil {
		return nil, err
	}
	config := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	caFile := data.ClientCAFile
	if caFile == "" {
		caFile = data.CAFile
	}
	if caFile != "" {
		pool, err := loadCertPool(caFile)
		if err != nil {
			return nil, err
		}
		config.ClientCAs = pool
	}
	switch data.VerifyMode {
	case VerifyPeer:
		config.ClientAuth = tls.VerifyClientCertIfGiven
	case VerifyPeerRequireCert:
		config.ClientAuth = tls.RequireAndVerifyClientCert
	default:
		config.ClientAuth = tls.NoClientCert
	}
	if data.OCSPResponderURL != "" {
		if err = addOcspStaple(&config.Certificates[0], data); err != nil {
			return nil, err
		}
	}
	return config, nil
}

func newClientTLSConfig(data CertificateData, hostname string) (*tls.Config, error) {
	config := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         hostname,
		InsecureSkipVerify: data.VerifyMode == VerifyNone,
	}
	if data.ServerName != "" {
		config.ServerName = data.ServerName
	}
	if data.CAFile != "" {
		pool, err := loadCertPool(data.CAFile)
		if err != nil {
			return nil, err
		}
		config.RootCAs = pool
	}
	if data.CertificateFile != "" || data.CertificateChainFile != "" {
		cert, err := loadKeyPair(data)
		if err != nil {
			return nil, err
		}
		config.Certificates = []tls.Certificate{cert}
	}
	return config, nil
}

func loadKeyPair(data CertificateData) (tls.Certificate, error) {
	certFile := data.CertificateChainFile
	if certFile == "" {
		certFile = data.CertificateFile
	}
	cert, err := tls.LoadX509KeyPair(certFile, data.PrivateKeyFile)
	if err != nil {
		return cert, errors.Wrapf(err, "load key pair %s", certFile)
	}
	return cert, nil
}

func loadCertPool(filename string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "read ca file %s", filename)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.Errorf("no certificates found in %s", filename)
	}
	return pool, nil
}

func parseCaCertFile(filename string) (*x509.Certificate, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.Errorf("no pem block in %s", filename)
	}
	return x509.ParseCertificate(block.Bytes)
}

func addOcspStaple(cert *tls.Certificate, data CertificateData) error {
	if data.CAFile == "" {
		return errors.Wrap(ErrInvalidConfig, "ocsp stapling needs the issuer ca file")
	}
	issuer, err := parseCaCertFile(data.CAFile)
	if err != nil {
		return err
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return err
	}
	staple, err := NewOcspProcessor(context.Background(), data.OCSPResponderURL).OcspVerify(leaf, issuer)
	if err != nil {
		return errors.Wrap(err, "ocsp verify server certificate")
	}
	cert.OCSPStaple = staple
	if log.Debug().Enabled() {
		log.Debug().Msgf("stapled ocsp response for %s", leaf.Subject.CommonName)
	}
	return nil
}
