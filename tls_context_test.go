package streamreactor

import (
	"context"
	"crypto/tls"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"
)

func TestParseVerifyMode(t *testing.T) {
	cases := map[string]VerifyMode{
		"":                  VerifyNone,
		"none":              VerifyNone,
		"Peer":              VerifyPeer,
		"require":           VerifyPeerRequireCert,
		"peer_require_cert": VerifyPeerRequireCert,
	}
	for in, want := range cases {
		got, err := ParseVerifyMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseVerifyMode("always")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestServerTLSConfigClientAuth(t *testing.T) {
	pki := newTestPKI(t)
	modes := map[VerifyMode]tls.ClientAuthType{
		VerifyNone:            tls.NoClientCert,
		VerifyPeer:            tls.VerifyClientCertIfGiven,
		VerifyPeerRequireCert: tls.RequireAndVerifyClientCert,
	}
	for mode, want := range modes {
		data := pki.serverData()
		data.VerifyMode = mode
		config, err := newServerTLSConfig(data)
		require.NoError(t, err)
		assert.Equal(t, want, config.ClientAuth, mode.String())
		assert.NotNil(t, config.ClientCAs)
		assert.Len(t, config.Certificates, 1)
	}
}

func TestClientTLSConfig(t *testing.T) {
	pki := newTestPKI(t)

	config, err := newClientTLSConfig(CertificateData{TLS: true}, "example.org")
	require.NoError(t, err)
	assert.True(t, config.InsecureSkipVerify)
	assert.Equal(t, "example.org", config.ServerName)

	data := pki.clientData()
	data.ServerName = "localhost"
	data.CertificateFile = pki.clientCrt
	data.PrivateKeyFile = pki.clientKey
	config, err = newClientTLSConfig(data, "127.0.0.1")
	require.NoError(t, err)
	assert.False(t, config.InsecureSkipVerify)
	assert.Equal(t, "localhost", config.ServerName)
	assert.NotNil(t, config.RootCAs)
	assert.Len(t, config.Certificates, 1)
}

func TestTLSConfigMissingFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := newServerTLSConfig(CertificateData{
		TLS:             true,
		CertificateFile: filepath.Join(dir, "missing.crt"),
		PrivateKeyFile:  filepath.Join(dir, "missing.pk"),
	})
	assert.Error(t, err)

	_, err = newClientTLSConfig(CertificateData{TLS: true, VerifyMode: VerifyPeer, CAFile: filepath.Join(dir, "ca.pem")}, "localhost")
	assert.Error(t, err)

	pki := newTestPKI(t)
	_, err = newClientTLSConfig(CertificateData{TLS: true, CAFile: pki.serverKey}, "localhost")
	assert.Error(t, err)
}

func TestTLSContextCacheReusesConfig(t *testing.T) {
	pki := newTestPKI(t)
	cache, err := newTLSContextCache()
	require.NoError(t, err)
	defer cache.Close()

	_, err = cache.serverConfig(pki.serverData())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		first, err := cache.serverConfig(pki.serverData())
		if err != nil {
			return false
		}
		second, err := cache.serverConfig(pki.serverData())
		return err == nil && second == first
	}, time.Second, 5*time.Millisecond)

	var nilCache *tlsContextCache
	config, err := nilCache.clientConfig(pki.clientData(), "localhost")
	require.NoError(t, err)
	assert.NotNil(t, config.RootCAs)
	nilCache.Close()
}

func newOcspResponder(t *testing.T, pki *testPKI, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req, err := ocsp.ParseRequest(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		template := ocsp.Response{
			Status:       status,
			SerialNumber: req.SerialNumber,
			ThisUpdate:   time.Now().Add(-time.Minute),
			NextUpdate:   time.Now().Add(time.Hour),
		}
		if status == ocsp.Revoked {
			template.RevokedAt = time.Now().Add(-time.Minute)
		}
		rsp, err := ocsp.CreateResponse(pki.caCert, pki.caCert, template, pki.caKey)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/ocsp-response")
		_, _ = w.Write(rsp)
	}))
	t.Cleanup(func() {
		http.DefaultClient.CloseIdleConnections()
		srv.Close()
	})
	return srv
}

func TestOcspStaple(t *testing.T) {
	pki := newTestPKI(t)
	srv := newOcspResponder(t, pki, ocsp.Good)

	data := pki.serverData()
	data.OCSPResponderURL = srv.URL
	config, err := newServerTLSConfig(data)
	require.NoError(t, err)
	staple := config.Certificates[0].OCSPStaple
	require.NotEmpty(t, staple)

	rsp, err := ocsp.ParseResponse(staple, pki.caCert)
	require.NoError(t, err)
	assert.Equal(t, ocsp.Good, rsp.Status)
	assert.Equal(t, pki.serverCert.SerialNumber, rsp.SerialNumber)
}

func TestOcspRevoked(t *testing.T) {
	pki := newTestPKI(t)
	srv := newOcspResponder(t, pki, ocsp.Revoked)

	data := pki.serverData()
	data.OCSPResponderURL = srv.URL
	_, err := newServerTLSConfig(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "revoked")
}

func TestOcspSerialMismatch(t *testing.T) {
	pki := newTestPKI(t)
	processor := NewOcspProcessor(context.TODO(), "")
	err := processor.processOcspResponse(pki.serverCert, &ocsp.Response{Status: ocsp.Good, SerialNumber: big.NewInt(99)})
	assert.Error(t, err)
	assert.NoError(t, processor.processOcspResponse(pki.serverCert, &ocsp.Response{Status: ocsp.Good, SerialNumber: big.NewInt(2)}))
}

func TestOcspNeedsIssuer(t *testing.T) {
	pki := newTestPKI(t)
	data := pki.serverData()
	data.CAFile = ""
	data.OCSPResponderURL = "http://127.0.0.1:1"
	_, err := newServerTLSConfig(data)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
