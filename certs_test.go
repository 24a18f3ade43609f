package streamreactor

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testPKI struct {
	caCert     *x509.Certificate
	caKey      *ecdsa.PrivateKey
	serverCert *x509.Certificate
	caFile     string
	serverCrt  string
	serverKey  string
	clientCrt  string
	clientKey  string
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()
	dir := t.TempDir()
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "streamreactor test ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	caDer, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(caDer)
	require.NoError(t, err)

	pki := &testPKI{caCert: caCert, caKey: caKey, caFile: filepath.Join(dir, "ca.pem")}
	writePEM(t, pki.caFile, "CERTIFICATE", caDer)

	var serverDer []byte
	pki.serverCrt, pki.serverKey, serverDer = issueLeaf(t, dir, "server", caCert, caKey, 2, x509.ExtKeyUsageServerAuth)
	pki.serverCert, err = x509.ParseCertificate(serverDer)
	require.NoError(t, err)
	pki.clientCrt, pki.clientKey, _ = issueLeaf(t, dir, "client", caCert, caKey, 3, x509.ExtKeyUsageClientAuth)
	return pki
}

func issueLeaf(t *testing.T, dir, name string, ca *x509.Certificate, caKey *ecdsa.PrivateKey, serial int64, usage x509.ExtKeyUsage) (string, string, []byte) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca, &key.PublicKey, caKey)
	require.NoError(t, err)
	keyDer, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	certFile := filepath.Join(dir, name+".crt")
	keyFile := filepath.Join(dir, name+".pk")
	writePEM(t, certFile, "CERTIFICATE", der)
	writePEM(t, keyFile, "EC PRIVATE KEY", keyDer)
	return certFile, keyFile, der
}

func writePEM(t *testing.T, path, blockType string, der []byte) {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func (p *testPKI) serverData() CertificateData {
	return CertificateData{TLS: true, CertificateFile: p.serverCrt, PrivateKeyFile: p.serverKey, CAFile: p.caFile}
}

func (p *testPKI) clientData() CertificateData {
	return CertificateData{TLS: true, VerifyMode: VerifyPeer, CAFile: p.caFile}
}
