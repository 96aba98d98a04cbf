package utils

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureSelfSignedCert(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "certs", "server.crt")
	key := filepath.Join(dir, "certs", "server.key")
	require.NoError(t, EnsureSelfSignedCert(cert, key, "map.example.net", "10.1.2.3"))

	pair, err := tls.LoadX509KeyPair(cert, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "map.example.net", leaf.Subject.CommonName)
	assert.Contains(t, leaf.DNSNames, "map.example.net")
	assert.NoError(t, leaf.VerifyHostname("10.1.2.3"))

	st, err := os.Stat(key)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	before, _ := os.ReadFile(cert)
	require.NoError(t, EnsureSelfSignedCert(cert, key))
	after, _ := os.ReadFile(cert)
	assert.Equal(t, before, after, "existing pair is reused")
}
