package tls

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/loykin/tapline/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerConfigDisabled(t *testing.T) {
	c, err := ServerConfig(nil)
	require.NoError(t, err)
	assert.Nil(t, c)
	c, err = ServerConfig(&config.TLSConfig{})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestServerConfigAutoGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	c, err := ServerConfig(&config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.2"})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, uint16(tls.VersionTLS12), c.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS13), c.MaxVersion)

	for _, f := range []string{tlsCrt, tlsKey, tlsCaCrt} {
		_, err := os.Stat(filepath.Join(dir, f))
		assert.NoError(t, err, f)
	}
	cert, err := c.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)
}

func TestServerConfigExplicitFiles(t *testing.T) {
	dir := t.TempDir()
	cp, kp := filepath.Join(dir, "a.crt"), filepath.Join(dir, "a.key")
	require.NoError(t, GenerateSelfSignedCert(CertConfig{CommonName: "x", Organization: "y", CertPath: cp, KeyPath: kp}))

	c, err := ServerConfig(&config.TLSConfig{Enabled: true, CertFile: cp, KeyFile: kp})
	require.NoError(t, err)
	_, err = c.GetCertificate(&tls.ClientHelloInfo{})
	assert.NoError(t, err)
}

func TestServerConfigErrors(t *testing.T) {
	_, err := ServerConfig(&config.TLSConfig{Enabled: true})
	assert.Error(t, err)
	_, err = ServerConfig(&config.TLSConfig{Enabled: true, Dir: t.TempDir()})
	assert.Error(t, err, "directory without certs and without auto_generate")
	_, err = ServerConfig(&config.TLSConfig{Enabled: true, Dir: t.TempDir(), AutoGenerate: true, MinVersion: "1.0"})
	assert.Error(t, err)
	_, err = ServerConfig(&config.TLSConfig{Enabled: true, Dir: t.TempDir(), AutoGenerate: true, MinVersion: "1.3", MaxVersion: "1.2"})
	assert.Error(t, err)
}
