package nats

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accreditation-portal/messaging/pkg/logger"
)

func TestDialOptions_PlainAndToken(t *testing.T) {
	plain, err := dialOptions(Config{Name: "node-a"}, logger.NewNop())
	require.NoError(t, err)

	withToken, err := dialOptions(Config{Name: "node-a", Token: "s3cret"}, logger.NewNop())
	require.NoError(t, err)
	assert.Len(t, withToken, len(plain)+1)
}

func TestCreateTLSConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	badCA := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(badCA, []byte("not a certificate"), 0o600))

	_, err := createTLSConfig(filepath.Join(dir, "missing.pem"), "", "")
	assert.ErrorContains(t, err, "failed to read CA file")

	_, err = createTLSConfig(badCA, "", "")
	assert.ErrorContains(t, err, "failed to parse CA certificate")

	_, err = dialOptions(Config{CAFile: badCA}, logger.NewNop())
	assert.ErrorContains(t, err, "failed to create TLS config")
}
