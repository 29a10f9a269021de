package configutil

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stephnangue/wearlink/config"
	"github.com/stephnangue/wearlink/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kmsBlock(t *testing.T, src string) *config.BackendBlock {
	t.Helper()
	cfg, err := config.ParseConfig("kms.hcl", []byte(src))
	require.NoError(t, err)
	require.NotNil(t, cfg.KMS)
	return cfg.KMS
}

func TestConfigureWrapper_AEAD(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	block := kmsBlock(t, `kms "aead" { key = "`+key+`" }`)

	var keys []string
	info := map[string]string{}
	w, err := ConfigureWrapper(block, &keys, &info, logger.NewNop())
	require.NoError(t, err)
	assert.Contains(t, keys, "AEAD Key Length")
	assert.Equal(t, "256 bits", info["AEAD Key Length"])

	ctx := context.Background()
	blob, err := w.Encrypt(ctx, []byte("refresh-token"))
	require.NoError(t, err)
	assert.NotEqual(t, []byte("refresh-token"), blob.Ciphertext)

	pt, err := w.Decrypt(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("refresh-token"), pt)
}

func TestConfigureWrapper_AEADEphemeral(t *testing.T) {
	w, err := ConfigureWrapper(kmsBlock(t, `kms "aead" {}`), nil, nil, logger.NewNop())
	require.NoError(t, err)
	require.NotNil(t, w)
}

func TestConfigureWrapper_Errors(t *testing.T) {
	_, err := ConfigureWrapper(nil, nil, nil, logger.NewNop())
	assert.Error(t, err)

	_, err = ConfigureWrapper(kmsBlock(t, `kms "enigma" {}`), nil, nil, logger.NewNop())
	assert.ErrorContains(t, err, `unknown KMS type "enigma"`)

	_, err = ConfigureWrapper(kmsBlock(t, `kms "aead" { key = "%%%" }`), nil, nil, logger.NewNop())
	assert.ErrorContains(t, err, "error configuring aead kms")
}
