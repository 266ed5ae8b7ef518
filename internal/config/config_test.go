package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestGetConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
treeHeight: 3
servers:
  - "127.0.0.1:9200"
encryptionKey: "`+testKey+`"
`)
	cfg, err := GetConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.TreeHeight)
	assert.Equal(t, 4, cfg.BucketSize)
	assert.Equal(t, 4096, cfg.BlockSize)
	assert.Equal(t, 8, cfg.WriteBackThreshold)
	assert.Equal(t, 128, cfg.StashCapacity)
	assert.Equal(t, ":9100", cfg.ProxyListen)

	key, err := cfg.Key()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestGetConfigExplicitValues(t *testing.T) {
	path := writeConfig(t, `
treeHeight: 5
bucketSize: 2
blockSize: 64
writeBackThreshold: 3
stashCapacity: 16
servers:
  - "a:1"
  - "b:2"
encryptionKey: "`+testKey+`"
initTree: true
`)
	cfg, err := GetConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.TreeHeight)
	assert.Equal(t, 2, cfg.BucketSize)
	assert.Equal(t, 64, cfg.BlockSize)
	assert.Equal(t, 3, cfg.WriteBackThreshold)
	assert.True(t, cfg.InitTree)
	assert.Len(t, cfg.Servers, 2)
}

func TestGetConfigMissingFile(t *testing.T) {
	_, err := GetConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "no servers",
			body: "treeHeight: 3\nencryptionKey: \"" + testKey + "\"\n",
			want: "storage server",
		},
		{
			name: "server count not a power of two",
			body: "treeHeight: 3\nservers: [\"a:1\", \"b:2\", \"c:3\"]\nencryptionKey: \"" + testKey + "\"\n",
			want: "power of two",
		},
		{
			name: "more servers than leaves",
			body: "treeHeight: 1\nservers: [\"a:1\", \"b:2\", \"c:3\", \"d:4\"]\nencryptionKey: \"" + testKey + "\"\n",
			want: "exceeds leaf count",
		},
		{
			name: "bad key",
			body: "treeHeight: 3\nservers: [\"a:1\"]\nencryptionKey: \"abcd\"\n",
			want: "encryptionKey",
		},
		{
			name: "zero height",
			body: "treeHeight: 0\nservers: [\"a:1\"]\nencryptionKey: \"" + testKey + "\"\n",
			want: "treeHeight",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := GetConfig(writeConfig(t, tc.body))
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tc.want),
				"error %q should mention %q", err.Error(), tc.want)
		})
	}
}
