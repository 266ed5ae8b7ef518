package proxy_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veildb/veil/internal/config"
	"github.com/veildb/veil/internal/proxy"
	"github.com/veildb/veil/internal/server"
	"github.com/veildb/veil/pkg/client"
)

const e2eKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

// startDeployment spins up one storage server and one proxy on loopback
// with a freshly seeded tree.
func startDeployment(t *testing.T) (*proxy.Proxy, *client.Client) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	cfg := config.Config{
		TreeHeight:         3,
		BucketSize:         4,
		BlockSize:          16,
		WriteBackThreshold: 4,
		StashCapacity:      64,
		EncryptionKey:      e2eKey,
		ServerListen:       "127.0.0.1:0",
		ProxyListen:        "127.0.0.1:0",
		DataDir:            t.TempDir(),
		InitTree:           true,
		Workers:            8,
	}
	ctx := context.Background()

	srv, err := server.New(cfg, log)
	require.NoError(t, err)
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(srv.Stop)

	cfg.Servers = []string{srv.Addr()}
	p, err := proxy.New(cfg, log)
	require.NoError(t, err)
	require.NoError(t, p.Start(ctx))
	t.Cleanup(p.Stop)

	c, err := client.New(p.Addr(), "127.0.0.1:0", cfg.BlockSize, log)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	return p, c
}

func TestEndToEndWriteRead(t *testing.T) {
	_, c := startDeployment(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	payload := bytes.Repeat([]byte{0xAB}, 16)
	require.NoError(t, c.Write(ctx, 5, payload))

	got, err := c.Read(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestEndToEndUnwrittenBlockReadsZero(t *testing.T) {
	_, c := startDeployment(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	got, err := c.Read(ctx, 77)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 16), got)
}

func TestEndToEndManyBlocksAcrossWriteBacks(t *testing.T) {
	p, c := startDeployment(t)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	for i := byte(1); i <= 12; i++ {
		require.NoError(t, c.Write(ctx, uint64(i), bytes.Repeat([]byte{i}, 16)))
	}
	for i := byte(1); i <= 12; i++ {
		got, err := c.Read(ctx, uint64(i))
		require.NoError(t, err)
		assert.Equal(t, bytes.Repeat([]byte{i}, 16), got, "block %d", i)
	}

	// 24 accesses over threshold 4 means several write-backs happened.
	assert.Greater(t, p.Processor().WriteBackCounter(), uint64(4))
}

func TestEndToEndConcurrentClients(t *testing.T) {
	_, c := startDeployment(t)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	const workers = 4
	var wg sync.WaitGroup
	errs := make(chan error, workers*2)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			blockID := uint64(100 + w)
			payload := bytes.Repeat([]byte{byte(w + 1)}, 16)
			if err := c.Write(ctx, blockID, payload); err != nil {
				errs <- err
				return
			}
			got, err := c.Read(ctx, blockID)
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(payload, got) {
				errs <- assert.AnError
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent client: %v", err)
	}
}
