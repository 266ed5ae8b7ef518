// veil-cli is a smoke-test tool: one read or write against a running
// proxy.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/veildb/veil/pkg/client"
)

func main() {
	proxyAddr := flag.String("proxy", "127.0.0.1:9100", "proxy address")
	listenAddr := flag.String("listen", "127.0.0.1:0", "address to receive the response on")
	blockSize := flag.Int("blockSize", 4096, "deployment block size")
	blockID := flag.Uint64("block", 0, "block id")
	writeData := flag.String("write", "", "hex payload to write; empty means read")
	timeout := flag.Duration("timeout", 30*time.Second, "operation timeout")
	flag.Parse()

	log := logrus.New()

	c, err := client.New(*proxyAddr, *listenAddr, *blockSize, log)
	if err != nil {
		log.Fatalf("create client: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *writeData == "" {
		data, err := c.Read(ctx, *blockID)
		if err != nil {
			log.Fatalf("read block %d: %v", *blockID, err)
		}
		fmt.Printf("%x\n", data)
		return
	}

	payload, err := hex.DecodeString(*writeData)
	if err != nil {
		log.Fatalf("decode payload: %v", err)
	}
	if len(payload) < *blockSize {
		payload = append(payload, make([]byte, *blockSize-len(payload))...)
	}
	if err := c.Write(ctx, *blockID, payload[:*blockSize]); err != nil {
		log.Fatalf("write block %d: %v", *blockID, err)
	}
	fmt.Println("ok")
}
