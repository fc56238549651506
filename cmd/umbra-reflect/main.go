// umbra-reflect is a standalone reflector: it accepts stream uploads and
// serves the reflected blobs back out over the exchange protocol, so
// publishers can hand a stream to an always-on host.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/ssd-technologies/umbra/internal/blob"
	"github.com/ssd-technologies/umbra/internal/exchange"
)

const (
	defaultReflectorPort = 5566
	defaultBlobPort      = 5567
)

func main() {
	dataDir := os.Getenv("UMBRA_DATA_DIR")
	if dataDir == "" {
		dataDir = "reflector-data"
	}
	reflectorPort := envPort("UMBRA_REFLECTOR_PORT", defaultReflectorPort)
	blobPort := envPort("UMBRA_BLOB_PORT", defaultBlobPort)

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}
	index, err := blob.OpenIndex(filepath.Join(dataDir, "blobs.db"))
	if err != nil {
		log.Fatalf("open blob index: %v", err)
	}
	defer index.Close()
	store, err := blob.NewStore(filepath.Join(dataDir, "blobs"), index, nil)
	if err != nil {
		log.Fatalf("open blob store: %v", err)
	}

	reflector := exchange.NewReflectorServer(exchange.ReflectorServerConfig{
		Store: store,
		Port:  reflectorPort,
	})
	if err := reflector.Start(); err != nil {
		log.Fatalf("start reflector: %v", err)
	}
	server := exchange.NewServer(exchange.ServerConfig{
		Store: store,
		Port:  blobPort,
	})
	if err := server.Start(); err != nil {
		log.Fatalf("start blob server: %v", err)
	}
	fmt.Printf("umbra-reflect accepting uploads on %s, serving blobs on %s\n",
		reflector.Addr(), server.Addr())

	// Periodic stats so operators can watch growth from the logs.
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	go func() {
		for range ticker.C {
			count, err := store.Count()
			if err != nil {
				continue
			}
			blobs, bytes := server.Stats()
			log.Printf("[reflect] holding %d blobs, served %d blobs / %d bytes", count, blobs, bytes)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")
	reflector.Close()
	server.Close()
}

func envPort(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	port, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("%s: %v", key, err)
	}
	return port
}
