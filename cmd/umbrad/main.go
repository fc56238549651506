package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/ssd-technologies/umbra/internal/engine"
)

const (
	defaultDHTPort  = 4444
	defaultBlobPort = 5567
	defaultAPIPort  = 5280
)

func main() {
	cfg := engine.Config{
		DataDir:        envOr("UMBRA_DATA_DIR", defaultDataDir()),
		DHTPort:        envPort("UMBRA_DHT_PORT", defaultDHTPort),
		BlobPort:       envPort("UMBRA_BLOB_PORT", defaultBlobPort),
		AdvertiseAddr:  os.Getenv("UMBRA_ADVERTISE_ADDR"),
		BootstrapPeers: splitList(os.Getenv("UMBRA_BOOTSTRAP")),
		ReflectorPort:  envPort("UMBRA_REFLECTOR_PORT", 0),
	}
	if v := os.Getenv("UMBRA_MIN_RATE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			log.Fatalf("UMBRA_MIN_RATE: %v", err)
		}
		cfg.MinRate = rate
	}
	apiPort := envPort("UMBRA_API_PORT", defaultAPIPort)

	eng, err := engine.New(cfg)
	if err != nil {
		log.Fatalf("open engine: %v", err)
	}
	if err := eng.Start(); err != nil {
		log.Fatalf("start engine: %v", err)
	}

	api := engine.NewLocalAPI(eng)
	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", apiPort),
		Handler: api.Handler(),
	}
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("local api: %v", err)
		}
	}()
	fmt.Printf("umbrad running, local api on http://%s\n", srv.Addr)

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")
	srv.Close()
	if err := eng.Close(); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "data"
	}
	return home + "/.umbra"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
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

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
