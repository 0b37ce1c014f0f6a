package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/llmrelay/llmrelay/internal/app"
)

// version is set at build time via -ldflags.
var version = "dev"

// runHealthCheck probes the proxy health endpoint, for container
// HEALTHCHECK directives in images without curl.
func runHealthCheck(port int) error {
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/v1/health", port))
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-healthcheck" {
		cfg, err := app.LoadConfig()
		if err != nil {
			os.Exit(1)
		}
		if err := runHealthCheck(cfg.ProxyPort); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}

	log.Printf("llmrelay version %s", version)
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	srv, err := app.NewServer(cfg)
	if err != nil {
		log.Fatalf("server init error: %v", err)
	}

	proxySrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ProxyPort),
		Handler:           srv.ProxyRouter(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// Streaming completions can legitimately run for minutes.
		WriteTimeout: 300 * time.Second,
	}
	dashboardSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.DashboardPort),
		Handler:           srv.DashboardRouter(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	go func() {
		log.Printf("proxy plane listening on :%d", cfg.ProxyPort)
		if err := proxySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("proxy listen error: %v", err)
		}
	}()
	go func() {
		log.Printf("dashboard plane listening on :%d", cfg.DashboardPort)
		if err := dashboardSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("dashboard listen error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Printf("shutting down (draining in-flight requests)...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, hs := range []*http.Server{proxySrv, dashboardSrv} {
		wg.Add(1)
		go func(hs *http.Server) {
			defer wg.Done()
			if err := hs.Shutdown(ctx); err != nil {
				log.Printf("HTTP shutdown error: %v", err)
			}
		}(hs)
	}
	wg.Wait()

	if err := srv.Close(); err != nil {
		log.Printf("server close error: %v", err)
	}
	log.Printf("shutdown complete")
}
