package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/dm-chat/internal/loadtest/client"
	"github.com/whisper/dm-chat/internal/loadtest/stats"
)

// runSaturate opens connections at a steady rate, holds them, and reports how
// many the server dropped.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	metricsURL := fs.String("metrics", "http://localhost:8080/metrics", "Prometheus endpoint, empty to disable")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, 2*time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	var (
		mu      sync.Mutex
		clients = make([]*client.Client, 0, *connections)
	)

	fmt.Println("\n--- Ramp-up phase ---")
	interval := *rampUp / time.Duration(*connections)
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup
	stopProgress := progress(collector, *connections)

	rampStart := time.Now()
	ticker := time.NewTicker(interval)
	interrupted := false

ramp:
	for launched := 0; launched < *connections; launched++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			interrupted = true
			break ramp
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			c, err := dialSession(ctx, *url)
			if err != nil {
				collector.AddError()
				return
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)
			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}()
	}
	ticker.Stop()
	wg.Wait()
	stopProgress()

	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), *connections,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	dropped := 0
	if !interrupted {
		dropped = holdConnections(ctx, &mu, &clients, *hold)
	}

	fmt.Println("\n--- Cleanup ---")
	mu.Lock()
	for _, c := range clients {
		c.Close()
	}
	fmt.Printf("Closed %d connections.\n", len(clients))
	mu.Unlock()

	if dropped > 0 {
		fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
	}
	collector.Report()
}

func holdConnections(ctx context.Context, mu *sync.Mutex, clients *[]*client.Client, hold time.Duration) int {
	fmt.Println("\n--- Hold phase ---")
	mu.Lock()
	initial := len(*clients)
	mu.Unlock()
	fmt.Printf("Holding %d connections for %s...\n", initial, hold)

	timer := time.NewTimer(hold)
	defer timer.Stop()
	status := time.NewTicker(5 * time.Second)
	defer status.Stop()

	dropped := 0
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during hold phase.")
			return dropped
		case <-timer.C:
			fmt.Println("\nHold period complete.")
			return dropped
		case <-status.C:
			mu.Lock()
			alive := 0
			for _, c := range *clients {
				if c.GetMetrics().Errors == 0 {
					alive++
				}
			}
			mu.Unlock()
			dropped = initial - alive
			fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, initial, dropped)
		}
	}
}

// dialSession connects and waits for session_created.
func dialSession(ctx context.Context, url string) (*client.Client, error) {
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := client.New(connCtx, url)
	if err != nil {
		return nil, err
	}
	if err := c.WaitForSession(connCtx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// progress prints connection progress once a second until the returned func
// is called.
func progress(collector *stats.Collector, target int) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		last, lastAt := 0, time.Now()
		for {
			select {
			case <-ticker.C:
				n := collector.ConnectionCount()
				rate := float64(n-last) / time.Since(lastAt).Seconds()
				fmt.Printf("  [ramp] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					n, target, collector.ErrorCount(), rate)
				last, lastAt = n, time.Now()
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
