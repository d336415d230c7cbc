package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/dm-chat/internal/loadtest/stats"
	"github.com/whisper/dm-chat/internal/protocol"
)

// stampPrefix marks load test message texts; the send time in unix nanos
// follows it.
const stampPrefix = "lt:"

// runChat pairs the server's known users, joins each on its own connection
// and has every user message its partner at a fixed rate. Delivery latency is
// measured from the stamp embedded in the message text.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiURL := fs.String("api", "http://localhost:8080", "REST base URL used to list users")
	metricsURL := fs.String("metrics", "http://localhost:8080/metrics", "Prometheus endpoint, empty to disable")
	pairs := fs.Int("pairs", 50, "Maximum number of user pairs")
	rate := fs.Duration("interval", 500*time.Millisecond, "Interval between messages per user")
	duration := fs.Duration("duration", 30*time.Second, "Test duration")
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	users, err := listUsers(ctx, *apiURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list users: %v\n", err)
		os.Exit(1)
	}
	if n := len(users) / 2; n < *pairs {
		*pairs = n
	}
	if *pairs == 0 {
		fmt.Fprintln(os.Stderr, "need at least two users; seed them with SEED_USERS")
		os.Exit(1)
	}
	fmt.Printf("Chat test: %d pairs, one message per %s per user, for %s\n", *pairs, *rate, *duration)

	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, 2*time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	runCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		a, b := users[2*i], users[2*i+1]
		for _, p := range [][2]string{{a, b}, {b, a}} {
			wg.Add(1)
			go func(self, peer string) {
				defer wg.Done()
				chatUser(runCtx, *url, self, peer, *rate, collector)
			}(p[0], p[1])
		}
	}
	wg.Wait()

	fmt.Printf("\nDelivered %d messages.\n", collector.DeliveredCount())
	collector.Report()
}

func chatUser(ctx context.Context, url, self, peer string, interval time.Duration, collector *stats.Collector) {
	c, err := dialSession(ctx, url)
	if err != nil {
		collector.AddError()
		return
	}
	defer c.Close()
	collector.AddConnect(c.GetMetrics().ConnectLatency)

	c.On(protocol.TypeReceiveMessage, func(raw json.RawMessage) {
		var m struct {
			Text string `json:"text"`
		}
		if json.Unmarshal(raw, &m) != nil || !strings.HasPrefix(m.Text, stampPrefix) {
			return
		}
		if ns, err := strconv.ParseInt(strings.TrimPrefix(m.Text, stampPrefix), 10, 64); err == nil {
			collector.AddMsgLatency(time.Since(time.Unix(0, ns)))
		}
	})
	c.On(protocol.TypeRateLimited, func(json.RawMessage) { collector.AddRateLimited() })
	c.On(protocol.TypeError, func(json.RawMessage) { collector.AddError() })

	if err := c.Join(self); err != nil {
		collector.AddError()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Let in-flight deliveries land before closing.
			time.Sleep(200 * time.Millisecond)
			return
		case <-ticker.C:
			text := stampPrefix + strconv.FormatInt(time.Now().UnixNano(), 10)
			if err := c.SendText(self, peer, text); err != nil {
				collector.AddError()
				return
			}
		}
	}
}

// listUsers returns the ids of every user the server knows about, skipping
// banned and muted ones.
func listUsers(ctx context.Context, base string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/api/users/online", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var entries []struct {
		ID       string `json:"_id"`
		IsBanned bool   `json:"isBanned"`
		IsMuted  bool   `json:"isMuted"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsBanned && !e.IsMuted {
			ids = append(ids, e.ID)
		}
	}
	return ids, nil
}
