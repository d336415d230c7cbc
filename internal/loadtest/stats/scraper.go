package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// snapshot holds the tracked server metrics at one point in time.
type snapshot struct {
	at          time.Time
	connections float64
	onlineUsers float64
	messages    float64 // summed over result labels
	queueDepth  float64
	latencySum  float64
	latencyCnt  float64
}

// Scraper periodically fetches the server's /metrics endpoint.
type Scraper struct {
	metricsURL string
	interval   time.Duration
	client     *http.Client

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes one snapshot now and then one per interval until Stop.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop ends scraping and waits for the final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		return // server not ready
	}
	defer resp.Body.Close()

	snap, err := parseSnapshot(resp.Body)
	if err != nil {
		return
	}
	snap.at = time.Now()
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func parseSnapshot(r io.Reader) (snapshot, error) {
	var snap snapshot
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		name, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}
		switch name {
		case "dmchat_connections_total":
			snap.connections = value
		case "dmchat_online_users":
			snap.onlineUsers = value
		case "dmchat_messages_total":
			snap.messages += value
		case "dmchat_event_queue_depth":
			snap.queueDepth = value
		case "dmchat_event_latency_seconds_sum":
			snap.latencySum += value
		case "dmchat_event_latency_seconds_count":
			snap.latencyCnt += value
		}
	}
	return snap, scanner.Err()
}

// parseMetricLine splits a text exposition line into its name, without
// labels, and value.
func parseMetricLine(line string) (name string, value float64, ok bool) {
	raw := line
	if idx := strings.IndexByte(raw, '{'); idx != -1 {
		name = raw[:idx]
		closing := strings.IndexByte(raw[idx:], '}')
		if closing == -1 {
			return "", 0, false
		}
		raw = name + raw[idx+closing+1:]
	}

	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return "", 0, false
	}
	if name == "" {
		name = fields[0]
	}
	// A trailing timestamp is allowed; the value is always the second field.
	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report prints initial, final, delta and peak values of each tracked metric.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snapshots...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n", len(snaps), last.at.Sub(first.at).Round(time.Second))

	rows := []struct {
		label string
		get   func(snapshot) float64
	}{
		{"Connections", func(s snapshot) float64 { return s.connections }},
		{"Online Users", func(s snapshot) float64 { return s.onlineUsers }},
		{"Queue Depth", func(s snapshot) float64 { return s.queueDepth }},
		{"Messages Total", func(s snapshot) float64 { return s.messages }},
	}
	fmt.Println()
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	for _, r := range rows {
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			r.label, r.get(first), r.get(last), r.get(last)-r.get(first), peak(snaps, r.get))
	}

	fmt.Println()
	if n := last.latencyCnt - first.latencyCnt; n > 0 {
		fmt.Printf("  %-16s avg: %.4fs  (%.0f events)\n", "Event Latency", (last.latencySum-first.latencySum)/n, n)
	} else {
		fmt.Printf("  %-16s avg: N/A  (no events)\n", "Event Latency")
	}
}

func peak(snaps []snapshot, get func(snapshot) float64) float64 {
	p := math.Inf(-1)
	for _, s := range snaps {
		p = math.Max(p, get(s))
	}
	return p
}
