package stats

import (
	"strings"
	"testing"
	"time"
)

func TestSummarize(t *testing.T) {
	var ds []time.Duration
	for i := 1; i <= 100; i++ {
		ds = append(ds, time.Duration(101-i)*time.Millisecond)
	}
	s := Summarize(ds)
	if s.N != 100 || s.P50 != 51*time.Millisecond || s.P95 != 95*time.Millisecond || s.Max != 100*time.Millisecond {
		t.Errorf("Summarize() = %+v", s)
	}
	if s.Avg != 50500*time.Microsecond {
		t.Errorf("Avg = %v", s.Avg)
	}
	if got := Summarize(nil); got.N != 0 {
		t.Errorf("empty Summarize() = %+v", got)
	}
}

func TestParseMetricLine(t *testing.T) {
	tests := []struct {
		line  string
		name  string
		value float64
		ok    bool
	}{
		{"dmchat_connections_total 12", "dmchat_connections_total", 12, true},
		{`dmchat_messages_total{result="stored"} 3`, "dmchat_messages_total", 3, true},
		{`dmchat_event_latency_seconds_sum{event="join"} 0.25 1700000000`, "dmchat_event_latency_seconds_sum", 0.25, true},
		{`broken{label="x" 1`, "", 0, false},
		{"lonely", "", 0, false},
	}
	for _, tt := range tests {
		name, v, ok := parseMetricLine(tt.line)
		if ok != tt.ok || name != tt.name || v != tt.value {
			t.Errorf("parseMetricLine(%q) = %q, %v, %v", tt.line, name, v, ok)
		}
	}
}

func TestParseSnapshot_SumsLabels(t *testing.T) {
	body := strings.Join([]string{
		"# HELP dmchat_messages_total x",
		`dmchat_messages_total{result="stored"} 10`,
		`dmchat_messages_total{result="delivered"} 4`,
		"dmchat_online_users 7",
		`dmchat_event_latency_seconds_count{event="join"} 2`,
		`dmchat_event_latency_seconds_count{event="send_message"} 3`,
	}, "\n")
	snap, err := parseSnapshot(strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if snap.messages != 14 || snap.onlineUsers != 7 || snap.latencyCnt != 5 {
		t.Errorf("snapshot = %+v", snap)
	}
}
