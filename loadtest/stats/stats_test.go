package stats

import (
	"strings"
	"testing"
	"time"
)

func TestParseExposition(t *testing.T) {
	body := `# HELP relay_connections Current number of open realtime connections
# TYPE relay_connections gauge
relay_connections 42
relay_messages_total{result="relayed"} 10
relay_messages_total{result="rate_limited"} 3
relay_persist_latency_seconds_sum 0.25
relay_persist_latency_seconds_count 5
garbage line
`
	values, err := parseExposition(strings.NewReader(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	tests := map[string]float64{
		"relay_connections":                       42,
		"relay_messages_total":                    13,
		`relay_messages_total{result="relayed"}`:  10,
		"relay_persist_latency_seconds_count":     5,
		`relay_messages_total{result="rejected"}`: 0,
	}
	for key, want := range tests {
		if got := values[key]; got != want {
			t.Errorf("%s = %v, want %v", key, got, want)
		}
	}
}

func TestSummarize(t *testing.T) {
	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}
	out := Summarize(ds)
	for _, want := range []string{"p50: 51ms", "p95: 95ms", "p99: 99ms", "max: 100ms", "n=100"} {
		if !strings.Contains(out, want) {
			t.Errorf("Summarize() = %q, missing %q", out, want)
		}
	}

	if got := Summarize(nil); !strings.Contains(got, "no samples") {
		t.Errorf("Summarize(nil) = %q", got)
	}
}
