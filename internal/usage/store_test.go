package usage

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/botodachi/internal/config"
)

var prices = map[string]config.PricingEntry{
	"claude-sonnet-4": {InputPerMillion: 3, OutputPerMillion: 15},
	"claude-haiku-4":  {InputPerMillion: 1, OutputPerMillion: 5},
}

func newLedger(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "usage.db"), prices)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func record(t *testing.T, s *Store, recs ...Record) {
	t.Helper()
	for _, r := range recs {
		if err := s.Record(context.Background(), r); err != nil {
			t.Fatalf("Record(%s): %v", r.RequestID, err)
		}
	}
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

var evening = time.Date(2026, 3, 14, 21, 30, 0, 0, time.UTC)

func around(at time.Time) Window {
	return Window{Since: at.Add(-time.Minute), Until: at.Add(time.Minute)}
}

func TestRecord_PricesAndTotals(t *testing.T) {
	s := newLedger(t)
	record(t, s,
		Record{Timestamp: evening, RequestID: "a", VideoID: "youtube:abc", Model: "claude-sonnet-4", Provider: "anthropic", InputTokens: 2000, OutputTokens: 100},
		Record{Timestamp: evening, RequestID: "b", VideoID: "youtube:abc", Model: "claude-haiku-4", Provider: "anthropic", InputTokens: 1000, OutputTokens: 200, Kind: KindPreset},
		Record{Timestamp: evening, RequestID: "c", Model: "llama3.2", Provider: "ollama", InputTokens: 500, OutputTokens: 50},
	)

	got, err := s.Total(context.Background(), around(evening))
	if err != nil {
		t.Fatalf("Total: %v", err)
	}
	if got.Records != 3 || got.InputTokens != 3500 || got.OutputTokens != 350 {
		t.Errorf("totals = %+v", got)
	}
	// 0.0075 for sonnet, 0.002 for haiku, local is free.
	if !near(got.CostUSD, 0.0095) {
		t.Errorf("cost = %f, want 0.0095", got.CostUSD)
	}
}

func TestRecord_Defaults(t *testing.T) {
	s := newLedger(t)
	s.now = func() time.Time { return evening }
	record(t, s, Record{RequestID: "r", Model: "claude-sonnet-4", Provider: "anthropic", CostUSD: 1.25})

	byKind, err := s.Breakdown(context.Background(), around(evening), ByKind)
	if err != nil {
		t.Fatalf("Breakdown: %v", err)
	}
	q, ok := byKind[KindQuestion]
	if !ok || q.Records != 1 {
		t.Fatalf("by kind = %+v, want one question stamped now", byKind)
	}
	if q.CostUSD != 1.25 {
		t.Errorf("cost = %f, an explicit cost must not be repriced", q.CostUSD)
	}
}

func TestBreakdown(t *testing.T) {
	s := newLedger(t)
	record(t, s,
		Record{Timestamp: evening, RequestID: "1", Model: "m1", Provider: "ollama", CostUSD: 1, VideoID: "youtube:a"},
		Record{Timestamp: evening, RequestID: "2", Model: "m1", Provider: "ollama", CostUSD: 2, VideoID: "youtube:a", Kind: KindPreset},
		Record{Timestamp: evening, RequestID: "3", Model: "m2", Provider: "anthropic", CostUSD: 3, VideoID: "netflix:b", Kind: KindComments},
		Record{Timestamp: evening, RequestID: "4", Model: "m2", Provider: "anthropic", CostUSD: 4, Kind: KindRecap},
	)

	tests := []struct {
		dim  Dimension
		want map[string]float64
	}{
		{ByModel, map[string]float64{"m1": 3, "m2": 7}},
		{ByProvider, map[string]float64{"ollama": 3, "anthropic": 7}},
		{ByKind, map[string]float64{KindQuestion: 1, KindPreset: 2, KindComments: 3, KindRecap: 4}},
		{ByVideo, map[string]float64{"youtube:a": 3, "netflix:b": 3, "": 4}},
	}
	for _, tt := range tests {
		t.Run(string(tt.dim), func(t *testing.T) {
			got, err := s.Breakdown(context.Background(), around(evening), tt.dim)
			if err != nil {
				t.Fatalf("Breakdown: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("groups = %v, want %v", got, tt.want)
			}
			for k, cost := range tt.want {
				if !near(got[k].CostUSD, cost) {
					t.Errorf("%q cost = %f, want %f", k, got[k].CostUSD, cost)
				}
			}
		})
	}

	if _, err := s.Breakdown(context.Background(), around(evening), Dimension("cost_usd; DROP TABLE usage")); err == nil {
		t.Error("unknown dimension accepted")
	}
}

func TestWindowIsHalfOpen(t *testing.T) {
	s := newLedger(t)
	w := Window{Since: evening, Until: evening.Add(time.Hour)}
	record(t, s,
		Record{Timestamp: w.Since.Add(-time.Second), RequestID: "before", Model: "m", Provider: "p", CostUSD: 1},
		Record{Timestamp: w.Since, RequestID: "first", Model: "m", Provider: "p", CostUSD: 2},
		Record{Timestamp: w.Until.Add(-time.Second), RequestID: "last", Model: "m", Provider: "p", CostUSD: 4},
		Record{Timestamp: w.Until, RequestID: "after", Model: "m", Provider: "p", CostUSD: 8},
	)

	got, err := s.Total(context.Background(), w)
	if err != nil {
		t.Fatalf("Total: %v", err)
	}
	if got.Records != 2 || got.CostUSD != 6 {
		t.Errorf("totals = %+v, want first and last only", got)
	}
}

func TestReport(t *testing.T) {
	s := newLedger(t)
	record(t, s,
		Record{Timestamp: evening, RequestID: "1", Model: "llama3.2", Provider: "ollama", InputTokens: 10, OutputTokens: 5, VideoID: "youtube:a"},
		Record{Timestamp: evening, RequestID: "2", Model: "llama3.2", Provider: "ollama", InputTokens: 10, OutputTokens: 5, Kind: KindRecap},
	)

	r, err := s.Report(context.Background(), around(evening))
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if r.Total.Records != 2 || r.Total.InputTokens != 20 {
		t.Errorf("total = %+v", r.Total)
	}
	if r.ByModel["llama3.2"].Records != 2 || len(r.ByKind) != 2 || len(r.ByVideo) != 2 {
		t.Errorf("breakdowns = %+v %+v %+v", r.ByModel, r.ByKind, r.ByVideo)
	}
}

func TestEmptyLedger(t *testing.T) {
	s := newLedger(t)
	r, err := s.Report(context.Background(), LastDays(time.Now(), 30))
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if r.Total != (Totals{}) {
		t.Errorf("total = %+v, want zero", r.Total)
	}
	if r.ByModel == nil || len(r.ByModel) != 0 {
		t.Errorf("by model = %v, want empty map", r.ByModel)
	}
}

func TestLastDays(t *testing.T) {
	now := time.Date(2026, 3, 14, 21, 30, 15, 500_000_000, time.FixedZone("JST", 9*3600))
	w := LastDays(now, 7)
	if want := now.UTC().Add(-7 * 24 * time.Hour); !w.Since.Equal(want) {
		t.Errorf("since = %v, want %v", w.Since, want)
	}
	if want := time.Date(2026, 3, 14, 12, 30, 16, 0, time.UTC); !w.Until.Equal(want) {
		t.Errorf("until = %v, want %v", w.Until, want)
	}
}

func TestComputeCost(t *testing.T) {
	tests := []struct {
		name          string
		model         string
		input, output int
		pricing       map[string]config.PricingEntry
		want          float64
	}{
		{"priced", "claude-sonnet-4", 1_000_000, 100_000, prices, 4.5},
		{"small", "claude-haiku-4", 1000, 500, prices, 0.0035},
		{"local model", "llama3.2", 1_000_000, 1_000_000, prices, 0},
		{"no tokens", "claude-sonnet-4", 0, 0, prices, 0},
		{"nil table", "claude-sonnet-4", 1000, 500, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeCost(tt.model, tt.input, tt.output, tt.pricing); !near(got, tt.want) {
				t.Errorf("ComputeCost = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestNewStore_BadPath(t *testing.T) {
	if _, err := NewStore(filepath.Join(t.TempDir(), "missing", "usage.db"), nil); err == nil {
		t.Error("expected an error for a path in a missing directory")
	}
}
