package mqtt

import (
	"sync"
	"testing"
	"time"
)

func TestDailyTokens(t *testing.T) {
	d := NewDailyTokens(time.UTC)
	if got := d.Today(); got.Total() != 0 || got.Answers != 0 || got.Day == "" {
		t.Errorf("fresh tally = %+v", got)
	}

	d.OnTokens(100, 200)
	d.OnTokens(50, 75)
	got := d.Today()
	want := Tally{Day: got.Day, Input: 150, Output: 275, Answers: 2}
	if got != want {
		t.Errorf("Today() = %+v, want %+v", got, want)
	}
	if got.Total() != 425 {
		t.Errorf("Total() = %d, want 425", got.Total())
	}
}

func TestDailyTokens_RollsAtLocalMidnight(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	clock := time.Date(2026, 3, 1, 14, 59, 0, 0, time.UTC) // 23:59 in Tokyo
	d := NewDailyTokens(tokyo)
	d.now = func() time.Time { return clock }
	d.cur.Day = d.day()

	d.OnTokens(500, 600)
	if got := d.Today(); got.Day != "2026-03-01" || got.Total() != 1100 {
		t.Fatalf("before midnight = %+v", got)
	}

	clock = clock.Add(2 * time.Minute)
	if got := d.Today(); got != (Tally{Day: "2026-03-02"}) {
		t.Errorf("after midnight = %+v, want an empty tally for 2026-03-02", got)
	}
	d.OnTokens(1, 2)
	if got := d.Today(); got.Answers != 1 || got.Total() != 3 {
		t.Errorf("new day tally = %+v", got)
	}
}

func TestDailyTokens_Concurrent(t *testing.T) {
	d := NewDailyTokens(nil)
	if d.loc != time.Local {
		t.Error("nil location should default to time.Local")
	}
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.OnTokens(10, 20)
		}()
	}
	wg.Wait()

	if got := d.Today(); got.Input != 1000 || got.Output != 2000 || got.Answers != 100 {
		t.Errorf("Today() = %+v", got)
	}
}
