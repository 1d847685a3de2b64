package mqtt

import (
	"sync"
	"time"
)

// Tally is one local day's token totals.
type Tally struct {
	Day     string // local date, YYYY-MM-DD
	Input   int64
	Output  int64
	Answers int64
}

// Total is input plus output tokens.
func (t Tally) Total() int64 { return t.Input + t.Output }

// DailyTokens feeds the "tokens today" sensor. It satisfies
// companion.TokenObserver and starts a fresh Tally at local midnight.
type DailyTokens struct {
	loc *time.Location
	now func() time.Time

	mu  sync.Mutex
	cur Tally
}

// NewDailyTokens counts days in loc, or time.Local when loc is nil.
func NewDailyTokens(loc *time.Location) *DailyTokens {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTokens{loc: loc, now: time.Now}
	d.cur.Day = d.day()
	return d
}

func (d *DailyTokens) day() string {
	return d.now().In(d.loc).Format(time.DateOnly)
}

// roll starts a new Tally when the local date has moved on. d.mu must
// be held.
func (d *DailyTokens) roll() {
	if day := d.day(); day != d.cur.Day {
		d.cur = Tally{Day: day}
	}
}

// OnTokens adds one answered question's usage to today's tally.
func (d *DailyTokens) OnTokens(inputTokens, outputTokens int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roll()
	d.cur.Input += int64(inputTokens)
	d.cur.Output += int64(outputTokens)
	d.cur.Answers++
}

// Today returns today's tally.
func (d *DailyTokens) Today() Tally {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roll()
	return d.cur
}
