package workerpool

import "time"

// poolTicker is the same seam crab-cron's scheduler uses: production code
// gets a real time.Ticker, tests substitute a channel they control directly.
type poolTicker interface {
	Chan() <-chan time.Time
	Stop()
}

type realTicker struct {
	ticker *time.Ticker
}

func newRealTicker(interval time.Duration) *realTicker {
	return &realTicker{ticker: time.NewTicker(interval)}
}

func (t *realTicker) Chan() <-chan time.Time { return t.ticker.C }
func (t *realTicker) Stop()                  { t.ticker.Stop() }
