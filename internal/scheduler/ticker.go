package scheduler

import "time"

// schedulerTicker is crab-cron's seam, reused verbatim: production gets a
// real time.Ticker, tests substitute a channel they drive by hand.
type schedulerTicker interface {
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
