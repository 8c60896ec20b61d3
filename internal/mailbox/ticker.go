package mailbox

import "time"

// mailboxTicker is the same fake-clock seam duplicated per package
// (ticker.go in workerpool and scheduler): production gets a real
// time.Ticker, tests substitute a channel they drive by hand.
type mailboxTicker interface {
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
