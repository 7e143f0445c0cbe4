package session

import (
	"time"

	"golang.org/x/time/rate"
)

// inboundLimiter caps client frames per second with a burst of
// fps*burstSeconds. A nil limiter admits everything.
type inboundLimiter struct {
	lim  *rate.Limiter
	warn rate.Sometimes
}

func newInboundLimiter(fps, burstSeconds int) *inboundLimiter {
	if fps <= 0 {
		return nil
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}
	return &inboundLimiter{
		lim:  rate.NewLimiter(rate.Limit(fps), fps*burstSeconds),
		warn: rate.Sometimes{First: 1, Interval: time.Second},
	}
}

func (l *inboundLimiter) allowAt(t time.Time) bool {
	if l == nil {
		return true
	}
	return l.lim.AllowN(t, 1)
}

// rejected runs fn at most once per second.
func (l *inboundLimiter) rejected(fn func()) {
	if l == nil {
		return
	}
	l.warn.Do(fn)
}
