package facilitator

import (
	"time"

	"github.com/vitwit/x402-facilitator/logger"
	"github.com/vitwit/x402-facilitator/metrics"
)

type Option func(*Facilitator)

func WithLogger(l logger.Logger) Option {
	return func(f *Facilitator) {
		f.log = l
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(f *Facilitator) {
		f.metrics = m
	}
}

// WithTimeout bounds every Verify and Settle call.
func WithTimeout(d time.Duration) Option {
	return func(f *Facilitator) {
		f.timeout = d
	}
}
