package provider

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/trexxak/ghostship-master-sub001/internal/metrics"
)

// pacer spaces remote calls with a token bucket so a queue burst cannot
// hammer the provider.
type pacer struct {
	limiter *rate.Limiter
}

// newPacer allows rpm requests per minute. rpm <= 0 disables pacing.
func newPacer(rpm int) *pacer {
	if rpm <= 0 {
		return nil
	}
	burst := rpm / 6
	if burst < 1 {
		burst = 1
	}
	return &pacer{limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)}
}

// Wait blocks until the limiter allows one event, or ctx is done.
// Uses Reserve() to guarantee exactly one token is consumed per call.
func (p *pacer) Wait(ctx context.Context) error {
	if p == nil {
		return nil
	}
	r := p.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay > 0 {
		metrics.ProviderRateLimitWaits.Inc()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			r.Cancel()
			return ctx.Err()
		}
	}
	return nil
}
