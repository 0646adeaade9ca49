package engine

import (
	"context"

	"golang.org/x/time/rate"
)

// SetSpeedLimit caps the engine-wide download rate. The cap is a single
// token bucket shared by all workers, so the aggregate rate holds regardless
// of how many chunks are in flight. kbps <= 0 removes the cap. Safe to call
// while the download runs.
func (e *Engine) SetSpeedLimit(kbps float64) {
	if kbps <= 0 {
		e.limiter.Store(nil)
		return
	}
	bps := kbps * 1024
	burst := int(bps)
	if burst < blockSize {
		burst = blockSize
	}
	e.limiter.Store(rate.NewLimiter(rate.Limit(bps), burst))
}

// SpeedLimit returns the current cap in bytes/sec, 0 when uncapped.
func (e *Engine) SpeedLimit() float64 {
	lim := e.limiter.Load()
	if lim == nil {
		return 0
	}
	return float64(lim.Limit())
}

// throttle reserves n bytes from the shared bucket, sleeping as needed.
func (e *Engine) throttle(ctx context.Context, n int) error {
	lim := e.limiter.Load()
	if lim == nil {
		return nil
	}
	return lim.WaitN(ctx, n)
}
