package server

import (
	"context"

	"golang.org/x/time/rate"
)

// inputMeter throttles agent input bytes for one connection. The
// burst equals one second of budget; larger writes are fed to the
// limiter in burst-sized chunks.
type inputMeter struct {
	limiter *rate.Limiter
}

// newInputMeter allows bytesPerSec of input. Zero or negative means
// unthrottled.
func newInputMeter(bytesPerSec int) *inputMeter {
	if bytesPerSec <= 0 {
		return &inputMeter{}
	}
	return &inputMeter{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)}
}

// wait blocks until n bytes of budget are available or ctx ends.
func (m *inputMeter) wait(ctx context.Context, n int) error {
	if m.limiter == nil || n <= 0 {
		return nil
	}
	burst := m.limiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := m.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
