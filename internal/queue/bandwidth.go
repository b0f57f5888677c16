package queue

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// Bandwidth is a global token bucket shared by all concurrent downloads.
// A nil *Bandwidth imposes no limit.
type Bandwidth struct {
	limiter *rate.Limiter
}

// NewBandwidth returns a limiter capped at |kibPerSec| KiB/s, or nil when
// the cap is zero or negative.
func NewBandwidth(kibPerSec int) *Bandwidth {
	if kibPerSec <= 0 {
		return nil
	}
	var bps = kibPerSec * 1024
	// Burst of one second's allowance keeps chunked reads smooth without
	// letting a single download spike past the cap.
	return &Bandwidth{limiter: rate.NewLimiter(rate.Limit(bps), bps)}
}

// WaitN blocks until |n| bytes of budget are available.
func (b *Bandwidth) WaitN(ctx context.Context, n int) error {
	if b == nil {
		return nil
	}
	// rate.Limiter rejects waits above the burst outright; split them.
	var burst = b.limiter.Burst()
	for n > 0 {
		var take = n
		if take > burst {
			take = burst
		}
		if err := b.limiter.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}

// throttledReader applies the bucket to every chunk read from the wrapped
// reader.
type throttledReader struct {
	ctx context.Context
	r   io.Reader
	bw  *Bandwidth
}

func (t *throttledReader) Read(p []byte) (int, error) {
	var n, err = t.r.Read(p)
	if n > 0 {
		if werr := t.bw.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
