package common

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// chunkSize: size of each throttled copy chunk
const chunkSize = 64 * 1024 // 64 KiB

// PayloadCopier hands record payloads from one tier to another while keeping
// migration traffic under a bytes-per-second budget, so that tiering never
// starves foreground reads and writes of backend throughput.
type PayloadCopier struct {
	limiter *rate.Limiter
	step    int
}

// NewPayloadCopier creates a copier. rateBytesPerSec <= 0 disables throttling.
func NewPayloadCopier(rateBytesPerSec int64) *PayloadCopier {
	var limiter *rate.Limiter
	step := chunkSize
	if rateBytesPerSec > 0 {
		// a chunk must never exceed the burst or WaitN fails outright
		if rateBytesPerSec < int64(step) {
			step = int(rateBytesPerSec)
		}
		limiter = rate.NewLimiter(rate.Limit(rateBytesPerSec), step)
	}
	return &PayloadCopier{limiter: limiter, step: step}
}

// Copy returns a private copy of rec, blocking until the throughput budget
// allows len(rec.Payload) bytes to move. The checksum of the copy is
// recomputed so corruption in transit is caught by verification.
func (c *PayloadCopier) Copy(ctx context.Context, rec Record) (Record, error) {
	out := make([]byte, len(rec.Payload))
	for off := 0; off < len(rec.Payload); off += c.step {
		end := off + c.step
		if end > len(rec.Payload) {
			end = len(rec.Payload)
		}
		if c.limiter != nil {
			// wait until enough tokens are available for this chunk
			if err := c.limiter.WaitN(ctx, end-off); err != nil {
				return Record{}, fmt.Errorf("rate limiter error: %w", err)
			}
		}
		copy(out[off:end], rec.Payload[off:end])
	}
	cp := rec
	cp.Payload = out
	cp.SizeBytes = int64(len(out))
	cp.Checksum = Checksum(out)
	return cp, nil
}
