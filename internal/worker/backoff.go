package worker

import (
	"math/rand"
	"sync"
	"time"
)

// backoffDelay returns the re-queue delay before retry number `retry`
// (1 = first retry). Base doubles per retry, capped, with jitter so a batch
// of simultaneous failures doesn't re-arrive as a thundering herd.
func (p *Pool) backoffDelay(retry int) time.Duration {
	base := p.cfg.RetryBase
	maxD := p.cfg.RetryMaxDelay
	j := p.cfg.RetryJitter

	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	if j > 0 {
		r := (randFloat64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}

var rngMu sync.Mutex
var rng = rand.New(rand.NewSource(time.Now().UnixNano()))

func randFloat64() float64 {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rng.Float64()
}
