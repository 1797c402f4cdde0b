package limiter

import (
	"context"
	"sync"
	"time"
)

// Consume is a pending debit against a bucket. It never fails, it only
// delays: once its time has come the budget has been paid for.
type Consume struct {
	n  int
	at time.Time

	once sync.Once
	done chan struct{}
}

// Bytes returns the number of bytes this debit was made for.
func (c *Consume) Bytes() int {
	return c.n
}

// Ready reports whether the debit is covered.
func (c *Consume) Ready() bool {
	return !time.Now().Before(c.at)
}

// Delay returns how long until Ready turns true.
func (c *Consume) Delay() time.Duration {
	d := time.Until(c.at)
	if d < 0 {
		return 0
	}
	return d
}

// Done returns a channel closed once the debit is covered.
func (c *Consume) Done() <-chan struct{} {
	c.once.Do(func() {
		c.done = make(chan struct{})
		d := c.Delay()
		if d <= 0 {
			close(c.done)
			return
		}
		time.AfterFunc(d, func() { close(c.done) })
	})
	return c.done
}

// Wait blocks until the debit is covered or ctx ends.
func (c *Consume) Wait(ctx context.Context) error {
	d := c.Delay()
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
