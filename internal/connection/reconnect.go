package connection

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/danmuck/hulink/internal/transport"
)

var ErrInvalidReconnect = errors.New("connection: invalid reconnect config")

// ReconnectConfig enables redialing the primary after a loss with no
// alternate. Attempt n waits InitialDelay*Multiplier^(n-1), optionally
// jittered, and never longer than MaxDelay.
type ReconnectConfig struct {
	Enabled      bool
	MaxAttempts  int // 0 retries forever
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
}

func (r ReconnectConfig) withDefaults() ReconnectConfig {
	if r.InitialDelay > 0 {
		return r
	}
	def := DefaultReconnectConfig()
	r.InitialDelay, r.Multiplier, r.MaxDelay, r.Jitter = def.InitialDelay, def.Multiplier, def.MaxDelay, def.Jitter
	return r
}

func (r ReconnectConfig) Validate() error {
	if r.MaxAttempts < 0 {
		return fmt.Errorf("%w: max_attempts %d negative", ErrInvalidReconnect, r.MaxAttempts)
	}
	if r.Multiplier != 0 && r.Multiplier < 1 {
		return fmt.Errorf("%w: multiplier %.2f below 1", ErrInvalidReconnect, r.Multiplier)
	}
	if r.MaxDelay > 0 && r.MaxDelay < r.InitialDelay {
		return fmt.Errorf("%w: max_delay below initial_delay", ErrInvalidReconnect)
	}
	return nil
}

// Delay is the wait before redial attempt n (1-based). Jitter scales the
// delay by [0.5, 1.5) and needs rng; MaxDelay applies after jitter.
func (r ReconnectConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if r.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	mult := math.Max(r.Multiplier, 1)
	d := float64(r.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if r.Jitter && rng != nil {
		d *= 0.5 + rng.Float64()
	}
	if r.MaxDelay > 0 && d > float64(r.MaxDelay) {
		d = float64(r.MaxDelay)
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func (c *Controller) reconnectLoop(ctx context.Context, inbox chan<- event) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var lastErr error
	for attempt := 1; ; attempt++ {
		if max := c.cfg.Reconnect.MaxAttempts; max > 0 && attempt > max {
			if lastErr == nil {
				lastErr = transport.ErrClosed
			}
			c.post(ctx, inbox, event{kind: evReconnectFailed, err: lastErr})
			return
		}
		timer := time.NewTimer(c.cfg.Reconnect.Delay(attempt, rng))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		l := newLink(ctx, c.cfg.Primary, c.limits, c.cfg.MaxMessage, c.cfg.SendQueue, inbox)
		if err := l.open(ctx, c.touch); err != nil {
			lastErr = err
			c.log.Debug().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
			continue
		}
		if !c.post(ctx, inbox, event{kind: evReconnected, link: l}) {
			l.close()
		}
		return
	}
}

func (c *Controller) reconnected(l *link) {
	c.mu.Lock()
	if c.state != StateReconnecting {
		c.mu.Unlock()
		l.close()
		return
	}
	c.active = l
	c.lastDesc = l.desc
	c.state = StateConnected
	c.mu.Unlock()
	c.touch()
	c.listener.reconnected()
	c.log.Info().Str("link", l.desc.String()).Msg("reconnected")
}
