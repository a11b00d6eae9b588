// Package heartbeat watches one connection (or one session) for silence.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/hulink/internal/logging"
)

var (
	ErrInvalidInterval = errors.New("heartbeat: invalid interval")
	ErrInvalidTimeout  = errors.New("heartbeat: timeout must exceed interval")
	ErrAlreadyStarted  = errors.New("heartbeat: monitor already started")
)

// Config holds the probe interval and the silence threshold.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Second,
		Timeout:  15 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, c.Interval)
	}
	if c.Timeout <= c.Interval {
		return fmt.Errorf("%w: interval=%s timeout=%s", ErrInvalidTimeout, c.Interval, c.Timeout)
	}
	return nil
}

// Callbacks run on the monitor goroutine and must not call Stop.
type Callbacks struct {
	// OnProbe asks the owner to send a heartbeat after one idle interval.
	OnProbe func(id uint8)
	// OnTimeout fires once per lapse of Timeout without activity.
	OnTimeout func(id uint8)
}

// Monitor tracks last activity for one connection or session.
type Monitor struct {
	id  uint8
	cfg Config
	cb  Callbacks
	now func() time.Time
	log zerolog.Logger

	// act guards last and fired together so a Touch can never slip
	// between reading the idle time and arming the timeout.
	act       sync.Mutex
	last      time.Time
	fired     bool
	lastProbe atomic.Int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New returns a stopped monitor for id. id is 0 for a connection monitor.
func New(id uint8, cfg Config, cb Callbacks) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Monitor{
		id:  id,
		cfg: cfg,
		cb:  cb,
		now: time.Now,
		log: logging.Component("heartbeat").With().Uint8("session_id", id).Logger(),
	}
	m.last = m.now()
	return m, nil
}

func (m *Monitor) ID() uint8 {
	return m.id
}

// Touch records activity and re-arms the timeout.
func (m *Monitor) Touch() {
	now := m.now()
	m.act.Lock()
	m.last = now
	m.fired = false
	m.act.Unlock()
}

// Idle reports time since the last Touch.
func (m *Monitor) Idle() time.Duration {
	now := m.now()
	m.act.Lock()
	defer m.act.Unlock()
	return now.Sub(m.last)
}

// Start launches the monitor goroutine.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.started = true
	m.Touch()
	go func(done chan struct{}) {
		defer close(done)
		m.Run(runCtx)
	}(m.done)
	return nil
}

// Stop cancels the goroutine started by Start and waits for it to exit.
// Stop on a monitor that was never started is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run checks for silence until ctx ends. It is used directly by owners
// that manage the goroutine themselves.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.resolution())
	defer ticker.Stop()
	m.log.Debug().Dur("interval", m.cfg.Interval).Dur("timeout", m.cfg.Timeout).Msg("heartbeat monitor running")
	for {
		select {
		case <-ctx.Done():
			m.log.Debug().Msg("heartbeat monitor stopped")
			return
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *Monitor) check() {
	now := m.now()
	m.act.Lock()
	idle := now.Sub(m.last)
	lapsed := idle >= m.cfg.Timeout
	fire := lapsed && !m.fired
	if fire {
		m.fired = true
	}
	m.act.Unlock()
	if lapsed {
		if fire {
			m.log.Warn().Dur("idle", idle).Msg("heartbeat timeout")
			if m.cb.OnTimeout != nil {
				m.cb.OnTimeout(m.id)
			}
		}
		return
	}
	if idle < m.cfg.Interval {
		return
	}
	if now.Sub(time.Unix(0, m.lastProbe.Load())) < m.cfg.Interval {
		return
	}
	m.lastProbe.Store(now.UnixNano())
	if m.cb.OnProbe != nil {
		m.cb.OnProbe(m.id)
	}
}

func (m *Monitor) resolution() time.Duration {
	r := m.cfg.Interval / 4
	if r < time.Millisecond {
		r = time.Millisecond
	}
	return r
}
