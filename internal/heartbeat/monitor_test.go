package heartbeat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/hulink/internal/testutil/testlog"
)

func TestConfigValidate(t *testing.T) {
	testlog.Start(t)
	require.NoError(t, DefaultConfig().Validate())
	require.True(t, errors.Is(Config{}.Validate(), ErrInvalidInterval))
	require.True(t, errors.Is(Config{Interval: time.Second, Timeout: time.Second}.Validate(), ErrInvalidTimeout))
}

func TestTimeoutFiresOncePerLapse(t *testing.T) {
	testlog.Start(t)
	var timeouts atomic.Int32
	m, err := New(0, Config{Interval: 10 * time.Millisecond, Timeout: 30 * time.Millisecond}, Callbacks{
		OnTimeout: func(uint8) { timeouts.Add(1) },
	})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	require.Eventually(t, func() bool { return timeouts.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), timeouts.Load(), "one silent lapse must report once")

	m.Touch()
	require.Eventually(t, func() bool { return timeouts.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestActivityPreventsTimeout(t *testing.T) {
	testlog.Start(t)
	var timeouts atomic.Int32
	m, err := New(4, Config{Interval: 20 * time.Millisecond, Timeout: 60 * time.Millisecond}, Callbacks{
		OnTimeout: func(uint8) { timeouts.Add(1) },
	})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		m.Touch()
		time.Sleep(5 * time.Millisecond)
	}
	m.Stop()
	require.Zero(t, timeouts.Load())
}

func TestProbeSentWhenIdleAndDoesNotRearm(t *testing.T) {
	testlog.Start(t)
	var probes, timeouts atomic.Int32
	var probedID atomic.Int32
	m, err := New(9, Config{Interval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond}, Callbacks{
		OnProbe: func(id uint8) {
			probedID.Store(int32(id))
			probes.Add(1)
		},
		OnTimeout: func(uint8) { timeouts.Add(1) },
	})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	require.Eventually(t, func() bool { return timeouts.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, probes.Load(), int32(1))
	require.Equal(t, int32(9), probedID.Load())
}

func TestStopIsSynchronous(t *testing.T) {
	testlog.Start(t)
	var timeouts atomic.Int32
	m, err := New(0, Config{Interval: 5 * time.Millisecond, Timeout: 15 * time.Millisecond}, Callbacks{
		OnTimeout: func(uint8) { timeouts.Add(1) },
	})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	require.ErrorIs(t, m.Start(context.Background()), ErrAlreadyStarted)
	m.Stop()
	after := timeouts.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, after, timeouts.Load(), "no callbacks after Stop returns")
	m.Stop()
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTouchRearmsOnlyForLaterLapse(t *testing.T) {
	testlog.Start(t)
	clock := &manualClock{now: time.Unix(1700000000, 0)}
	var timeouts atomic.Int32
	m, err := New(2, Config{Interval: time.Second, Timeout: 3 * time.Second}, Callbacks{
		OnTimeout: func(uint8) { timeouts.Add(1) },
	})
	require.NoError(t, err)
	m.now = clock.Now
	m.Touch()

	clock.Advance(3 * time.Second)
	m.check()
	m.check()
	require.Equal(t, int32(1), timeouts.Load())

	m.Touch()
	m.check()
	require.Equal(t, int32(1), timeouts.Load(), "activity at the check instant must not time out")
	require.Zero(t, m.Idle())

	clock.Advance(3 * time.Second)
	m.check()
	require.Equal(t, int32(2), timeouts.Load())
}

func TestConcurrentTouchAndCheckStayConsistent(t *testing.T) {
	testlog.Start(t)
	clock := &manualClock{now: time.Unix(1700000000, 0)}
	var timeouts atomic.Int32
	m, err := New(0, Config{Interval: time.Second, Timeout: 2 * time.Second}, Callbacks{
		OnTimeout: func(uint8) { timeouts.Add(1) },
	})
	require.NoError(t, err)
	m.now = clock.Now
	m.Touch()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				m.check()
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			clock.Advance(500 * time.Millisecond)
			m.Touch()
		}
	}()
	time.Sleep(20 * time.Millisecond)
	close(stop)
	wg.Wait()
	// Every Touch is 500ms after the previous one, so nothing ever lapsed.
	require.Zero(t, timeouts.Load())

	clock.Advance(2 * time.Second)
	m.check()
	m.check()
	require.Equal(t, int32(1), timeouts.Load())
}
