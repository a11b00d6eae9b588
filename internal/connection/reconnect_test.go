package connection

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/hulink/internal/testutil/testlog"
)

func TestReconnectDelayGrowsToCap(t *testing.T) {
	testlog.Start(t)
	r := ReconnectConfig{InitialDelay: 250 * time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Second}
	want := []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		require.Equal(t, w, r.Delay(i+1, nil), "attempt %d", i+1)
	}
	require.Equal(t, 5*time.Second, r.Delay(10_000, nil))
}

func TestReconnectDelayJitterStaysUnderCap(t *testing.T) {
	testlog.Start(t)
	r := ReconnectConfig{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 3 * time.Second, Jitter: true}
	rng := rand.New(rand.NewSource(7))
	sawCap := false
	for i := 0; i < 500; i++ {
		attempt := 1 + i%4
		d := r.Delay(attempt, rng)
		require.LessOrEqual(t, d, r.MaxDelay)
		if attempt == 1 {
			require.GreaterOrEqual(t, d, 500*time.Millisecond)
			require.Less(t, d, 1500*time.Millisecond)
		}
		if d == r.MaxDelay {
			sawCap = true
		}
	}
	require.True(t, sawCap, "jitter above the cap must clamp to MaxDelay")
}

func TestReconnectDelayJitterWithoutRNGIsUnscaled(t *testing.T) {
	testlog.Start(t)
	r := ReconnectConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second, Jitter: true}
	require.Equal(t, 100*time.Millisecond, r.Delay(1, nil))
	require.Equal(t, 400*time.Millisecond, r.Delay(3, nil))
}

func TestReconnectConfigDefaultsAndValidate(t *testing.T) {
	testlog.Start(t)
	r := ReconnectConfig{Enabled: true, MaxAttempts: 3}.withDefaults()
	require.True(t, r.Enabled)
	require.Equal(t, 3, r.MaxAttempts)
	require.Equal(t, DefaultReconnectConfig().InitialDelay, r.InitialDelay)
	require.NoError(t, r.Validate())

	require.ErrorIs(t, ReconnectConfig{MaxAttempts: -1}.Validate(), ErrInvalidReconnect)
	require.ErrorIs(t, ReconnectConfig{InitialDelay: time.Second, Multiplier: 0.5}.Validate(), ErrInvalidReconnect)
	require.ErrorIs(t, ReconnectConfig{InitialDelay: time.Second, MaxDelay: time.Millisecond}.Validate(), ErrInvalidReconnect)
	require.Zero(t, ReconnectConfig{}.Delay(3, nil))
}
