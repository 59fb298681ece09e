package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/die-net/netsock/internal/config"
)

func TestDoBacksOffExponentially(t *testing.T) {
	t.Parallel()

	var delays []time.Duration
	r := New(Config{
		MaxRetries: 5,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
		Sleep:      func(d time.Duration) { delays = append(delays, d) },
	})

	attempts := 0
	got, err := Do(r, func() (string, error) {
		attempts++
		if attempts <= 3 {
			return "", errors.New("refused")
		}
		return "conn", nil
	})
	require.NoError(t, err)
	require.Equal(t, "conn", got)
	require.Equal(t, 4, attempts)
	require.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, delays)
}

func TestDoExhausted(t *testing.T) {
	t.Parallel()

	var delays []time.Duration
	r := New(Config{
		MaxRetries: 3,
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   15 * time.Millisecond,
		Sleep:      func(d time.Duration) { delays = append(delays, d) },
	})

	refused := errors.New("refused")
	attempts := 0
	_, err := Do(r, func() (int, error) {
		attempts++
		return 0, refused
	})
	require.ErrorIs(t, err, ErrNetworkUnreachable)
	require.ErrorIs(t, err, refused)
	require.Equal(t, 3, attempts)
	// No sleep follows the final attempt.
	require.Equal(t, []time.Duration{10 * time.Millisecond, 15 * time.Millisecond}, delays)
}

func TestDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
		n    int
		want time.Duration
	}{
		{name: "first", cfg: Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}, n: 1, want: 100 * time.Millisecond},
		{name: "fourth", cfg: Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}, n: 4, want: 800 * time.Millisecond},
		{name: "capped", cfg: Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}, n: 5, want: time.Second},
		{name: "no overflow", cfg: Config{BaseDelay: time.Second, MaxDelay: time.Hour}, n: 200, want: time.Hour},
		{name: "defaults", cfg: Config{}, n: 2, want: 2 * DefaultBaseDelay},
		{name: "max below base", cfg: Config{BaseDelay: time.Second, MaxDelay: time.Millisecond}, n: 3, want: time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, New(tt.cfg).Delay(tt.n))
		})
	}
}

func TestDoFirstTry(t *testing.T) {
	t.Parallel()

	slept := false
	r := New(Config{Sleep: func(time.Duration) { slept = true }})
	v, err := Do(r, func() (int, error) { return 7, nil })
	require.NoError(t, err)
	require.Equal(t, 7, v)
	require.False(t, slept)
	require.Equal(t, DefaultMaxRetries, r.MaxRetries())
}

func TestConfigFromProperties(t *testing.T) {
	t.Parallel()

	cfg := ConfigFromProperties(config.FromMap(map[string]string{
		PropMaxRetries: "5",
		PropBaseDelay:  "50",
		PropMaxDelay:   "2s",
	}))
	require.Equal(t, 5, cfg.MaxRetries)
	require.Equal(t, 50*time.Millisecond, cfg.BaseDelay)
	require.Equal(t, 2*time.Second, cfg.MaxDelay)

	cfg = ConfigFromProperties(config.New())
	require.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	require.Equal(t, DefaultBaseDelay, cfg.BaseDelay)
	require.Equal(t, DefaultMaxDelay, cfg.MaxDelay)
}
