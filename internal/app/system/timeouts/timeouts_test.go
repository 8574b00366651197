package timeouts_test

import (
	"context"
	"testing"
	"time"

	"github.com/dalemusser/keyhub/internal/app/system/timeouts"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestDefaults(t *testing.T) {
	timeouts.Reset()
	got := timeouts.Current()
	want := timeouts.Config{
		Ping:   timeouts.DefaultPing,
		Short:  timeouts.DefaultShort,
		Medium: timeouts.DefaultMedium,
		Long:   timeouts.DefaultLong,
		Sweep:  timeouts.DefaultSweep,
	}
	if got != want {
		t.Errorf("Current() = %+v, want %+v", got, want)
	}
}

func TestConfigure_IgnoresZero(t *testing.T) {
	timeouts.Reset()
	defer timeouts.Reset()

	timeouts.Configure(timeouts.Config{Short: 7 * time.Second})

	if timeouts.Short() != 7*time.Second {
		t.Errorf("Short() = %v, want 7s", timeouts.Short())
	}
	if timeouts.Long() != timeouts.DefaultLong {
		t.Errorf("Long() = %v, want default %v", timeouts.Long(), timeouts.DefaultLong)
	}
}

func TestConfigureFromEnv(t *testing.T) {
	timeouts.Reset()
	defer timeouts.Reset()

	t.Setenv("TIMEOUT_PING", "500ms")
	t.Setenv("TIMEOUT_SWEEP", "5m")
	t.Setenv("TIMEOUT_MEDIUM", "not-a-duration")
	t.Setenv("TIMEOUT_LONG", "-1s")

	if n := timeouts.ConfigureFromEnv(); n != 2 {
		t.Errorf("ConfigureFromEnv() = %d, want 2", n)
	}
	if timeouts.Ping() != 500*time.Millisecond {
		t.Errorf("Ping() = %v, want 500ms", timeouts.Ping())
	}
	if timeouts.Sweep() != 5*time.Minute {
		t.Errorf("Sweep() = %v, want 5m", timeouts.Sweep())
	}
	if timeouts.Medium() != timeouts.DefaultMedium {
		t.Errorf("Medium() = %v, want default", timeouts.Medium())
	}
	if timeouts.Long() != timeouts.DefaultLong {
		t.Errorf("Long() = %v, want default", timeouts.Long())
	}
}

func TestWithTimeout_LogsOnDeadline(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	ctx, cancel := timeouts.WithTimeout(context.Background(), time.Millisecond, zap.New(core), "test op")
	<-ctx.Done()
	cancel()

	if logs.FilterMessage("operation timed out").Len() != 1 {
		t.Errorf("expected one timeout warning, got %d", logs.Len())
	}
}

func TestWithTimeout_QuietOnCancel(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	_, cancel := timeouts.WithTimeout(context.Background(), time.Minute, zap.New(core), "test op")
	cancel()

	if logs.Len() != 0 {
		t.Errorf("expected no warnings, got %d", logs.Len())
	}
}
