package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_UsesJWTSecretAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "SERVICE_JWT_SECRET")
	setEnvWithCleanup(t, "BRIDGE_SERVICE_JWT_SECRET", "alias-only-secret")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServiceJWTSecret != "alias-only-secret" {
		t.Fatalf("expected ServiceJWTSecret from alias env var, got %q", cfg.ServiceJWTSecret)
	}
}

func TestLoadConfig_JWTSecretTakesPrecedenceOverAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVICE_JWT_SECRET", "primary-secret")
	setEnvWithCleanup(t, "BRIDGE_SERVICE_JWT_SECRET", "alias-secret")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServiceJWTSecret != "primary-secret" {
		t.Fatalf("expected ServiceJWTSecret to prioritize SERVICE_JWT_SECRET, got %q", cfg.ServiceJWTSecret)
	}
}

func TestLoadConfig_SagaTimingDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "WITHDRAW_CONFIRM_TIMEOUT_SECONDS")
	unsetEnvWithCleanup(t, "DEPOSIT_CONFIRM_TIMEOUT_SECONDS")
	unsetEnvWithCleanup(t, "SWAP_EXPIRY_MINUTES")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.WithdrawConfirmTimeoutSecs != 600 {
		t.Fatalf("expected default withdraw confirm timeout 600s, got %d", cfg.WithdrawConfirmTimeoutSecs)
	}
	if cfg.DepositConfirmTimeoutSecs != 300 {
		t.Fatalf("expected default deposit confirm timeout 300s, got %d", cfg.DepositConfirmTimeoutSecs)
	}
	if cfg.SwapExpiryMinutes != 30 {
		t.Fatalf("expected default swap expiry 30m, got %d", cfg.SwapExpiryMinutes)
	}
}

func TestLoadConfig_TrackerBoundsAreSane(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "TRACKER_INITIAL_INTERVAL_SECONDS", "10")
	setEnvWithCleanup(t, "TRACKER_MAX_INTERVAL_SECONDS", "5")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.TrackerMaxIntervalSecs != cfg.TrackerInitialIntervalSecs {
		t.Fatalf("expected max interval raised to initial interval, got initial=%d max=%d",
			cfg.TrackerInitialIntervalSecs, cfg.TrackerMaxIntervalSecs)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
