package deduplication

import (
	"testing"
	"time"
)

func TestConfigFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
		check   func(t *testing.T, cfg Config)
	}{
		{
			name:    "no environment variables uses defaults",
			envVars: map[string]string{},
			wantErr: false,
			check: func(t *testing.T, cfg Config) {
				defaults := DefaultConfig()
				if cfg.Enabled != defaults.Enabled {
					t.Errorf("Enabled = %v, want %v", cfg.Enabled, defaults.Enabled)
				}
				if cfg.ClaimTTL != defaults.ClaimTTL {
					t.Errorf("ClaimTTL = %v, want %v", cfg.ClaimTTL, defaults.ClaimTTL)
				}
				if cfg.RedisAddr != "" {
					t.Errorf("RedisAddr = %q, want empty", cfg.RedisAddr)
				}
			},
		},
		{
			name: "valid custom configuration",
			envVars: map[string]string{
				"ANALYZERD_DEDUP_ENABLED":         "false",
				"ANALYZERD_DEDUP_REDIS_ADDR":      "redis:6379",
				"ANALYZERD_DEDUP_CLAIM_TTL_SECS":  "600",
				"ANALYZERD_DEDUP_RESULT_TTL_SECS": "60",
				"ANALYZERD_DEDUP_POLL_MS":         "250",
			},
			wantErr: false,
			check: func(t *testing.T, cfg Config) {
				if cfg.Enabled {
					t.Errorf("Enabled = true, want false")
				}
				if cfg.RedisAddr != "redis:6379" {
					t.Errorf("RedisAddr = %q, want redis:6379", cfg.RedisAddr)
				}
				if cfg.ClaimTTL != 10*time.Minute {
					t.Errorf("ClaimTTL = %v, want 10m", cfg.ClaimTTL)
				}
				if cfg.ResultTTL != time.Minute {
					t.Errorf("ResultTTL = %v, want 1m", cfg.ResultTTL)
				}
				if cfg.PollInterval != 250*time.Millisecond {
					t.Errorf("PollInterval = %v, want 250ms", cfg.PollInterval)
				}
			},
		},
		{
			name: "invalid bool value",
			envVars: map[string]string{
				"ANALYZERD_DEDUP_ENABLED": "maybe",
			},
			wantErr: true,
		},
		{
			name: "invalid int value",
			envVars: map[string]string{
				"ANALYZERD_DEDUP_CLAIM_TTL_SECS": "forever",
			},
			wantErr: true,
		},
		{
			name: "value out of range - poll interval too large",
			envVars: map[string]string{
				"ANALYZERD_DEDUP_POLL_MS": "120000",
			},
			wantErr: true,
		},
		{
			name: "value out of range - zero claim ttl",
			envVars: map[string]string{
				"ANALYZERD_DEDUP_CLAIM_TTL_SECS": "0",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range []string{
				"ANALYZERD_DEDUP_ENABLED",
				"ANALYZERD_DEDUP_REDIS_ADDR",
				"ANALYZERD_DEDUP_CLAIM_TTL_SECS",
				"ANALYZERD_DEDUP_RESULT_TTL_SECS",
				"ANALYZERD_DEDUP_POLL_MS",
			} {
				t.Setenv(key, "")
			}
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := ConfigFromEnv()

			if (err != nil) != tt.wantErr {
				t.Errorf("ConfigFromEnv() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestConfigString(t *testing.T) {
	s := DefaultConfig().String()
	if s == "" {
		t.Fatal("String() returned empty")
	}
	cfg := DefaultConfig()
	cfg.RedisAddr = "localhost:6379"
	cfg.KeyPrefix = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for redis without key prefix")
	}
}
