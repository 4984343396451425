package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.ManagerPIN != "" {
		t.Fatalf("expected empty MANAGER_PIN when unset, got %q", cfg.ManagerPIN)
	}
}

func TestLoadFallsBackOnInvalidNumbers(t *testing.T) {
	t.Setenv("COMMIT_MAX_ATTEMPTS", "zero")
	t.Setenv("BASKET_TTL_MINUTES", "-4")
	t.Setenv("ALERT_CACHE_TTL_SECONDS", "15")

	cfg := Load()
	if cfg.CommitMaxAttempts != 5 {
		t.Fatalf("expected default commit attempts 5, got %d", cfg.CommitMaxAttempts)
	}
	if cfg.BasketTTLMinutes != 120 {
		t.Fatalf("expected default basket ttl 120, got %d", cfg.BasketTTLMinutes)
	}
	if cfg.AlertCacheTTLSeconds != 15 {
		t.Fatalf("expected alert ttl 15, got %d", cfg.AlertCacheTTLSeconds)
	}
}

func TestStoreKindPrefersPostgres(t *testing.T) {
	cases := []struct {
		cfg  Config
		want string
	}{
		{Config{DatabaseURL: "postgres://x", SQLitePath: "pharma.db"}, "postgres"},
		{Config{SQLitePath: "pharma.db"}, "sqlite"},
		{Config{}, "memory"},
	}
	for _, tc := range cases {
		if got := tc.cfg.StoreKind(); got != tc.want {
			t.Fatalf("StoreKind() = %s, want %s", got, tc.want)
		}
	}
}
