package runtime

import "testing"

func TestEnvDefaultsToDevelopment(t *testing.T) {
	t.Setenv("SNOPS_ENV", "")
	t.Setenv("ENVIRONMENT", "")
	if !IsDevelopment() {
		t.Error("IsDevelopment() should be true when no env var is set")
	}
}

func TestEnvReadsSnopsEnv(t *testing.T) {
	t.Setenv("SNOPS_ENV", "production")
	if !IsProduction() {
		t.Error("IsProduction() should be true for SNOPS_ENV=production")
	}
}

func TestEnvFallsBackToLegacyEnvironment(t *testing.T) {
	t.Setenv("SNOPS_ENV", "")
	t.Setenv("ENVIRONMENT", "testing")
	if !IsTesting() {
		t.Error("IsTesting() should be true when ENVIRONMENT=testing and SNOPS_ENV is unset")
	}
}

func TestIsDevelopmentOrTesting(t *testing.T) {
	t.Setenv("SNOPS_ENV", "testing")
	if !IsDevelopmentOrTesting() {
		t.Error("IsDevelopmentOrTesting() should be true for testing")
	}

	t.Setenv("SNOPS_ENV", "production")
	if IsDevelopmentOrTesting() {
		t.Error("IsDevelopmentOrTesting() should be false for production")
	}
}

func TestParseEnvInt(t *testing.T) {
	t.Setenv("SNOPS_TEST_INT", "42")
	v, ok := ParseEnvInt("SNOPS_TEST_INT")
	if !ok || v != 42 {
		t.Fatalf("ParseEnvInt() = (%d, %v), want (42, true)", v, ok)
	}

	if _, ok := ParseEnvInt("SNOPS_TEST_INT_UNSET"); ok {
		t.Error("ParseEnvInt() should report false for unset key")
	}
}

func TestParseEnvDuration(t *testing.T) {
	t.Setenv("SNOPS_TEST_DURATION", "5s")
	v, ok := ParseEnvDuration("SNOPS_TEST_DURATION")
	if !ok || v.Seconds() != 5 {
		t.Fatalf("ParseEnvDuration() = (%v, %v), want (5s, true)", v, ok)
	}
}

func TestResolvePrecedence(t *testing.T) {
	t.Setenv("SNOPS_TEST_RESOLVE_STR", "")
	if got := ResolveString("configured", "SNOPS_TEST_RESOLVE_STR", "fallback"); got != "configured" {
		t.Errorf("ResolveString() = %q, want cfgValue to win", got)
	}

	t.Setenv("SNOPS_TEST_RESOLVE_STR", "from-env")
	if got := ResolveString("", "SNOPS_TEST_RESOLVE_STR", "fallback"); got != "from-env" {
		t.Errorf("ResolveString() = %q, want env to win over fallback", got)
	}

	if got := ResolveString("", "SNOPS_TEST_RESOLVE_STR_UNSET", "fallback"); got != "fallback" {
		t.Errorf("ResolveString() = %q, want fallback", got)
	}
}
