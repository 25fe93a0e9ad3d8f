package config

import (
	"testing"
	"time"
)

func TestGetString(t *testing.T) {
	if got := GetString("LEDGERD_TEST_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
	t.Setenv("LEDGERD_TEST_STR", "value")
	if got := GetString("LEDGERD_TEST_STR", "fallback"); got != "value" {
		t.Fatalf("expected value, got %q", got)
	}
}

func TestGetInt(t *testing.T) {
	t.Setenv("LEDGERD_TEST_INT", "42")
	if got := GetInt("LEDGERD_TEST_INT", 7); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	t.Setenv("LEDGERD_TEST_INT", "nope")
	if got := GetInt("LEDGERD_TEST_INT", 7); got != 7 {
		t.Fatalf("expected fallback on parse error, got %d", got)
	}
}

func TestGetFloat(t *testing.T) {
	t.Setenv("LEDGERD_TEST_FLOAT", "0.005")
	if got := GetFloat("LEDGERD_TEST_FLOAT", 1); got != 0.005 {
		t.Fatalf("expected 0.005, got %v", got)
	}
	if got := GetFloat("LEDGERD_TEST_FLOAT_UNSET", 0.75); got != 0.75 {
		t.Fatalf("expected fallback, got %v", got)
	}
}

func TestGetBool(t *testing.T) {
	t.Setenv("LEDGERD_TEST_BOOL", "true")
	if !GetBool("LEDGERD_TEST_BOOL", false) {
		t.Fatal("expected true")
	}
	t.Setenv("LEDGERD_TEST_BOOL", "banana")
	if GetBool("LEDGERD_TEST_BOOL", false) {
		t.Fatal("expected fallback on parse error")
	}
}

func TestGetDuration(t *testing.T) {
	t.Setenv("LEDGERD_TEST_DUR", "750ms")
	if got := GetDuration("LEDGERD_TEST_DUR", time.Second); got != 750*time.Millisecond {
		t.Fatalf("expected 750ms, got %v", got)
	}
	t.Setenv("LEDGERD_TEST_DUR", "fast")
	if got := GetDuration("LEDGERD_TEST_DUR", time.Second); got != time.Second {
		t.Fatalf("expected fallback, got %v", got)
	}
}
