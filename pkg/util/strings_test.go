package util

import "testing"

func TestParseIntDefault(t *testing.T) {
	if got := ParseIntDefault("7", 1); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
	if got := ParseIntDefault("x", 3); got != 3 {
		t.Fatalf("expected default, got %d", got)
	}
	if got := ParseIntDefault("", 4); got != 4 {
		t.Fatalf("expected default, got %d", got)
	}
}
