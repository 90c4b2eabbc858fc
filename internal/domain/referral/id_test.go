package referral

import (
	"bytes"
	"regexp"
	"testing"
	"time"
)

var idPattern = regexp.MustCompile(`^TX-REF-\d{4}-\d{6}-[A-Z2-7]{3}$`)

func TestIDGenerator_Format(t *testing.T) {
	g := NewIDGenerator("")
	now := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	id, err := g.Next(now)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !idPattern.MatchString(id) {
		t.Errorf("id %q does not match %s", id, idPattern)
	}
	if id[7:11] != "2025" {
		t.Errorf("expected year segment 2025, got %q", id[7:11])
	}
}

func TestIDGenerator_Deterministic(t *testing.T) {
	g := &IDGenerator{prefix: "HC", rand: bytes.NewReader([]byte{0, 1, 31})}
	now := time.UnixMilli(1_740_000_123_456).UTC()
	id, err := g.Next(now)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if id != "HC-2025-123456-AB7" {
		t.Errorf("unexpected id %q", id)
	}
}

func TestIDGenerator_RandomFailure(t *testing.T) {
	g := &IDGenerator{prefix: "HC", rand: bytes.NewReader(nil)}
	if _, err := g.Next(time.Now()); err == nil {
		t.Error("expected error when randomness is exhausted")
	}
}
