package pingtriage

import (
	"regexp"
	"testing"
)

func TestPingIDIsDeterministic(t *testing.T) {
	first := PingID("slack", "m1", "2024-01-15T10:30:00Z")
	second := PingID("slack", "m1", "2024-01-15T10:30:00Z")
	if first != second {
		t.Fatalf("expected stable id, got %q and %q", first, second)
	}
	if first != "ping-3ff14bf7c8874cef93880ed721e4cc6a" {
		t.Fatalf("unexpected ping id %q", first)
	}
	if !regexp.MustCompile(`^ping-[0-9a-f]{32}$`).MatchString(first) {
		t.Fatalf("ping id %q does not match ping-<32 hex>", first)
	}
}

func TestPingIDDependsOnEveryField(t *testing.T) {
	base := PingID("slack", "m1", "2024-01-15T10:30:00Z")
	variants := []string{
		PingID("discord", "m1", "2024-01-15T10:30:00Z"),
		PingID("slack", "m2", "2024-01-15T10:30:00Z"),
		PingID("slack", "m1", "2024-01-15T10:30:01Z"),
	}
	for _, variant := range variants {
		if variant == base {
			t.Fatalf("expected distinct id, got %q for both", base)
		}
	}
}

func TestThreadIDConcatenates(t *testing.T) {
	if got := ThreadID("slack", "C1-t1"); got != "slack-C1-t1" {
		t.Fatalf("expected slack-C1-t1, got %q", got)
	}
}
