package ids

import (
	"strings"
	"testing"
	"time"
)

func TestNewIsMonotonic(t *testing.T) {
	prev := New()
	for i := 0; i < 1000; i++ {
		next := New()
		if next <= prev {
			t.Fatalf("identifiers not increasing: %s <= %s", next, prev)
		}
		prev = next
	}
}

func TestWithPrefixAndTime(t *testing.T) {
	id := WithPrefix(PrefixReservation)
	if !strings.HasPrefix(id, "rsv_") {
		t.Fatalf("unexpected id %q", id)
	}
	ts, ok := Time(id)
	if !ok {
		t.Fatalf("Time(%q) failed", id)
	}
	if time.Since(ts) > time.Minute {
		t.Fatalf("unexpected timestamp %v", ts)
	}
	if _, ok := Time("not-an-id"); ok {
		t.Fatal("expected parse failure")
	}
}
