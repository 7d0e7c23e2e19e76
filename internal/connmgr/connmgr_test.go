package connmgr

import (
	"testing"
	"time"
)

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	m := &Manager{backoff: make(map[string]time.Duration)}
	first := m.nextBackoff("p")
	if first != backoffBase {
		t.Fatalf("got %v want %v", first, backoffBase)
	}
	second := m.nextBackoff("p")
	if second != backoffBase*2 {
		t.Fatalf("got %v want %v", second, backoffBase*2)
	}
	for i := 0; i < 10; i++ {
		m.nextBackoff("p")
	}
	capped := m.nextBackoff("p")
	if capped != backoffCap {
		t.Fatalf("got %v want cap %v", capped, backoffCap)
	}
}

func TestResetBackoffClearsState(t *testing.T) {
	m := &Manager{backoff: make(map[string]time.Duration)}
	m.nextBackoff("p")
	m.resetBackoff("p")
	if _, ok := m.backoff["p"]; ok {
		t.Fatal("expected backoff state cleared")
	}
}
