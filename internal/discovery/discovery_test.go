package discovery

import "testing"

func TestStaticResolverEmitsEvents(t *testing.T) {
	r := NewStaticResolver()
	r.Set("peer1", "10.0.0.1:6364", []byte("rec"))
	ev := <-r.Events()
	if ev.Kind != Added || ev.PeerID != "peer1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestStaticResolverStopClosesChannel(t *testing.T) {
	r := NewStaticResolver()
	r.Stop()
	_, ok := <-r.Events()
	if ok {
		t.Fatal("expected channel closed after Stop")
	}
}

func TestStaticResolverDropsOnFullQueue(t *testing.T) {
	r := NewStaticResolver()
	for i := 0; i < 64; i++ {
		r.Set("peer", "addr", nil)
	}
	// Should not block or panic; exact delivered count is not
	// contractual once the bounded queue overflows.
	r.Stop()
}
