package buffer

import "testing"

func TestGetReturnsRequestedSize(t *testing.T) {
	p := NewPool()
	buf := p.Get(128)
	if len(buf) != 128 {
		t.Fatalf("len = %d, want 128", len(buf))
	}
}

func TestPutZeroizesBeforeRecycle(t *testing.T) {
	p := NewPool()
	buf := p.Get(64)
	for i := range buf {
		buf[i] = 0xff
	}
	p.Put(buf)

	recycled := p.Get(64)
	for i, b := range recycled {
		if b != 0 {
			t.Fatalf("byte %d = %x, want zeroized", i, b)
		}
	}
}

func TestStatsTracksHitsAndMisses(t *testing.T) {
	p := NewPool()
	buf := p.Get(32) // miss: pool empty
	p.Put(buf)
	_ = p.Get(32) // hit: reuses recycled buffer

	stats := p.Stats()
	if stats.Misses != 1 || stats.Hits != 1 {
		t.Errorf("stats = %+v, want 1 hit / 1 miss", stats)
	}
	if rate := stats.HitRate(); rate != 0.5 {
		t.Errorf("hit rate = %v, want 0.5", rate)
	}
}

func TestHitRateWithNoRequestsIsZero(t *testing.T) {
	var m Metrics
	if m.HitRate() != 0 {
		t.Error("expected 0 hit rate with no samples")
	}
}

func TestPutDropsMismatchedCapacity(t *testing.T) {
	p := NewPool()
	odd := make([]byte, 17)
	p.Put(odd) // should not panic, and should not be served for other sizes
	buf := p.Get(17)
	if len(buf) != 17 {
		t.Fatalf("len = %d", len(buf))
	}
}
