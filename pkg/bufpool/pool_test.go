package bufpool

import (
	"sync"
	"testing"
	"time"
)

// newTestPool returns a pool with memory pressure pinned to zero so tests
// are independent of the host's actual memory state.
func newTestPool(cfg Config) *Pool {
	p := New(cfg)
	p.memUsedFraction = func() float64 { return 0 }
	return p
}

func TestAcquireLength(t *testing.T) {
	p := newTestPool(Config{})
	buf := p.Acquire(160)
	if len(buf) != 160 {
		t.Fatalf("len = %d, want 160", len(buf))
	}
	if got := p.Acquire(0); got != nil {
		t.Errorf("Acquire(0) = %v, want nil", got)
	}
}

func TestReleaseZeroesBeforeReuse(t *testing.T) {
	p := newTestPool(Config{})
	buf := p.Acquire(8)
	for i := range buf {
		buf[i] = 0xAB
	}
	p.Release(buf)

	again := p.Acquire(8)
	for i, b := range again {
		if b != 0 {
			t.Fatalf("byte %d = 0x%02X, want 0 (reused buffer must be zeroed)", i, b)
		}
	}
}

func TestBalancedAcquireReleaseLeavesNoneInUse(t *testing.T) {
	p := newTestPool(Config{})
	var bufs [][]byte
	for i := 0; i < 20; i++ {
		bufs = append(bufs, p.Acquire(160))
	}
	for _, b := range bufs {
		p.Release(b)
	}
	s := p.Stats()
	if s.InUse[160] != 0 {
		t.Errorf("in-use after balanced sequence = %d, want 0", s.InUse[160])
	}
}

func TestCacheHitRate(t *testing.T) {
	p := newTestPool(Config{})
	// Prime the class, then alternate acquire/release 1000 times.
	p.Release(p.Acquire(320))
	for i := 0; i < 1000; i++ {
		p.Release(p.Acquire(320))
	}
	s := p.Stats()
	rate := float64(s.Hits) / float64(s.Acquires)
	if rate < 0.95 {
		t.Errorf("hit rate = %.3f, want >= 0.95 (hits=%d acquires=%d)",
			rate, s.Hits, s.Acquires)
	}
}

func TestReleaseUnknownBufferDiscarded(t *testing.T) {
	p := newTestPool(Config{})
	p.Release(make([]byte, 99))
	s := p.Stats()
	if s.BadRelease != 1 {
		t.Errorf("badRelease = %d, want 1", s.BadRelease)
	}
	if s.Available[99] != 0 {
		t.Errorf("unknown buffer was pooled")
	}
}

func TestDoubleReleaseDiscarded(t *testing.T) {
	p := newTestPool(Config{})
	buf := p.Acquire(16)
	p.Release(buf)
	p.Release(buf)
	s := p.Stats()
	if s.BadRelease != 1 {
		t.Errorf("badRelease = %d, want 1", s.BadRelease)
	}
	if s.Available[16] != 1 {
		t.Errorf("available = %d, want 1", s.Available[16])
	}
}

func TestMaxPoolSizeCapsAvailable(t *testing.T) {
	p := newTestPool(Config{MaxPoolSize: 3})
	var bufs [][]byte
	for i := 0; i < 10; i++ {
		bufs = append(bufs, p.Acquire(64))
	}
	for _, b := range bufs {
		p.Release(b)
	}
	if got := p.Stats().Available[64]; got != 3 {
		t.Errorf("available = %d, want 3", got)
	}
}

func TestMemoryPressureDiscardsAndSheds(t *testing.T) {
	p := New(Config{MemoryPressureThreshold: 0.8})
	pressure := 0.0
	p.memUsedFraction = func() float64 { return pressure }

	var bufs [][]byte
	for i := 0; i < 8; i++ {
		bufs = append(bufs, p.Acquire(32))
	}
	for _, b := range bufs[:6] {
		p.Release(b)
	}
	if got := p.Stats().Available[32]; got != 6 {
		t.Fatalf("available = %d, want 6", got)
	}

	// Raise pressure: the next release is discarded and half the idle
	// buffers are shed.
	pressure = 0.9
	p.Release(bufs[6])
	if got := p.Stats().Available[32]; got != 3 {
		t.Errorf("available after pressure shed = %d, want 3", got)
	}
}

func TestMaintenanceTrimsAndDropsIdleClasses(t *testing.T) {
	p := newTestPool(Config{InitialSize: 2, MaxPoolSize: 50})

	var bufs [][]byte
	for i := 0; i < 10; i++ {
		bufs = append(bufs, p.Acquire(77)) // uncommon size
	}
	for _, b := range bufs {
		p.Release(b)
	}
	common := p.Acquire(160)
	p.Release(common)

	// First pass: trim available down to InitialSize.
	p.maintain(time.Now())
	if got := p.Stats().Available[77]; got != 2 {
		t.Errorf("available after trim = %d, want 2", got)
	}

	// Second pass, far in the future: drop the idle uncommon class but
	// keep the common 160-byte class.
	p.maintain(time.Now().Add(10 * time.Minute))
	s := p.Stats()
	if _, ok := s.Available[77]; ok {
		t.Error("idle uncommon class was not dropped")
	}
	if _, ok := s.Available[160]; !ok {
		t.Error("common 160-byte class was dropped")
	}
}

func TestConcurrentAcquireRelease(t *testing.T) {
	p := newTestPool(Config{})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				buf := p.Acquire(160)
				buf[0] = 1
				p.Release(buf)
			}
		}()
	}
	wg.Wait()
	s := p.Stats()
	if s.InUse[160] != 0 {
		t.Errorf("in-use = %d, want 0", s.InUse[160])
	}
}
