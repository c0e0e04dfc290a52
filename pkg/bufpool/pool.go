// Package bufpool provides a size-classed pool of reusable byte buffers for
// the audio path. Buffers are pooled per exact byte length, zeroed on
// release, and trimmed under memory pressure so a long-lived bridge process
// stays allocation-light without hoarding memory.
//
// A single Pool is shared by all sessions and is safe for concurrent use.
package bufpool

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
)

const (
	// maintenanceInterval is how often the background maintenance pass
	// trims oversized size classes and drops idle ones.
	maintenanceInterval = 30 * time.Second

	// idleClassTimeout is how long a non-common size class may go without
	// an acquire before maintenance removes it.
	idleClassTimeout = 5 * time.Minute
)

// commonSizes are buffer lengths that recur on every call (carrier frames
// and their PCM expansions). Their size classes are never dropped by
// maintenance, only trimmed.
var commonSizes = map[int]bool{
	160:  true, // 20 ms μ-law carrier frame
	320:  true, // 20 ms PCM16 @ 8 kHz
	640:  true, // 20 ms PCM16 @ 16 kHz
	1280: true,
	1600: true, // 200 ms μ-law (default jitter buffer cap)
	3200: true,
}

// Config holds the tuning knobs for a [Pool]. Zero-value fields are replaced
// with defaults.
type Config struct {
	// InitialSize is the per-class buffer count maintenance trims down to.
	// Default: 10.
	InitialSize int

	// MaxPoolSize is the maximum number of idle buffers retained per size
	// class; releases beyond it are discarded. Default: 50.
	MaxPoolSize int

	// MemoryPressureThreshold is the fraction of used system memory
	// (0.0–1.0) above which releases are discarded instead of pooled.
	// Default: 0.8.
	MemoryPressureThreshold float64
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Acquires   uint64
	Releases   uint64
	Hits       uint64
	Misses     uint64
	BadRelease uint64

	// Available and InUse map buffer length to counts.
	Available map[int]int
	InUse     map[int]int

	// TotalBytes is the total memory held by idle pooled buffers.
	TotalBytes int
}

// sizeClass tracks buffers of a single exact length.
type sizeClass struct {
	available  [][]byte
	inUse      map[*byte]struct{}
	lastAccess time.Time
}

// Pool is a size-classed byte buffer pool. The zero value is not usable;
// construct with [New].
type Pool struct {
	cfg Config

	// memUsedFraction reports the used fraction of system memory
	// (0.0–1.0). Replaceable in tests.
	memUsedFraction func() float64

	mu      sync.Mutex
	classes map[int]*sizeClass

	acquires   uint64
	releases   uint64
	hits       uint64
	misses     uint64
	badRelease uint64

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Pool with the supplied configuration. The pool performs no
// background work until [Pool.StartMaintenance] is called, so tests can
// construct isolated instances without goroutine leakage.
func New(cfg Config) *Pool {
	if cfg.InitialSize <= 0 {
		cfg.InitialSize = 10
	}
	if cfg.MaxPoolSize <= 0 {
		cfg.MaxPoolSize = 50
	}
	if cfg.MemoryPressureThreshold <= 0 || cfg.MemoryPressureThreshold > 1 {
		cfg.MemoryPressureThreshold = 0.8
	}
	return &Pool{
		cfg:             cfg,
		memUsedFraction: systemMemUsedFraction,
		classes:         make(map[int]*sizeClass),
		done:            make(chan struct{}),
	}
}

// systemMemUsedFraction probes the OS for the used fraction of physical
// memory. A probe failure reads as zero pressure.
func systemMemUsedFraction() float64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		slog.Debug("bufpool: memory probe failed", "err", err)
		return 0
	}
	return vm.UsedPercent / 100
}

// Acquire returns a buffer of exactly n bytes. Reused buffers are zeroed (by
// Release), fresh ones come zeroed from the allocator. Acquire never fails.
func (p *Pool) Acquire(n int) []byte {
	if n <= 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.acquires++
	class := p.classes[n]
	if class == nil {
		class = &sizeClass{inUse: make(map[*byte]struct{})}
		p.classes[n] = class
	}
	class.lastAccess = time.Now()

	var buf []byte
	if m := len(class.available); m > 0 {
		buf = class.available[m-1]
		class.available[m-1] = nil
		class.available = class.available[:m-1]
		p.hits++
	} else {
		buf = make([]byte, n)
		p.misses++
	}
	class.inUse[&buf[0]] = struct{}{}
	return buf
}

// Release returns a buffer to the pool. Unknown buffers are logged and
// discarded; a full class or high memory pressure also discards. Pooled
// buffers are zeroed before reuse.
func (p *Pool) Release(buf []byte) {
	if len(buf) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.releases++
	class := p.classes[len(buf)]
	if class == nil {
		p.badRelease++
		slog.Warn("bufpool: release of untracked buffer size", "size", len(buf))
		return
	}
	key := &buf[0]
	if _, ok := class.inUse[key]; !ok {
		p.badRelease++
		slog.Warn("bufpool: release of unknown buffer", "size", len(buf))
		return
	}
	delete(class.inUse, key)

	if len(class.available) >= p.cfg.MaxPoolSize {
		return
	}
	if p.memUsedFraction() >= p.cfg.MemoryPressureThreshold {
		// Under pressure: discard this buffer and shed half of every
		// class's idle buffers.
		p.shedHalfLocked()
		return
	}

	clear(buf)
	class.available = append(class.available, buf)
}

// shedHalfLocked drops half of each class's available buffers. Caller holds
// p.mu.
func (p *Pool) shedHalfLocked() {
	for size, class := range p.classes {
		keep := len(class.available) / 2
		if keep == len(class.available) {
			continue
		}
		for i := keep; i < len(class.available); i++ {
			class.available[i] = nil
		}
		class.available = class.available[:keep]
		slog.Debug("bufpool: memory pressure shed", "size", size, "kept", keep)
	}
}

// StartMaintenance launches the background trim loop. It runs until
// [Pool.Stop] is called. Tests that do not need maintenance simply never
// start it.
func (p *Pool) StartMaintenance() {
	go func() {
		ticker := time.NewTicker(maintenanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.done:
				return
			case <-ticker.C:
				p.maintain(time.Now())
			}
		}
	}()
}

// Stop terminates the maintenance loop. Safe to call multiple times.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
}

// maintain trims every class's idle buffers down to InitialSize and removes
// non-common classes that have been idle past idleClassTimeout.
func (p *Pool) maintain(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for size, class := range p.classes {
		if len(class.available) > p.cfg.InitialSize {
			for i := p.cfg.InitialSize; i < len(class.available); i++ {
				class.available[i] = nil
			}
			class.available = class.available[:p.cfg.InitialSize]
		}
		if !commonSizes[size] && len(class.inUse) == 0 &&
			now.Sub(class.lastAccess) > idleClassTimeout {
			delete(p.classes, size)
		}
	}
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Acquires:   p.acquires,
		Releases:   p.releases,
		Hits:       p.hits,
		Misses:     p.misses,
		BadRelease: p.badRelease,
		Available:  make(map[int]int, len(p.classes)),
		InUse:      make(map[int]int, len(p.classes)),
	}
	for size, class := range p.classes {
		s.Available[size] = len(class.available)
		s.InUse[size] = len(class.inUse)
		s.TotalBytes += size * len(class.available)
	}
	return s
}
