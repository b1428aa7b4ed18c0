package vm

import "sync/atomic"

// Inline caching for virtual and interface dispatch.
//
// Each call site has its own cache, so most sites stay monomorphic: one
// receiver class, one selected method. Caches are shared by every thread
// running the method, so the entries live in an immutable snapshot that is
// replaced whole on update.

// CacheState represents the current state of an inline cache.
type CacheState uint8

const (
	CacheEmpty       CacheState = iota // No cached selection yet
	CacheMonomorphic                   // Single (class, method) cached
	CachePolymorphic                   // 2-6 entries
	CacheMegamorphic                   // Too many classes, always select
)

var cacheStateNames = [...]string{"empty", "monomorphic", "polymorphic", "megamorphic"}

func (s CacheState) String() string { return cacheStateNames[s] }

// MaxPICEntries is the maximum number of entries in a polymorphic inline
// cache.
const MaxPICEntries = 6

// InlineCacheEntry holds a single cached selection.
type InlineCacheEntry struct {
	Class  *Class
	Method *Method
}

type cacheSnapshot struct {
	state   CacheState
	entries []InlineCacheEntry
}

var emptySnapshot = &cacheSnapshot{}

// InlineCache is the cache for a single call site. It progresses
// Empty -> Monomorphic -> Polymorphic -> Megamorphic. The zero value is an
// empty cache.
type InlineCache struct {
	snap atomic.Pointer[cacheSnapshot]

	Hits   atomic.Uint64
	Misses atomic.Uint64
}

func (ic *InlineCache) load() *cacheSnapshot {
	if s := ic.snap.Load(); s != nil {
		return s
	}
	return emptySnapshot
}

// State returns the current state.
func (ic *InlineCache) State() CacheState { return ic.load().state }

// Count returns the number of cached entries.
func (ic *InlineCache) Count() int { return len(ic.load().entries) }

// Lookup returns the cached method for a receiver class, or nil.
func (ic *InlineCache) Lookup(class *Class) *Method {
	for _, e := range ic.load().entries {
		if e.Class == class {
			ic.Hits.Add(1)
			return e.Method
		}
	}
	ic.Misses.Add(1)
	return nil
}

// Update records a selection, upgrading the state as needed. A concurrent
// update that loses the race is dropped; the next miss retries it.
func (ic *InlineCache) Update(class *Class, method *Method) {
	if method == nil {
		return
	}
	old := ic.snap.Load()
	cur := old
	if cur == nil {
		cur = emptySnapshot
	}
	if cur.state == CacheMegamorphic {
		return
	}
	for _, e := range cur.entries {
		if e.Class == class {
			return
		}
	}

	next := &cacheSnapshot{}
	switch n := len(cur.entries); {
	case n == 0:
		next.state = CacheMonomorphic
	case n < MaxPICEntries:
		next.state = CachePolymorphic
	default:
		next.state = CacheMegamorphic
	}
	if next.state != CacheMegamorphic {
		next.entries = make([]InlineCacheEntry, len(cur.entries), len(cur.entries)+1)
		copy(next.entries, cur.entries)
		next.entries = append(next.entries, InlineCacheEntry{Class: class, Method: method})
	}
	ic.snap.CompareAndSwap(old, next)
}

// HitRate returns the cache hit rate as a percentage (0-100).
func (ic *InlineCache) HitRate() float64 {
	hits, misses := ic.Hits.Load(), ic.Misses.Load()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) * 100 / float64(hits+misses)
}

// Reset clears the cache back to empty state.
func (ic *InlineCache) Reset() {
	ic.snap.Store(nil)
	ic.Hits.Store(0)
	ic.Misses.Store(0)
}

// ICStats holds aggregate inline cache statistics.
type ICStats struct {
	TotalCallSites  int     // Call sites with a cache
	Monomorphic     int     // Call sites in monomorphic state
	Polymorphic     int     // Call sites in polymorphic state
	Megamorphic     int     // Call sites in megamorphic state
	Empty           int     // Call sites never used
	TotalHits       uint64  // Total cache hits
	TotalMisses     uint64  // Total cache misses
	HitRate         float64 // Overall hit rate percentage
	MonomorphicRate float64 // Percentage of used call sites that are monomorphic
}

// CollectICStats gathers inline cache statistics from the call sites of
// every method in a ClassTable, interpreted and compiled.
func CollectICStats(ct *ClassTable) ICStats {
	var stats ICStats
	for _, c := range ct.All() {
		for _, m := range c.Methods {
			for pc := range m.sites {
				l := m.sites[pc].Load()
				if l == nil || l.cache == nil {
					continue
				}
				stats.add(l.cache)
			}
			if u := m.compiled.Load(); u != nil {
				for _, ic := range u.caches {
					stats.add(ic)
				}
			}
		}
	}

	total := stats.TotalHits + stats.TotalMisses
	if total > 0 {
		stats.HitRate = float64(stats.TotalHits) * 100 / float64(total)
	}
	if used := stats.TotalCallSites - stats.Empty; used > 0 {
		stats.MonomorphicRate = float64(stats.Monomorphic) * 100 / float64(used)
	}
	return stats
}

func (s *ICStats) add(ic *InlineCache) {
	s.TotalCallSites++
	switch ic.State() {
	case CacheMonomorphic:
		s.Monomorphic++
	case CachePolymorphic:
		s.Polymorphic++
	case CacheMegamorphic:
		s.Megamorphic++
	default:
		s.Empty++
	}
	s.TotalHits += ic.Hits.Load()
	s.TotalMisses += ic.Misses.Load()
}
