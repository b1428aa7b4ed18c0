package vm

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Profiler counts method invocations to find hot methods for the JIT.
// Counting is per method, not per call site; the first invocation that
// crosses the threshold fires OnHot exactly once.

// DefaultHotThreshold is the invocation count at which a method turns hot.
const DefaultHotThreshold = 100

// MethodProfile holds profiling data for a single method.
type MethodProfile struct {
	InvocationCount atomic.Uint64
	hot             atomic.Bool
}

// IsHot reports whether the method crossed the threshold.
func (p *MethodProfile) IsHot() bool { return p.hot.Load() }

// Profiler manages profiling for all methods in the VM.
type Profiler struct {
	profiles sync.Map // *Method -> *MethodProfile

	// MethodHotThreshold is the invocation count that makes a method hot.
	MethodHotThreshold uint64

	// OnHot is called, on the invoking thread, when a method turns hot.
	OnHot func(m *Method, profile *MethodProfile)

	hotMethodCount atomic.Uint64
}

// NewProfiler creates a profiler. A zero threshold uses
// DefaultHotThreshold.
func NewProfiler(threshold uint64) *Profiler {
	if threshold == 0 {
		threshold = DefaultHotThreshold
	}
	return &Profiler{MethodHotThreshold: threshold}
}

// RecordMethodInvocation increments the invocation count for a method.
// Returns true if this invocation caused the method to become hot.
func (p *Profiler) RecordMethodInvocation(m *Method) bool {
	if m == nil {
		return false
	}
	val, ok := p.profiles.Load(m)
	if !ok {
		val, _ = p.profiles.LoadOrStore(m, &MethodProfile{})
	}
	profile := val.(*MethodProfile)

	count := profile.InvocationCount.Add(1)
	if count < p.MethodHotThreshold || !profile.hot.CompareAndSwap(false, true) {
		return false
	}
	p.hotMethodCount.Add(1)
	if p.OnHot != nil {
		p.OnHot(m, profile)
	}
	return true
}

// GetMethodProfile returns the profile for a method, or nil if not tracked.
func (p *Profiler) GetMethodProfile(m *Method) *MethodProfile {
	if val, ok := p.profiles.Load(m); ok {
		return val.(*MethodProfile)
	}
	return nil
}

// IsMethodHot returns true if the method has exceeded the hot threshold.
func (p *Profiler) IsMethodHot(m *Method) bool {
	profile := p.GetMethodProfile(m)
	return profile != nil && profile.IsHot()
}

// ProfilerStats holds aggregate profiling statistics.
type ProfilerStats struct {
	TotalMethods      int    // Number of methods profiled
	HotMethods        int    // Number of hot methods
	MethodInvocations uint64 // Total method invocations
}

// Stats returns aggregate profiling statistics.
func (p *Profiler) Stats() ProfilerStats {
	var stats ProfilerStats
	p.profiles.Range(func(_, value any) bool {
		profile := value.(*MethodProfile)
		stats.TotalMethods++
		stats.MethodInvocations += profile.InvocationCount.Load()
		return true
	})
	stats.HotMethods = int(p.hotMethodCount.Load())
	return stats
}

// HotMethods returns all methods that have exceeded the hot threshold.
func (p *Profiler) HotMethods() []*Method {
	var hot []*Method
	p.profiles.Range(func(key, value any) bool {
		if value.(*MethodProfile).IsHot() {
			hot = append(hot, key.(*Method))
		}
		return true
	})
	return hot
}

// MethodCount pairs a method with its invocation count.
type MethodCount struct {
	Method *Method
	Count  uint64
}

// TopMethods returns the n most frequently invoked methods, busiest first.
func (p *Profiler) TopMethods(n int) []MethodCount {
	var all []MethodCount
	p.profiles.Range(func(key, value any) bool {
		all = append(all, MethodCount{key.(*Method), value.(*MethodProfile).InvocationCount.Load()})
		return true
	})
	sort.Slice(all, func(i, j int) bool {
		if all[i].Count != all[j].Count {
			return all[i].Count > all[j].Count
		}
		return all[i].Method.Key() < all[j].Method.Key()
	})
	if n < len(all) {
		all = all[:n]
	}
	return all
}

// Reset clears all profiling data.
func (p *Profiler) Reset() {
	p.profiles.Range(func(key, _ any) bool {
		p.profiles.Delete(key)
		return true
	})
	p.hotMethodCount.Store(0)
}
