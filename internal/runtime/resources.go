package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const (
	metricCPUSeconds = "/sched/cpu:seconds"
	metricHeapBytes  = "/memory/classes/heap/objects:bytes"
	metricGoroutines = "/sched/goroutines:goroutines"

	// resourceSampleInterval bounds how often runtime metrics are read; snapshots
	// taken in between reuse the last reading.
	resourceSampleInterval = 500 * time.Millisecond
)

// resourceTracker samples process CPU, heap and goroutine counts for binding stats.
// All bindings of a service share one tracker.
type resourceTracker struct {
	mu       sync.Mutex
	samples  []metrics.Sample
	numCPU   float64
	interval time.Duration
	now      func() time.Time

	lastCPUSeconds float64
	lastSample     time.Time
	last           ResourceUsage
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		samples: []metrics.Sample{
			{Name: metricCPUSeconds},
			{Name: metricHeapBytes},
			{Name: metricGoroutines},
		},
		numCPU:   float64(runtime.NumCPU()),
		interval: resourceSampleInterval,
		now:      time.Now,
	}
}

// Snapshot returns the current usage. CPUPercent is averaged over the time since
// the previous reading and stays zero until a second reading exists.
func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if !r.lastSample.IsZero() && now.Sub(r.lastSample) < r.interval {
		return r.last
	}

	metrics.Read(r.samples)

	usage := ResourceUsage{CPUPercent: r.last.CPUPercent}
	for _, sample := range r.samples {
		switch sample.Name {
		case metricCPUSeconds:
			if sample.Value.Kind() != metrics.KindFloat64 {
				continue
			}
			cpuSeconds := sample.Value.Float64()
			if !r.lastSample.IsZero() && r.numCPU > 0 {
				if wall := now.Sub(r.lastSample).Seconds(); wall > 0 {
					usage.CPUPercent = (cpuSeconds - r.lastCPUSeconds) / wall / r.numCPU * 100
				}
			}
			r.lastCPUSeconds = cpuSeconds
		case metricHeapBytes:
			if sample.Value.Kind() == metrics.KindUint64 {
				usage.MemoryBytes = sample.Value.Uint64()
			}
		case metricGoroutines:
			if sample.Value.Kind() == metrics.KindUint64 {
				usage.Goroutines = int(sample.Value.Uint64())
			}
		}
	}
	if usage.Goroutines == 0 {
		usage.Goroutines = runtime.NumGoroutine()
	}

	r.lastSample = now
	r.last = usage
	return usage
}
