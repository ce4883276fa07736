package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

// ProcessUsage is a coarse view of the worker process, reported by /healthz.
type ProcessUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// processSampler derives CPU usage from the delta between two samples.
type processSampler struct {
	mu             sync.Mutex
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	numCPU         float64
}

func newProcessSampler() *processSampler {
	return &processSampler{
		samples: []metrics.Sample{{Name: "/sched/cpu:seconds"}, {Name: "/memory/classes/heap/objects:bytes"}},
		numCPU:  float64(runtime.NumCPU()),
	}
}

func (p *processSampler) Snapshot() ProcessUsage {
	if p == nil {
		return ProcessUsage{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	metrics.Read(p.samples)
	now := time.Now()
	usage := ProcessUsage{Goroutines: runtime.NumGoroutine()}

	if cpu := p.samples[0].Value; cpu.Kind() == metrics.KindFloat64 {
		seconds := cpu.Float64()
		if !p.lastSample.IsZero() {
			deltaWall := now.Sub(p.lastSample).Seconds()
			if deltaWall > 0 && p.numCPU > 0 {
				usage.CPUPercent = (seconds - p.lastCPUSeconds) / deltaWall / p.numCPU * 100
			}
		}
		p.lastCPUSeconds = seconds
	}
	p.lastSample = now

	if heap := p.samples[1].Value; heap.Kind() == metrics.KindUint64 {
		usage.MemoryBytes = heap.Uint64()
	}
	return usage
}
