package stream

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemSample is a point-in-time read of process-host resource usage. Only
// its CPUPercent is folded into a Processor's snapshot, which the fan-out
// layer's 5s system-metrics channel broadcasts (§4.7); MemoryUsedMB is not
// carried into the snapshot.
type SystemSample struct {
	CPUPercent float64
	MemoryUsedMB float64
}

// SampleSystem reads current CPU and memory utilisation via gopsutil. A
// read failure yields a zeroed sample rather than an error, since metrics
// collection must never block or fail the pipeline it observes.
func SampleSystem() SystemSample {
	var sample SystemSample
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		sample.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		sample.MemoryUsedMB = float64(vm.Used) / (1024 * 1024)
	}
	return sample
}

// WithSystemSample annotates a Snapshot's CPUPercent field from a fresh
// system read.
func (s Snapshot) WithSystemSample() Snapshot {
	sample := SampleSystem()
	s.CPUPercent = sample.CPUPercent
	return s
}
