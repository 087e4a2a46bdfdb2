package health

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Vitals are the appliance metrics attached to every PING.
type Vitals struct {
	UptimeSeconds uint64
	CPUPercent    float64
	MemPercent    float64
}

// ReadVitals samples host uptime, CPU and memory usage. Individual
// probe failures leave the corresponding field zero rather than
// failing the whole snapshot; a ping with partial vitals is still
// worth sending.
func ReadVitals() Vitals {
	var v Vitals

	if uptime, err := host.Uptime(); err == nil {
		v.UptimeSeconds = uptime
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		v.CPUPercent = percents[0]
	}

	if vmem, err := mem.VirtualMemory(); err == nil {
		v.MemPercent = vmem.UsedPercent
	}

	return v
}
