package hardware

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/rescoord/rescoord/internal/core/protocol"
)

// Detect reads the static hardware profile of this machine. GPU stays nil;
// only configuration supplies it.
func Detect(ctx context.Context) (protocol.HardwareProfile, error) {
	var hw protocol.HardwareProfile

	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return hw, errors.Wrap(err, "count cpus")
	}
	hw.NumCPU = cores

	// cpu info is unavailable in some containers; speed stays zero then
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		hw.CPUSpeed = infos[0].Mhz
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return hw, errors.Wrap(err, "read memory")
	}
	hw.RAM = vm.Total
	return hw, nil
}

// Merge overlays the non-zero fields of override onto detected.
func Merge(detected, override protocol.HardwareProfile) protocol.HardwareProfile {
	out := detected.Clone()
	if override.NumCPU > 0 {
		out.NumCPU = override.NumCPU
	}
	if override.CPUSpeed > 0 {
		out.CPUSpeed = override.CPUSpeed
	}
	if override.RAM > 0 {
		out.RAM = override.RAM
	}
	if override.GPU != nil {
		gpu := *override.GPU
		out.GPU = &gpu
	}
	return out
}

// Score orders machines by compute capacity: cores times clock, with memory
// breaking ties.
func Score(hw protocol.HardwareProfile) (compute float64, memory uint64) {
	speed := hw.CPUSpeed
	if speed <= 0 {
		speed = 1
	}
	return float64(hw.NumCPU) * speed, hw.RAM
}

// Stronger reports whether a outranks b.
func Stronger(a, b protocol.HardwareProfile) bool {
	ca, ma := Score(a)
	cb, mb := Score(b)
	if ca != cb {
		return ca > cb
	}
	return ma > mb
}
