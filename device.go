package mtbert

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Device is an explicit device selection. Listed ids become replicas of the
// model; "cpu" or an empty spec runs a single bare model.
type Device struct {
	IDs []int
}

// ParseDevice parses a spec such as "cpu", "0" or "0,1,2".
func ParseDevice(spec string) (Device, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" || strings.EqualFold(spec, "cpu") {
		return Device{}, nil
	}
	var d Device
	seen := map[int]bool{}
	for _, part := range strings.Split(spec, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || id < 0 {
			return Device{}, fmt.Errorf("bad device id %q in %q", part, spec)
		}
		if seen[id] {
			return Device{}, fmt.Errorf("device id %d listed twice in %q", id, spec)
		}
		seen[id] = true
		d.IDs = append(d.IDs, id)
	}
	return d, nil
}

// Replicas is the number of model replicas the device runs.
func (d Device) Replicas() int {
	if len(d.IDs) < 1 {
		return 1
	}
	return len(d.IDs)
}

func (d Device) Variant() Variant {
	if d.Replicas() > 1 {
		return Replicated
	}
	return Bare
}

func (d Device) String() string {
	cpu := cpuid.CPU
	host := fmt.Sprintf("%s (%d cores, %d threads, GOMAXPROCS %d)",
		strings.TrimSpace(cpu.BrandName), cpu.PhysicalCores, cpu.LogicalCores, runtime.GOMAXPROCS(0))
	if len(d.IDs) == 0 {
		return "cpu: " + host
	}
	return fmt.Sprintf("%d replicas %v on %s", d.Replicas(), d.IDs, host)
}
