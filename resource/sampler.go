package resource

import (
	"os"

	"github.com/shirou/gopsutil/process"
)

// osSampler reads resident memory and CPU percent for the current
// process, grounded on nabbar-golib's use of shirou/gopsutil for the
// same purpose. A single *process.Process is cached and reused: calling
// process.NewProcess on every sample would reopen /proc/<pid> each
// time, and gopsutil's CPUPercent needs two samples to produce a
// meaningful delta, so keeping the handle around is required, not just
// an optimization.
type osSampler struct {
	proc *process.Process
}

func newOSSampler() (*osSampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &osSampler{proc: p}, nil
}

// sample returns resident memory in bytes and CPU percent (0-100 per
// core, so a value over 100 is possible on multi-core machines — spec
// §4.C's CPU limit of 200% assumes exactly this).
func (s *osSampler) sample() (memBytes uint64, cpuPercent float64, err error) {
	mem, err := s.proc.MemoryInfo()
	if err != nil {
		return 0, 0, err
	}
	cpu, err := s.proc.CPUPercent()
	if err != nil {
		return 0, 0, err
	}
	return mem.RSS, cpu, nil
}
