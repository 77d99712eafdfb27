package service

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// processRSS returns the resident set size of the collector process
func processRSS() (uint64, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return mem.RSS, nil
}
