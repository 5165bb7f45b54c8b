package capture

import (
	gopsprocess "github.com/shirou/gopsutil/v3/process"
)

// readProcessRSSKB returns the resident set size, in kilobytes, of
// the process with the given pid.
func readProcessRSSKB(pid int) (uint64, error) {
	proc, err := gopsprocess.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return mem.RSS / 1024, nil
}
