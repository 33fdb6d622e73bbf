package terminate

import (
	"path/filepath"
	"slices"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// Linux truncates comm to 15 bytes.
const commLen = 15

// processNames returns the executable base name and the process name of pid.
// They differ for interpreted programs, where the executable is the interpreter.
func processNames(pid int) ([]string, bool) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, false
	}
	return namesOf(p)
}

func namesOf(p *process.Process) ([]string, bool) {
	var names []string
	if exe, err := p.Exe(); err == nil && exe != "" {
		names = append(names, filepath.Base(strings.TrimSuffix(exe, " (deleted)")))
	}
	if name, err := p.Name(); err == nil && name != "" {
		names = append(names, name)
	}
	return names, len(names) > 0
}

func nameMatches(names []string, want string) bool {
	for _, actual := range names {
		if actual == want {
			return true
		}
		if len(want) > commLen && len(actual) == commLen && strings.HasPrefix(want, actual) {
			return true
		}
	}
	return false
}

func isZombie(pid int) bool {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	return zombie(p)
}

func zombie(p *process.Process) bool {
	status, err := p.Status()
	return err == nil && slices.Contains(status, process.Zombie)
}

func listByName(name string) []int {
	procs, err := process.Processes()
	if err != nil {
		return nil
	}
	var pids []int
	for _, p := range procs {
		names, ok := namesOf(p)
		if !ok || !nameMatches(names, name) || zombie(p) {
			continue
		}
		pids = append(pids, int(p.Pid))
	}
	return pids
}
