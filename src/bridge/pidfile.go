package bridge

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/lokegud/Paradelala/types"
)

const pidFileName = "bridge.pid"

// PIDPath returns the pidfile location inside the state dir.
func PIDPath(stateDir string) string {
	return filepath.Join(stateDir, pidFileName)
}

// WritePIDFile records this process's pid. If the file exists and its pid is
// still alive, the daemon is already running and we refuse to start.
func WritePIDFile(stateDir string) error {
	path := PIDPath(stateDir)
	if pid, err := readPID(path); err == nil && processAlive(pid) {
		return fmt.Errorf("pid %d: %w", pid, types.ErrAlreadyRunning)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600)
}

// RemovePIDFile cleans up on shutdown; best-effort.
func RemovePIDFile(stateDir string) {
	os.Remove(PIDPath(stateDir))
}

// RunningPID returns the pid of a live bridge daemon, or types.ErrNotFound.
func RunningPID(stateDir string) (int, error) {
	pid, err := readPID(PIDPath(stateDir))
	if err != nil {
		return 0, types.ErrNotFound
	}
	if !processAlive(pid) {
		return 0, types.ErrNotFound
	}
	return pid, nil
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// Signal 0 probes existence without delivering anything.
	return syscall.Kill(pid, 0) == nil
}
