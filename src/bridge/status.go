package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lokegud/Paradelala/types"
)

const statusFileName = "status.json"

// StatusPath returns the status file location inside the state dir.
func StatusPath(stateDir string) string {
	return filepath.Join(stateDir, statusFileName)
}

// WriteStatus publishes the report for external consumers: the `status`
// command and whatever picks the proxy upstream. Written atomically so a
// reader never sees a torn document.
func WriteStatus(stateDir string, report *types.StatusReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	tmp, err := os.CreateTemp(stateDir, statusFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp status file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, StatusPath(stateDir))
}

// ReadStatus loads the last published report. Returns types.ErrNotFound if
// the bridge has never run.
func ReadStatus(stateDir string) (*types.StatusReport, error) {
	data, err := os.ReadFile(StatusPath(stateDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	var report types.StatusReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to parse status file: %w", err)
	}
	return &report, nil
}
