package upgrade

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	api "github.com/meshmon/meshmon/api/v1"
	"github.com/meshmon/meshmon/internal/store/model"
)

// StatusFile is the out-of-band mirror of the active upgrade's progress. It is
// written synchronously before every step transition so that a watchdog, or
// the freshly restarted process, can observe the last known state without the
// main database connection. The write before the restart step must be flushed
// to disk; nothing after that point is guaranteed to run in this process.
type StatusFile struct {
	path string
}

func NewStatusFile(path string) *StatusFile {
	return &StatusFile{path: path}
}

func (f *StatusFile) Path() string {
	return f.path
}

// Write persists the record durably: temp file, fsync, rename, directory
// fsync. A crash at any point leaves either the old record or the new one,
// never a torn file.
func (f *StatusFile) Write(upgradeID uuid.UUID, status model.UpgradeStatus, targetVersion, message string) error {
	record := api.WatchdogStatus{
		UpgradeID:     upgradeID,
		Status:        string(status),
		TargetVersion: targetVersion,
		Message:       message,
		Timestamp:     time.Now().UTC(),
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding watchdog status: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating watchdog status dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upgrade-status-*")
	if err != nil {
		return fmt.Errorf("creating watchdog status temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing watchdog status: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing watchdog status: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing watchdog status: %w", err)
	}

	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("publishing watchdog status: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}

	return nil
}

// Read returns the last mirrored record, or nil when no upgrade has ever
// written one (or the file was cleared).
func (f *StatusFile) Read() (*api.WatchdogStatus, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading watchdog status: %w", err)
	}

	var record api.WatchdogStatus
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decoding watchdog status: %w", err)
	}
	return &record, nil
}

// Clear removes the status file. Called once the mirrored job has been
// finalized in the ledger.
func (f *StatusFile) Clear() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
