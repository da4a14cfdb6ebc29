package upgrade_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/meshmon/meshmon/internal/store/model"
	"github.com/meshmon/meshmon/internal/upgrade"
	"github.com/stretchr/testify/require"
)

func TestStatusFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upgrade-status.json")
	f := upgrade.NewStatusFile(path)

	id := uuid.New()
	require.NoError(t, f.Write(id, model.UpgradeStatusRestarting, "v2.15.0", "Restarting service"))

	record, err := f.Read()
	require.NoError(t, err)
	require.NotNil(t, record)
	require.Equal(t, id, record.UpgradeID)
	require.Equal(t, "restarting", record.Status)
	require.Equal(t, "v2.15.0", record.TargetVersion)
	require.False(t, record.Timestamp.IsZero())
}

func TestStatusFileAbsent(t *testing.T) {
	f := upgrade.NewStatusFile(filepath.Join(t.TempDir(), "upgrade-status.json"))

	record, err := f.Read()
	require.NoError(t, err)
	require.Nil(t, record)
}

func TestStatusFileOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upgrade-status.json")
	f := upgrade.NewStatusFile(path)

	id := uuid.New()
	require.NoError(t, f.Write(id, model.UpgradeStatusPending, "v2.15.0", "Upgrade queued"))
	require.NoError(t, f.Write(id, model.UpgradeStatusDownloading, "v2.15.0", "Downloading version v2.15.0"))

	record, err := f.Read()
	require.NoError(t, err)
	require.Equal(t, "downloading", record.Status)

	// No temp files may be left behind by the atomic write.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestStatusFileClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upgrade-status.json")
	f := upgrade.NewStatusFile(path)

	require.NoError(t, f.Write(uuid.New(), model.UpgradeStatusComplete, "v2.15.0", "done"))
	require.NoError(t, f.Clear())

	record, err := f.Read()
	require.NoError(t, err)
	require.Nil(t, record)

	// Clearing twice is fine.
	require.NoError(t, f.Clear())
}
