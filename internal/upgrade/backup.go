package upgrade

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	backupManifestName = "manifest.json"
	checksumSuffix     = ".sha256"
)

// BackupManager produces and applies snapshots of the service's persistent
// state: the database file plus any configured extra files. Artifacts are
// written atomically (temp file, fsync, checksum marker, rename) so a crash
// mid-snapshot never leaves a partial artifact that looks valid.
type BackupManager struct {
	backupDir string
	// sources are the absolute paths captured in a snapshot. The first entry
	// is the database file.
	sources []string
}

type backupManifest struct {
	CreatedAt time.Time         `json:"createdAt"`
	UpgradeID string            `json:"upgradeId"`
	Files     map[string]string `json:"files"` // archive name -> original absolute path
}

func NewBackupManager(backupDir string, sources ...string) *BackupManager {
	return &BackupManager{backupDir: backupDir, sources: sources}
}

// Snapshot captures the configured state files into a tar.gz artifact keyed by
// upgrade id and timestamp, and returns its path. The artifact only becomes
// visible under its final name after its checksum marker has been written and
// synced.
func (b *BackupManager) Snapshot(upgradeID uuid.UUID) (string, error) {
	if err := os.MkdirAll(b.backupDir, 0o755); err != nil {
		return "", errors.Wrap(err, "creating backup dir")
	}

	name := fmt.Sprintf("meshmon-%s-%s.tar.gz", time.Now().UTC().Format("20060102-150405"), upgradeID)
	finalPath := filepath.Join(b.backupDir, name)

	tmp, err := os.CreateTemp(b.backupDir, ".snapshot-*")
	if err != nil {
		return "", errors.Wrap(err, "creating snapshot temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	hasher := sha256.New()
	gz := gzip.NewWriter(io.MultiWriter(tmp, hasher))
	tw := tar.NewWriter(gz)

	manifest := backupManifest{
		CreatedAt: time.Now().UTC(),
		UpgradeID: upgradeID.String(),
		Files:     make(map[string]string),
	}

	for i, src := range b.sources {
		if src == "" {
			continue
		}
		archiveName := fmt.Sprintf("%03d-%s", i, filepath.Base(src))
		if err := addFileToArchive(tw, src, archiveName); err != nil {
			tmp.Close()
			return "", errors.Wrapf(err, "archiving %s", src)
		}
		manifest.Files[archiveName] = src
	}

	manifestData, err := json.Marshal(manifest)
	if err != nil {
		tmp.Close()
		return "", errors.Wrap(err, "encoding manifest")
	}
	if err := tw.WriteHeader(&tar.Header{
		Name: backupManifestName,
		Mode: 0o644,
		Size: int64(len(manifestData)),
	}); err != nil {
		tmp.Close()
		return "", errors.Wrap(err, "writing manifest header")
	}
	if _, err := tw.Write(manifestData); err != nil {
		tmp.Close()
		return "", errors.Wrap(err, "writing manifest")
	}

	if err := tw.Close(); err != nil {
		tmp.Close()
		return "", errors.Wrap(err, "closing archive")
	}
	if err := gz.Close(); err != nil {
		tmp.Close()
		return "", errors.Wrap(err, "closing gzip stream")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", errors.Wrap(err, "syncing snapshot")
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Wrap(err, "closing snapshot")
	}

	// The checksum marker is the integrity commit point: Verify refuses any
	// artifact whose marker is missing or does not match.
	sum := hex.EncodeToString(hasher.Sum(nil))
	if err := writeDurable(finalPath+checksumSuffix, []byte(sum+"\n")); err != nil {
		return "", errors.Wrap(err, "writing checksum marker")
	}
	if err := os.Rename(tmpName, finalPath); err != nil {
		return "", errors.Wrap(err, "publishing snapshot")
	}

	zap.S().Named("backup").Infof("snapshot created: %s", finalPath)
	return finalPath, nil
}

// Verify checks the artifact against its checksum marker.
func (b *BackupManager) Verify(path string) error {
	sumData, err := os.ReadFile(path + checksumSuffix)
	if err != nil {
		return NewErrBackupCorrupted(fmt.Sprintf("checksum marker unreadable: %v", err))
	}

	f, err := os.Open(path)
	if err != nil {
		return NewErrBackupCorrupted(fmt.Sprintf("artifact unreadable: %v", err))
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return NewErrBackupCorrupted(fmt.Sprintf("artifact unreadable: %v", err))
	}

	want := string(sumData)
	got := hex.EncodeToString(hasher.Sum(nil))
	if want != got+"\n" && want != got {
		return NewErrBackupCorrupted("checksum mismatch")
	}
	return nil
}

// Restore validates the artifact and writes every captured file back to its
// original location. A corrupt or missing artifact is a fatal error; restoring
// partial data silently is never an option.
func (b *BackupManager) Restore(path string) error {
	if err := b.Verify(path); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return NewErrBackupCorrupted(fmt.Sprintf("artifact unreadable: %v", err))
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return NewErrBackupCorrupted(fmt.Sprintf("bad gzip stream: %v", err))
	}
	defer gz.Close()

	// First pass: collect entries into temp files and locate the manifest.
	tr := tar.NewReader(gz)
	var manifest *backupManifest
	staged := make(map[string]string) // archive name -> temp file

	defer func() {
		for _, tmp := range staged {
			os.Remove(tmp)
		}
	}()

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return NewErrBackupCorrupted(fmt.Sprintf("bad archive: %v", err))
		}

		if hdr.Name == backupManifestName {
			var m backupManifest
			if err := json.NewDecoder(tr).Decode(&m); err != nil {
				return NewErrBackupCorrupted(fmt.Sprintf("bad manifest: %v", err))
			}
			manifest = &m
			continue
		}

		tmp, err := os.CreateTemp(b.backupDir, ".restore-*")
		if err != nil {
			return errors.Wrap(err, "staging restore file")
		}
		if _, err := io.Copy(tmp, tr); err != nil {
			tmp.Close()
			return NewErrBackupCorrupted(fmt.Sprintf("bad archive entry %s: %v", hdr.Name, err))
		}
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return errors.Wrap(err, "syncing restore file")
		}
		if err := tmp.Close(); err != nil {
			return errors.Wrap(err, "closing restore file")
		}
		staged[hdr.Name] = tmp.Name()
	}

	if manifest == nil {
		return NewErrBackupCorrupted("manifest missing")
	}

	// Second pass: move every staged file into place.
	for name, dest := range manifest.Files {
		tmp, ok := staged[name]
		if !ok {
			return NewErrBackupCorrupted(fmt.Sprintf("archive entry %s missing", name))
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return errors.Wrapf(err, "restoring %s", dest)
		}
		if err := os.Rename(tmp, dest); err != nil {
			return errors.Wrapf(err, "restoring %s", dest)
		}
		delete(staged, name)
	}

	zap.S().Named("backup").Infof("restored snapshot: %s", path)
	return nil
}

// Prune removes all but the keep newest snapshots, together with their
// checksum markers.
func (b *BackupManager) Prune(keep int) error {
	entries, err := filepath.Glob(filepath.Join(b.backupDir, "meshmon-*.tar.gz"))
	if err != nil {
		return err
	}
	if len(entries) <= keep {
		return nil
	}

	type candidate struct {
		path    string
		modTime time.Time
	}
	candidates := make([]candidate, 0, len(entries))
	for _, path := range entries {
		fi, err := os.Stat(path)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{path: path, modTime: fi.ModTime()})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].modTime.After(candidates[j].modTime)
	})

	for _, old := range candidates[min(keep, len(candidates)):] {
		if err := os.Remove(old.path); err != nil {
			return err
		}
		_ = os.Remove(old.path + checksumSuffix)
		zap.S().Named("backup").Infof("pruned old snapshot: %s", old.path)
	}
	return nil
}

func addFileToArchive(tw *tar.Writer, src, archiveName string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}

	hdr, err := tar.FileInfoHeader(fi, "")
	if err != nil {
		return err
	}
	hdr.Name = archiveName

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

func writeDurable(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".durable-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
