// Package manifest builds and diffs the path to hash snapshots that drive
// incremental file sync. A manifest never leaves the run that built it; the
// JSON artifact written alongside is what crosses the wire.
package manifest

import (
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/wpeztools/ezsync/pkg/checksum"
	"github.com/wpeztools/ezsync/pkg/errors"
)

// progressInterval is how many entries go between progress log lines when
// walking large trees.
const progressInterval = 5000

// fs is used for mock tests. It will be overridden by afero.NewMemMapFs()
// in the tests.
var fs = afero.NewOsFs()

// Entry describes one file in a manifest.
type Entry struct {
	MD5       string `json:"md5"`
	Timestamp int64  `json:"timestamp"`
	Size      int64  `json:"size"`
}

// Manifest maps a file's path relative to the synced root onto its entry.
type Manifest map[string]Entry

// Build walks rootDir and snapshots every regular file. Zero-byte files,
// files modified before sinceEpoch, and files matching the exclusion list by
// exact name or path substring are all skipped.
func Build(rootDir string, exclude []string, sinceEpoch int64) (Manifest, error) {
	manifest := Manifest{}

	walker := func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if excluded(path, info.Name(), exclude) {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() ||
			info.Size() == 0 ||
			info.ModTime().Unix() < sinceEpoch ||
			excluded(path, info.Name(), exclude) {
			return nil
		}

		relPath, err := filepath.Rel(rootDir, path)
		if err != nil {
			return errors.WithContext(err, "relativize")
		}

		f, err := fs.Open(path)
		if err != nil {
			return errors.WithContext(err, "open")
		}
		digest, err := checksum.Reader(f)
		f.Close()
		if err != nil {
			return errors.WithContext(err, "hash")
		}

		manifest[filepath.ToSlash(relPath)] = Entry{
			MD5:       digest,
			Timestamp: info.ModTime().Unix(),
			Size:      info.Size(),
		}
		if len(manifest)%progressInterval == 0 {
			log.WithFields(log.Fields{
				"root":  rootDir,
				"files": len(manifest),
			}).Info("Still walking directory tree")
		}
		return nil
	}

	if err := afero.Walk(fs, rootDir, walker); err != nil {
		return nil, errors.WithContext(err, "walk")
	}
	return manifest, nil
}

func excluded(path, name string, exclude []string) bool {
	for _, pattern := range exclude {
		if name == pattern || strings.Contains(path, pattern) {
			return true
		}
	}
	return false
}

// Changed returns the remote entries that are missing locally or carry a
// different hash. Paths present only locally are never reported, so deletes
// don't propagate.
func Changed(local, remote Manifest) Manifest {
	changed := Manifest{}
	for path, remoteEntry := range remote {
		if localEntry, ok := local[path]; !ok || localEntry.MD5 != remoteEntry.MD5 {
			changed[path] = remoteEntry
		}
	}
	return changed
}
