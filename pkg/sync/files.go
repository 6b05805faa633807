package sync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/wpeztools/ezsync/pkg/checksum"
	"github.com/wpeztools/ezsync/pkg/config"
	"github.com/wpeztools/ezsync/pkg/errors"
	"github.com/wpeztools/ezsync/pkg/manifest"
)

// watermarkSlack is subtracted from the run's start time when advancing the
// watermark, so files written while the run was in flight are re-checked
// next time rather than missed.
const watermarkSlack = time.Hour

// runFiles pulls the remote's changed media files. The manifest is the
// basis for every later decision, so its hash failing is fatal; per-file
// problems are collected, but any of them rolls the watermark back so the
// next run retries the same window.
func (o *Orchestrator) runFiles(ctx context.Context, _ Options) (Report, error) {
	report := Report{Kind: JobFiles}
	remoteHost := config.HostOf(o.target.URL)

	timestampsDir, err := o.settings.SyncPath("timestamps")
	if err != nil {
		return report, err
	}
	marks := manifest.NewWatermarks(timestampsDir)

	since, err := marks.Get(remoteHost)
	if err != nil {
		return report, err
	}

	log.WithFields(log.Fields{
		"root":  o.settings.UploadsDir,
		"since": since,
	}).Info("Building local manifest")
	local, err := manifest.Build(o.settings.UploadsDir, o.settings.Exclude, since)
	if err != nil {
		return report, errors.WithContext(err, "build local manifest")
	}

	// Advance optimistically before transferring; every failure path below
	// must restore the previous value.
	previous, err := marks.Set(remoteHost,
		o.clock.Now().Add(-watermarkSlack).Unix())
	if err != nil {
		return report, err
	}
	rollback := func() {
		if _, err := marks.Set(remoteHost, previous); err != nil {
			log.WithError(err).Error("Failed to roll back watermark; the " +
				"next run may skip files")
			return
		}
		report.RolledBack = true
	}

	remote, err := o.fetchRemoteManifest(ctx, since)
	if err != nil {
		rollback()
		return report, err
	}

	changed := manifest.Changed(local, remote)
	log.WithFields(log.Fields{
		"remote":  len(remote),
		"changed": len(changed),
	}).Info("Diffed manifests")
	if len(changed) == 0 {
		return report, nil
	}

	for path, entry := range changed {
		if err := o.pullFile(ctx, path, entry); err != nil {
			log.WithError(err).WithField("file", path).Error("File failed")
			o.audit.item(string(JobFiles), path, err)
			report.Failures = append(report.Failures, ItemResult{
				Name: path, Err: err})
			continue
		}
		report.Synced = append(report.Synced, path)
		o.audit.item(string(JobFiles), path, nil)
	}

	if len(report.Failures) > 0 {
		rollback()
	}
	return report, nil
}

// fetchRemoteManifest triggers the remote walk, downloads the artifact and
// verifies it. The artifact is kept under the files working directory for
// debugging.
func (o *Orchestrator) fetchRemoteManifest(ctx context.Context,
	since int64) (manifest.Manifest, error) {
	stored, err := o.remote.Manifest(ctx, since)
	if err != nil {
		return nil, errors.WithContext(err, "trigger remote manifest")
	}

	contents, err := o.remote.DownloadBytes(ctx, "json", stored.File)
	if err != nil {
		return nil, errors.WithContext(err, "download manifest")
	}
	if err := checksum.VerifyBytes(stored.File, contents, stored.Hash); err != nil {
		return nil, errors.WithContext(err, "verify manifest")
	}

	filesDir, err := o.settings.SyncPath("files")
	if err != nil {
		return nil, err
	}
	artifact := filepath.Join(filesDir, stored.File)
	if err := afero.WriteFile(fs, artifact, contents, 0644); err != nil {
		log.WithError(err).Warn("Failed to retain manifest artifact")
	}

	parsed := manifest.Manifest{}
	if err := json.Unmarshal(contents, &parsed); err != nil {
		return nil, errors.WithContext(err, "parse manifest")
	}
	return parsed, nil
}

// pullFile fetches one changed file, verifies it against the manifest and
// installs it with the remote's modification time. The write goes through a
// temporary name so a torn transfer never shows up at the real path.
func (o *Orchestrator) pullFile(ctx context.Context, relPath string,
	entry manifest.Entry) error {
	encoded := "base64:" + base64.URLEncoding.EncodeToString([]byte(relPath))
	contents, hash, err := o.remote.FetchFile(ctx, "files", encoded)
	if err != nil {
		return errors.WithContext(err, "fetch")
	}
	if hash != entry.MD5 {
		return errors.IntegrityError{
			Artifact: relPath, Expected: entry.MD5, Actual: hash}
	}
	if err := checksum.VerifyBytes(relPath, contents, entry.MD5); err != nil {
		return err
	}

	dst := filepath.Join(o.settings.UploadsDir, filepath.FromSlash(relPath))
	if err := fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return errors.WithContext(err, "create parent dirs")
	}

	tmp := dst + ".partial"
	if err := afero.WriteFile(fs, tmp, contents, 0644); err != nil {
		return errors.WithContext(err, "stage file")
	}
	if err := fs.Rename(tmp, dst); err != nil {
		return errors.WithContext(err, "install file")
	}

	mtime := time.Unix(entry.Timestamp, 0)
	if err := fs.Chtimes(dst, mtime, mtime); err != nil {
		return errors.WithContext(err, "restore mtime")
	}
	return nil
}
