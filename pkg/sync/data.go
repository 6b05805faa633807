package sync

import (
	"context"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/wpeztools/ezsync/pkg/api"
	"github.com/wpeztools/ezsync/pkg/archive"
	"github.com/wpeztools/ezsync/pkg/checksum"
	"github.com/wpeztools/ezsync/pkg/errors"
)

// pollInterval paces the per-table wait for export artifacts. A variable so
// tests can shorten it.
var pollInterval = 10 * time.Second

// pollAttempts caps the per-table wait. A table that isn't exported within
// the cap is a soft failure; the run continues with the remaining tables.
const pollAttempts = 100

// runData pulls the remote's tables through export, download, verify,
// unwrap, import and URL rewrite, one table at a time. Table-level problems
// are collected, not fatal, and a failed table's artifact stays on disk for
// inspection.
func (o *Orchestrator) runData(ctx context.Context, opts Options) (Report, error) {
	report := Report{Kind: JobData, Replaced: map[string]int{}}

	tables := opts.Tables
	if len(tables) == 0 {
		var err error
		if tables, err = o.remote.Tables(ctx); err != nil {
			return report, errors.WithContext(err, "list remote tables")
		}
	}
	tables = dropExcluded(tables, opts.ExcludeTables)
	if len(tables) == 0 {
		return report, errors.NewFriendlyError(
			"No tables are left to sync. The remote may have none matching " +
				"the configured prefix, or the exclude list covers them all.")
	}

	if err := o.remote.TriggerExport(ctx, tables, opts.Encrypt, opts.Gzip); err != nil {
		return report, errors.WithContext(err, "trigger export")
	}

	staging, err := o.staging()
	if err != nil {
		return report, err
	}
	defer func() {
		// Artifacts whose import failed stay behind; the directory only
		// goes away once it is empty.
		if err := fs.Remove(staging); err != nil {
			log.WithField("dir", staging).Info("Retained failed artifacts")
		}
	}()

	for _, table := range tables {
		replaced, err := o.syncTable(ctx, table, staging, opts)
		if err != nil {
			log.WithError(err).WithField("table", table).Warn("Table failed")
			o.audit.item(string(JobData), table, err)
			report.Failures = append(report.Failures, ItemResult{
				Name: table, Err: err})
			continue
		}
		report.Synced = append(report.Synced, table)
		if !opts.SkipReplace {
			report.Replaced[table] = replaced
		}
		o.audit.item(string(JobData), table, nil)
	}

	if err := o.flusher.Flush(ctx); err != nil {
		log.WithError(err).Warn("Cache flush failed; serving stale data " +
			"until it expires")
	}
	return report, nil
}

// syncTable carries one table end to end and returns how many fields the
// URL rewrite changed. The staged artifact is deleted only once the import
// has succeeded.
func (o *Orchestrator) syncTable(ctx context.Context, table, staging string,
	opts Options) (int, error) {
	path, err := o.pullTable(ctx, table, staging)
	if err != nil {
		return 0, err
	}

	if err := o.local.ImportFile(ctx, path); err != nil {
		return 0, errors.WithContext(err, "import")
	}

	replaced := 0
	if !opts.SkipReplace {
		replaced, err = o.local.SearchReplace(
			ctx, o.target.URL, o.settings.URL, table)
		if err != nil {
			return 0, errors.WithContext(err, "rewrite urls")
		}
	}

	if err := fs.Remove(path); err != nil {
		log.WithError(err).WithField("path", path).
			Warn("Failed to remove consumed artifact")
	}
	return replaced, nil
}

func dropExcluded(tables, exclude []string) []string {
	if len(exclude) == 0 {
		return tables
	}

	excluded := map[string]bool{}
	for _, table := range exclude {
		excluded[table] = true
	}

	var kept []string
	for _, table := range tables {
		if !excluded[table] {
			kept = append(kept, table)
		}
	}
	return kept
}

// pullTable waits for one table's export artifact, then downloads,
// verifies and unwraps it. It returns the path of the import-ready dump.
func (o *Orchestrator) pullTable(ctx context.Context, table, staging string) (string, error) {
	stored, err := o.waitForExport(ctx, table)
	if err != nil {
		return "", err
	}

	contents, err := o.remote.DownloadBytes(ctx, "data", stored.File)
	if err != nil {
		return "", errors.WithContext(err, "download")
	}
	if err := checksum.VerifyBytes(stored.File, contents, stored.Hash); err != nil {
		return "", err
	}

	path := filepath.Join(staging, stored.File)
	if err := afero.WriteFile(fs, path, contents, 0644); err != nil {
		return "", errors.WithContext(err, "stage artifact")
	}

	if filepath.Ext(path) == ".enc" {
		opened := path[:len(path)-len(".enc")]
		if err := o.codec.DecryptFile(path, opened); err != nil {
			return "", errors.WithContext(err, "decrypt")
		}
		path = opened
	}
	if filepath.Ext(path) == archive.Suffix {
		if path, err = archive.Expand(path); err != nil {
			return "", errors.WithContext(err, "expand")
		}
	}
	return path, nil
}

func (o *Orchestrator) waitForExport(ctx context.Context, table string) (api.StoredFile, error) {
	for attempt := 0; attempt < pollAttempts; attempt++ {
		stored, ok, err := o.remote.Stored(ctx, table)
		if err != nil {
			return api.StoredFile{}, errors.WithContext(err, "poll export")
		}
		if ok {
			return stored, nil
		}

		log.WithFields(log.Fields{
			"table":   table,
			"attempt": attempt + 1,
		}).Debug("Export not ready")
		select {
		case <-ctx.Done():
			return api.StoredFile{}, errors.WithContext(ctx.Err(), "poll export")
		case <-o.clock.After(pollInterval):
		}
	}
	return api.StoredFile{}, errors.NewFriendlyError(
		"Gave up waiting for the remote to export %q. The table may be too "+
			"large, or the remote's export worker may be stuck.", table)
}
