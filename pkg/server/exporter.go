package server

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/wpeztools/ezsync/pkg/api"
	"github.com/wpeztools/ezsync/pkg/archive"
	"github.com/wpeztools/ezsync/pkg/checksum"
	"github.com/wpeztools/ezsync/pkg/config"
	"github.com/wpeztools/ezsync/pkg/crypto"
	"github.com/wpeztools/ezsync/pkg/db"
	"github.com/wpeztools/ezsync/pkg/errors"
	"github.com/wpeztools/ezsync/pkg/manifest"
)

// Exporter runs the deployment's long-lived background work: table exports
// and manifest builds. Both are triggered by a peer's request and picked up
// later by polling, so the trigger handlers return immediately.
type Exporter struct {
	settings config.Settings
	db       db.Tool
	codec    *crypto.Codec

	mu             sync.Mutex
	manifestActive bool
	manifestDone   *manifestResult
}

type manifestResult struct {
	stored api.StoredFile
	err    error
}

// NewExporter returns an exporter for the deployment.
func NewExporter(settings config.Settings, dbTool db.Tool,
	codec *crypto.Codec) *Exporter {
	return &Exporter{settings: settings, db: dbTool, codec: codec}
}

// ExportTables starts dumping the given tables in the background. Each
// table's artifact lands in the databases directory under its final name
// only once it is complete, so a poll never sees a partial dump.
func (e *Exporter) ExportTables(tables []string, encrypt, gzip bool) {
	go func() {
		for _, table := range tables {
			if err := e.exportTable(table, encrypt, gzip); err != nil {
				log.WithError(err).WithField("table", table).
					Error("Table export failed")
			}
		}
	}()
}

func (e *Exporter) exportTable(table string, encrypt, gzip bool) error {
	staging, err := e.settings.SyncPath("tmp/" + uuid.New().String())
	if err != nil {
		return err
	}
	defer func() {
		if err := fs.RemoveAll(staging); err != nil {
			log.WithError(err).Warn("Failed to clean export staging")
		}
	}()

	artifact := filepath.Join(staging, table+".sql")
	if err := e.db.DumpTable(context.Background(), table, artifact); err != nil {
		return err
	}

	if gzip {
		if artifact, err = archive.Compress(artifact); err != nil {
			return err
		}
	}
	if encrypt {
		sealed := artifact + ".enc"
		if err := e.codec.EncryptFile(artifact, sealed); err != nil {
			return err
		}
		artifact = sealed
	}

	databases, err := e.settings.SyncPath("databases")
	if err != nil {
		return err
	}
	final := filepath.Join(databases, filepath.Base(artifact))
	if err := fs.Rename(artifact, final); err != nil {
		return errors.WithContext(err, "install artifact")
	}

	log.WithFields(log.Fields{"table": table, "artifact": final}).
		Info("Exported table")
	return nil
}

// WipeArtifacts removes every dump artifact left in the databases directory
// by earlier runs. Stored treats artifact existence as export completion, so
// a stale artifact would otherwise satisfy a new run's poll with last run's
// data.
func (e *Exporter) WipeArtifacts() error {
	databases, err := e.settings.SyncPath("databases")
	if err != nil {
		return err
	}

	entries, err := afero.ReadDir(fs, databases)
	if err != nil {
		return errors.WithContext(err, "list artifacts")
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".sql", ".gz", ".enc":
			if err := fs.Remove(filepath.Join(databases, entry.Name())); err != nil {
				return errors.WithContext(err, "remove stale artifact")
			}
			log.WithField("artifact", entry.Name()).Debug("Wiped stale artifact")
		}
	}
	return nil
}

// Stored looks for a completed export artifact for a table. The lookup is
// stateless: existence in the databases directory is what "done" means, so
// it survives server restarts mid-export.
func (e *Exporter) Stored(table string) (api.StoredFile, bool, error) {
	databases, err := e.settings.SyncPath("databases")
	if err != nil {
		return api.StoredFile{}, false, err
	}

	candidates := []string{
		table + ".sql.gz.enc",
		table + ".sql.enc",
		table + ".sql.gz",
		table + ".sql",
	}
	for _, name := range candidates {
		path := filepath.Join(databases, name)
		info, err := fs.Stat(path)
		if err != nil || info.Size() == 0 {
			continue
		}

		f, err := fs.Open(path)
		if err != nil {
			return api.StoredFile{}, false, errors.WithContext(err, "open artifact")
		}
		digest, err := checksum.Reader(f)
		f.Close()
		if err != nil {
			return api.StoredFile{}, false, err
		}
		return api.StoredFile{File: name, Hash: digest}, true, nil
	}
	return api.StoredFile{}, false, nil
}

// Manifest reports the manifest build for the deployment's uploads tree,
// starting one if none is running. It returns ready false while the walk is
// still going, which the handler surfaces as a long-poll timeout.
func (e *Exporter) Manifest(sinceEpoch int64) (api.StoredFile, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.manifestDone != nil {
		result := e.manifestDone
		e.manifestDone = nil
		return result.stored, true, result.err
	}
	if e.manifestActive {
		return api.StoredFile{}, false, nil
	}

	e.manifestActive = true
	go e.buildManifest(sinceEpoch)
	return api.StoredFile{}, false, nil
}

func (e *Exporter) buildManifest(sinceEpoch int64) {
	stored, err := e.manifestArtifact(sinceEpoch)
	if err != nil {
		log.WithError(err).Error("Manifest build failed")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.manifestActive = false
	e.manifestDone = &manifestResult{stored: stored, err: err}
}

func (e *Exporter) manifestArtifact(sinceEpoch int64) (api.StoredFile, error) {
	built, err := manifest.Build(
		e.settings.UploadsDir, e.settings.Exclude, sinceEpoch)
	if err != nil {
		return api.StoredFile{}, errors.WithContext(err, "build manifest")
	}

	files, err := e.settings.SyncPath("files")
	if err != nil {
		return api.StoredFile{}, err
	}
	path, err := built.WriteArtifact(files, e.settings.Host())
	if err != nil {
		return api.StoredFile{}, err
	}

	f, err := fs.Open(path)
	if err != nil {
		return api.StoredFile{}, errors.WithContext(err, "open artifact")
	}
	defer f.Close()
	digest, err := checksum.Reader(f)
	if err != nil {
		return api.StoredFile{}, err
	}

	log.WithFields(log.Fields{
		"files":    len(built),
		"artifact": path,
	}).Info("Built manifest")
	return api.StoredFile{
		File: manifest.ArtifactName(e.settings.Host()),
		Hash: digest,
	}, nil
}
