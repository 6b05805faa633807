package sync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wpeztools/ezsync/pkg/api"
	"github.com/wpeztools/ezsync/pkg/checksum"
	"github.com/wpeztools/ezsync/pkg/config"
	"github.com/wpeztools/ezsync/pkg/crypto"
	"github.com/wpeztools/ezsync/pkg/errors"
	"github.com/wpeztools/ezsync/pkg/jobstate"
	"github.com/wpeztools/ezsync/pkg/manifest"
)

type fakePeer struct {
	tables    []string
	stored    map[string]api.StoredFile
	downloads map[string][]byte
	files     map[string][]byte

	manifestStored api.StoredFile
	manifestBody   []byte

	busy     bool
	claimant string

	setBusyCalls   int
	clearBusyCalls int
	exported       []string
	fetchErr       error
}

func (p *fakePeer) CheckPeer(_ context.Context) error { return nil }

func (p *fakePeer) Tables(_ context.Context) ([]string, error) {
	return p.tables, nil
}

func (p *fakePeer) Stored(_ context.Context, table string) (api.StoredFile, bool, error) {
	stored, ok := p.stored[table]
	return stored, ok, nil
}

func (p *fakePeer) Status(_ context.Context, category string) (api.BusyStatus, error) {
	return api.BusyStatus{
		Category: category,
		Busy:     p.busy,
		Claimant: p.claimant,
	}, nil
}

func (p *fakePeer) SetBusy(_ context.Context, _ string) error {
	p.setBusyCalls++
	return nil
}

func (p *fakePeer) ClearBusy(_ context.Context, _ string) error {
	p.clearBusyCalls++
	return nil
}

func (p *fakePeer) TriggerExport(_ context.Context, tables []string, _, _ bool) error {
	p.exported = append(p.exported, tables...)
	return nil
}

func (p *fakePeer) Manifest(_ context.Context, _ int64) (api.StoredFile, error) {
	return p.manifestStored, nil
}

func (p *fakePeer) DownloadBytes(_ context.Context, fileType, file string) ([]byte, error) {
	if fileType == "json" && file == p.manifestStored.File {
		return p.manifestBody, nil
	}
	body, ok := p.downloads[file]
	if !ok {
		return nil, errors.TransportError{URL: file, Status: http.StatusNotFound}
	}
	return body, nil
}

func (p *fakePeer) FetchFile(_ context.Context, _, name string) ([]byte, string, error) {
	if p.fetchErr != nil {
		return nil, "", p.fetchErr
	}
	body, ok := p.files[name]
	if !ok {
		return nil, "", errors.TransportError{URL: name, Status: http.StatusNotFound}
	}
	return body, checksum.Bytes(body), nil
}

type fakeDB struct {
	imported []string
	contents []string
	replaced [][3]string

	// failImport makes ImportFile fail for paths containing it.
	failImport string
}

func (db *fakeDB) ListTables(_ context.Context) ([]string, error) { return nil, nil }

func (db *fakeDB) DumpTable(_ context.Context, _, _ string) error { return nil }

func (db *fakeDB) ImportFile(_ context.Context, path string) error {
	if db.failImport != "" && strings.Contains(path, db.failImport) {
		return errors.New("mysql exited with status 1")
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	db.imported = append(db.imported, path)
	db.contents = append(db.contents, string(body))
	return nil
}

func (db *fakeDB) SearchReplace(_ context.Context, from, to, table string) (int, error) {
	db.replaced = append(db.replaced, [3]string{from, to, table})
	return 7, nil
}

type fakeFlusher struct {
	flushes int
}

func (f *fakeFlusher) Flush(_ context.Context) error {
	f.flushes++
	return nil
}

type harness struct {
	orchestrator *Orchestrator
	settings     config.Settings
	peer         *fakePeer
	db           *fakeDB
	flusher      *fakeFlusher
	locks        *jobstate.Store
}

func newHarness(t *testing.T) *harness {
	pollInterval = time.Millisecond
	t.Cleanup(func() { pollInterval = 10 * time.Second })

	settings := config.Settings{
		User:       "deploy",
		URL:        "https://staging.example.com",
		SecretKey:  "test-secret",
		SecretSalt: "test-salt",
		SyncDir:    t.TempDir(),
		UploadsDir: t.TempDir(),
		Exclude:    config.DefaultExclusions,
		Targets: []config.Target{
			{Tag: "self", URL: "https://staging.example.com", Role: config.RoleLocal},
			{Tag: "prod", URL: "https://example.com", Role: config.RoleRemote},
		},
	}

	clock := clockwork.NewRealClock()
	locksDir, err := settings.SyncPath("locks")
	require.NoError(t, err)
	locks := jobstate.NewStore(locksDir, clock)

	peer := &fakePeer{
		stored:    map[string]api.StoredFile{},
		downloads: map[string][]byte{},
		files:     map[string][]byte{},
	}
	fakeDB := &fakeDB{}
	flusher := &fakeFlusher{}

	orchestrator, err := New(settings, settings.Targets[1], peer, fakeDB,
		locks, crypto.NewCodec(settings.SecretKey, settings.SecretSalt),
		flusher, clock)
	require.NoError(t, err)

	return &harness{
		orchestrator: orchestrator,
		settings:     settings,
		peer:         peer,
		db:           fakeDB,
		flusher:      flusher,
		locks:        locks,
	}
}

func (h *harness) addExport(table, contents string) {
	name := table + ".sql"
	h.peer.stored[table] = api.StoredFile{
		File: name,
		Hash: checksum.Bytes([]byte(contents)),
	}
	h.peer.downloads[name] = []byte(contents)
}

func encodePath(path string) string {
	return base64.URLEncoding.EncodeToString([]byte(path))
}

func (h *harness) setManifest(t *testing.T, m manifest.Manifest) {
	body, err := json.Marshal(m)
	require.NoError(t, err)
	h.peer.manifestBody = body
	h.peer.manifestStored = api.StoredFile{
		File: "example.com_file_array.json",
		Hash: checksum.Bytes(body),
	}
}

func TestDataRun(t *testing.T) {
	h := newHarness(t)
	h.peer.tables = []string{"wp_posts", "wp_options"}
	h.addExport("wp_posts", "INSERT INTO wp_posts VALUES (1);\n")
	h.addExport("wp_options", "INSERT INTO wp_options VALUES (1);\n")

	report, err := h.orchestrator.Run(context.Background(), Options{Kind: JobData})
	require.NoError(t, err)
	assert.False(t, report.Failed())
	assert.ElementsMatch(t, []string{"wp_posts", "wp_options"}, report.Synced)

	assert.ElementsMatch(t, []string{"wp_posts", "wp_options"}, h.peer.exported)
	require.Len(t, h.db.imported, 2)
	assert.Contains(t, h.db.contents[0], "INSERT INTO")

	// URLs are rewritten per table, counts are reported and the object
	// cache flushed.
	require.Len(t, h.db.replaced, 2)
	assert.Equal(t, [3]string{
		"https://example.com", "https://staging.example.com", "wp_posts"},
		h.db.replaced[0])
	assert.Equal(t, map[string]int{"wp_posts": 7, "wp_options": 7}, report.Replaced)
	assert.Equal(t, 1, h.flusher.flushes)

	// Consumed artifacts and the staging directory itself are gone.
	entries, err := os.ReadDir(filepath.Join(h.settings.SyncDir, "tmp"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Both busy locks are gone.
	assert.Equal(t, 1, h.peer.clearBusyCalls)
	status, err := h.locks.Get(jobstate.CategoryData)
	require.NoError(t, err)
	assert.False(t, status.Busy)
}

func TestDataRunSoftFailure(t *testing.T) {
	h := newHarness(t)
	h.peer.tables = []string{"wp_posts", "wp_stuck"}
	h.addExport("wp_posts", "INSERT INTO wp_posts VALUES (1);\n")
	// wp_stuck never produces an artifact, so its poll cap runs out.

	report, err := h.orchestrator.Run(context.Background(), Options{Kind: JobData})
	require.NoError(t, err)

	assert.Equal(t, []string{"wp_posts"}, report.Synced)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "wp_stuck", report.Failures[0].Name)

	// The good table still made it in.
	assert.Len(t, h.db.imported, 1)
	assert.Equal(t, 1, h.peer.clearBusyCalls)
}

func TestDataRunImportFailureSoft(t *testing.T) {
	h := newHarness(t)
	h.peer.tables = []string{"wp_posts", "wp_options"}
	h.addExport("wp_posts", "INSERT INTO wp_posts VALUES (1);\n")
	h.addExport("wp_options", "INSERT INTO wp_options VALUES (1);\n")
	h.db.failImport = "wp_options"

	report, err := h.orchestrator.Run(context.Background(), Options{Kind: JobData})
	require.NoError(t, err)

	// Only the imported table counts as synced.
	assert.Equal(t, []string{"wp_posts"}, report.Synced)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "wp_options", report.Failures[0].Name)

	// The failed table's artifact is retained, the consumed one is gone.
	retained, err := filepath.Glob(
		filepath.Join(h.settings.SyncDir, "tmp", "*", "wp_options.sql"))
	require.NoError(t, err)
	assert.Len(t, retained, 1)
	consumed, err := filepath.Glob(
		filepath.Join(h.settings.SyncDir, "tmp", "*", "wp_posts.sql"))
	require.NoError(t, err)
	assert.Empty(t, consumed)

	// Only the imported table was rewritten, and the locks are released.
	require.Len(t, h.db.replaced, 1)
	assert.Equal(t, "wp_posts", h.db.replaced[0][2])
	assert.Equal(t, 1, h.peer.clearBusyCalls)
}

func TestDataRunExcludeTables(t *testing.T) {
	h := newHarness(t)
	h.peer.tables = []string{"wp_posts", "wp_options", "wp_sessions"}
	h.addExport("wp_posts", "INSERT INTO wp_posts VALUES (1);\n")
	h.addExport("wp_options", "INSERT INTO wp_options VALUES (1);\n")

	report, err := h.orchestrator.Run(context.Background(), Options{
		Kind:          JobData,
		ExcludeTables: []string{"wp_sessions"},
	})
	require.NoError(t, err)
	assert.False(t, report.Failed())
	assert.ElementsMatch(t, []string{"wp_posts", "wp_options"}, report.Synced)
	assert.NotContains(t, h.peer.exported, "wp_sessions")
}

func TestDataRunCorruptArtifact(t *testing.T) {
	h := newHarness(t)
	h.peer.tables = []string{"wp_posts"}
	h.addExport("wp_posts", "INSERT INTO wp_posts VALUES (1);\n")
	h.peer.downloads["wp_posts.sql"] = []byte("tampered")

	report, err := h.orchestrator.Run(context.Background(), Options{Kind: JobData})
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	var integrityErr errors.IntegrityError
	assert.True(t, errors.As(report.Failures[0].Err, &integrityErr))
	assert.Empty(t, h.db.imported)
}

func TestFilesRun(t *testing.T) {
	h := newHarness(t)

	photo := []byte("jpeg bytes")
	h.setManifest(t, manifest.Manifest{
		"2024/photo.jpg": {
			MD5:       checksum.Bytes(photo),
			Timestamp: 1000,
			Size:      int64(len(photo)),
		},
	})
	h.peer.files["base64:"+encodePath("2024/photo.jpg")] = photo

	report, err := h.orchestrator.Run(context.Background(), Options{Kind: JobFiles})
	require.NoError(t, err)
	assert.False(t, report.Failed())
	assert.False(t, report.RolledBack)
	assert.Equal(t, []string{"2024/photo.jpg"}, report.Synced)

	installed := filepath.Join(h.settings.UploadsDir, "2024", "photo.jpg")
	contents, err := os.ReadFile(installed)
	require.NoError(t, err)
	assert.Equal(t, photo, contents)

	// The remote's modification time is restored.
	info, err := os.Stat(installed)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), info.ModTime().Unix())

	// The watermark advanced.
	marks := manifest.NewWatermarks(filepath.Join(h.settings.SyncDir, "timestamps"))
	epoch, err := marks.Get("example.com")
	require.NoError(t, err)
	assert.NotZero(t, epoch)
}

func TestFilesRunFetchFailureRollsBack(t *testing.T) {
	h := newHarness(t)

	photo := []byte("jpeg bytes")
	h.setManifest(t, manifest.Manifest{
		"2024/photo.jpg": {
			MD5:       checksum.Bytes(photo),
			Timestamp: 1000,
			Size:      int64(len(photo)),
		},
	})
	h.peer.fetchErr = errors.TransportError{
		URL: "https://example.com", Status: http.StatusInternalServerError}

	report, err := h.orchestrator.Run(context.Background(), Options{Kind: JobFiles})
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.True(t, report.RolledBack)

	// The watermark is back where it started and the locks are released.
	marks := manifest.NewWatermarks(filepath.Join(h.settings.SyncDir, "timestamps"))
	epoch, err := marks.Get("example.com")
	require.NoError(t, err)
	assert.Zero(t, epoch)
	assert.Equal(t, 1, h.peer.clearBusyCalls)

	status, err := h.locks.Get(jobstate.CategoryFiles)
	require.NoError(t, err)
	assert.False(t, status.Busy)
}

func TestFilesRunManifestMismatchFatal(t *testing.T) {
	h := newHarness(t)

	h.setManifest(t, manifest.Manifest{})
	h.peer.manifestStored.Hash = "bogus"

	_, err := h.orchestrator.Run(context.Background(), Options{Kind: JobFiles})
	require.Error(t, err)
	var integrityErr errors.IntegrityError
	assert.True(t, errors.As(err, &integrityErr))

	// Fatal or not, the locks are released.
	assert.Equal(t, 1, h.peer.clearBusyCalls)
}

func TestRemoteBusyAborts(t *testing.T) {
	h := newHarness(t)
	h.peer.busy = true
	h.peer.claimant = "someone@example.com"

	_, err := h.orchestrator.Run(context.Background(), Options{Kind: JobData})
	require.Error(t, err)
	var busyErr errors.BusyError
	require.True(t, errors.As(err, &busyErr))
	assert.Equal(t, "someone@example.com", busyErr.Claimant)

	// Nothing was claimed, so nothing is released.
	assert.Zero(t, h.peer.setBusyCalls)
	assert.Zero(t, h.peer.clearBusyCalls)
}

func TestGuards(t *testing.T) {
	h := newHarness(t)

	_, err := h.orchestrator.Run(context.Background(),
		Options{Kind: JobData, Encrypt: true, Gzip: true})
	require.Error(t, err)
	var configErr errors.ConfigError
	assert.True(t, errors.As(err, &configErr))

	geteuid = func() int { return 0 }
	defer func() { geteuid = os.Geteuid }()
	_, err = h.orchestrator.Run(context.Background(), Options{Kind: JobData})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "root")
}
