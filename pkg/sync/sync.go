// Package sync drives the multi-stage transfer workflows: claiming the
// remote's busy lock, staging artifacts locally, verifying every byte
// against its reported digest, and accounting for partial failures so one
// bad table or file doesn't silently poison a run.
package sync

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/wpeztools/ezsync/pkg/api"
	"github.com/wpeztools/ezsync/pkg/config"
	"github.com/wpeztools/ezsync/pkg/crypto"
	"github.com/wpeztools/ezsync/pkg/db"
	"github.com/wpeztools/ezsync/pkg/errors"
	"github.com/wpeztools/ezsync/pkg/jobstate"
)

// JobKind selects which workflow a run executes.
type JobKind string

// The two transfer workflows.
const (
	JobData  JobKind = "data"
	JobFiles JobKind = "files"
)

// DefaultRunTimeout bounds a whole run, including the remote manifest long
// poll.
const DefaultRunTimeout = 4 * time.Hour

// fs is used for mock tests. It will be overridden by afero.NewMemMapFs()
// in the tests.
var fs = afero.NewOsFs()

// geteuid is a mock point for the privilege guard.
var geteuid = os.Geteuid

// Peer is the remote half of a sync, satisfied by client.Remote.
type Peer interface {
	CheckPeer(ctx context.Context) error
	Tables(ctx context.Context) ([]string, error)
	Stored(ctx context.Context, table string) (api.StoredFile, bool, error)
	Status(ctx context.Context, category string) (api.BusyStatus, error)
	SetBusy(ctx context.Context, category string) error
	ClearBusy(ctx context.Context, category string) error
	TriggerExport(ctx context.Context, tables []string, encrypt, gzip bool) error
	Manifest(ctx context.Context, sinceEpoch int64) (api.StoredFile, error)
	DownloadBytes(ctx context.Context, fileType, file string) ([]byte, error)
	FetchFile(ctx context.Context, dir, name string) ([]byte, string, error)
}

// Options parameterize one run.
type Options struct {
	Kind JobKind

	// Tables restricts a data run; empty means every prefixed table.
	Tables []string

	// ExcludeTables drops tables from the resolved set, typically used with
	// an empty Tables list to sync everything but a few.
	ExcludeTables []string

	// Encrypt and Gzip select how the remote wraps export artifacts.
	Encrypt bool
	Gzip    bool

	// SkipReplace leaves remote URLs in imported data untouched.
	SkipReplace bool
}

// ItemResult records one table or file that didn't make it.
type ItemResult struct {
	Name string
	Err  error
}

// Report summarizes a finished run.
type Report struct {
	Kind     JobKind
	Synced   []string
	Failures []ItemResult

	// Replaced counts the fields the URL rewrite changed, per synced
	// table. Nil for files runs.
	Replaced map[string]int

	// RolledBack is set when a files run failed and the watermark was
	// restored so the next run retries the same window.
	RolledBack bool
}

// Failed reports whether anything in the run went wrong.
func (r Report) Failed() bool {
	return len(r.Failures) > 0
}

// Orchestrator runs transfer workflows against one remote target.
type Orchestrator struct {
	settings config.Settings
	target   config.Target
	remote   Peer
	local    db.Tool
	locks    *jobstate.Store
	codec    *crypto.Codec
	flusher  CacheFlusher
	audit    *auditLog
	clock    clockwork.Clock
}

// New wires up an orchestrator for the given target.
func New(settings config.Settings, target config.Target, remote Peer,
	local db.Tool, locks *jobstate.Store, codec *crypto.Codec,
	flusher CacheFlusher, clock clockwork.Clock) (*Orchestrator, error) {
	logsDir, err := settings.SyncPath("logs")
	if err != nil {
		return nil, err
	}
	audit, err := newAuditLog(logsDir, clock)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		settings: settings,
		target:   target,
		remote:   remote,
		local:    local,
		locks:    locks,
		codec:    codec,
		flusher:  flusher,
		audit:    audit,
		clock:    clock,
	}, nil
}

// Run executes one workflow end to end. Guard failures abort before any
// side effect; once the busy locks are claimed, they are released on every
// exit path.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (Report, error) {
	if err := o.checkGuards(opts); err != nil {
		return Report{}, err
	}
	if err := o.remote.CheckPeer(ctx); err != nil {
		return Report{}, err
	}

	category := string(opts.Kind)
	if err := o.claim(ctx, category); err != nil {
		return Report{}, err
	}
	defer o.release(category)

	var report Report
	var err error
	switch opts.Kind {
	case JobData:
		report, err = o.runData(ctx, opts)
	case JobFiles:
		report, err = o.runFiles(ctx, opts)
	default:
		err = errors.New("unknown job kind " + category)
	}
	if err != nil {
		return report, err
	}

	o.audit.run(category, report)
	return report, nil
}

func (o *Orchestrator) checkGuards(opts Options) error {
	if geteuid() == 0 {
		return errors.ConfigError{
			Reason: "refusing to run as root: synced files would be " +
				"owned by the wrong user"}
	}
	if opts.Encrypt && opts.Gzip {
		return errors.ConfigError{
			Reason: "encrypt and gzip cannot be combined on the same run"}
	}
	// Settings validation already guarantees the target isn't this
	// deployment, but a stale settings file shouldn't get us past that.
	if o.target.URL == o.settings.URL {
		return errors.ConfigError{Reason: "target is this deployment itself"}
	}
	return nil
}

// claim takes both ends' busy locks: the local one against concurrent runs
// on this machine, the remote one against any other peer syncing the same
// deployment.
func (o *Orchestrator) claim(ctx context.Context, category string) error {
	status, err := o.remote.Status(ctx, category)
	if err != nil {
		return errors.WithContext(err, "check remote status")
	}
	if status.Busy {
		return errors.BusyError{
			Category: category,
			Claimant: status.Claimant,
			Age:      o.clock.Now().Sub(time.Unix(status.ClaimedAt, 0)),
		}
	}

	if err := o.locks.Set(category, o.settings.Identity()); err != nil {
		return err
	}
	if err := o.remote.SetBusy(ctx, category); err != nil {
		// The local lock must not outlive a failed remote claim.
		if clearErr := o.locks.Clear(category); clearErr != nil {
			log.WithError(clearErr).Warn("Failed to roll back local lock")
		}
		return errors.WithContext(err, "claim remote")
	}

	o.audit.event(category, "claim", o.settings.Identity())
	return nil
}

// release drops both locks. It runs on every exit path after a claim, with
// a fresh context so cancellation can't strand the remote lock.
func (o *Orchestrator) release(category string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := o.remote.ClearBusy(ctx, category); err != nil {
		log.WithError(err).Error("Failed to release remote busy lock; " +
			"it will be evicted as stale")
	}
	if err := o.locks.Clear(category); err != nil {
		log.WithError(err).Error("Failed to release local busy lock")
	}
	o.audit.event(category, "release", o.settings.Identity())
}

// staging creates a per-run working directory so two runs can't trample
// each other's artifacts.
func (o *Orchestrator) staging() (string, error) {
	return o.settings.SyncPath("tmp/" + uuid.New().String())
}
