package util

import (
	"github.com/jonboulle/clockwork"

	"github.com/wpeztools/ezsync/pkg/auth"
	"github.com/wpeztools/ezsync/pkg/client"
	"github.com/wpeztools/ezsync/pkg/config"
	"github.com/wpeztools/ezsync/pkg/crypto"
	"github.com/wpeztools/ezsync/pkg/db"
	"github.com/wpeztools/ezsync/pkg/errors"
	"github.com/wpeztools/ezsync/pkg/jobstate"
	"github.com/wpeztools/ezsync/pkg/sync"
)

// LoadSettings parses the settings file, from the default path when path is
// empty.
func LoadSettings(path string) (config.Settings, error) {
	if path == "" {
		return config.Parse()
	}
	return config.ParseFile(path)
}

// BuildRemote resolves a target tag and wires up a client for it.
func BuildRemote(settings config.Settings, tag string) (*client.Remote, config.Target, error) {
	target, err := settings.Remote(tag)
	if err != nil {
		return nil, config.Target{}, err
	}

	clock := clockwork.NewRealClock()
	codec := crypto.NewCodec(settings.SecretKey, settings.SecretSalt)
	authority := auth.NewAuthority(
		settings.SecretKey, settings.SecretSalt, codec, clock)

	cache := auth.NewNopCache()
	if settings.Redis != "" {
		cache = auth.NewRedisCache(settings.Redis)
	}

	remote := client.New(settings.Identity(), target, authority, cache, clock)
	return remote, target, nil
}

// BuildOrchestrator wires up a sync orchestrator against the given target.
func BuildOrchestrator(settings config.Settings, tag string) (*sync.Orchestrator, error) {
	remote, target, err := BuildRemote(settings, tag)
	if err != nil {
		return nil, err
	}

	clock := clockwork.NewRealClock()
	locksDir, err := settings.SyncPath("locks")
	if err != nil {
		return nil, errors.WithContext(err, "prepare locks dir")
	}

	flusher := sync.NewNopFlusher()
	if settings.Redis != "" {
		flusher = sync.NewRedisFlusher(settings.Redis)
	}

	return sync.New(settings, target, remote, db.New(settings.Database),
		jobstate.NewStore(locksDir, clock),
		crypto.NewCodec(settings.SecretKey, settings.SecretSalt),
		flusher, clock)
}
