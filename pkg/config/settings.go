package config

import (
	"path/filepath"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/wpeztools/ezsync/pkg/errors"
)

const (
	// SettingsPath is the default path to the ezsync settings file.
	SettingsPath = "~/.ezsync.yaml"

	// SupportedSettingsVersion is the settings file version understood by
	// this binary. Files that don't specify a version default to it.
	SupportedSettingsVersion = "v1"
)

// Role describes which side of a sync a target plays.
const (
	RoleLocal  = "local"
	RoleRemote = "remote"
)

// Target is a configured synchronization peer.
type Target struct {
	Tag  string `json:"tag"`
	URL  string `json:"url"`
	Role string `json:"role"`
}

// Database holds the connection settings handed to the external dump and
// import tools. The core never talks to the database directly.
type Database struct {
	Host     string `json:"host"`
	Name     string `json:"name"`
	User     string `json:"user"`
	Password string `json:"password"`
	Prefix   string `json:"prefix"`
}

// Settings is the immutable configuration object constructed once per run and
// passed into every component.
type Settings struct {
	Version string `json:"version,omitempty"`

	// User is the system account that owns the deployment's files. Together
	// with URL it forms this deployment's identity string.
	User string `json:"user"`

	// URL is this deployment's own base URL. Exactly one configured target
	// must carry the same URL ("self").
	URL string `json:"url"`

	// SecretKey and SecretSalt are the shared secret every peer holds. They
	// feed nonce derivation and the encryption codec.
	SecretKey  string `json:"secretKey"`
	SecretSalt string `json:"secretSalt"`

	// SyncDir is the working directory that holds the tmp, databases, files,
	// timestamps, locks, and logs subdirectories.
	SyncDir string `json:"syncDir"`

	// UploadsDir is the media root synchronized by the files workflow.
	UploadsDir string `json:"uploadsDir"`

	// Exclude lists file names or path substrings skipped when building
	// manifests. Defaults are applied when empty.
	Exclude []string `json:"exclude,omitempty"`

	// Redis is the address of the local redis instance, used for the auth
	// token cache and the post-import cache flush. Optional.
	Redis string `json:"redis,omitempty"`

	Database Database `json:"database"`

	Targets []Target `json:"targets"`
}

func (s Settings) getVersion() string {
	return s.Version
}

// DefaultExclusions are skipped by manifest builds when the settings don't
// provide their own list.
var DefaultExclusions = []string{".DS_Store", "node_modules", "vendor", ".git"}

// homedirExpand will be overridden in mock tests.
var homedirExpand = homedir.Expand

// Parse reads and validates the settings stored at the default path.
func Parse() (Settings, error) {
	path, err := homedirExpand(SettingsPath)
	if err != nil {
		return Settings{}, errors.WithContext(err, "expand settings path")
	}
	return ParseFile(path)
}

// ParseFile reads and validates the settings stored at path.
func ParseFile(path string) (Settings, error) {
	settings := Settings{Version: SupportedSettingsVersion}
	if err := parseConfig(path, &settings, SupportedSettingsVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			return Settings{}, errors.NewFriendlyError("The ezsync settings "+
				"file doesn't exist at %q. Create it before running any sync "+
				"commands.", path)
		}
		return Settings{}, errors.WithContext(err, "parse")
	}

	for _, dir := range []*string{&settings.SyncDir, &settings.UploadsDir} {
		expanded, err := homedirExpand(*dir)
		if err != nil {
			return Settings{}, errors.WithContext(err, "expand path")
		}
		if expanded != "" && !filepath.IsAbs(expanded) {
			expanded = filepath.Join(filepath.Dir(path), expanded)
		}
		*dir = expanded
	}

	if len(settings.Exclude) == 0 {
		settings.Exclude = DefaultExclusions
	}

	if err := settings.validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

func (s Settings) validate() error {
	switch {
	case s.User == "":
		return errors.MissingFieldError{Field: "user"}
	case s.URL == "":
		return errors.MissingFieldError{Field: "url"}
	case s.SecretKey == "":
		return errors.MissingFieldError{Field: "secretKey"}
	case s.SecretSalt == "":
		return errors.MissingFieldError{Field: "secretSalt"}
	case s.SyncDir == "":
		return errors.MissingFieldError{Field: "syncDir"}
	case s.UploadsDir == "":
		return errors.MissingFieldError{Field: "uploadsDir"}
	}

	if len(s.Targets) == 0 {
		return errors.ConfigError{Reason: "no targets are configured. " +
			"Add at least the local deployment and one remote to the settings file."}
	}

	self := 0
	for _, target := range s.Targets {
		if target.URL == s.URL {
			self++
		}
	}
	if self != 1 {
		return errors.ConfigError{Reason: "exactly one configured target must " +
			"match this deployment's own URL"}
	}
	return nil
}

// Identity returns this deployment's identity string, e.g. deploy@example.com.
func (s Settings) Identity() string {
	return s.User + "@" + s.Host()
}

// Host returns the deployment URL with the scheme stripped, suitable for use
// in artifact names.
func (s Settings) Host() string {
	return HostOf(s.URL)
}

// HostOf strips the scheme from a base URL and flattens path separators so
// the result is safe as a file name component.
func HostOf(url string) string {
	host := url
	for _, prefix := range []string{"https://", "http://"} {
		host = strings.TrimPrefix(host, prefix)
	}
	host = strings.TrimSuffix(host, "/")
	return strings.ReplaceAll(host, "/", "_")
}

// Self returns the target entry describing this deployment.
func (s Settings) Self() Target {
	for _, target := range s.Targets {
		if target.URL == s.URL {
			return target
		}
	}
	// validate() guarantees a match.
	return Target{Tag: "self", URL: s.URL, Role: RoleLocal}
}

// Remote resolves the target with the given tag. Syncing against the entry
// that matches our own URL is refused.
func (s Settings) Remote(tag string) (Target, error) {
	if tag == "" {
		var tags []string
		for _, target := range s.Targets {
			if target.URL != s.URL {
				tags = append(tags, target.Tag)
			}
		}
		return Target{}, errors.NewFriendlyError("A sync target must be set "+
			"with --remote. Configured remotes: %s", strings.Join(tags, ", "))
	}

	for _, target := range s.Targets {
		if target.Tag != tag {
			continue
		}
		if target.URL == s.URL {
			return Target{}, errors.ConfigError{Reason: "target " + tag +
				" is this deployment itself. Syncing a deployment onto " +
				"itself is not allowed."}
		}
		return target, nil
	}
	return Target{}, errors.ConfigError{Reason: "no target is configured with tag " + tag}
}

// SyncPath returns the path of a working subdirectory (tmp, databases, files,
// timestamps, locks, logs), creating it if necessary.
func (s Settings) SyncPath(suffix string) (string, error) {
	dir := filepath.Join(s.SyncDir, suffix)
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return "", errors.WithContext(err, "create sync dir")
	}
	return dir, nil
}

// WriteFile persists the given settings, mainly used by tests and setup
// tooling.
func WriteFile(path string, settings Settings) error {
	settings.Version = SupportedSettingsVersion
	yamlBytes, err := marshalYaml(settings)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}
	return errors.WithContext(afero.WriteFile(fs, path, yamlBytes, 0600), "write")
}
