package config

import (
	"strings"
	"testing"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wpeztools/ezsync/pkg/errors"
)

func validSettings() Settings {
	return Settings{
		User:       "deploy",
		URL:        "https://staging.example.com",
		SecretKey:  "key",
		SecretSalt: "salt",
		SyncDir:    "/var/ezsync",
		UploadsDir: "/srv/www/uploads",
		Database: Database{
			Host:   "localhost",
			Name:   "site",
			User:   "dbuser",
			Prefix: "wp_",
		},
		Targets: []Target{
			{Tag: "staging", URL: "https://staging.example.com", Role: RoleLocal},
			{Tag: "prod", URL: "https://example.com", Role: RoleRemote},
		},
	}
}

func TestParseSettings(t *testing.T) {
	fs = afero.NewMemMapFs()

	path := "/home/user/.ezsync.yaml"
	assert.NoError(t, WriteFile(path, validSettings()))

	parsed, err := ParseFile(path)
	assert.NoError(t, err)
	assert.Equal(t, SupportedSettingsVersion, parsed.Version)
	assert.Equal(t, "deploy", parsed.User)
	assert.Equal(t, DefaultExclusions, parsed.Exclude)
	assert.Equal(t, "deploy@staging.example.com", parsed.Identity())
}

func TestParseSettingsExpandsPaths(t *testing.T) {
	fs = afero.NewMemMapFs()
	homedirExpand = func(path string) (string, error) {
		if strings.HasPrefix(path, "~/") {
			return "/home/user/" + path[2:], nil
		}
		return path, nil
	}
	defer func() { homedirExpand = homedir.Expand }()

	settings := validSettings()
	settings.SyncDir = "~/ezsync"
	settings.UploadsDir = "wp-content/uploads"

	path := "/etc/ezsync/settings.yaml"
	assert.NoError(t, WriteFile(path, settings))

	parsed, err := ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/home/user/ezsync", parsed.SyncDir)

	// Relative paths resolve against the settings file's directory.
	assert.Equal(t, "/etc/ezsync/wp-content/uploads", parsed.UploadsDir)
}

func TestParseSettingsMissingFile(t *testing.T) {
	fs = afero.NewMemMapFs()

	_, err := ParseFile("/home/user/.ezsync.yaml")
	require.Error(t, err)
	assert.Contains(t, errors.GetPrintableMessage(err), "doesn't exist")
}

func TestParseSettingsIncompatibleVersion(t *testing.T) {
	fs = afero.NewMemMapFs()

	settings := validSettings()
	settings.Version = "v0"
	yamlBytes, err := marshalYaml(settings)
	assert.NoError(t, err)

	path := "/home/user/.ezsync.yaml"
	assert.NoError(t, afero.WriteFile(fs, path, yamlBytes, 0600))

	_, err = ParseFile(path)
	require.Error(t, err)
	assert.Contains(t, errors.GetPrintableMessage(err), "incompatible")
}

func TestParseSettingsUnknownField(t *testing.T) {
	fs = afero.NewMemMapFs()

	path := "/home/user/.ezsync.yaml"
	contents := "version: v1\nuser: deploy\nextra: field\n"
	assert.NoError(t, afero.WriteFile(fs, path, []byte(contents), 0600))

	_, err := ParseFile(path)
	require.Error(t, err)
	assert.Contains(t, errors.GetPrintableMessage(err), "could not be parsed")
}

func TestValidateSettings(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Settings)
		expError string
	}{
		{
			name:   "valid",
			mutate: func(s *Settings) {},
		},
		{
			name:     "missing user",
			mutate:   func(s *Settings) { s.User = "" },
			expError: "user",
		},
		{
			name:     "missing secret",
			mutate:   func(s *Settings) { s.SecretKey = "" },
			expError: "secretKey",
		},
		{
			name:     "no targets",
			mutate:   func(s *Settings) { s.Targets = nil },
			expError: "no targets",
		},
		{
			name: "no self target",
			mutate: func(s *Settings) {
				s.Targets[0].URL = "https://other.example.com"
			},
			expError: "exactly one",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			settings := validSettings()
			test.mutate(&settings)

			err := settings.validate()
			if test.expError == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), test.expError)
		})
	}
}

func TestRemote(t *testing.T) {
	settings := validSettings()

	target, err := settings.Remote("prod")
	assert.NoError(t, err)
	assert.Equal(t, "https://example.com", target.URL)

	_, err = settings.Remote("")
	require.Error(t, err)
	assert.Contains(t, errors.GetPrintableMessage(err), "prod")

	_, err = settings.Remote("staging")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "itself")

	_, err = settings.Remote("nonexistent")
	require.Error(t, err)
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "example.com", HostOf("https://example.com"))
	assert.Equal(t, "example.com", HostOf("http://example.com/"))
	assert.Equal(t, "example.com_blog", HostOf("https://example.com/blog"))
}
