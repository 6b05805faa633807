package manifest

import (
	"encoding/json"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/wpeztools/ezsync/pkg/errors"
)

// ArtifactSuffix is appended to a deployment's identity host to name its
// manifest artifact.
const ArtifactSuffix = "_file_array.json"

// ArtifactName returns the manifest artifact name for a deployment host,
// e.g. example.com_file_array.json.
func ArtifactName(host string) string {
	return host + ArtifactSuffix
}

// WriteArtifact persists the manifest as a JSON artifact under dir and
// returns the artifact's path.
func (m Manifest) WriteArtifact(dir, host string) (string, error) {
	encoded, err := json.Marshal(m)
	if err != nil {
		return "", errors.WithContext(err, "encode")
	}

	path := filepath.Join(dir, ArtifactName(host))
	if err := afero.WriteFile(fs, path, encoded, 0644); err != nil {
		return "", errors.WithContext(err, "write")
	}
	return path, nil
}

// LoadArtifact parses a manifest artifact written by WriteArtifact.
func LoadArtifact(path string) (Manifest, error) {
	encoded, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.WithContext(err, "read")
	}

	manifest := Manifest{}
	if err := json.Unmarshal(encoded, &manifest); err != nil {
		return nil, errors.WithContext(err, "decode")
	}
	return manifest, nil
}
