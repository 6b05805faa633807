package archive

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressExpand(t *testing.T) {
	fs = afero.NewMemMapFs()

	contents := bytes.Repeat([]byte("INSERT INTO wp_posts VALUES (1);\n"), 10000)
	require.NoError(t, afero.WriteFile(fs, "/staging/dump.sql", contents, 0644))

	compressed, err := Compress("/staging/dump.sql")
	assert.NoError(t, err)
	assert.Equal(t, "/staging/dump.sql.gz", compressed)

	// The source is consumed, and the repetitive dump shrinks.
	_, err = fs.Stat("/staging/dump.sql")
	assert.Error(t, err)
	info, err := fs.Stat(compressed)
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(len(contents)))

	expanded, err := Expand(compressed)
	assert.NoError(t, err)
	assert.Equal(t, "/staging/dump.sql", expanded)

	_, err = fs.Stat(compressed)
	assert.Error(t, err)

	restored, err := afero.ReadFile(fs, expanded)
	require.NoError(t, err)
	assert.Equal(t, contents, restored)
}

func TestExpandRequiresSuffix(t *testing.T) {
	fs = afero.NewMemMapFs()

	_, err := Expand("/staging/dump.sql")
	assert.Error(t, err)
}

func TestExpandCorrupt(t *testing.T) {
	fs = afero.NewMemMapFs()

	require.NoError(t, afero.WriteFile(fs, "/dump.sql.gz", []byte("not gzip"), 0644))
	_, err := Expand("/dump.sql.gz")
	assert.Error(t, err)
}

func TestCompressMissingSource(t *testing.T) {
	fs = afero.NewMemMapFs()

	_, err := Compress("/missing.sql")
	assert.Error(t, err)
}
