package manifest

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wpeztools/ezsync/pkg/checksum"
)

func writeAt(t *testing.T, path, contents string, mtime int64) {
	require.NoError(t, afero.WriteFile(fs, path, []byte(contents), 0644))
	require.NoError(t, fs.Chtimes(path, time.Unix(mtime, 0), time.Unix(mtime, 0)))
}

func TestBuild(t *testing.T) {
	fs = afero.NewMemMapFs()

	writeAt(t, "/uploads/2024/photo.jpg", "jpeg bytes", 1000)
	writeAt(t, "/uploads/2024/old.jpg", "old bytes", 400)
	writeAt(t, "/uploads/empty.jpg", "", 1000)
	writeAt(t, "/uploads/.DS_Store", "junk", 1000)
	writeAt(t, "/uploads/cache/thumb.jpg", "thumb", 1000)

	built, err := Build("/uploads", []string{".DS_Store", "cache"}, 500)
	assert.NoError(t, err)

	assert.Equal(t, Manifest{
		"2024/photo.jpg": {
			MD5:       checksum.Bytes([]byte("jpeg bytes")),
			Timestamp: 1000,
			Size:      int64(len("jpeg bytes")),
		},
	}, built)
}

func TestBuildExcludesBySubstring(t *testing.T) {
	fs = afero.NewMemMapFs()

	writeAt(t, "/root/keep.txt", "keep", 1000)
	writeAt(t, "/root/sub/node_modules/pkg/index.js", "js", 1000)

	built, err := Build("/root", []string{"node_modules"}, 0)
	assert.NoError(t, err)
	assert.Len(t, built, 1)
	assert.Contains(t, built, "keep.txt")
}

func TestChanged(t *testing.T) {
	local := Manifest{
		"a": {MD5: "h1"},
		"c": {MD5: "h4"},
	}
	remote := Manifest{
		"a": {MD5: "h2"},
		"b": {MD5: "h3"},
		"c": {MD5: "h4"},
	}

	changed := Changed(local, remote)
	assert.Equal(t, Manifest{
		"a": {MD5: "h2"},
		"b": {MD5: "h3"},
	}, changed)

	// Paths present only locally don't propagate deletes.
	assert.NotContains(t, Changed(remote, local), "b")
}

func TestArtifactRoundTrip(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/sync/files", 0755))

	built := Manifest{
		"2024/photo.jpg": {MD5: "abc123", Timestamp: 1000, Size: 10},
	}

	path, err := built.WriteArtifact("/sync/files", "example.com")
	assert.NoError(t, err)
	assert.Equal(t, "/sync/files/example.com_file_array.json", path)

	loaded, err := LoadArtifact(path)
	assert.NoError(t, err)
	assert.Equal(t, built, loaded)
}

func TestWatermarks(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/sync/timestamps", 0755))

	marks := NewWatermarks("/sync/timestamps")

	epoch, err := marks.Get("example.com")
	assert.NoError(t, err)
	assert.Zero(t, epoch)

	previous, err := marks.Set("example.com", 5000)
	assert.NoError(t, err)
	assert.Zero(t, previous)

	epoch, err = marks.Get("example.com")
	assert.NoError(t, err)
	assert.Equal(t, int64(5000), epoch)

	// Rolling back restores the value Set reported.
	previous, err = marks.Set("example.com", 6000)
	assert.NoError(t, err)
	assert.Equal(t, int64(5000), previous)
	_, err = marks.Set("example.com", previous)
	assert.NoError(t, err)

	epoch, err = marks.Get("example.com")
	assert.NoError(t, err)
	assert.Equal(t, int64(5000), epoch)
}
