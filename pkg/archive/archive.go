// Package archive compresses and expands transfer artifacts. Exports are
// gzipped at the highest level before crossing the wire since SQL dumps
// shrink dramatically, and the codec removes its source file so staging
// directories never hold both forms at once.
package archive

import (
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"

	"github.com/wpeztools/ezsync/pkg/errors"
)

// Suffix marks compressed artifacts.
const Suffix = ".gz"

const bufferSize = 512 * 1024

// fs is used for mock tests. It will be overridden by afero.NewMemMapFs()
// in the tests.
var fs = afero.NewOsFs()

// Compress gzips src into src + Suffix and removes src. It returns the path
// of the compressed artifact.
func Compress(src string) (string, error) {
	dst := src + Suffix

	in, err := fs.Open(src)
	if err != nil {
		return "", errors.WithContext(err, "open source")
	}
	defer in.Close()

	out, err := fs.Create(dst)
	if err != nil {
		return "", errors.WithContext(err, "create destination")
	}
	defer out.Close()

	gz, err := gzip.NewWriterLevel(out, gzip.BestCompression)
	if err != nil {
		return "", errors.WithContext(err, "init writer")
	}

	if _, err := io.CopyBuffer(gz, in, make([]byte, bufferSize)); err != nil {
		return "", errors.WithContext(err, "compress")
	}
	if err := gz.Close(); err != nil {
		return "", errors.WithContext(err, "flush")
	}
	if err := out.Close(); err != nil {
		return "", errors.WithContext(err, "close destination")
	}

	in.Close()
	if err := fs.Remove(src); err != nil {
		return "", errors.WithContext(err, "remove source")
	}
	return dst, nil
}

// Expand gunzips src and removes it. The destination is src with the Suffix
// stripped, and its path is returned.
func Expand(src string) (string, error) {
	if !strings.HasSuffix(src, Suffix) {
		return "", errors.NewFriendlyError(
			"The artifact %q isn't compressed: expected a %q suffix.", src, Suffix)
	}
	dst := strings.TrimSuffix(src, Suffix)

	in, err := fs.Open(src)
	if err != nil {
		return "", errors.WithContext(err, "open source")
	}
	defer in.Close()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return "", errors.WithContext(err, "init reader")
	}
	defer gz.Close()

	out, err := fs.Create(dst)
	if err != nil {
		return "", errors.WithContext(err, "create destination")
	}
	defer out.Close()

	if _, err := io.CopyBuffer(out, gz, make([]byte, bufferSize)); err != nil { // nolint: gosec
		return "", errors.WithContext(err, "expand")
	}
	if err := out.Close(); err != nil {
		return "", errors.WithContext(err, "close destination")
	}

	in.Close()
	if err := fs.Remove(src); err != nil {
		return "", errors.WithContext(err, "remove source")
	}
	return dst, nil
}
