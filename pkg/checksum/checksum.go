// Package checksum computes the md5 digests that every transferred artifact
// is verified against. Digests are lowercase hex so they compare directly
// with the values peers put on the wire.
package checksum

import (
	"crypto/md5" // nolint: gosec
	"encoding/hex"
	"io"

	"github.com/spf13/afero"

	"github.com/wpeztools/ezsync/pkg/errors"
)

// fs is used for mock tests. It will be overridden by afero.NewMemMapFs()
// in the tests.
var fs = afero.NewOsFs()

// File returns the md5 hex digest of the file at the given path.
func File(path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", errors.WithContext(err, "open")
	}
	defer f.Close()

	hasher := md5.New() // nolint: gosec
	if _, err := io.Copy(hasher, f); err != nil {
		return "", errors.WithContext(err, "read")
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Reader returns the md5 hex digest of everything left in r.
func Reader(r io.Reader) (string, error) {
	hasher := md5.New() // nolint: gosec
	if _, err := io.Copy(hasher, r); err != nil {
		return "", errors.WithContext(err, "read")
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Bytes returns the md5 hex digest of the given buffer.
func Bytes(contents []byte) string {
	digest := md5.Sum(contents) // nolint: gosec
	return hex.EncodeToString(digest[:])
}

// VerifyFile checks the file at path against an expected digest. A mismatch
// is reported as an IntegrityError naming the artifact.
func VerifyFile(path, expected string) error {
	actual, err := File(path)
	if err != nil {
		return err
	}
	if actual != expected {
		return errors.IntegrityError{Artifact: path, Expected: expected, Actual: actual}
	}
	return nil
}

// VerifyBytes checks a buffer against an expected digest.
func VerifyBytes(artifact string, contents []byte, expected string) error {
	if actual := Bytes(contents); actual != expected {
		return errors.IntegrityError{Artifact: artifact, Expected: expected, Actual: actual}
	}
	return nil
}
