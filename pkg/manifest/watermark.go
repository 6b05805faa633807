package manifest

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/wpeztools/ezsync/pkg/errors"
)

// Watermarks persists, per remote target, the epoch below which local files
// are considered already synced. Advancing before a run and rolling back on
// failure is what makes the files workflow resumable.
type Watermarks struct {
	dir string
}

// NewWatermarks returns a store rooted at the timestamps working directory.
func NewWatermarks(dir string) *Watermarks {
	return &Watermarks{dir: dir}
}

func (w *Watermarks) path(host string) string {
	return filepath.Join(w.dir, host+"_timestamp")
}

// Get returns the watermark recorded for a target host, or zero when none
// has been recorded yet.
func (w *Watermarks) Get(host string) (int64, error) {
	contents, err := afero.ReadFile(fs, w.path(host))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.WithContext(err, "read watermark")
	}

	epoch, err := strconv.ParseInt(strings.TrimSpace(string(contents)), 10, 64)
	if err != nil {
		return 0, errors.WithContext(err, "parse watermark")
	}
	return epoch, nil
}

// Set records a new watermark for a target host and returns the previous
// value so callers can roll back.
func (w *Watermarks) Set(host string, epoch int64) (previous int64, err error) {
	previous, err = w.Get(host)
	if err != nil {
		return 0, err
	}

	contents := []byte(strconv.FormatInt(epoch, 10))
	if err := afero.WriteFile(fs, w.path(host), contents, 0644); err != nil {
		return 0, errors.WithContext(err, "write watermark")
	}
	return previous, nil
}
