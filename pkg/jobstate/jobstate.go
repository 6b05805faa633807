// Package jobstate implements the cross-process busy locks that keep two
// sync runs from interleaving on the same deployment. A lock is a small file
// under the locks working directory, so it is visible to every process and
// survives crashes; staleness eviction is what keeps a crashed run from
// wedging the deployment forever.
package jobstate

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/wpeztools/ezsync/pkg/errors"
)

// Categories that can be locked independently. A data sync doesn't block a
// files sync.
const (
	CategoryData  = "data"
	CategoryFiles = "files"
)

// StaleAfter is the age at which a lock is presumed abandoned and evicted by
// the next caller to observe it.
const StaleAfter = 3 * time.Hour

// fs is used for mock tests. It will be overridden by afero.NewMemMapFs()
// in the tests.
var fs = afero.NewOsFs()

// Status reports a category's lock.
type Status struct {
	Category  string
	Busy      bool
	Claimant  string
	ClaimedAt time.Time
	Age       time.Duration
}

// Store reads and writes lock files under one directory.
type Store struct {
	dir   string
	clock clockwork.Clock
}

// NewStore returns a store rooted at the locks working directory.
func NewStore(dir string, clock clockwork.Clock) *Store {
	return &Store{dir: dir, clock: clock}
}

func (s *Store) path(category string) string {
	return filepath.Join(s.dir, category+".lock")
}

// Set claims a category for the given claimant. Creation is exclusive, so
// two concurrent claimants race on the filesystem rather than on a
// read-then-write window; losing the race yields a BusyError.
func (s *Store) Set(category, claimant string) error {
	status, err := s.Get(category)
	if err != nil {
		return err
	}
	if status.Busy {
		return errors.BusyError{
			Category: category,
			Claimant: status.Claimant,
			Age:      status.Age,
		}
	}

	f, err := fs.OpenFile(s.path(category),
		os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return errors.BusyError{Category: category}
		}
		return errors.WithContext(err, "claim lock")
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "%d|%s|%s",
		s.clock.Now().Unix(), claimant, category)
	if err != nil {
		return errors.WithContext(err, "write lock")
	}

	log.WithFields(log.Fields{
		"category": category,
		"claimant": claimant,
	}).Debug("Claimed busy lock")
	return nil
}

// Get reports a category's lock. A lock older than StaleAfter is evicted on
// the spot and reported as not busy.
func (s *Store) Get(category string) (Status, error) {
	contents, err := afero.ReadFile(fs, s.path(category))
	if err != nil {
		if os.IsNotExist(err) {
			return Status{Category: category}, nil
		}
		return Status{}, errors.WithContext(err, "read lock")
	}

	claimedAt, claimant, err := parseLock(string(contents))
	if err != nil {
		// An unparseable lock is treated like a stale one.
		log.WithError(err).WithField("category", category).
			Warn("Evicting corrupt busy lock")
		return Status{Category: category}, s.Clear(category)
	}

	age := s.clock.Now().Sub(claimedAt)
	if age >= StaleAfter {
		log.WithFields(log.Fields{
			"category": category,
			"claimant": claimant,
			"age":      age.String(),
		}).Warn("Evicting stale busy lock")
		return Status{Category: category}, s.Clear(category)
	}

	return Status{
		Category:  category,
		Busy:      true,
		Claimant:  claimant,
		ClaimedAt: claimedAt,
		Age:       age,
	}, nil
}

// Clear releases a category's lock. Clearing an unclaimed category is not an
// error so release paths can run unconditionally.
func (s *Store) Clear(category string) error {
	err := fs.Remove(s.path(category))
	if err != nil && !os.IsNotExist(err) {
		return errors.WithContext(err, "clear lock")
	}
	return nil
}

func parseLock(contents string) (time.Time, string, error) {
	parts := strings.SplitN(strings.TrimSpace(contents), "|", 3)
	if len(parts) != 3 {
		return time.Time{}, "", errors.New("malformed lock file")
	}

	epoch, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, "", errors.WithContext(err, "parse claim time")
	}
	return time.Unix(epoch, 0), parts[1], nil
}
