package jobstate

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wpeztools/ezsync/pkg/errors"
)

func TestClaimAndRelease(t *testing.T) {
	fs = afero.NewMemMapFs()
	clock := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))
	store := NewStore("/sync/locks", clock)
	require.NoError(t, fs.MkdirAll("/sync/locks", 0755))

	status, err := store.Get(CategoryData)
	assert.NoError(t, err)
	assert.False(t, status.Busy)

	assert.NoError(t, store.Set(CategoryData, "deploy@example.com"))

	status, err = store.Get(CategoryData)
	assert.NoError(t, err)
	assert.True(t, status.Busy)
	assert.Equal(t, "deploy@example.com", status.Claimant)
	assert.Equal(t, time.Unix(1700000000, 0), status.ClaimedAt)

	// Categories lock independently.
	status, err = store.Get(CategoryFiles)
	assert.NoError(t, err)
	assert.False(t, status.Busy)

	assert.NoError(t, store.Clear(CategoryData))
	status, err = store.Get(CategoryData)
	assert.NoError(t, err)
	assert.False(t, status.Busy)

	// Clearing an unclaimed category is fine.
	assert.NoError(t, store.Clear(CategoryData))
}

func TestDoubleClaim(t *testing.T) {
	fs = afero.NewMemMapFs()
	clock := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))
	store := NewStore("/sync/locks", clock)
	require.NoError(t, fs.MkdirAll("/sync/locks", 0755))

	require.NoError(t, store.Set(CategoryData, "first@example.com"))

	err := store.Set(CategoryData, "second@example.com")
	require.Error(t, err)
	var busyErr errors.BusyError
	require.True(t, errors.As(err, &busyErr))
	assert.Equal(t, CategoryData, busyErr.Category)
	assert.Equal(t, "first@example.com", busyErr.Claimant)
}

func TestStaleEviction(t *testing.T) {
	fs = afero.NewMemMapFs()
	clock := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))
	store := NewStore("/sync/locks", clock)
	require.NoError(t, fs.MkdirAll("/sync/locks", 0755))

	require.NoError(t, store.Set(CategoryData, "crashed@example.com"))

	// An hour later the lock still holds.
	clock.Advance(time.Hour)
	status, err := store.Get(CategoryData)
	assert.NoError(t, err)
	assert.True(t, status.Busy)
	assert.Equal(t, time.Hour, status.Age)

	// Four hours in, it is presumed abandoned and evicted.
	clock.Advance(3 * time.Hour)
	status, err = store.Get(CategoryData)
	assert.NoError(t, err)
	assert.False(t, status.Busy)

	// A fresh claim now succeeds.
	assert.NoError(t, store.Set(CategoryData, "next@example.com"))
}

func TestCorruptLockEvicted(t *testing.T) {
	fs = afero.NewMemMapFs()
	clock := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))
	store := NewStore("/sync/locks", clock)

	require.NoError(t, afero.WriteFile(fs,
		"/sync/locks/data.lock", []byte("garbage"), 0644))

	status, err := store.Get(CategoryData)
	assert.NoError(t, err)
	assert.False(t, status.Busy)

	_, err = fs.Stat("/sync/locks/data.lock")
	assert.Error(t, err)
}
