package auth

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wpeztools/ezsync/pkg/crypto"
	"github.com/wpeztools/ezsync/pkg/errors"
)

func testAuthority(clock clockwork.Clock) *Authority {
	codec := crypto.NewCodec("test-secret", "test-salt")
	return NewAuthority("test-secret", "test-salt", codec, clock)
}

func TestDeriveNonce(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(100*BucketSeconds+500, 0))
	authority := testAuthority(clock)

	set := authority.DeriveNonce(ActionToken)
	assert.Len(t, set.Current, 10)
	assert.Len(t, set.Previous, 10)
	assert.NotEqual(t, set.Current, set.Previous)

	assert.True(t, set.Verify(set.Current))
	assert.True(t, set.Verify(set.Previous))
	assert.False(t, set.Verify("garbage"))
	assert.False(t, set.Verify(""))

	// Different actions produce unrelated nonces.
	assert.False(t, authority.DeriveNonce("other").Verify(set.Current))
}

func TestNonceValidityWindow(t *testing.T) {
	start := time.Unix(100*BucketSeconds, 0)
	clock := clockwork.NewFakeClockAt(start)
	authority := testAuthority(clock)

	issued := authority.DeriveNonce(ActionToken).Current

	// A nonce derived at bucket T validates until the end of bucket T+1.
	clock.Advance(2*BucketSeconds*time.Second - time.Second)
	assert.True(t, authority.DeriveNonce(ActionToken).Verify(issued))

	clock.Advance(time.Second)
	assert.False(t, authority.DeriveNonce(ActionToken).Verify(issued))
}

func TestPasskey(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))

	client := testAuthority(clock)
	server := testAuthority(clock)

	passkey, err := client.Passkey("deploy@example.com")
	require.NoError(t, err)
	assert.True(t, server.CheckPasskey("deploy@example.com", passkey))

	// The sealed identity must match the claimed one.
	assert.False(t, server.CheckPasskey("other@example.com", passkey))
	assert.False(t, server.CheckPasskey("deploy@example.com", "garbage"))

	// A peer with a different secret never authenticates.
	stranger := NewAuthority("other-secret", "test-salt",
		crypto.NewCodec("other-secret", "test-salt"), clock)
	strangerKey, err := stranger.Passkey("deploy@example.com")
	require.NoError(t, err)
	assert.False(t, server.CheckPasskey("deploy@example.com", strangerKey))
}

func TestTokenLifecycle(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))
	authority := testAuthority(clock)

	token, err := authority.IssueToken("deploy@example.com")
	require.NoError(t, err)

	credential, err := authority.Authorize(token)
	assert.NoError(t, err)
	assert.Equal(t, "deploy@example.com", credential.Username)

	// The token survives a bucket rollover but not two.
	clock.Advance(BucketSeconds * time.Second)
	_, err = authority.Authorize(token)
	assert.NoError(t, err)

	clock.Advance(BucketSeconds * time.Second)
	_, err = authority.Authorize(token)
	require.Error(t, err)
	var authErr errors.AuthError
	assert.True(t, errors.As(err, &authErr))
}

func TestAuthorizeRejectsGarbage(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))
	authority := testAuthority(clock)

	for _, token := range []string{"", "not a token", "bm90IGEgdG9rZW4="} {
		_, err := authority.Authorize(token)
		require.Error(t, err)
		var authErr errors.AuthError
		assert.True(t, errors.As(err, &authErr))
	}

	// Tokens sealed under a different secret don't open.
	stranger := NewAuthority("test-secret", "test-salt",
		crypto.NewCodec("other-secret", "test-salt"), clock)
	token, err := stranger.IssueToken("deploy@example.com")
	require.NoError(t, err)
	_, err = authority.Authorize(token)
	assert.Error(t, err)
}
