// Package auth implements the shared-secret handshake between peers. There
// is no session table anywhere: a peer proves recency by deriving a
// time-bucketed nonce from the shared secret, and the resulting bearer token
// is just that nonce sealed inside an encrypted credential.
package auth

import (
	"crypto/hmac"
	"crypto/md5" // nolint: gosec
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/wpeztools/ezsync/pkg/api"
	"github.com/wpeztools/ezsync/pkg/crypto"
	"github.com/wpeztools/ezsync/pkg/errors"
)

// BucketSeconds is the width of a nonce epoch bucket. A nonce stays valid
// through its own bucket and the following one, so tokens live between 12
// and 24 hours depending on when in the bucket they were issued.
const BucketSeconds = 43200

// ActionToken is the action bound into token nonces. Binding an action keeps
// a token nonce from being reused for any other purpose.
const ActionToken = "token"

// NonceSet holds the two currently acceptable values for one action.
type NonceSet struct {
	Current  string
	Previous string
}

// Verify reports whether the candidate matches either acceptable value. The
// comparisons are constant time.
func (set NonceSet) Verify(candidate string) bool {
	current := hmac.Equal([]byte(candidate), []byte(set.Current))
	previous := hmac.Equal([]byte(candidate), []byte(set.Previous))
	return current || previous
}

// Authority derives and verifies nonces, and seals them into bearer tokens.
type Authority struct {
	secretKey  string
	secretSalt string
	codec      *crypto.Codec
	clock      clockwork.Clock
}

// NewAuthority returns an authority bound to the deployment's shared secret.
func NewAuthority(secretKey, secretSalt string, codec *crypto.Codec,
	clock clockwork.Clock) *Authority {
	return &Authority{
		secretKey:  secretKey,
		secretSalt: secretSalt,
		codec:      codec,
		clock:      clock,
	}
}

// DeriveNonce computes the acceptable nonces for an action at the current
// time. Each value keys an HMAC over action, secret and epoch bucket, then
// keeps ten characters of the hex digest.
func (a *Authority) DeriveNonce(action string) NonceSet {
	bucket := a.clock.Now().Unix() / BucketSeconds
	return NonceSet{
		Current:  a.nonceAt(action, bucket),
		Previous: a.nonceAt(action, bucket-1),
	}
}

func (a *Authority) nonceAt(action string, bucket int64) string {
	mac := hmac.New(md5.New, []byte(a.secretSalt)) // nolint: gosec
	fmt.Fprintf(mac, "%s|%s|%d", action, a.secretKey, bucket)
	digest := hex.EncodeToString(mac.Sum(nil))

	// Ten characters starting twelve from the end of the hex digest, for
	// compatibility with existing deployments.
	return digest[len(digest)-12 : len(digest)-2]
}

// Passkey seals the claimed identity with the shared secret. Presenting it
// proves possession of the secret, not ownership of the identity: any peer
// holding the secret can seal any identity string.
func (a *Authority) Passkey(username string) (string, error) {
	passkey, err := a.codec.EncryptString(username)
	if err != nil {
		return "", errors.WithContext(err, "seal passkey")
	}
	return passkey, nil
}

// CheckPasskey opens a handshake passkey and requires that it names the
// claimed identity.
func (a *Authority) CheckPasskey(username, candidate string) bool {
	opened, err := a.codec.DecryptString(candidate)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(opened), []byte(username))
}

// IssueToken seals a credential for the given identity. The embedded nonce
// carries the expiry: the token stops verifying when the nonce ages out of
// its validity window.
func (a *Authority) IssueToken(username string) (string, error) {
	credential := api.Credential{
		Username: username,
		Nonce:    a.DeriveNonce(ActionToken).Current,
	}

	plaintext, err := json.Marshal(credential)
	if err != nil {
		return "", errors.WithContext(err, "encode credential")
	}

	token, err := a.codec.EncryptString(string(plaintext))
	if err != nil {
		return "", errors.WithContext(err, "seal credential")
	}
	return token, nil
}

// Authorize opens a bearer token and checks its embedded nonce. It returns
// the authenticated credential, or an AuthError if the token doesn't
// decrypt, doesn't parse, or has aged out.
func (a *Authority) Authorize(token string) (api.Credential, error) {
	if token == "" {
		return api.Credential{}, errors.AuthError{Reason: "missing token"}
	}

	plaintext, err := a.codec.DecryptString(token)
	if err != nil {
		return api.Credential{}, errors.AuthError{Reason: "undecipherable token"}
	}

	var credential api.Credential
	if err := json.Unmarshal([]byte(plaintext), &credential); err != nil {
		return api.Credential{}, errors.AuthError{Reason: "malformed credential"}
	}

	if !a.DeriveNonce(ActionToken).Verify(credential.Nonce) {
		return api.Credential{}, errors.AuthError{Reason: "expired nonce"}
	}
	return credential, nil
}
