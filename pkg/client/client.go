// Package client talks to a remote peer's sync endpoints. All privileged
// calls carry the encrypted bearer token, fetched lazily and cached so the
// handshake doesn't run on every request.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	version "github.com/hashicorp/go-version"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/wpeztools/ezsync/pkg/api"
	"github.com/wpeztools/ezsync/pkg/auth"
	"github.com/wpeztools/ezsync/pkg/config"
	"github.com/wpeztools/ezsync/pkg/errors"
	ezversion "github.com/wpeztools/ezsync/pkg/version"
)

// Prefix is the path under which every peer serves its sync API.
const Prefix = "/api/v1"

// manifestRetryInterval paces the long poll that waits for a remote
// manifest build to finish. It is a variable so tests can shorten it.
var manifestRetryInterval = 10 * time.Second

// minPeerVersion is the oldest peer protocol this client understands.
const minPeerVersion = ">= 0.9.0"

// fs is used for mock tests. It will be overridden by afero.NewMemMapFs()
// in the tests.
var fs = afero.NewOsFs()

// Remote is a client for one configured sync target.
type Remote struct {
	identity  string
	target    config.Target
	authority *auth.Authority
	cache     auth.TokenCache
	clock     clockwork.Clock

	// HTTP is exported so tests can point the client at a local server.
	HTTP *http.Client
}

// New returns a client for the given target authenticated as identity.
func New(identity string, target config.Target, authority *auth.Authority,
	cache auth.TokenCache, clock clockwork.Clock) *Remote {
	return &Remote{
		identity:  identity,
		target:    target,
		authority: authority,
		cache:     cache,
		clock:     clock,
		HTTP:      &http.Client{Timeout: 5 * time.Minute},
	}
}

// Token returns a bearer token for the remote, running the handshake on a
// cache miss. Setting refresh bypasses the cache, which callers do after a
// remote rejects a cached token mid-window.
func (r *Remote) Token(ctx context.Context, refresh bool) (string, error) {
	if !refresh {
		token, err := r.cache.Get(ctx, r.target.URL)
		if err != nil {
			log.WithError(err).Debug("Token cache unavailable")
		} else if token != "" {
			return token, nil
		}
	}

	passkey, err := r.authority.Passkey(r.identity)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(api.AuthRequest{
		Username: r.identity,
		Passkey:  passkey,
	})
	if err != nil {
		return "", errors.WithContext(err, "encode handshake")
	}

	envelope, err := r.post(ctx, "/auth", body)
	if err != nil {
		return "", errors.WithContext(err, "handshake")
	}
	if envelope.Output == "" {
		return "", errors.AuthError{Reason: "remote issued an empty token"}
	}

	if err := r.cache.Put(ctx, r.target.URL, envelope.Output); err != nil {
		log.WithError(err).Debug("Token cache unavailable")
	}
	return envelope.Output, nil
}

// request builds a privileged request body carrying the bearer token.
func (r *Remote) request(ctx context.Context, reqType string,
	payload interface{}) ([]byte, error) {
	token, err := r.Token(ctx, false)
	if err != nil {
		return nil, err
	}

	req := api.Request{Type: reqType, AuthToken: token}
	if payload != nil {
		if err := req.SetData(payload); err != nil {
			return nil, err
		}
	}
	return json.Marshal(req)
}

// post sends a JSON body and decodes the envelope. Non-200 responses other
// than the long-poll timeout become TransportErrors; error envelopes become
// plain errors carrying the remote's message.
func (r *Remote) post(ctx context.Context, path string, body []byte) (api.Envelope, error) {
	target := r.target.URL + Prefix + path
	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return api.Envelope{}, errors.WithContext(err, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.HTTP.Do(httpReq)
	if err != nil {
		return api.Envelope{}, errors.TransportError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return api.Envelope{}, errors.TransportError{URL: target, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return api.Envelope{}, errors.TransportError{
			URL: target, Status: resp.StatusCode}
	}

	var envelope api.Envelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return api.Envelope{}, errors.WithContext(err, "decode envelope")
	}
	if envelope.Status != api.StatusSuccess {
		return envelope, errors.New(envelope.Message)
	}
	return envelope, nil
}

// PeerVersion probes the remote's environment, verifies its protocol
// version is one this client can talk to, and returns it.
func (r *Remote) PeerVersion(ctx context.Context) (string, error) {
	body, err := r.request(ctx, api.FetchEnv, nil)
	if err != nil {
		return "", err
	}

	envelope, err := r.post(ctx, "/fetch", body)
	if err != nil {
		return "", err
	}

	peerVersion, err := version.NewVersion(envelope.Version)
	if err != nil {
		return "", errors.WithContext(err, "parse peer version")
	}
	constraint, err := version.NewConstraint(minPeerVersion)
	if err != nil {
		return "", errors.WithContext(err, "parse version constraint")
	}
	if !constraint.Check(peerVersion.Core()) {
		return "", errors.NewFriendlyError("The remote runs ezsync %s, but "+
			"this client requires %s. Update the remote deployment.",
			envelope.Version, minPeerVersion)
	}

	log.WithFields(log.Fields{
		"remote":  r.target.Tag,
		"version": envelope.Version,
		"local":   ezversion.Version,
	}).Debug("Peer check passed")
	return envelope.Version, nil
}

// CheckPeer verifies the remote's protocol version without reporting it.
func (r *Remote) CheckPeer(ctx context.Context) error {
	_, err := r.PeerVersion(ctx)
	return err
}

// Tables lists the remote's prefixed tables.
func (r *Remote) Tables(ctx context.Context) ([]string, error) {
	body, err := r.request(ctx, api.FetchTables, api.FetchPayload{AllTables: true})
	if err != nil {
		return nil, err
	}

	envelope, err := r.post(ctx, "/fetch", body)
	if err != nil {
		return nil, err
	}

	var tables []string
	if err := envelope.GetData(&tables); err != nil {
		return nil, err
	}
	return tables, nil
}

// Stored asks whether a table's export artifact exists yet. A pending
// export returns ok false and no error.
func (r *Remote) Stored(ctx context.Context, table string) (api.StoredFile, bool, error) {
	body, err := r.request(ctx, api.FetchStored, api.FetchPayload{Name: table})
	if err != nil {
		return api.StoredFile{}, false, err
	}

	envelope, err := r.post(ctx, "/fetch", body)
	if err != nil {
		return api.StoredFile{}, false, err
	}
	if envelope.Data == "" {
		return api.StoredFile{}, false, nil
	}

	var stored api.StoredFile
	if err := envelope.GetData(&stored); err != nil {
		return api.StoredFile{}, false, err
	}
	return stored, true, nil
}

// Status reads the remote's busy lock for a category.
func (r *Remote) Status(ctx context.Context, category string) (api.BusyStatus, error) {
	body, err := r.request(ctx, api.FetchStatus, api.FetchPayload{
		Action:   api.ActionCheck,
		Category: category,
	})
	if err != nil {
		return api.BusyStatus{}, err
	}

	envelope, err := r.post(ctx, "/fetch", body)
	if err != nil {
		return api.BusyStatus{}, err
	}

	var status api.BusyStatus
	if err := envelope.GetData(&status); err != nil {
		return api.BusyStatus{}, err
	}
	return status, nil
}

// SetBusy claims the remote's busy lock for a category.
func (r *Remote) SetBusy(ctx context.Context, category string) error {
	return r.setStatus(ctx, api.ActionSet, category)
}

// ClearBusy releases the remote's busy lock for a category.
func (r *Remote) ClearBusy(ctx context.Context, category string) error {
	return r.setStatus(ctx, api.ActionClear, category)
}

func (r *Remote) setStatus(ctx context.Context, action, category string) error {
	body, err := r.request(ctx, api.FetchStatus, api.FetchPayload{
		Action:   action,
		Category: category,
		Claimant: r.identity,
	})
	if err != nil {
		return err
	}
	_, err = r.post(ctx, "/fetch", body)
	return err
}

// TriggerExport starts an asynchronous table export on the remote. The
// artifacts are picked up later by polling Stored.
func (r *Remote) TriggerExport(ctx context.Context, tables []string,
	encrypt, gzip bool) error {
	body, err := r.request(ctx, api.TypeData, api.GetPayload{
		Type:    api.TypeData,
		Tables:  tables,
		Encrypt: encrypt,
		Gzip:    gzip,
	})
	if err != nil {
		return err
	}

	_, err = r.post(ctx, "/get", body)
	return err
}

// Manifest asks the remote to build its file manifest since the given
// watermark, and returns the artifact name and hash once the build
// finishes. Remotes answer 504 while the walk is still running, so this
// long-polls until the context expires.
func (r *Remote) Manifest(ctx context.Context, sinceEpoch int64) (api.StoredFile, error) {
	body, err := r.request(ctx, api.TypeFiles,
		api.GetPayload{Type: api.TypeFiles, Timestamp: sinceEpoch})
	if err != nil {
		return api.StoredFile{}, err
	}

	for {
		envelope, err := r.post(ctx, "/get", body)
		var transportErr errors.TransportError
		if errors.As(err, &transportErr) &&
			transportErr.Status == http.StatusGatewayTimeout {
			log.WithField("remote", r.target.Tag).
				Info("Remote still building manifest; waiting")
			select {
			case <-ctx.Done():
				return api.StoredFile{}, errors.WithContext(
					ctx.Err(), "wait for manifest")
			case <-r.clock.After(manifestRetryInterval):
			}
			continue
		}
		if err != nil {
			return api.StoredFile{}, err
		}
		return api.StoredFile{File: envelope.Output, Hash: envelope.Hash}, nil
	}
}

// FetchFile pulls one file from a served remote directory. The name may be
// base64-encoded by the caller when the path needs to survive transport.
// The remote reports the content digest alongside the body.
func (r *Remote) FetchFile(ctx context.Context, dir, name string) ([]byte, string, error) {
	body, err := r.request(ctx, api.FetchFile, api.FetchPayload{Dir: dir, Name: name})
	if err != nil {
		return nil, "", err
	}

	envelope, err := r.post(ctx, "/fetch", body)
	if err != nil {
		return nil, "", err
	}

	contents, err := base64.StdEncoding.DecodeString(envelope.Data)
	if err != nil {
		return nil, "", errors.WithContext(err, "decode file body")
	}
	if len(contents) == 0 {
		return nil, "", errors.TransportError{
			URL: r.target.URL, Err: errors.New("empty file body")}
	}
	return contents, envelope.Hash, nil
}

// Download streams an artifact from the remote into dst. The type routes
// the request to one of the remote's served directories.
func (r *Remote) Download(ctx context.Context, fileType, file, dst string) error {
	body, err := r.DownloadBytes(ctx, fileType, file)
	if err != nil {
		return err
	}
	return errors.WithContext(afero.WriteFile(fs, dst, body, 0644), "write artifact")
}

// DownloadBytes fetches an artifact into memory. An empty 200 response is
// an error: peers never serve zero-byte artifacts.
func (r *Remote) DownloadBytes(ctx context.Context, fileType, file string) ([]byte, error) {
	token, err := r.Token(ctx, false)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("auth_token", token)
	query.Set("type", fileType)
	query.Set("file", file)
	target := r.target.URL + Prefix + "/download?" + query.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.WithContext(err, "build request")
	}

	resp, err := r.HTTP.Do(httpReq)
	if err != nil {
		return nil, errors.TransportError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.TransportError{URL: target, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.TransportError{URL: target, Status: resp.StatusCode}
	}
	if len(body) == 0 {
		return nil, errors.TransportError{URL: target, Err: errors.New("empty response")}
	}
	return body, nil
}

// Upload pushes a local artifact to the remote's upload endpoint as
// multipart form data. It is the transport half of the put workflow.
func (r *Remote) Upload(ctx context.Context, fileType, path string) error {
	token, err := r.Token(ctx, false)
	if err != nil {
		return err
	}

	contents, err := afero.ReadFile(fs, path)
	if err != nil {
		return errors.WithContext(err, "read artifact")
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("auth_token", token); err != nil {
		return errors.WithContext(err, "encode token")
	}
	if err := writer.WriteField("type", fileType); err != nil {
		return errors.WithContext(err, "encode type")
	}
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return errors.WithContext(err, "encode file")
	}
	if _, err := part.Write(contents); err != nil {
		return errors.WithContext(err, "encode file")
	}
	if err := writer.Close(); err != nil {
		return errors.WithContext(err, "finish form")
	}

	target := r.target.URL + Prefix + "/upload"
	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodPost, target, &body)
	if err != nil {
		return errors.WithContext(err, "build request")
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := r.HTTP.Do(httpReq)
	if err != nil {
		return errors.TransportError{URL: target, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.TransportError{URL: target, Status: resp.StatusCode}
	}
	var result api.UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return errors.WithContext(err, "decode response")
	}
	if !result.Success {
		return errors.New("remote rejected the upload")
	}
	return nil
}
