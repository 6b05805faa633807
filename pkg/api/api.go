// Package api defines the JSON messages exchanged between peers. Structured
// payloads travel as a JSON string under the request's data field, matching
// what deployed peers expect on the wire.
package api

import (
	"encoding/json"

	"github.com/wpeztools/ezsync/pkg/errors"
)

// Envelope statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Request types accepted by the fetch endpoint.
const (
	FetchTables = "tables"
	FetchStored = "stored"
	FetchFile   = "file"
	FetchStatus = "status"
	FetchEnv    = "env"
)

// Transfer categories for the get and put endpoints.
const (
	TypeData  = "data"
	TypeFiles = "files"
)

// Request is the common body of every privileged POST. Data holds a typed
// payload re-encoded as a JSON string.
type Request struct {
	Type      string `json:"type"`
	Data      string `json:"data,omitempty"`
	AuthToken string `json:"auth_token"`
}

// SetData encodes the payload into the request's data field.
func (r *Request) SetData(payload interface{}) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return errors.WithContext(err, "encode payload")
	}
	r.Data = string(encoded)
	return nil
}

// GetData decodes the request's data field into the payload.
func (r *Request) GetData(payload interface{}) error {
	return errors.WithContext(
		json.Unmarshal([]byte(r.Data), payload), "decode payload")
}

// Envelope is the common response body. Output carries small results such
// as tokens and status strings, Data carries structured results re-encoded
// as a JSON string, and Hash carries the digest of any artifact the call
// produced.
type Envelope struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Output  string `json:"output,omitempty"`
	Data    string `json:"data,omitempty"`
	Hash    string `json:"hash,omitempty"`

	// Version is the peer's protocol version, reported by the env probe.
	Version string `json:"version,omitempty"`
}

// GetData decodes the envelope's data field into the payload.
func (e Envelope) GetData(payload interface{}) error {
	return errors.WithContext(
		json.Unmarshal([]byte(e.Data), payload), "decode payload")
}

// UploadResult is the upload endpoint's response body. Uploads predate the
// envelope and report a bare success flag.
type UploadResult struct {
	Success bool `json:"success"`
}

// AuthRequest is the body of the token handshake.
type AuthRequest struct {
	Username string `json:"username"`
	Passkey  string `json:"passkey"`
}

// Credential is the plaintext wrapped inside an encrypted auth token. It is
// never persisted server side.
type Credential struct {
	Username string `json:"username"`
	Nonce    string `json:"nonce"`
}

// FetchPayload parameterizes the fetch endpoint's request types.
type FetchPayload struct {
	// AllTables selects every table when listing; Name selects one table's
	// export artifact when checking stored results or fetching a file.
	AllTables bool   `json:"all_tables,omitempty"`
	Name      string `json:"name,omitempty"`

	// Dir routes file fetches to one of the served directories.
	Dir string `json:"dir,omitempty"`

	// Action distinguishes status reads from busy set and clear writes.
	Action string `json:"action,omitempty"`

	// Category is the busy-lock category the status action operates on.
	Category string `json:"category,omitempty"`

	// Claimant identifies who is setting the busy lock.
	Claimant string `json:"claimant,omitempty"`
}

// Status actions used with FetchStatus requests.
const (
	ActionCheck = "check"
	ActionSet   = "set"
	ActionClear = "clear"
)

// GetPayload parameterizes the get and put endpoints.
type GetPayload struct {
	Type      string   `json:"type"`
	Tables    []string `json:"tables,omitempty"`
	Encrypt   bool     `json:"encrypt,omitempty"`
	Gzip      bool     `json:"gzip,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
}

// StoredFile names an export artifact and its digest, as reported by the
// stored-results poll.
type StoredFile struct {
	File string `json:"file"`
	Hash string `json:"hash"`
}

// BusyStatus reports a busy-lock category over the wire.
type BusyStatus struct {
	Category  string `json:"category"`
	Busy      bool   `json:"busy"`
	Claimant  string `json:"claimant,omitempty"`
	ClaimedAt int64  `json:"claimed_at,omitempty"`
}
