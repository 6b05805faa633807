package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/wpeztools/ezsync/pkg/api"
	"github.com/wpeztools/ezsync/pkg/archive"
	"github.com/wpeztools/ezsync/pkg/checksum"
	"github.com/wpeztools/ezsync/pkg/db"
	"github.com/wpeztools/ezsync/pkg/errors"
	"github.com/wpeztools/ezsync/pkg/version"
)

// handleAuth runs the token handshake. It is the only route that doesn't
// require a token, since it is how peers obtain one.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req api.AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.WithContext(err, "decode request"))
		return
	}

	if req.Username == "" || !s.authority.CheckPasskey(req.Username, req.Passkey) {
		log.WithField("username", req.Username).Warn("Rejected handshake")
		writeError(w, http.StatusBadRequest,
			errors.AuthError{Reason: "bad passkey"})
		return
	}

	token, err := s.authority.IssueToken(req.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	log.WithField("username", req.Username).Info("Issued token")
	writeSuccess(w, api.Envelope{Output: token})
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	req, credential, err := s.decodeRequest(r)
	if err != nil {
		writeError(w, codeFor(err), err)
		return
	}

	var payload api.FetchPayload
	if req.Data != "" {
		if err := req.GetData(&payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	switch req.Type {
	case api.FetchEnv:
		writeSuccess(w, api.Envelope{Output: "ok", Version: version.Version})

	case api.FetchTables:
		s.fetchTables(w, r, payload)

	case api.FetchStored:
		s.fetchStored(w, payload)

	case api.FetchStatus:
		s.fetchStatus(w, credential, payload)

	case api.FetchFile:
		s.fetchFile(w, payload)

	default:
		writeError(w, http.StatusBadRequest,
			errors.New("unknown fetch type "+req.Type))
	}
}

func (s *Server) fetchTables(w http.ResponseWriter, r *http.Request,
	payload api.FetchPayload) {
	tables, err := db.TablesForDump(r.Context(), s.db, payload.AllTables, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	envelope := api.Envelope{}
	if err := setEnvelopeData(&envelope, tables); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeSuccess(w, envelope)
}

func (s *Server) fetchStored(w http.ResponseWriter, payload api.FetchPayload) {
	if payload.Name == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing table name"))
		return
	}

	stored, ok, err := s.exporter.Stored(payload.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		// Not an error: the export just hasn't finished.
		writeSuccess(w, api.Envelope{Message: "pending"})
		return
	}

	envelope := api.Envelope{Hash: stored.Hash}
	if err := setEnvelopeData(&envelope, stored); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeSuccess(w, envelope)
}

func (s *Server) fetchStatus(w http.ResponseWriter, credential api.Credential,
	payload api.FetchPayload) {
	if payload.Category == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing category"))
		return
	}

	switch payload.Action {
	case api.ActionSet:
		claimant := payload.Claimant
		if claimant == "" {
			claimant = credential.Username
		}
		if err := s.locks.Set(payload.Category, claimant); err != nil {
			writeError(w, codeFor(err), err)
			return
		}

	case api.ActionClear:
		if err := s.locks.Clear(payload.Category); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}

	case api.ActionCheck, "":

	default:
		writeError(w, http.StatusBadRequest,
			errors.New("unknown status action "+payload.Action))
		return
	}

	status, err := s.locks.Get(payload.Category)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	wire := api.BusyStatus{
		Category: status.Category,
		Busy:     status.Busy,
		Claimant: status.Claimant,
	}
	if status.Busy {
		wire.ClaimedAt = status.ClaimedAt.Unix()
	}

	envelope := api.Envelope{}
	if err := setEnvelopeData(&envelope, wire); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeSuccess(w, envelope)
}

// fetchFile serves one file inline, base64 in the envelope with its digest
// alongside. Peers use it for bounded per-file transfers during the files
// workflow.
func (s *Server) fetchFile(w http.ResponseWriter, payload api.FetchPayload) {
	dir, err := s.dirFor(payload.Dir)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	relPath, err := decodeFileName(payload.Name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	path, err := securePath(dir, relPath)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	contents, err := afero.ReadFile(fs, path)
	if err != nil {
		writeError(w, http.StatusNotFound, errors.WithContext(err, "read file"))
		return
	}
	if len(contents) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("refusing to serve empty file"))
		return
	}

	writeSuccess(w, api.Envelope{
		Data: base64.StdEncoding.EncodeToString(contents),
		Hash: checksum.Bytes(contents),
	})
}

// handleGet triggers the asynchronous producers. Data requests start table
// exports and return immediately; files requests long-poll the manifest
// build with 504 while the walk is still running.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	req, _, err := s.decodeRequest(r)
	if err != nil {
		writeError(w, codeFor(err), err)
		return
	}

	var payload api.GetPayload
	if err := req.GetData(&payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	switch payload.Type {
	case api.TypeData:
		tables, err := db.TablesForDump(
			r.Context(), s.db, len(payload.Tables) == 0, payload.Tables)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		// Polls treat artifact existence as completion, so leftovers from a
		// previous run must go before the new export starts.
		if err := s.exporter.WipeArtifacts(); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		s.exporter.ExportTables(tables, payload.Encrypt, payload.Gzip)
		writeSuccess(w, api.Envelope{Message: "export started"})

	case api.TypeFiles:
		stored, ready, err := s.exporter.Manifest(payload.Timestamp)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !ready {
			w.WriteHeader(http.StatusGatewayTimeout)
			return
		}
		writeSuccess(w, api.Envelope{Output: stored.File, Hash: stored.Hash})

	default:
		writeError(w, http.StatusBadRequest,
			errors.New("unknown get type "+payload.Type))
	}
}

// handlePut imports artifacts a peer previously pushed through the upload
// endpoint. It is the receiving half of the push workflow.
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	req, _, err := s.decodeRequest(r)
	if err != nil {
		writeError(w, codeFor(err), err)
		return
	}

	var payload api.GetPayload
	if err := req.GetData(&payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	switch payload.Type {
	case api.TypeData:
		if err := s.importArtifacts(r, payload.Tables); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeSuccess(w, api.Envelope{Message: "imported"})

	case api.TypeFiles:
		// Uploaded files land directly in the uploads tree, so there is
		// nothing left to apply.
		writeSuccess(w, api.Envelope{Message: "applied"})

	default:
		writeError(w, http.StatusBadRequest,
			errors.New("unknown put type "+payload.Type))
	}
}

// importArtifacts replays uploaded dump artifacts into the database,
// unwrapping encryption and compression by suffix.
func (s *Server) importArtifacts(r *http.Request, names []string) error {
	databases, err := s.settings.SyncPath("databases")
	if err != nil {
		return err
	}

	for _, name := range names {
		path, err := securePath(databases, name)
		if err != nil {
			return err
		}

		if filepath.Ext(path) == ".enc" {
			opened := path[:len(path)-len(".enc")]
			if err := s.exporter.codec.DecryptFile(path, opened); err != nil {
				return errors.WithContext(err, "decrypt "+name)
			}
			path = opened
		}
		if filepath.Ext(path) == archive.Suffix {
			if path, err = archive.Expand(path); err != nil {
				return errors.WithContext(err, "expand "+name)
			}
		}

		if err := s.db.ImportFile(r.Context(), path); err != nil {
			return err
		}
		log.WithField("artifact", name).Info("Imported artifact")
	}
	return nil
}

func setEnvelopeData(envelope *api.Envelope, payload interface{}) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return errors.WithContext(err, "encode payload")
	}
	envelope.Data = string(encoded)
	return nil
}
