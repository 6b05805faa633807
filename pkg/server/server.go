// Package server exposes a deployment's sync API to its peers. Every
// privileged route re-derives the caller's authorization from the shared
// secret; the server holds no session state, so restarting it never strands
// a remote mid-run.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/wpeztools/ezsync/pkg/api"
	"github.com/wpeztools/ezsync/pkg/auth"
	"github.com/wpeztools/ezsync/pkg/config"
	"github.com/wpeztools/ezsync/pkg/db"
	"github.com/wpeztools/ezsync/pkg/errors"
	"github.com/wpeztools/ezsync/pkg/jobstate"
)

// Prefix is the path under which the sync API is served.
const Prefix = "/api/v1"

// fs is used for mock tests. It will be overridden by afero.NewMemMapFs()
// in the tests.
var fs = afero.NewOsFs()

// Server handles one deployment's side of the sync protocol.
type Server struct {
	settings  config.Settings
	authority *auth.Authority
	locks     *jobstate.Store
	db        db.Tool
	exporter  *Exporter
	clock     clockwork.Clock
}

// New wires up a server for the given deployment.
func New(settings config.Settings, authority *auth.Authority,
	locks *jobstate.Store, dbTool db.Tool, exporter *Exporter,
	clock clockwork.Clock) *Server {
	return &Server{
		settings:  settings,
		authority: authority,
		locks:     locks,
		db:        dbTool,
		exporter:  exporter,
		clock:     clock,
	}
}

// Router builds the chi router serving the sync API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger: log.StandardLogger(),
	}))

	r.Route(Prefix, func(r chi.Router) {
		r.Post("/auth", s.handleAuth)
		r.Post("/fetch", s.handleFetch)
		r.Post("/get", s.handleGet)
		r.Post("/put", s.handlePut)
		r.Post("/upload", s.handleUpload)
		r.Get("/download", s.handleDownload)
	})
	return r
}

// ListenAndServe blocks serving the sync API on addr.
func (s *Server) ListenAndServe(addr string) error {
	log.WithField("address", addr).Info("Serving sync API")
	return http.ListenAndServe(addr, s.Router())
}

// decodeRequest parses a privileged request body and checks its token.
func (s *Server) decodeRequest(r *http.Request) (api.Request, api.Credential, error) {
	var req api.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return api.Request{}, api.Credential{}, errors.WithContext(err, "decode request")
	}

	credential, err := s.authority.Authorize(req.AuthToken)
	if err != nil {
		return api.Request{}, api.Credential{}, err
	}
	return req, credential, nil
}

func writeEnvelope(w http.ResponseWriter, code int, envelope api.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(envelope); err != nil {
		log.WithError(err).Error("Failed to write response")
	}
}

func writeSuccess(w http.ResponseWriter, envelope api.Envelope) {
	envelope.Status = api.StatusSuccess
	writeEnvelope(w, http.StatusOK, envelope)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeEnvelope(w, code, api.Envelope{
		Status:  api.StatusError,
		Message: errors.GetPrintableMessage(err),
	})
}

// codeFor maps an error onto the HTTP status the protocol expects.
func codeFor(err error) int {
	var authErr errors.AuthError
	if errors.As(err, &authErr) {
		return http.StatusUnauthorized
	}
	var busyErr errors.BusyError
	if errors.As(err, &busyErr) {
		return http.StatusConflict
	}
	return http.StatusBadRequest
}
