package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/wpeztools/ezsync/pkg/api"
	"github.com/wpeztools/ezsync/pkg/errors"
)

// File types accepted by the download and upload endpoints, each mapped to
// one served directory.
const (
	DirData   = "data"
	DirJSON   = "json"
	DirFiles  = "files"
	DirConfig = "config"
)

// base64Prefix marks file names that were encoded to survive transport, used
// for nested upload paths with unusual characters.
const base64Prefix = "base64:"

// dirFor maps a wire file type onto the directory it serves.
func (s *Server) dirFor(fileType string) (string, error) {
	switch fileType {
	case DirData:
		return s.settings.SyncPath("databases")
	case DirJSON:
		return s.settings.SyncPath("files")
	case DirConfig:
		return s.settings.SyncPath("config")
	case DirFiles:
		return s.settings.UploadsDir, nil
	}
	return "", errors.New("unknown file type " + fileType)
}

func decodeFileName(name string) (string, error) {
	if !strings.HasPrefix(name, base64Prefix) {
		return name, nil
	}
	decoded, err := base64.URLEncoding.DecodeString(
		strings.TrimPrefix(name, base64Prefix))
	if err != nil {
		return "", errors.WithContext(err, "decode file name")
	}
	return string(decoded), nil
}

// securePath anchors a requested relative path under dir, refusing anything
// that would escape it.
func securePath(dir, relPath string) (string, error) {
	if relPath == "" || filepath.IsAbs(relPath) {
		return "", errors.New("invalid file path")
	}

	path := filepath.Join(dir, filepath.Clean(relPath))
	if path != dir && !strings.HasPrefix(path, dir+string(filepath.Separator)) {
		return "", errors.New("invalid file path")
	}
	return path, nil
}

// handleDownload streams an artifact as an attachment. Privileged like the
// POST routes, but the token rides a query parameter since there is no
// body.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if _, err := s.authority.Authorize(query.Get("auth_token")); err != nil {
		writeError(w, codeFor(err), err)
		return
	}

	dir, err := s.dirFor(query.Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	relPath, err := decodeFileName(query.Get("file"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	path, err := securePath(dir, relPath)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	f, err := fs.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, errors.WithContext(err, "open artifact"))
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	if _, err := io.Copy(w, f); err != nil {
		log.WithError(err).WithField("artifact", path).
			Warn("Download interrupted")
	}
}

// handleUpload receives one artifact as multipart form data and installs it
// into the routed directory. The write goes through a temporary name so a
// torn upload is never visible under its final name.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeError(w, http.StatusBadRequest, errors.WithContext(err, "parse form"))
		return
	}

	if _, err := s.authority.Authorize(r.FormValue("auth_token")); err != nil {
		writeError(w, codeFor(err), err)
		return
	}

	dir, err := s.dirFor(r.FormValue("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	part, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.WithContext(err, "read form file"))
		return
	}
	defer part.Close()

	relPath, err := decodeFileName(header.Filename)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	path, err := securePath(dir, relPath)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		writeError(w, http.StatusInternalServerError,
			errors.WithContext(err, "create parent dirs"))
		return
	}

	tmp := path + ".partial"
	f, err := fs.Create(tmp)
	if err != nil {
		writeError(w, http.StatusInternalServerError,
			errors.WithContext(err, "create file"))
		return
	}

	_, err = io.Copy(f, part)
	f.Close()
	if err == nil {
		err = fs.Rename(tmp, path)
	}
	if err != nil {
		if removeErr := fs.Remove(tmp); removeErr != nil {
			log.WithError(removeErr).Warn("Failed to clean partial upload")
		}
		writeError(w, http.StatusInternalServerError,
			errors.WithContext(err, "install upload"))
		return
	}

	log.WithField("artifact", path).Info("Received upload")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(api.UploadResult{Success: true}); err != nil {
		log.WithError(err).Error("Failed to write response")
	}
}
