package httpapi

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"

	"github.com/msageha/hostagent/internal/logging"
	"github.com/msageha/hostagent/internal/schema"
)

// handleImage serves the capture image selected by a GetCaptureImage
// command. Images removed by pruning between lookup and open are 404s.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	ex := newExchange("image")
	raw, ok, err := readCommand(w, r)
	if !ok {
		s.finish(w, r, ex, http.StatusMethodNotAllowed, nil, nil)
		return
	}
	if err != nil {
		s.finish(w, r, ex, http.StatusBadRequest, nil, err)
		return
	}
	inv, err := s.cfg.Registry.ParseCommand(raw)
	if err != nil || inv.Command != schema.GetCaptureImageID {
		s.finish(w, r, ex, http.StatusBadRequest, nil, err)
		return
	}
	ex.command = inv.CommandName
	if !s.cfg.Access.IsAuthorized(inv) {
		s.finish(w, r, ex, http.StatusUnauthorized, nil, nil)
		return
	}

	path, err := s.cfg.Images.CaptureImageFile(inv)
	if err != nil {
		s.log(logging.LevelWarn, "capture image lookup failed: %v", err)
		s.finish(w, r, ex, http.StatusInternalServerError, nil, err)
		return
	}
	if path == "" {
		s.finish(w, r, ex, http.StatusNotFound, nil, nil)
		return
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		s.finish(w, r, ex, http.StatusNotFound, nil, err)
		return
	}
	if err != nil {
		s.finish(w, r, ex, http.StatusInternalServerError, nil, err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		s.finish(w, r, ex, http.StatusNotFound, nil, err)
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
	s.record(r, ex, http.StatusOK, nil)
}
