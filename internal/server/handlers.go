package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/zaproxy/release-sync/internal/engine"
	"github.com/zaproxy/release-sync/internal/releasestate"
	"github.com/zaproxy/release-sync/pkg/release"
)

func (s *Server) listTargets(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.targets)
}

// getState serves the last snapshot, a matching If-None-Match gets 304.
func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	snap, hit, err := s.snapshot(r.Context())
	if errors.Is(err, releasestate.ErrNoSnapshot) {
		s.writeJSONError(w, r, http.StatusNotFound, err, "")
		return
	}
	if err != nil {
		s.writeJSONError(w, r, http.StatusInternalServerError, err, "could not load release state")
		return
	}
	w.Header().Set("ETag", snap.etag)
	if hit {
		w.Header().Set("X-Cache", "HIT")
	}
	if r.Header.Get("If-None-Match") == snap.etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	s.setContentTypeJSON(w)
	if _, err := w.Write(snap.body); err != nil {
		s.requestLogger(r).WithError(err).Error("failed to write release state")
	}
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req release.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeJSONError(w, r, http.StatusBadRequest, err, "invalid run request")
		return
	}

	if !s.runSem.TryAcquire(1) {
		s.writeJSONError(w, r, http.StatusConflict, errors.New("a run is already in progress"), "")
		return
	}
	defer s.runSem.Release(1)

	runLog := s.requestLogger(r).WithFields(logrus.Fields{"dryRun": req.DryRun, "force": req.Force})
	runLog.Info("starting run")
	res, err := s.runner.Run(s.runCtx, engine.RunOptions{DryRun: req.DryRun, Force: req.Force})
	s.forgetSnapshot()
	if err != nil {
		if res == nil {
			s.writeJSONError(w, r, http.StatusInternalServerError, err, "run failed")
			return
		}
		runLog.WithError(err).WithField("failed", len(res.Failed)).Error("run failed")
		res.Error = err.Error()
		s.writeJSON(w, http.StatusInternalServerError, res)
		return
	}
	runLog.WithField("succeeded", len(res.Succeeded)).Info("run finished")
	s.writeJSON(w, http.StatusOK, res)
}
