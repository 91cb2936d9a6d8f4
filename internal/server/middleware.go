package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// runAuth guards the run endpoint with the admin token, sent as is or as a
// bearer token.
func (s *Server) runAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.AdminAccessToken == "" {
			s.writeJSONError(w, r, http.StatusUnauthorized, errors.New("no access token configured"), "runs are disabled")
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.config.AdminAccessToken)) != 1 {
			s.writeJSONError(w, r, http.StatusUnauthorized, fmt.Errorf("invalid access token from %s", r.RemoteAddr), "invalid access token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// accessLog logs each request once answered and echoes its id.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ww.Header().Set(middleware.RequestIDHeader, middleware.GetReqID(r.Context()))
		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			req := httpRequestField(r, status)
			req["responseSize"] = ww.BytesWritten()
			req["latency"] = time.Since(start).String()
			s.requestLogger(r).WithFields(logrus.Fields{LogFieldHTTPRequest: req}).Info("request served")
		}()
		next.ServeHTTP(ww, r)
	})
}

// recoverPanics answers 500 and logs the stack, the panic value stays in the
// logs.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.requestLogger(r).WithField("stack", string(debug.Stack())).Errorf("panic: %v", rec)
			s.writeJSON(w, http.StatusInternalServerError, errorResponse{
				Error:     "internal error",
				RequestID: middleware.GetReqID(r.Context()),
			})
		}()
		next.ServeHTTP(w, r)
	})
}
