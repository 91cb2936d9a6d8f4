package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

const (
	LogFieldRequestID   = "requestId"
	LogFieldHTTPRequest = "httpRequest"
)

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) setContentTypeJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, d any) {
	s.setContentTypeJSON(w)
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(d); err != nil {
		s.log.WithError(err).Error("failed to encode response")
	}
}

// writeJSONError logs err and answers with message, err itself is sent when
// message is empty.
func (s *Server) writeJSONError(w http.ResponseWriter, r *http.Request, statusCode int, err error, message string) {
	entry := s.requestLogger(r).WithError(err).WithField(LogFieldHTTPRequest, httpRequestField(r, statusCode))
	if statusCode >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Warn("request rejected")
	}
	if message == "" {
		message = err.Error()
	}
	s.writeJSON(w, statusCode, errorResponse{Error: message, RequestID: middleware.GetReqID(r.Context())})
}

func httpRequestField(r *http.Request, statusCode int) map[string]any {
	return map[string]any{
		"requestMethod": r.Method,
		"requestUrl":    r.URL.EscapedPath(),
		"remoteIp":      r.RemoteAddr,
		"status":        statusCode,
	}
}

func (s *Server) requestLogger(r *http.Request) *logrus.Entry {
	return s.log.WithField(LogFieldRequestID, middleware.GetReqID(r.Context()))
}
