package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"i4.energy/across/cellmodem/modem"
	"i4.energy/across/cellmodem/sara"
)

const defaultFileTimeout = 60 * time.Second

type ctxKey int

const loggerKey ctxKey = iota

// Server handles incoming HTTP requests for interacting with the
// configured module
type Server struct {
	Logger *slog.Logger
	Module *sara.Module
	// Events serves GET /events when set
	Events *Hub
	// Metrics serves GET /metrics when set
	Metrics http.Handler

	once sync.Once
	mux  *http.ServeMux
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.once.Do(func() {
		s.mux = http.NewServeMux()
		s.mux.HandleFunc("POST /at", s.handleAT)
		s.mux.HandleFunc("GET /state", s.handleState)
		s.mux.HandleFunc("GET /files", s.handleListFiles)
		s.mux.HandleFunc("GET /files/{name}", s.handleReadFile)
		if s.Events != nil {
			s.mux.HandleFunc("GET /events", s.Events.HandleWS)
		}
		if s.Metrics != nil {
			s.mux.Handle("GET /metrics", s.Metrics)
		}
	})

	id := r.Header.Get("X-Request-Id")
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set("X-Request-Id", id)
	logger := s.Logger.With("request_id", id)
	s.mux.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), loggerKey, logger)))
}

func (s *Server) logger(r *http.Request) *slog.Logger {
	if l, ok := r.Context().Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return s.Logger
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	resp := ErrorResponse{Message: message}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) sendJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// statusFor maps a command failure to an HTTP status.
func statusFor(err error) int {
	switch modem.KindOf(err) {
	case modem.KindInvalid:
		return http.StatusBadRequest
	case modem.KindTimeout:
		return http.StatusGatewayTimeout
	case modem.KindCoded, modem.KindProtocol, modem.KindFraming:
		return http.StatusBadGateway
	}
	if errors.Is(err, sara.ErrInvalidFilename) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// ATRequest is the body of POST /at.
type ATRequest struct {
	Command string `json:"command"`
	// Reply names the reply prefix when it differs from the command verb.
	Reply string `json:"reply,omitempty"`
	// Expect waits for a reply line named after the command verb.
	Expect    bool `json:"expect,omitempty"`
	Multiline bool `json:"multiline,omitempty"`
	// TimeoutMS overrides the default command timeout.
	TimeoutMS int `json:"timeout_ms,omitempty"`
}

// ATResponse is the result of POST /at.
type ATResponse struct {
	Fields []string `json:"fields,omitempty"`
	Lines  []string `json:"lines,omitempty"`
}

// handleAT sends a raw command to the module
func (s *Server) handleAT(w http.ResponseWriter, r *http.Request) {
	var req ATRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	mode := modem.NoReply()
	switch {
	case req.Reply != "":
		mode = modem.NamedReply(req.Reply)
	case req.Expect || req.Multiline:
		mode = modem.ExactReply()
	}

	reply, err := s.Module.Modem().SendCommand(r.Context(), modem.Request{
		Command:   req.Command,
		Reply:     mode,
		Multiline: req.Multiline,
		Timeout:   time.Duration(req.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		s.logger(r).Error("Command failed", "command", req.Command, "error", err, "kind", modem.KindOf(err))
		s.sendError(w, err.Error(), statusFor(err))
		return
	}

	resp := ATResponse{Fields: reply.Fields}
	for _, l := range reply.Lines {
		resp.Lines = append(resp.Lines, string(l))
	}
	s.logger(r).Info("Command completed", "command", req.Command)
	s.sendJSON(w, resp)
}

// handleState returns the current module state
func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	s.sendJSON(w, s.Module.State().Snapshot())
}

// handleListFiles lists the module's filesystem
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	names, err := s.Module.ListFiles(r.Context())
	if err != nil {
		s.logger(r).Error("Failed to list files", "error", err)
		s.sendError(w, err.Error(), statusFor(err))
		return
	}
	free, err := s.Module.FreeSpace(r.Context())
	if err != nil {
		s.logger(r).Error("Failed to read free space", "error", err)
		s.sendError(w, err.Error(), statusFor(err))
		return
	}

	type FileList struct {
		Files []string `json:"files"`
		Free  int64    `json:"free"`
	}
	s.sendJSON(w, FileList{Files: names, Free: free})
}

// handleReadFile downloads a file from the module
func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	data, err := s.Module.ReadFile(r.Context(), name, defaultFileTimeout)
	if err != nil {
		s.logger(r).Error("Failed to read file", "name", name, "error", err)
		s.sendError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}
