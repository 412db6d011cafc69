package server

import (
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"

	"github.com/matzehuels/diagramsync/pkg/diagram"
	"github.com/matzehuels/diagramsync/pkg/errors"
	"github.com/matzehuels/diagramsync/pkg/persist"
	"github.com/matzehuels/diagramsync/pkg/protocol"
	"github.com/matzehuels/diagramsync/pkg/transport"
)

// ServerClientID is the sender ID of snapshots broadcast by the REST API.
const ServerClientID = "diagramsync-server"

const maxBodyBytes = 8 << 20

var json = sonic.ConfigStd

// diagramRequest is the body of PUT /api/projects/{id}/diagram.
type diagramRequest struct {
	Name  string         `json:"name"`
	Nodes []diagram.Node `json:"nodes"`
	Edges []diagram.Edge `json:"edges"`
}

type saveResponse struct {
	ProjectID string `json:"projectId"`
	Version   int64  `json:"version"`
}

type errorResponse struct {
	Error   errors.Code `json:"error"`
	Message string      `json:"message"`
}

func (s *Server) getDiagram(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if err := errors.ValidateID("project", projectID); err != nil {
		writeError(w, err)
		return
	}
	doc, err := s.opts.Store.Load(r.Context(), projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// putDiagram saves the body and broadcasts it as a versioned snapshot so
// connected sessions pick it up.
func (s *Server) putDiagram(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if err := errors.ValidateID("project", projectID); err != nil {
		writeError(w, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrCodeInvalidInput, err, "read body"))
		return
	}
	var req diagramRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, errors.Wrap(errors.ErrCodeInvalidInput, err, "decode body"))
		return
	}

	version, err := s.opts.Store.Save(r.Context(), projectID, persist.Document{
		Name:  req.Name,
		Nodes: req.Nodes,
		Edges: req.Edges,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if s.autosave != nil {
		s.autosave.cancel(projectID)
	}

	p, err := protocol.Snapshot{
		ClientID: ServerClientID,
		Name:     req.Name,
		Nodes:    req.Nodes,
		Edges:    req.Edges,
		Version:  &version,
	}.Payload()
	if err == nil {
		err = s.opts.Backplane.Send(r.Context(), transport.Destination(projectID, transport.StreamUpdate), p)
	}
	if err != nil {
		// The save itself succeeded.
		s.logger.Warn("broadcast saved diagram", "project", projectID, "err", err)
	}
	writeJSON(w, http.StatusOK, saveResponse{ProjectID: projectID, Version: version})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, err error) {
	code := errors.GetCode(err)
	if code == "" {
		code = errors.ErrCodeInternal
	}
	writeJSON(w, statusFor(code), errorResponse{Error: code, Message: errors.UserMessage(err)})
}

func statusFor(code errors.Code) int {
	switch code {
	case errors.ErrCodeInvalidInput, errors.ErrCodeInvalidID, errors.ErrCodeMalformedMessage,
		errors.ErrCodeDuplicateID, errors.ErrCodeAnchorUnavailable:
		return http.StatusBadRequest
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeTransport:
		return http.StatusBadGateway
	case errors.ErrCodeUnsupported:
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}
