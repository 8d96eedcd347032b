package hub

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/tasknest/tasknest/internal/store"
)

// Response bodies shared with the remote client.
type (
	UpdatedAtResponse struct {
		UpdatedAt string `json:"updated_at"`
	}
	WorkspaceResponse struct {
		WorkspaceID string `json:"workspace_id"`
	}
	MemberResponse struct {
		Member bool `json:"member"`
	}
	MigrateResponse struct {
		Migrated int `json:"migrated"`
	}
	ErrorResponse struct {
		Error string `json:"error"`
	}
)

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.backend.ListTasks(r.Context(), mux.Vars(r)["ws"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	rows := make([]store.Row, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, store.RowFromTask(t))
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleInsertTask(w http.ResponseWriter, r *http.Request) {
	var row store.Row
	if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
		writeError(w, http.StatusBadRequest, "invalid task: "+err.Error())
		return
	}
	task, err := row.Task()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	created, err := s.backend.InsertTask(r.Context(), task)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, store.RowFromTask(created))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var fields map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, "invalid patch: "+err.Error())
		return
	}
	patch, err := store.PatchFromFields(fields)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	updated, err := s.backend.UpdateTask(r.Context(), mux.Vars(r)["id"], patch)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, store.RowFromTask(updated))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.DeleteTask(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetUpdatedAt(w http.ResponseWriter, r *http.Request) {
	at, err := s.backend.GetUpdatedAt(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UpdatedAtResponse{UpdatedAt: store.FormatTime(at)})
}

func (s *Server) handleFindWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := s.backend.FindActiveWorkspace(r.Context(), mux.Vars(r)["user"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, WorkspaceResponse{WorkspaceID: ws})
}

func (s *Server) handleIsMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ok, err := s.backend.IsMember(r.Context(), vars["user"], vars["ws"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MemberResponse{Member: ok})
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := s.backend.CreateWorkspace(r.Context(), mux.Vars(r)["user"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, WorkspaceResponse{WorkspaceID: ws})
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	n, err := s.backend.MigrateOrphanTasks(r.Context(), vars["user"], vars["ws"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MigrateResponse{Migrated: n})
}

// writeStoreError maps backend errors onto status codes.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, store.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.WithError(err).Error("Backend error")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
