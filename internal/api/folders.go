package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/threadvault/threadvault/internal/logging"
	"github.com/threadvault/threadvault/internal/metadata/postgres"
)

type folderResponse struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

func folderJSON(f *postgres.FolderRow) folderResponse {
	return folderResponse{ID: f.ID, Name: f.Name, CreatedAt: f.CreatedAt}
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		s.sendError(w, http.StatusBadRequest, "name is required")
		return
	}

	folder, err := s.metadata.CreateFolder(r.Context(), req.Name, ownerID(r))
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to create folder")
		return
	}
	s.sendJSON(w, http.StatusCreated, folderJSON(folder))
}

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	folders, err := s.metadata.ListFolders(r.Context(), ownerID(r))
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to list folders")
		return
	}
	out := make([]folderResponse, 0, len(folders))
	for _, f := range folders {
		out = append(out, folderJSON(f))
	}
	s.sendJSON(w, http.StatusOK, out)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	folderID, ok := pathID(r, "folderID")
	if !ok {
		s.sendError(w, http.StatusBadRequest, "invalid folder id")
		return
	}
	if _, err := s.folderForOwner(r, folderID); err != nil {
		s.sendError(w, http.StatusNotFound, "folder not found")
		return
	}

	files, err := s.metadata.ListFilesByFolder(r.Context(), folderID)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to list files")
		return
	}
	out := make([]fileResponse, 0, len(files))
	for _, f := range files {
		out = append(out, fileJSON(f))
	}
	s.sendJSON(w, http.StatusOK, out)
}

// handleDeleteFolder soft-deletes the folder and its files, then
// schedules the remote container for out-of-band deletion.
func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	folderID, ok := pathID(r, "folderID")
	if !ok {
		s.sendError(w, http.StatusBadRequest, "invalid folder id")
		return
	}
	folder, err := s.folderForOwner(r, folderID)
	if err != nil {
		s.sendError(w, http.StatusNotFound, "folder not found")
		return
	}

	// Free the committed quota of every live file before the records go.
	files, err := s.metadata.ListFilesByFolder(r.Context(), folderID)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to list folder files")
		return
	}

	if err := s.metadata.SoftDeleteFolder(r.Context(), folderID); err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to delete folder")
		return
	}

	owner := ownerID(r)
	for _, f := range files {
		if f.Status == postgres.FileStatusCompleted {
			if err := s.ledger.Discharge(r.Context(), owner, f.Size); err != nil {
				logging.Warn("quota discharge failed",
					logging.Int64("file_id", f.ID), logging.Err(err))
			}
		}
		s.engine.MarkFileDeleted(f.ID)
	}

	s.mapper.Invalidate(folderID)
	s.engine.EnqueueContainerCleanup(folder.ContainerID)

	s.sendJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) folderForOwner(r *http.Request, folderID int64) (*postgres.FolderRow, error) {
	folder, err := s.metadata.GetFolder(r.Context(), folderID)
	if err != nil {
		return nil, err
	}
	if folder.OwnerID != ownerID(r) || folder.IsDeleted {
		return nil, errors.New("folder not accessible")
	}
	return folder, nil
}
