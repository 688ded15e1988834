package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/threadvault/threadvault/internal/logging"
	"github.com/threadvault/threadvault/internal/metadata/postgres"
	"github.com/threadvault/threadvault/internal/transfer"
)

type fileResponse struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Size          int64     `json:"size"`
	MimeType      string    `json:"mimeType"`
	ContentHash   string    `json:"contentHash,omitempty"`
	FolderID      int64     `json:"folderId"`
	Status        string    `json:"status"`
	Starred       bool      `json:"starred"`
	DownloadCount int64     `json:"downloadCount"`
	CreatedAt     time.Time `json:"createdAt"`
}

func fileJSON(f *postgres.FileRow) fileResponse {
	return fileResponse{
		ID:            f.ID,
		Name:          f.Name,
		Size:          f.Size,
		MimeType:      f.MimeType,
		ContentHash:   f.ContentHash,
		FolderID:      f.FolderID,
		Status:        f.Status,
		Starred:       f.Starred,
		DownloadCount: f.DownloadCount,
		CreatedAt:     f.CreatedAt,
	}
}

// handleUpload receives a multipart file, spools it locally, and starts
// a background upload transfer. Responds 202 with the transfer id; the
// client follows progress over the events stream.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
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
	owner := ownerID(r)

	if err := s.metadata.EnsureAccount(r.Context(), owner, s.config.DefaultQuotaBytes); err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to prepare quota account")
		return
	}

	mr, err := r.MultipartReader()
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "multipart body required")
		return
	}
	part, err := mr.NextPart()
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "file part required")
		return
	}
	defer part.Close()
	fileName := part.FileName()
	if fileName == "" {
		s.sendError(w, http.StatusBadRequest, "file name required")
		return
	}

	// The transfer runs after this handler returns, so the body cannot be
	// consumed directly; spool it first.
	spool, err := os.CreateTemp(s.config.SpoolDir, "threadvault-up-*.part")
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to spool upload")
		return
	}
	size, err := io.Copy(spool, part)
	if err != nil {
		spool.Close()
		os.Remove(spool.Name())
		s.sendError(w, http.StatusBadRequest, "failed to read upload body")
		return
	}

	mimeType := part.Header.Get("Content-Type")
	row := &postgres.FileRow{
		Name:     fileName,
		Size:     size,
		MimeType: mimeType,
		FolderID: folderID,
		OwnerID:  owner,
	}
	fileID, err := s.metadata.CreateFile(r.Context(), row)
	if err != nil {
		spool.Close()
		os.Remove(spool.Name())
		s.sendError(w, http.StatusInternalServerError, "failed to create file record")
		return
	}

	// Identical content already stored for this owner can be completed
	// without touching the remote again.
	if hash := r.Header.Get("X-Content-Hash"); hash != "" {
		if done := s.tryDedup(w, r, fileID, owner, size, hash); done {
			spool.Close()
			os.Remove(spool.Name())
			return
		}
	}

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		spool.Close()
		os.Remove(spool.Name())
		s.sendError(w, http.StatusInternalServerError, "failed to rewind spool")
		return
	}

	tr, err := s.engine.Upload(r.Context(), transfer.UploadRequest{
		FileID:     fileID,
		OwnerID:    owner,
		FolderID:   folderID,
		FolderName: folder.Name,
		FileName:   fileName,
		Size:       size,
		Source:     spool,
	})
	// The spool backs the background transfer; discard it once the
	// transfer is terminal.
	go func() {
		<-tr.Done()
		spool.Close()
		os.Remove(spool.Name())
	}()
	if err != nil {
		if errors.Is(err, transfer.ErrQuotaExceeded) {
			s.sendError(w, http.StatusRequestEntityTooLarge, "storage quota exceeded")
			return
		}
		s.sendError(w, http.StatusInternalServerError, "failed to start upload")
		return
	}

	s.sendJSON(w, http.StatusAccepted, map[string]any{
		"transferId": tr.ID,
		"fileId":     fileID,
	})
}

// tryDedup completes the new file from an existing identical one.
// Returns true when the response has been written.
func (s *Server) tryDedup(w http.ResponseWriter, r *http.Request, fileID int64, owner int, size int64, hash string) bool {
	existing, err := s.metadata.FindByHash(r.Context(), owner, hash)
	if err != nil || existing == nil || existing.Size != size {
		return false
	}

	refs, err := s.metadata.FileManifest(r.Context(), existing.ID)
	if err != nil || len(refs) == 0 {
		return false
	}

	// Deduplicated copies still count against the owner's quota.
	admitted, err := s.ledger.TryAdmit(r.Context(), owner, size)
	if err != nil {
		return false
	}
	if !admitted {
		s.sendError(w, http.StatusRequestEntityTooLarge, "storage quota exceeded")
		return true
	}
	if err := s.metadata.SetFileManifest(r.Context(), fileID, refs); err != nil {
		s.ledger.Release(owner, size)
		return false
	}
	if err := s.metadata.CompleteFile(r.Context(), fileID, existing.ContainerID, hash); err != nil {
		s.ledger.Release(owner, size)
		return false
	}
	if err := s.ledger.Commit(r.Context(), owner, size); err != nil {
		logging.Error("quota commit failed for deduplicated file",
			logging.Int64("file_id", fileID), logging.Err(err))
	}

	s.sendJSON(w, http.StatusCreated, map[string]any{
		"fileId":       fileID,
		"deduplicated": true,
	})
	return true
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	file, ok := s.fileForOwner(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, fileJSON(file))
}

// handleDownload starts a background download transfer. The verified
// result is streamed from the transfer result endpoint once completed.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	file, ok := s.fileForOwner(w, r)
	if !ok {
		return
	}
	if file.Status != postgres.FileStatusCompleted {
		s.sendError(w, http.StatusConflict, "file is not available for download")
		return
	}

	tr, err := s.engine.Download(r.Context(), transfer.DownloadRequest{
		FileID:      file.ID,
		OwnerID:     file.OwnerID,
		Size:        file.Size,
		ContentHash: file.ContentHash,
	})
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to start download")
		return
	}
	s.sendJSON(w, http.StatusAccepted, map[string]any{"transferId": tr.ID})
}

func (s *Server) handleStar(w http.ResponseWriter, r *http.Request) {
	file, ok := s.fileForOwner(w, r)
	if !ok {
		return
	}
	var req struct {
		Starred bool `json:"starred"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.metadata.SetStarred(r.Context(), file.ID, req.Starred); err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to update star")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]bool{"starred": req.Starred})
}

// handleDeleteFile soft-deletes the record, frees committed quota, and
// schedules the remote chunks for out-of-band deletion.
func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	file, ok := s.fileForOwner(w, r)
	if !ok {
		return
	}

	refs, err := s.metadata.FileManifest(r.Context(), file.ID)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to load file manifest")
		return
	}

	if err := s.metadata.SoftDeleteFile(r.Context(), file.ID); err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to delete file")
		return
	}

	if file.Status == postgres.FileStatusCompleted {
		if err := s.ledger.Discharge(r.Context(), file.OwnerID, file.Size); err != nil {
			logging.Warn("quota discharge failed",
				logging.Int64("file_id", file.ID), logging.Err(err))
		}
	}
	s.engine.MarkFileDeleted(file.ID)
	s.engine.EnqueueChunkCleanup(file.ContainerID, refs)

	s.sendJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if err := s.metadata.EnsureAccount(r.Context(), owner, s.config.DefaultQuotaBytes); err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to prepare quota account")
		return
	}
	used, reserved, limit, err := s.ledger.Usage(r.Context(), owner)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to load quota")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]int64{
		"usedBytes":     used,
		"reservedBytes": reserved,
		"limitBytes":    limit,
	})
}

func (s *Server) fileForOwner(w http.ResponseWriter, r *http.Request) (*postgres.FileRow, bool) {
	fileID, ok := pathID(r, "fileID")
	if !ok {
		s.sendError(w, http.StatusBadRequest, "invalid file id")
		return nil, false
	}
	file, err := s.metadata.GetFile(r.Context(), fileID)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "file not found")
		} else {
			s.sendError(w, http.StatusInternalServerError, "failed to load file")
		}
		return nil, false
	}
	if file.OwnerID != ownerID(r) || file.Status == postgres.FileStatusDeleted {
		s.sendError(w, http.StatusNotFound, "file not found")
		return nil, false
	}
	return file, true
}
