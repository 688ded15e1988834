package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/threadvault/threadvault/internal/events"
	"github.com/threadvault/threadvault/internal/transfer"
)

func (s *Server) transferForOwner(w http.ResponseWriter, r *http.Request) (*transfer.Transfer, bool) {
	id := r.PathValue("transferID")
	tr, ok := s.engine.Get(id)
	if !ok || tr.OwnerID != ownerID(r) {
		s.sendError(w, http.StatusNotFound, "transfer not found")
		return nil, false
	}
	return tr, true
}

func (s *Server) handleTransferStatus(w http.ResponseWriter, r *http.Request) {
	tr, ok := s.transferForOwner(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, tr.Snapshot())
}

func (s *Server) handleTransferCancel(w http.ResponseWriter, r *http.Request) {
	tr, ok := s.transferForOwner(w, r)
	if !ok {
		return
	}
	tr.Cancel()
	s.sendJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// handleTransferResult streams the verified spool of a completed
// download.
func (s *Server) handleTransferResult(w http.ResponseWriter, r *http.Request) {
	tr, ok := s.transferForOwner(w, r)
	if !ok {
		return
	}
	rc, size, err := s.engine.OpenResult(tr.ID)
	if err != nil {
		s.sendError(w, http.StatusConflict, "transfer result not available")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, rc)
}

// handleTransferEvents streams progress events over SSE. New subscribers
// receive the latest snapshot first, so reconnects never miss the
// current state.
func (s *Server) handleTransferEvents(w http.ResponseWriter, r *http.Request) {
	tr, ok := s.transferForOwner(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe(tr.ID)
	defer s.broadcaster.Unsubscribe(tr.ID, ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
