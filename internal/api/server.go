// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/threadvault/threadvault/internal/config"
	"github.com/threadvault/threadvault/internal/events"
	"github.com/threadvault/threadvault/internal/logging"
	"github.com/threadvault/threadvault/internal/mapper"
	"github.com/threadvault/threadvault/internal/metadata/postgres"
	"github.com/threadvault/threadvault/internal/metrics"
	"github.com/threadvault/threadvault/internal/quota"
	"github.com/threadvault/threadvault/internal/transfer"
)

// Server is the HTTP server.
type Server struct {
	metadata    *postgres.Store
	engine      *transfer.Engine
	mapper      *mapper.Mapper
	ledger      *quota.Ledger
	broadcaster *events.Broadcaster
	config      *config.Config
}

// NewServer creates a new server.
func NewServer(
	metadata *postgres.Store,
	engine *transfer.Engine,
	m *mapper.Mapper,
	ledger *quota.Ledger,
	broadcaster *events.Broadcaster,
	cfg *config.Config,
) *Server {
	return &Server{
		metadata:    metadata,
		engine:      engine,
		mapper:      m,
		ledger:      ledger,
		broadcaster: broadcaster,
		config:      cfg,
	}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Folder endpoints
	mux.HandleFunc("POST /api/v1/folders", s.handleCreateFolder)
	mux.HandleFunc("GET /api/v1/folders", s.handleListFolders)
	mux.HandleFunc("GET /api/v1/folders/{folderID}/files", s.handleListFiles)
	mux.HandleFunc("DELETE /api/v1/folders/{folderID}", s.handleDeleteFolder)

	// File endpoints
	mux.HandleFunc("POST /api/v1/folders/{folderID}/files", s.handleUpload)
	mux.HandleFunc("GET /api/v1/files/{fileID}", s.handleGetFile)
	mux.HandleFunc("POST /api/v1/files/{fileID}/download", s.handleDownload)
	mux.HandleFunc("POST /api/v1/files/{fileID}/star", s.handleStar)
	mux.HandleFunc("DELETE /api/v1/files/{fileID}", s.handleDeleteFile)

	// Transfer endpoints
	mux.HandleFunc("GET /api/v1/transfers/{transferID}", s.handleTransferStatus)
	mux.HandleFunc("GET /api/v1/transfers/{transferID}/result", s.handleTransferResult)
	mux.HandleFunc("POST /api/v1/transfers/{transferID}/cancel", s.handleTransferCancel)
	mux.HandleFunc("GET /api/v1/transfers/{transferID}/events", s.handleTransferEvents)

	// Quota endpoint
	mux.HandleFunc("GET /api/v1/quota", s.handleQuota)

	return metrics.Middleware(logging.Middleware(mux))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": "1.0"})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// ownerID identifies the requester. Authentication sits in front of this
// service; the header carries the resolved identity.
func ownerID(r *http.Request) int {
	if v := r.Header.Get("X-Owner-ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil && id > 0 {
			return id
		}
	}
	return 1
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("encode response failed", logging.Err(err))
	}
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": message,
		"code":  code,
	})
}
