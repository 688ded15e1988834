// Package mapper maintains the durable mapping between folders and their
// remote containers, and between files and their chunk manifests.
//
// Container creation is lazy and happens at most once per folder:
// concurrent first uploads into an empty folder queue behind a per-folder
// latch, not a process-wide lock.
package mapper

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/threadvault/threadvault/internal/logging"
	"github.com/threadvault/threadvault/internal/remote"
)

// ErrContainerUnavailable is returned when a folder's container could not
// be created or resolved. No partial mapping is recorded.
var ErrContainerUnavailable = errors.New("folder container unavailable")

// Store persists folder→container mappings and file manifests.
// Implemented by the postgres record store.
type Store interface {
	FolderContainer(ctx context.Context, folderID int64) (string, error)
	SetFolderContainer(ctx context.Context, folderID int64, containerID string) error
	SetFileManifest(ctx context.Context, fileID int64, refs []remote.ChunkRef) error
	FileManifest(ctx context.Context, fileID int64) ([]remote.ChunkRef, error)
}

// entry is the per-folder creation latch. Callers that find an entry wait
// on ready; the caller that created it resolves or creates the container.
type entry struct {
	ready chan struct{}
	id    string
	err   error
}

// Mapper resolves folder containers and file manifests.
type Mapper struct {
	mu      sync.Mutex
	entries map[int64]*entry
	store   Store
	gateway remote.Gateway
}

// New creates a Mapper.
func New(store Store, gateway remote.Gateway) *Mapper {
	return &Mapper{
		entries: make(map[int64]*entry),
		store:   store,
		gateway: gateway,
	}
}

// ResolveContainer returns the container id for a folder, creating the
// remote container on first use. name is used if a container must be
// created. Concurrent calls for the same folder observe the same result.
func (m *Mapper) ResolveContainer(ctx context.Context, folderID int64, name string) (string, error) {
	m.mu.Lock()
	if e, ok := m.entries[folderID]; ok {
		m.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		if e.err != nil {
			return "", e.err
		}
		return e.id, nil
	}

	e := &entry{ready: make(chan struct{})}
	m.entries[folderID] = e
	m.mu.Unlock()

	id, err := m.resolve(ctx, folderID, name)
	if err != nil {
		e.err = fmt.Errorf("%w: folder %d: %v", ErrContainerUnavailable, folderID, err)
		// Drop the failed entry so a later upload can retry creation.
		m.mu.Lock()
		delete(m.entries, folderID)
		m.mu.Unlock()
		close(e.ready)
		return "", e.err
	}
	e.id = id
	close(e.ready)
	return id, nil
}

// resolve reuses a persisted mapping or creates the remote container and
// records it. On recording failure nothing is mapped.
func (m *Mapper) resolve(ctx context.Context, folderID int64, name string) (string, error) {
	existing, err := m.store.FolderContainer(ctx, folderID)
	if err != nil {
		return "", fmt.Errorf("load mapping: %w", err)
	}
	if existing != "" {
		return existing, nil
	}

	id, err := m.gateway.CreateContainer(ctx, name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if err := m.store.SetFolderContainer(ctx, folderID, id); err != nil {
		// The remote container exists but the mapping was not recorded;
		// remove it so the folder stays mappable to exactly one container.
		if delErr := m.gateway.DeleteContainer(ctx, id); delErr != nil {
			logging.Warn("orphaned container after mapping failure",
				zap.String("container_id", id),
				zap.Int64("folder_id", folderID),
				zap.Error(delErr))
		}
		return "", fmt.Errorf("record mapping: %w", err)
	}

	logging.Info("container created for folder",
		zap.Int64("folder_id", folderID),
		zap.String("container_id", id))
	return id, nil
}

// Invalidate drops the cached mapping for a folder, e.g. after the folder
// and its container are deleted.
func (m *Mapper) Invalidate(folderID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[folderID]; ok {
		select {
		case <-e.ready:
			delete(m.entries, folderID)
		default:
			// Creation in flight; leave the latch alone.
		}
	}
}

// RecordManifest persists the ordered chunk references for a file.
func (m *Mapper) RecordManifest(ctx context.Context, fileID int64, refs []remote.ChunkRef) error {
	if err := m.store.SetFileManifest(ctx, fileID, refs); err != nil {
		return fmt.Errorf("record manifest for file %d: %w", fileID, err)
	}
	return nil
}

// LookupManifest returns the ordered chunk references recorded for a
// file. A file that has never uploaded a chunk yields an empty slice.
func (m *Mapper) LookupManifest(ctx context.Context, fileID int64) ([]remote.ChunkRef, error) {
	refs, err := m.store.FileManifest(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("lookup manifest for file %d: %w", fileID, err)
	}
	return refs, nil
}
