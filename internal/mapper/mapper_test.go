package mapper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/threadvault/threadvault/internal/remote"
)

// fakeStore keeps mappings and manifests in memory.
type fakeStore struct {
	mu         sync.Mutex
	containers map[int64]string
	manifests  map[int64][]remote.ChunkRef
	setErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		containers: make(map[int64]string),
		manifests:  make(map[int64][]remote.ChunkRef),
	}
}

func (s *fakeStore) FolderContainer(ctx context.Context, folderID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.containers[folderID], nil
}

func (s *fakeStore) SetFolderContainer(ctx context.Context, folderID int64, containerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	if s.containers[folderID] != "" {
		return errors.New("container already mapped")
	}
	s.containers[folderID] = containerID
	return nil
}

func (s *fakeStore) SetFileManifest(ctx context.Context, fileID int64, refs []remote.ChunkRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests[fileID] = append([]remote.ChunkRef(nil), refs...)
	return nil
}

func (s *fakeStore) FileManifest(ctx context.Context, fileID int64) ([]remote.ChunkRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifests[fileID], nil
}

// fakeGateway counts container creations and can be scripted to fail.
type fakeGateway struct {
	creates   atomic.Int64
	deletes   atomic.Int64
	createErr error
	delay     time.Duration
}

func (g *fakeGateway) CreateContainer(ctx context.Context, name string) (string, error) {
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	if g.createErr != nil {
		return "", g.createErr
	}
	n := g.creates.Add(1)
	return fmt.Sprintf("container-%d", n), nil
}

func (g *fakeGateway) DeleteContainer(ctx context.Context, containerID string) error {
	g.deletes.Add(1)
	return nil
}

func (g *fakeGateway) PutChunk(ctx context.Context, containerID, name string, data []byte) (remote.ChunkRef, error) {
	return remote.ChunkRef{}, errors.New("not implemented")
}

func (g *fakeGateway) GetChunk(ctx context.Context, ref remote.ChunkRef) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (g *fakeGateway) DeleteChunk(ctx context.Context, containerID string, ref remote.ChunkRef) error {
	return nil
}

func TestResolveContainerCreatesOnce(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{}
	m := New(store, gw)

	id1, err := m.ResolveContainer(context.Background(), 1, "photos")
	if err != nil {
		t.Fatal(err)
	}
	id2, err := m.ResolveContainer(context.Background(), 1, "photos")
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("expected cached container, got %s then %s", id1, id2)
	}
	if gw.creates.Load() != 1 {
		t.Errorf("expected 1 creation, got %d", gw.creates.Load())
	}
	if store.containers[1] != id1 {
		t.Errorf("mapping not persisted: %q", store.containers[1])
	}
}

func TestResolveContainerConcurrentFirstUploads(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{delay: 20 * time.Millisecond}
	m := New(store, gw)

	const n = 10
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := m.ResolveContainer(context.Background(), 7, "shared")
			if err != nil {
				t.Errorf("resolve %d: %v", i, err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	if gw.creates.Load() != 1 {
		t.Fatalf("expected exactly one created container, got %d", gw.creates.Load())
	}
	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Errorf("caller %d observed %s, caller 0 observed %s", i, ids[i], ids[0])
		}
	}
}

func TestResolveContainerReusesPersistedMapping(t *testing.T) {
	store := newFakeStore()
	store.containers[3] = "existing"
	gw := &fakeGateway{}
	m := New(store, gw)

	id, err := m.ResolveContainer(context.Background(), 3, "docs")
	if err != nil {
		t.Fatal(err)
	}
	if id != "existing" {
		t.Errorf("expected persisted container, got %s", id)
	}
	if gw.creates.Load() != 0 {
		t.Errorf("expected no creation, got %d", gw.creates.Load())
	}
}

func TestResolveContainerFailureThenRetry(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{createErr: errors.New("platform down")}
	m := New(store, gw)

	_, err := m.ResolveContainer(context.Background(), 5, "music")
	if !errors.Is(err, ErrContainerUnavailable) {
		t.Fatalf("expected ErrContainerUnavailable, got %v", err)
	}
	if store.containers[5] != "" {
		t.Fatal("no partial mapping may be recorded on failure")
	}

	// Once the platform recovers, the same folder can be resolved.
	gw.createErr = nil
	id, err := m.ResolveContainer(context.Background(), 5, "music")
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if id == "" {
		t.Fatal("expected a container id")
	}
}

func TestResolveContainerMappingFailureDeletesOrphan(t *testing.T) {
	store := newFakeStore()
	store.setErr = errors.New("db down")
	gw := &fakeGateway{}
	m := New(store, gw)

	_, err := m.ResolveContainer(context.Background(), 9, "videos")
	if !errors.Is(err, ErrContainerUnavailable) {
		t.Fatalf("expected ErrContainerUnavailable, got %v", err)
	}
	if gw.deletes.Load() != 1 {
		t.Errorf("expected orphaned container cleanup, got %d deletes", gw.deletes.Load())
	}
}

func TestManifestRoundTrip(t *testing.T) {
	store := newFakeStore()
	m := New(store, &fakeGateway{})

	refs := []remote.ChunkRef{
		{Index: 0, Hash: "aaa", MessageID: "m0", Size: 10},
		{Index: 1, Hash: "bbb", MessageID: "m1", Size: 5},
	}
	if err := m.RecordManifest(context.Background(), 42, refs); err != nil {
		t.Fatal(err)
	}
	got, err := m.LookupManifest(context.Background(), 42)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].MessageID != "m0" || got[1].Hash != "bbb" {
		t.Errorf("unexpected manifest: %+v", got)
	}
}
