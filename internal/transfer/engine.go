package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/threadvault/threadvault/internal/chunk"
	"github.com/threadvault/threadvault/internal/events"
	"github.com/threadvault/threadvault/internal/logging"
	"github.com/threadvault/threadvault/internal/mapper"
	"github.com/threadvault/threadvault/internal/metrics"
	"github.com/threadvault/threadvault/internal/quota"
	"github.com/threadvault/threadvault/internal/remote"
	"github.com/threadvault/threadvault/internal/retry"
)

// MetadataStore is what the engine needs from the record store.
// Implemented by the postgres store.
type MetadataStore interface {
	UpdateFileStatus(ctx context.Context, id int64, status string) error
	CompleteFile(ctx context.Context, id int64, containerID, contentHash string) error
	IncrementDownloadCount(ctx context.Context, id int64) error
}

// Config holds engine tuning.
type Config struct {
	// ChunkSize is the per-attachment ceiling minus the safety margin.
	ChunkSize int64

	// ChunkRetry bounds per-chunk retries for transient gateway errors.
	ChunkRetry retry.Config

	// Retention is how long terminal transfers stay queryable before the
	// sweeper drops them.
	Retention time.Duration

	// SweepInterval is how often the sweeper and cleanup worker run.
	SweepInterval time.Duration

	// SpoolDir holds verified download spools until they are streamed.
	SpoolDir string
}

// cleanupJob is one best-effort remote deletion, retried out-of-band.
type cleanupJob struct {
	containerID string
	refs        []remote.ChunkRef // nil means delete the whole container
	attempts    int
}

const cleanupMaxAttempts = 5

// Engine drives transfers through their state machines. Each transfer's
// chunk loop is strictly sequential; transfers run concurrently.
type Engine struct {
	cfg         Config
	gateway     remote.Gateway
	mapper      *mapper.Mapper
	ledger      *quota.Ledger
	store       MetadataStore
	broadcaster *events.Broadcaster

	runCtx context.Context

	mu        sync.Mutex
	transfers map[string]*Transfer

	cleanupMu sync.Mutex
	cleanupQ  []cleanupJob
}

// NewEngine creates a transfer engine.
func NewEngine(cfg Config, gw remote.Gateway, m *mapper.Mapper, l *quota.Ledger, store MetadataStore, b *events.Broadcaster) *Engine {
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.Retention == 0 {
		cfg.Retention = 10 * time.Minute
	}
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = os.TempDir()
	}
	return &Engine{
		cfg:         cfg,
		gateway:     gw,
		mapper:      m,
		ledger:      l,
		store:       store,
		broadcaster: b,
		runCtx:      context.Background(),
		transfers:   make(map[string]*Transfer),
	}
}

// Start launches the retention sweeper and the remote cleanup worker.
// ctx bounds all background work, including in-flight transfer loops.
func (e *Engine) Start(ctx context.Context) {
	e.runCtx = ctx
	go e.sweepLoop(ctx)
	go e.cleanupLoop(ctx)
}

// ─── Upload ─────────────────────────────────────────────────────────────────

// UploadRequest describes one upload operation.
type UploadRequest struct {
	FileID     int64
	OwnerID    int
	FolderID   int64
	FolderName string
	FileName   string
	Size       int64
	Source     io.Reader
}

// Upload admits and starts an upload, returning its transfer handle
// immediately. Admission happens synchronously so a quota rejection is
// surfaced before any remote write; the chunk loop runs in the
// background.
func (e *Engine) Upload(ctx context.Context, req UploadRequest) (*Transfer, error) {
	t := newTransfer(DirectionUpload, req.FileID, req.OwnerID, req.Size)
	e.register(t)

	admitted, err := e.ledger.TryAdmit(ctx, req.OwnerID, req.Size)
	if err != nil {
		e.fail(t, fmt.Errorf("admission: %w", err))
		return t, err
	}
	if !admitted {
		metrics.RecordQuotaRejection()
		e.fail(t, ErrQuotaExceeded)
		e.markFileFailed(t.FileID)
		return t, ErrQuotaExceeded
	}

	e.publish(t)
	go e.runUpload(t, req)
	return t, nil
}

func (e *Engine) runUpload(t *Transfer, req UploadRequest) {
	ctx := e.runCtx

	containerID, err := e.mapper.ResolveContainer(ctx, req.FolderID, containerName(req.FolderName, req.FolderID))
	if err != nil {
		e.failUpload(t, req, err)
		return
	}

	t.setState(StateUploading)
	if err := e.store.UpdateFileStatus(ctx, req.FileID, string(StateUploading)); err != nil {
		e.failUpload(t, req, fmt.Errorf("mark uploading: %w", err))
		return
	}
	e.publish(t)

	// Chunks confirmed by a previous attempt; the resumable prefix.
	refs, err := e.mapper.LookupManifest(ctx, req.FileID)
	if err != nil {
		e.failUpload(t, req, err)
		return
	}

	splitter := chunk.NewSplitter(req.Source, e.cfg.ChunkSize)
	for {
		// Cancellation is polled between chunks, never mid-chunk.
		if t.Cancelled() {
			e.failUpload(t, req, ErrUserCancelled)
			return
		}

		c, err := splitter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Source read failures are fatal to this transfer; no retry.
			e.failUpload(t, req, err)
			return
		}

		if c.Index < len(refs) {
			// Already confirmed; skip the remote write, but refuse to
			// resume over changed content.
			if refs[c.Index].Hash != c.Hash {
				e.failUpload(t, req, fmt.Errorf("%w: chunk %d changed since previous attempt", ErrManifestMismatch, c.Index))
				return
			}
			t.addBytes(int64(len(c.Data)))
			e.publish(t)
			continue
		}

		ref, err := e.putChunkWithRetry(ctx, t, containerID, chunkName(req.FileName, c.Index), c)
		if err != nil {
			e.failUpload(t, req, err)
			return
		}
		refs = append(refs, ref)
		if err := e.mapper.RecordManifest(ctx, req.FileID, refs); err != nil {
			e.failUpload(t, req, err)
			return
		}
		t.addBytes(int64(len(c.Data)))
		e.publish(t)
	}

	// Completion flips the file record and commits the reservation as
	// one logical step, so a completed file is never observed with an
	// uncharged quota.
	if err := e.store.CompleteFile(ctx, req.FileID, containerID, splitter.FileHash()); err != nil {
		e.failUpload(t, req, fmt.Errorf("complete file: %w", err))
		return
	}
	if err := e.ledger.Commit(ctx, req.OwnerID, req.Size); err != nil {
		logging.Error("quota commit failed for completed upload",
			zap.String("transfer_id", t.ID),
			zap.Int64("file_id", req.FileID),
			zap.Error(err))
		e.failUpload(t, req, fmt.Errorf("commit quota: %w", err))
		return
	}

	t.finish(StateCompleted, nil)
	metrics.RecordTransfer(string(DirectionUpload), string(StateCompleted))
	metrics.RecordTransferBytes(string(DirectionUpload), req.Size)
	e.publish(t)
	logging.Info("upload completed",
		zap.String("transfer_id", t.ID),
		zap.Int64("file_id", req.FileID),
		zap.Int("chunks", splitter.Count()),
		zap.Int64("bytes", req.Size))
}

// putChunkWithRetry drives one chunk through the gateway, retrying
// transient failures up to the per-chunk budget and re-emitting progress
// on each retry. Budget exhaustion surfaces ErrRemoteUnavailable.
func (e *Engine) putChunkWithRetry(ctx context.Context, t *Transfer, containerID, name string, c *chunk.Chunk) (remote.ChunkRef, error) {
	cfg := e.cfg.ChunkRetry
	cfg.OnRetry = func(attempt int, err error) {
		t.addRetry()
		metrics.RecordChunkRetry()
		logging.Warn("chunk upload retry",
			zap.String("transfer_id", t.ID),
			zap.Int("chunk", c.Index),
			zap.Int("attempt", attempt),
			zap.Error(err))
		e.publish(t)
	}

	ref, err := retry.DoWithResult(ctx, cfg, func() (remote.ChunkRef, error) {
		return e.gateway.PutChunk(ctx, containerID, name, c.Data)
	})
	if err != nil {
		if retry.IsRetryable(err) {
			return remote.ChunkRef{}, fmt.Errorf("%w: chunk %d: %v", remote.ErrRemoteUnavailable, c.Index, err)
		}
		return remote.ChunkRef{}, fmt.Errorf("chunk %d: %w", c.Index, err)
	}
	ref.Index = c.Index
	ref.Hash = c.Hash
	return ref, nil
}

// failUpload releases the reservation and finalizes the transfer. The
// already-confirmed chunk prefix stays recorded for a resumed attempt.
func (e *Engine) failUpload(t *Transfer, req UploadRequest, err error) {
	e.ledger.Release(req.OwnerID, req.Size)
	e.markFileFailed(req.FileID)
	e.fail(t, err)
}

func (e *Engine) markFileFailed(fileID int64) {
	if err := e.store.UpdateFileStatus(e.runCtx, fileID, string(StateFailed)); err != nil {
		logging.Warn("failed to mark file failed", zap.Int64("file_id", fileID), zap.Error(err))
	}
}

// ─── Download ───────────────────────────────────────────────────────────────

// DownloadRequest describes one download operation.
type DownloadRequest struct {
	FileID      int64
	OwnerID     int
	Size        int64
	ContentHash string
}

// Download starts a download, returning its transfer handle immediately.
// Chunks are fetched, hash-verified, and spooled; the result becomes
// readable through OpenResult only once the whole file verified, so a
// corrupt chunk never delivers a partial file.
func (e *Engine) Download(ctx context.Context, req DownloadRequest) (*Transfer, error) {
	t := newTransfer(DirectionDownload, req.FileID, req.OwnerID, req.Size)
	e.register(t)
	e.publish(t)
	go e.runDownload(t, req)
	return t, nil
}

func (e *Engine) runDownload(t *Transfer, req DownloadRequest) {
	ctx := e.runCtx

	refs, err := e.mapper.LookupManifest(ctx, req.FileID)
	if err != nil {
		e.fail(t, err)
		return
	}
	if len(refs) == 0 {
		e.fail(t, fmt.Errorf("%w: file %d has no manifest", ErrManifestMismatch, req.FileID))
		return
	}
	var manifestBytes int64
	for _, ref := range refs {
		manifestBytes += ref.Size
	}
	if req.Size > 0 && manifestBytes != req.Size {
		e.fail(t, fmt.Errorf("%w: manifest holds %d bytes, file recorded %d", ErrManifestMismatch, manifestBytes, req.Size))
		return
	}

	t.setState(StateFetching)
	e.publish(t)

	spool, err := os.CreateTemp(e.cfg.SpoolDir, "threadvault-dl-*.part")
	if err != nil {
		e.fail(t, fmt.Errorf("create spool: %w", err))
		return
	}
	discard := func() {
		spool.Close()
		os.Remove(spool.Name())
	}

	asm := chunk.NewAssembler(spool)
	for i, ref := range refs {
		if t.Cancelled() {
			discard()
			e.fail(t, ErrUserCancelled)
			return
		}
		if ref.Index != i {
			discard()
			e.fail(t, fmt.Errorf("%w: manifest entry %d has index %d", ErrManifestMismatch, i, ref.Index))
			return
		}

		data, err := e.getChunkWithRetry(ctx, t, ref)
		if err != nil {
			discard()
			e.fail(t, err)
			return
		}
		if chunk.HashBytes(data) != ref.Hash {
			discard()
			e.fail(t, fmt.Errorf("%w: chunk %d hash differs from manifest", ErrManifestMismatch, ref.Index))
			return
		}
		if err := asm.Write(&chunk.Chunk{Index: ref.Index, Data: data}); err != nil {
			discard()
			e.fail(t, fmt.Errorf("spool chunk: %w", err))
			return
		}
		t.addBytes(int64(len(data)))
		e.publish(t)
	}

	if req.ContentHash != "" && asm.FileHash() != req.ContentHash {
		discard()
		e.fail(t, fmt.Errorf("%w: reassembled hash differs from recorded content hash", ErrManifestMismatch))
		return
	}
	if err := spool.Close(); err != nil {
		os.Remove(spool.Name())
		e.fail(t, fmt.Errorf("close spool: %w", err))
		return
	}

	t.setResult(spool.Name())
	if err := e.store.IncrementDownloadCount(ctx, req.FileID); err != nil {
		logging.Warn("download counter update failed", zap.Int64("file_id", req.FileID), zap.Error(err))
	}

	t.finish(StateCompleted, nil)
	metrics.RecordTransfer(string(DirectionDownload), string(StateCompleted))
	metrics.RecordTransferBytes(string(DirectionDownload), manifestBytes)
	e.publish(t)
}

func (e *Engine) getChunkWithRetry(ctx context.Context, t *Transfer, ref remote.ChunkRef) ([]byte, error) {
	cfg := e.cfg.ChunkRetry
	cfg.OnRetry = func(attempt int, err error) {
		t.addRetry()
		metrics.RecordChunkRetry()
		e.publish(t)
	}
	data, err := retry.DoWithResult(ctx, cfg, func() ([]byte, error) {
		return e.gateway.GetChunk(ctx, ref)
	})
	if err != nil {
		if retry.IsRetryable(err) {
			return nil, fmt.Errorf("%w: chunk %d: %v", remote.ErrRemoteUnavailable, ref.Index, err)
		}
		return nil, fmt.Errorf("chunk %d: %w", ref.Index, err)
	}
	return data, nil
}

// OpenResult opens the verified spool of a completed download. The spool
// is removed by the sweeper once the retention window passes.
func (e *Engine) OpenResult(transferID string) (io.ReadCloser, int64, error) {
	t, ok := e.Get(transferID)
	if !ok {
		return nil, 0, fmt.Errorf("transfer %s not found", transferID)
	}
	if t.Direction != DirectionDownload || t.State() != StateCompleted {
		return nil, 0, fmt.Errorf("transfer %s has no readable result", transferID)
	}
	path := t.result()
	if path == "" {
		return nil, 0, fmt.Errorf("transfer %s result already discarded", transferID)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open result: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat result: %w", err)
	}
	return f, info.Size(), nil
}

// ─── Registry, cancellation, deletion ───────────────────────────────────────

// Get returns a transfer by id.
func (e *Engine) Get(transferID string) (*Transfer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transfers[transferID]
	return t, ok
}

// Cancel requests cooperative cancellation of a transfer. Cancelling a
// terminal transfer is a no-op.
func (e *Engine) Cancel(transferID string) error {
	t, ok := e.Get(transferID)
	if !ok {
		return fmt.Errorf("transfer %s not found", transferID)
	}
	t.Cancel()
	return nil
}

// MarkFileDeleted updates every retained transfer of a removed file:
// completed ones flip to Deleted, in-flight ones are cancelled
// cooperatively.
func (e *Engine) MarkFileDeleted(fileID int64) {
	e.mu.Lock()
	var affected []*Transfer
	for _, t := range e.transfers {
		if t.FileID == fileID {
			affected = append(affected, t)
		}
	}
	e.mu.Unlock()

	for _, t := range affected {
		if t.markDeleted() {
			metrics.RecordTransfer(string(t.Direction), string(StateDeleted))
			e.publish(t)
			continue
		}
		t.Cancel()
	}
}

// EnqueueChunkCleanup schedules best-effort deletion of a deleted file's
// chunks. Failures are logged and retried out-of-band; the logical file
// is already gone from the user's view.
func (e *Engine) EnqueueChunkCleanup(containerID string, refs []remote.ChunkRef) {
	if containerID == "" || len(refs) == 0 {
		return
	}
	e.cleanupMu.Lock()
	e.cleanupQ = append(e.cleanupQ, cleanupJob{containerID: containerID, refs: refs})
	e.cleanupMu.Unlock()
}

// EnqueueContainerCleanup schedules best-effort deletion of a whole
// container after its folder is removed.
func (e *Engine) EnqueueContainerCleanup(containerID string) {
	if containerID == "" {
		return
	}
	e.cleanupMu.Lock()
	e.cleanupQ = append(e.cleanupQ, cleanupJob{containerID: containerID})
	e.cleanupMu.Unlock()
}

func (e *Engine) register(t *Transfer) {
	e.mu.Lock()
	e.transfers[t.ID] = t
	n := len(e.transfers)
	e.mu.Unlock()
	metrics.SetTransfersActive(int64(n))
}

func (e *Engine) publish(t *Transfer) {
	s := t.Snapshot()
	e.broadcaster.Publish(events.Event{
		TransferID:       s.ID,
		State:            string(s.State),
		BytesTransferred: s.BytesTransferred,
		TotalBytes:       s.TotalBytes,
		ErrorKind:        s.ErrorKind,
		Error:            s.Error,
	})
}

// fail finalizes a transfer with a terminal error and publishes it.
func (e *Engine) fail(t *Transfer, err error) {
	if !t.finish(StateFailed, err) {
		return
	}
	metrics.RecordTransfer(string(t.Direction), string(StateFailed))
	e.publish(t)
	logging.Warn("transfer failed",
		zap.String("transfer_id", t.ID),
		zap.String("direction", string(t.Direction)),
		zap.Int64("file_id", t.FileID),
		zap.String("kind", Kind(err)),
		zap.Error(err))
}

// ─── Background loops ───────────────────────────────────────────────────────

func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

// sweep drops terminal transfers past the retention window, closing
// their progress streams and discarding download spools.
func (e *Engine) sweep() {
	cutoff := time.Now().Add(-e.cfg.Retention)

	e.mu.Lock()
	var expired []*Transfer
	for id, t := range e.transfers {
		if t.finishedBefore(cutoff) {
			expired = append(expired, t)
			delete(e.transfers, id)
		}
	}
	n := len(e.transfers)
	e.mu.Unlock()

	for _, t := range expired {
		e.broadcaster.CloseTransfer(t.ID)
		if path := t.result(); path != "" {
			os.Remove(path)
		}
	}
	metrics.SetTransfersActive(int64(n))
}

func (e *Engine) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.drainCleanup(ctx)
		}
	}
}

// drainCleanup runs every queued remote deletion once, requeueing
// failures up to a bounded attempt count.
func (e *Engine) drainCleanup(ctx context.Context) {
	e.cleanupMu.Lock()
	jobs := e.cleanupQ
	e.cleanupQ = nil
	e.cleanupMu.Unlock()

	var requeue []cleanupJob
	for _, job := range jobs {
		if err := e.runCleanup(ctx, job); err != nil {
			job.attempts++
			if job.attempts >= cleanupMaxAttempts {
				logging.Error("remote cleanup abandoned",
					zap.String("container_id", job.containerID),
					zap.Int("attempts", job.attempts),
					zap.Error(err))
				continue
			}
			logging.Warn("remote cleanup failed, will retry",
				zap.String("container_id", job.containerID),
				zap.Int("attempts", job.attempts),
				zap.Error(err))
			requeue = append(requeue, job)
		}
	}

	if len(requeue) > 0 {
		e.cleanupMu.Lock()
		e.cleanupQ = append(e.cleanupQ, requeue...)
		e.cleanupMu.Unlock()
	}
}

func (e *Engine) runCleanup(ctx context.Context, job cleanupJob) error {
	if job.refs == nil {
		return e.gateway.DeleteContainer(ctx, job.containerID)
	}
	for _, ref := range job.refs {
		if err := e.gateway.DeleteChunk(ctx, job.containerID, ref); err != nil {
			return err
		}
	}
	return nil
}

func containerName(folderName string, folderID int64) string {
	if folderName == "" {
		return fmt.Sprintf("folder-%d", folderID)
	}
	return folderName
}

func chunkName(fileName string, index int) string {
	return fmt.Sprintf("%s.part%05d", fileName, index)
}
