// Package transfer owns the lifecycle of upload and download operations:
// state transitions, per-chunk retries, cancellation, and the terminal
// error taxonomy surfaced to the UI boundary.
package transfer

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/threadvault/threadvault/internal/chunk"
	"github.com/threadvault/threadvault/internal/mapper"
	"github.com/threadvault/threadvault/internal/remote"
)

// State is a transfer's lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateUploading State = "uploading"
	StateFetching  State = "fetching"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDeleted   State = "deleted"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateDeleted
}

// Direction distinguishes uploads from downloads.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// Terminal failure reasons beyond those owned by other packages.
var (
	// ErrQuotaExceeded rejects an upload at admission, before any
	// remote write.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrUserCancelled is the failure reason of a cooperatively
	// cancelled transfer.
	ErrUserCancelled = errors.New("cancelled by user")

	// ErrManifestMismatch flags a chunk count or hash inconsistent with
	// the recorded manifest. Surfaced as corruption, never repaired
	// silently.
	ErrManifestMismatch = errors.New("manifest mismatch")
)

// Kind maps a terminal error to its stable, user-visible kind.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrUserCancelled):
		return "user_cancelled"
	case errors.Is(err, ErrManifestMismatch):
		return "manifest_mismatch"
	case errors.Is(err, chunk.ErrSourceRead):
		return "source_read"
	case errors.Is(err, mapper.ErrContainerUnavailable):
		return "container_unavailable"
	case errors.Is(err, remote.ErrRemoteUnavailable):
		return "remote_unavailable"
	default:
		return "internal"
	}
}

// Status is a point-in-time snapshot of a transfer, as reported to the
// UI boundary.
type Status struct {
	ID               string    `json:"transferId"`
	Direction        Direction `json:"direction"`
	FileID           int64     `json:"fileId"`
	State            State     `json:"state"`
	BytesTransferred int64     `json:"bytesTransferred"`
	TotalBytes       int64     `json:"totalBytes"`
	Retries          int       `json:"retries"`
	ErrorKind        string    `json:"errorKind,omitempty"`
	Error            string    `json:"error,omitempty"`
}

// Transfer tracks one in-flight upload or download. Its state is mutated
// only by the engine that created it.
type Transfer struct {
	ID        string
	Direction Direction
	FileID    int64
	OwnerID   int

	mu         sync.Mutex
	state      State
	bytesDone  int64
	totalBytes int64
	retries    int
	lastErr    error
	cancelled  bool
	finishedAt time.Time
	resultPath string
	done       chan struct{}
}

func newTransfer(dir Direction, fileID int64, ownerID int, totalBytes int64) *Transfer {
	return &Transfer{
		ID:         uuid.NewString(),
		Direction:  dir,
		FileID:     fileID,
		OwnerID:    ownerID,
		state:      StatePending,
		totalBytes: totalBytes,
		done:       make(chan struct{}),
	}
}

// State returns the current state.
func (t *Transfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the terminal error, if any.
func (t *Transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// Done returns a channel closed when the transfer reaches a terminal
// state.
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// Cancel requests cooperative cancellation. The chunk loop observes the
// flag between chunks, never mid-chunk.
func (t *Transfer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return
	}
	t.cancelled = true
}

// Cancelled reports whether cancellation was requested.
func (t *Transfer) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Snapshot returns the current status.
func (t *Transfer) Snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Status{
		ID:               t.ID,
		Direction:        t.Direction,
		FileID:           t.FileID,
		State:            t.state,
		BytesTransferred: t.bytesDone,
		TotalBytes:       t.totalBytes,
		Retries:          t.retries,
	}
	if t.lastErr != nil {
		s.ErrorKind = Kind(t.lastErr)
		s.Error = t.lastErr.Error()
	}
	return s
}

func (t *Transfer) setState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return
	}
	t.state = s
}

func (t *Transfer) addBytes(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bytesDone += n
}

func (t *Transfer) addRetry() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retries++
}

func (t *Transfer) setResult(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resultPath = path
}

func (t *Transfer) result() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resultPath
}

// finish moves the transfer into a terminal state exactly once.
func (t *Transfer) finish(s State, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return false
	}
	t.state = s
	t.lastErr = err
	t.finishedAt = time.Now()
	close(t.done)
	return true
}

// markDeleted flips a Completed transfer to Deleted after its file was
// removed. In-flight and already-failed transfers are left alone: the
// former are cancelled cooperatively, the latter keep their outcome.
func (t *Transfer) markDeleted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateCompleted {
		return false
	}
	t.state = StateDeleted
	t.finishedAt = time.Now()
	return true
}

func (t *Transfer) finishedBefore(cutoff time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Terminal() && !t.finishedAt.IsZero() && t.finishedAt.Before(cutoff)
}
