// Package remote defines the gateway contract over the chat platform's
// API and its Discord implementation. Containers are guild text channels;
// chunks are message attachments. The gateway holds no business state: it
// is a capability boundary that interprets rate-limit signals and converts
// loosely-typed platform payloads into the core's own representations.
package remote

import (
	"context"
	"errors"
)

// ErrRemoteUnavailable is surfaced when the platform stayed unreachable
// or rate-limited past the backoff cap.
var ErrRemoteUnavailable = errors.New("remote platform unavailable")

// ChunkRef is the remote address of one uploaded chunk, as recorded in a
// file's manifest. Index and Hash are filled in by the transfer engine;
// the rest comes from the platform response.
type ChunkRef struct {
	Index        int    `json:"index"`
	Hash         string `json:"hash"`
	MessageID    string `json:"message_id"`
	AttachmentID string `json:"attachment_id"`
	URL          string `json:"url"`
	Size         int64  `json:"size"`
}

// Gateway is the contract over the chat platform's object store.
//
// PutChunk is safe to re-issue: callers check for an existing ChunkRef in
// the manifest before retrying, so a duplicate upload is at worst an
// orphaned message, never a corrupted manifest.
type Gateway interface {
	// CreateContainer creates the remote container (channel) that will
	// hold one folder's chunks and returns its platform identifier.
	CreateContainer(ctx context.Context, name string) (string, error)

	// DeleteContainer removes a container and everything in it.
	DeleteContainer(ctx context.Context, containerID string) error

	// PutChunk posts one chunk as an attachment and returns its remote
	// reference. name is the attachment filename.
	PutChunk(ctx context.Context, containerID, name string, data []byte) (ChunkRef, error)

	// GetChunk fetches the bytes of a previously uploaded chunk.
	GetChunk(ctx context.Context, ref ChunkRef) ([]byte, error)

	// DeleteChunk removes one chunk's message from its container.
	// Used by best-effort cleanup after file deletion.
	DeleteChunk(ctx context.Context, containerID string, ref ChunkRef) error
}
