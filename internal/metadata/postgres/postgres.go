// Package postgres provides the PostgreSQL-backed record store for files,
// folders, quota accounts, and persisted chunk manifests.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/threadvault/threadvault/internal/remote"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// File status values persisted in the files table. They mirror the
// transfer states a file can settle in.
const (
	FileStatusPending   = "pending"
	FileStatusUploading = "uploading"
	FileStatusCompleted = "completed"
	FileStatusFailed    = "failed"
	FileStatusDeleted   = "deleted"
)

// Store is a PostgreSQL record store.
type Store struct {
	db *sql.DB
}

// FileRow maps to the files table.
type FileRow struct {
	ID            int64
	Name          string
	Size          int64
	MimeType      string
	ContentHash   string // empty until the upload completes
	FolderID      int64
	OwnerID       int
	ContainerID   string
	Status        string
	Starred       bool
	DownloadCount int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
}

// FolderRow maps to the folders table.
type FolderRow struct {
	ID          int64
	Name        string
	OwnerID     int
	ContainerID string // empty until first upload creates the container
	IsDeleted   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// New creates a new PostgreSQL record store.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for use by other packages.
func (s *Store) DB() *sql.DB {
	return s.db
}

const schema = `
CREATE TABLE IF NOT EXISTS folders (
	id           BIGSERIAL PRIMARY KEY,
	name         TEXT NOT NULL,
	owner_id     INTEGER NOT NULL,
	container_id TEXT NOT NULL DEFAULT '',
	is_deleted   BOOLEAN NOT NULL DEFAULT FALSE,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS files (
	id             BIGSERIAL PRIMARY KEY,
	name           TEXT NOT NULL,
	size           BIGINT NOT NULL,
	mime_type      TEXT NOT NULL DEFAULT 'application/octet-stream',
	content_hash   TEXT NOT NULL DEFAULT '',
	folder_id      BIGINT NOT NULL REFERENCES folders(id),
	owner_id       INTEGER NOT NULL,
	container_id   TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'pending',
	starred        BOOLEAN NOT NULL DEFAULT FALSE,
	download_count BIGINT NOT NULL DEFAULT 0,
	manifest       JSONB,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	deleted_at     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS accounts (
	owner_id    INTEGER PRIMARY KEY,
	used_bytes  BIGINT NOT NULL DEFAULT 0,
	limit_bytes BIGINT NOT NULL DEFAULT 0,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_files_folder ON files(folder_id);
CREATE INDEX IF NOT EXISTS idx_files_owner ON files(owner_id);
CREATE INDEX IF NOT EXISTS idx_files_hash ON files(content_hash) WHERE content_hash <> '';
`

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// ─── Folders ────────────────────────────────────────────────────────────────

// CreateFolder inserts a folder and returns its row.
func (s *Store) CreateFolder(ctx context.Context, name string, ownerID int) (*FolderRow, error) {
	f := &FolderRow{Name: name, OwnerID: ownerID}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO folders (name, owner_id) VALUES ($1, $2)
		 RETURNING id, created_at, updated_at`,
		name, ownerID).Scan(&f.ID, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create folder: %w", err)
	}
	return f, nil
}

// GetFolder returns a folder by id.
func (s *Store) GetFolder(ctx context.Context, id int64) (*FolderRow, error) {
	f := &FolderRow{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, owner_id, container_id, is_deleted, created_at, updated_at
		 FROM folders WHERE id = $1`, id).
		Scan(&f.ID, &f.Name, &f.OwnerID, &f.ContainerID, &f.IsDeleted, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get folder: %w", err)
	}
	return f, nil
}

// ListFolders returns all live folders owned by a user.
func (s *Store) ListFolders(ctx context.Context, ownerID int) ([]*FolderRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, owner_id, container_id, is_deleted, created_at, updated_at
		 FROM folders WHERE owner_id = $1 AND is_deleted = FALSE ORDER BY name`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	defer rows.Close()

	var folders []*FolderRow
	for rows.Next() {
		f := &FolderRow{}
		if err := rows.Scan(&f.ID, &f.Name, &f.OwnerID, &f.ContainerID, &f.IsDeleted, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// FolderContainer returns the container id mapped to a folder, or "" if
// the container has not been created yet.
func (s *Store) FolderContainer(ctx context.Context, folderID int64) (string, error) {
	var containerID string
	err := s.db.QueryRowContext(ctx,
		`SELECT container_id FROM folders WHERE id = $1`, folderID).Scan(&containerID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("folder container: %w", err)
	}
	return containerID, nil
}

// SetFolderContainer records the container id for a folder. It writes
// only if no container is mapped yet, so a mapping is never overwritten
// while files reference it.
func (s *Store) SetFolderContainer(ctx context.Context, folderID int64, containerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE folders SET container_id = $2, updated_at = NOW()
		 WHERE id = $1 AND container_id = ''`,
		folderID, containerID)
	if err != nil {
		return fmt.Errorf("set folder container: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set folder container: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("folder %d already has a container", folderID)
	}
	return nil
}

// SoftDeleteFolder marks a folder deleted and marks its files deleted.
// The remote container cleanup happens out-of-band.
func (s *Store) SoftDeleteFolder(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE folders SET is_deleted = TRUE, updated_at = NOW() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete folder: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE files SET status = $2, deleted_at = NOW(), updated_at = NOW()
		 WHERE folder_id = $1 AND status <> $2`, id, FileStatusDeleted); err != nil {
		return fmt.Errorf("delete folder files: %w", err)
	}
	return tx.Commit()
}

// ─── Files ──────────────────────────────────────────────────────────────────

// CreateFile inserts a file record in pending state and returns its id.
func (s *Store) CreateFile(ctx context.Context, f *FileRow) (int64, error) {
	if f.Status == "" {
		f.Status = FileStatusPending
	}
	if f.MimeType == "" {
		f.MimeType = "application/octet-stream"
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO files (name, size, mime_type, folder_id, owner_id, container_id, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		f.Name, f.Size, f.MimeType, f.FolderID, f.OwnerID, f.ContainerID, f.Status).Scan(&f.ID)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}
	return f.ID, nil
}

// GetFile returns a file by id.
func (s *Store) GetFile(ctx context.Context, id int64) (*FileRow, error) {
	f := &FileRow{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, size, mime_type, content_hash, folder_id, owner_id,
		        container_id, status, starred, download_count, created_at, updated_at, deleted_at
		 FROM files WHERE id = $1`, id).
		Scan(&f.ID, &f.Name, &f.Size, &f.MimeType, &f.ContentHash, &f.FolderID, &f.OwnerID,
			&f.ContainerID, &f.Status, &f.Starred, &f.DownloadCount, &f.CreatedAt, &f.UpdatedAt, &f.DeletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	return f, nil
}

// ListFilesByFolder returns all non-deleted files in a folder.
func (s *Store) ListFilesByFolder(ctx context.Context, folderID int64) ([]*FileRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, size, mime_type, content_hash, folder_id, owner_id,
		        container_id, status, starred, download_count, created_at, updated_at, deleted_at
		 FROM files WHERE folder_id = $1 AND status <> $2 ORDER BY name`,
		folderID, FileStatusDeleted)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var files []*FileRow
	for rows.Next() {
		f := &FileRow{}
		if err := rows.Scan(&f.ID, &f.Name, &f.Size, &f.MimeType, &f.ContentHash, &f.FolderID, &f.OwnerID,
			&f.ContainerID, &f.Status, &f.Starred, &f.DownloadCount, &f.CreatedAt, &f.UpdatedAt, &f.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// UpdateFileStatus sets a file's status.
func (s *Store) UpdateFileStatus(ctx context.Context, id int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE files SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update file status: %w", err)
	}
	return nil
}

// CompleteFile flips a file to completed and records its content hash and
// container. Size and hash are immutable afterwards.
func (s *Store) CompleteFile(ctx context.Context, id int64, containerID, contentHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET status = $2, content_hash = $3, container_id = $4, updated_at = NOW()
		 WHERE id = $1 AND status IN ($5, $6)`,
		id, FileStatusCompleted, contentHash, containerID, FileStatusPending, FileStatusUploading)
	if err != nil {
		return fmt.Errorf("complete file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete file: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("file %d not in an uploadable state", id)
	}
	return nil
}

// SoftDeleteFile marks a file deleted. Metadata is retained; chunks
// become eligible for remote cleanup.
func (s *Store) SoftDeleteFile(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE files SET status = $2, deleted_at = NOW(), updated_at = NOW() WHERE id = $1`,
		id, FileStatusDeleted)
	if err != nil {
		return fmt.Errorf("soft delete file: %w", err)
	}
	return nil
}

// IncrementDownloadCount bumps a file's download counter.
func (s *Store) IncrementDownloadCount(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE files SET download_count = download_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment download count: %w", err)
	}
	return nil
}

// SetStarred sets or clears a file's star flag.
func (s *Store) SetStarred(ctx context.Context, id int64, starred bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE files SET starred = $2, updated_at = NOW() WHERE id = $1`, id, starred)
	if err != nil {
		return fmt.Errorf("set starred: %w", err)
	}
	return nil
}

// FindByHash returns a completed file with the given content hash and
// owner, for content-level deduplication. Returns ErrNotFound if none.
func (s *Store) FindByHash(ctx context.Context, ownerID int, contentHash string) (*FileRow, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM files
		 WHERE owner_id = $1 AND content_hash = $2 AND status = $3
		 ORDER BY id LIMIT 1`,
		ownerID, contentHash, FileStatusCompleted).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find by hash: %w", err)
	}
	return s.GetFile(ctx, id)
}

// ─── Manifests ──────────────────────────────────────────────────────────────

// SetFileManifest persists the ordered chunk references for a file. It is
// written after every confirmed chunk so a resumed upload can skip the
// already-acknowledged prefix.
func (s *Store) SetFileManifest(ctx context.Context, fileID int64, refs []remote.ChunkRef) error {
	data, err := json.Marshal(refs)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE files SET manifest = $2, updated_at = NOW() WHERE id = $1`, fileID, data)
	if err != nil {
		return fmt.Errorf("set manifest: %w", err)
	}
	return nil
}

// FileManifest returns the ordered chunk references recorded for a file.
// A file without a manifest yields an empty slice.
func (s *Store) FileManifest(ctx context.Context, fileID int64) ([]remote.ChunkRef, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT manifest FROM files WHERE id = $1`, fileID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get manifest: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var refs []remote.ChunkRef
	if err := json.Unmarshal(data, &refs); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return refs, nil
}

// ─── Accounts ───────────────────────────────────────────────────────────────

// EnsureAccount creates an account row with the default limit if none
// exists for the owner.
func (s *Store) EnsureAccount(ctx context.Context, ownerID int, defaultLimit int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (owner_id, limit_bytes) VALUES ($1, $2)
		 ON CONFLICT (owner_id) DO NOTHING`,
		ownerID, defaultLimit)
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

// GetAccount returns an owner's used and limit bytes. A missing account
// reads as zero usage with an unlimited quota.
func (s *Store) GetAccount(ctx context.Context, ownerID int) (used, limit int64, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT used_bytes, limit_bytes FROM accounts WHERE owner_id = $1`, ownerID).
		Scan(&used, &limit)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("get account: %w", err)
	}
	return used, limit, nil
}

// SetAccountUsed persists an owner's used bytes.
func (s *Store) SetAccountUsed(ctx context.Context, ownerID int, used int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (owner_id, used_bytes, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (owner_id) DO UPDATE SET used_bytes = EXCLUDED.used_bytes, updated_at = NOW()`,
		ownerID, used)
	if err != nil {
		return fmt.Errorf("set account used: %w", err)
	}
	return nil
}
