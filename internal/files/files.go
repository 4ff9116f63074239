// Package files stores uploaded files in a per-record directory tree and
// tracks their metadata.
package files

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/bunbase/bunbase/internal/schema"
	"github.com/bunbase/bunbase/internal/store"
)

// Sentinel errors for upload validation.
var (
	ErrNotFound    = errors.New("file not found")
	ErrTooLarge    = errors.New("file exceeds the maximum size")
	ErrTooMany     = errors.New("too many files for field")
	ErrBadMimeType = errors.New("file type is not allowed")
	ErrBadFilename = errors.New("invalid filename")
)

// Upload is one incoming file.
type Upload struct {
	OriginalName string
	Size         int64
	MimeType     string // client-declared; not trusted on its own
	Reader       io.Reader
}

// Storage owns the file tree under root: <root>/<collection>/<recordId>/<filename>.
type Storage struct {
	root  string
	store *store.Store
}

// New creates file storage rooted at an absolute path.
func New(root string, st *store.Store) (*Storage, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Storage{root: abs, store: st}, nil
}

// Root returns the absolute storage root.
func (s *Storage) Root() string {
	return s.root
}

// Validate checks an upload against the field's constraints. The first
// sniffed bytes are returned so the caller can prepend them when writing.
func (s *Storage) Validate(field *schema.Field, up *Upload, head []byte) error {
	opts := field.Options
	if opts.MaxSize > 0 && up.Size > opts.MaxSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, up.Size)
	}
	if len(opts.MimeTypes) > 0 {
		declared := up.MimeType
		if !mimeAllowed(declared, opts.MimeTypes) {
			return fmt.Errorf("%w: %q", ErrBadMimeType, declared)
		}
		// The declared header alone is not trusted: when the declared
		// type has a known signature, the bytes must match it.
		if len(head) > 0 && !matchesSignature(declared, head) {
			return fmt.Errorf("%w: content does not match %q", ErrBadMimeType, declared)
		}
	}
	return nil
}

// mimeAllowed checks a declared type against the allow-list; entries may be
// exact ("image/png") or wildcard prefixes ("image/*").
func mimeAllowed(mimeType string, allowed []string) bool {
	for _, a := range allowed {
		if a == mimeType {
			return true
		}
		if strings.HasSuffix(a, "/*") && strings.HasPrefix(mimeType, strings.TrimSuffix(a, "*")) {
			return true
		}
	}
	return false
}

// GenerateFilename returns an opaque filename keeping the original
// extension.
func GenerateFilename(originalName string) string {
	ext := filepath.Ext(originalName)
	if len(ext) > 10 {
		ext = ""
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "") + ext
}

// Save writes an upload into the record's directory and records its
// metadata. Returns the generated filename.
func (s *Storage) Save(ctx context.Context, collection, recordID, fieldName string, up *Upload, head []byte) (string, error) {
	filename := GenerateFilename(up.OriginalName)
	dir := filepath.Join(s.root, collection, recordID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create record directory: %w", err)
	}

	path := filepath.Join(dir, filename)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}

	written, err := io.Copy(f, io.MultiReader(strings.NewReader(string(head)), up.Reader))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	err = s.store.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO _files (collection, record_id, field, filename, size, mime, original_name, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			collection, recordID, fieldName, filename, written, up.MimeType, up.OriginalName, schema.NowTimestamp())
		return err
	})
	if err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to record file metadata: %w", err)
	}
	return filename, nil
}

// Open returns a reader for a stored file plus its recorded mime type.
func (s *Storage) Open(ctx context.Context, collection, recordID, filename string) (io.ReadSeekCloser, string, error) {
	// Filenames are generated server-side; reject anything that could
	// escape the record directory.
	if filename != filepath.Base(filename) || strings.ContainsAny(filename, `/\`) {
		return nil, "", ErrBadFilename
	}

	path := filepath.Join(s.root, collection, recordID, filename)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("failed to open file: %w", err)
	}

	var mime sql.NullString
	_ = s.store.DB().QueryRowContext(ctx,
		`SELECT mime FROM _files WHERE collection = ? AND record_id = ? AND filename = ?`,
		collection, recordID, filename).Scan(&mime)
	return f, mime.String, nil
}

// ListFieldFiles returns the filenames recorded for one field of a record.
func (s *Storage) ListFieldFiles(ctx context.Context, collection, recordID, fieldName string) ([]string, error) {
	rows, err := s.store.DB().QueryContext(ctx,
		`SELECT filename FROM _files WHERE collection = ? AND record_id = ? AND field = ? ORDER BY created_at, filename`,
		collection, recordID, fieldName)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DeleteFile removes a single stored file and its metadata row.
func (s *Storage) DeleteFile(ctx context.Context, collection, recordID, filename string) error {
	if filename != filepath.Base(filename) || strings.ContainsAny(filename, `/\`) {
		return ErrBadFilename
	}
	if err := os.Remove(filepath.Join(s.root, collection, recordID, filename)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove file: %w", err)
	}
	return s.store.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM _files WHERE collection = ? AND record_id = ? AND filename = ?`,
			collection, recordID, filename)
		return err
	})
}

// DeleteRecordFiles removes the record's whole directory and its metadata.
// Registered as an afterDelete hook by the server.
func (s *Storage) DeleteRecordFiles(ctx context.Context, collection, recordID string) error {
	if err := os.RemoveAll(filepath.Join(s.root, collection, recordID)); err != nil {
		return fmt.Errorf("failed to remove record files: %w", err)
	}
	return s.store.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM _files WHERE collection = ? AND record_id = ?`, collection, recordID)
		return err
	})
}
