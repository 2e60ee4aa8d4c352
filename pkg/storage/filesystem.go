package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// FilesystemStore stores objects as files below a root directory.
// Writes go to a temp file in the target directory, are fsynced and then
// renamed into place, so readers never observe a partial object.
type FilesystemStore struct {
	root   string
	logger *zap.Logger
}

// NewFilesystemStore creates the root directory if needed.
func NewFilesystemStore(root string, logger *zap.Logger) (*FilesystemStore, error) {
	if root == "" {
		return nil, errors.New("storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &FilesystemStore{root: abs, logger: logger.Named("storage")}, nil
}

func (s *FilesystemStore) path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// Put writes the object atomically.
func (s *FilesystemStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	target, err := s.path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return &TransientError{Op: "put", Key: key, Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return &TransientError{Op: "put", Key: key, Err: err}
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	written, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransientError{Op: "put", Key: key, Err: err}
	}
	if size >= 0 && written != size {
		return fmt.Errorf("storage put %s: wrote %d bytes, expected %d", key, written, size)
	}
	if err := tmp.Sync(); err != nil {
		return &TransientError{Op: "put", Key: key, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &TransientError{Op: "put", Key: key, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		return &TransientError{Op: "put", Key: key, Err: err}
	}
	committed = true

	s.logger.Debug("Stored object",
		zap.String("key", key),
		zap.Int64("bytes", written),
		zap.String("content_type", contentType))
	return nil
}

// Get opens the object for reading. The caller must close it.
func (s *FilesystemStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotExist
		}
		return nil, &TransientError{Op: "get", Key: key, Err: err}
	}
	return f, nil
}

// Exists reports whether a regular file is stored under key.
func (s *FilesystemStore) Exists(ctx context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, &TransientError{Op: "exists", Key: key, Err: err}
	}
	return info.Mode().IsRegular(), nil
}

// Delete removes the object. Deleting a missing object is not an error.
func (s *FilesystemStore) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &TransientError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

var _ Store = (*FilesystemStore)(nil)
