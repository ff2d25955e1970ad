// Package blob stores the original uploaded files.
//
// Objects are written once: a save to a path that already exists is a no-op,
// so a retried upload never overwrites the file its document points at.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// ErrNotFound is returned by Open for unknown paths.
var ErrNotFound = errors.New("blob not found")

// Store saves and reads uploaded files by path.
type Store interface {
	Save(ctx context.Context, path string, r io.Reader) error
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}

// Local stores files under a directory.
type Local struct {
	root string
}

// NewLocal creates a Local store rooted at dir, creating it if needed.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &Local{root: dir}, nil
}

func (l *Local) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + path)
	if clean == "/" {
		return "", fmt.Errorf("invalid blob path %q", path)
	}
	return filepath.Join(l.root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

// Save implements Store.
func (l *Local) Save(_ context.Context, path string, r io.Reader) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}

	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create blob %s: %w", path, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(full)
		return fmt.Errorf("write blob %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close blob %s: %w", path, err)
	}
	return nil
}

// Open implements Store.
func (l *Local) Open(_ context.Context, path string) (io.ReadCloser, error) {
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", path, err)
	}
	return f, nil
}

// GCS stores files in a Cloud Storage bucket.
type GCS struct {
	bucket *storage.BucketHandle
	prefix string
}

// NewGCS creates a GCS store writing under prefix in bucket.
func NewGCS(client *storage.Client, bucket, prefix string) *GCS {
	return &GCS{bucket: client.Bucket(bucket), prefix: strings.Trim(prefix, "/")}
}

func (g *GCS) object(path string) *storage.ObjectHandle {
	name := strings.TrimPrefix(path, "/")
	if g.prefix != "" {
		name = g.prefix + "/" + name
	}
	return g.bucket.Object(name)
}

// Save implements Store. Existing objects are left untouched.
func (g *GCS) Save(ctx context.Context, path string, r io.Reader) error {
	w := g.object(path).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		if preconditionFailed(err) {
			return nil
		}
		return fmt.Errorf("write gcs object %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		if preconditionFailed(err) {
			return nil
		}
		return fmt.Errorf("finalize gcs object %s: %w", path, err)
	}
	return nil
}

// Open implements Store.
func (g *GCS) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	rc, err := g.object(path).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("open gcs object %s: %w", path, err)
	}
	return rc, nil
}

func preconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
