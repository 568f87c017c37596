package storage

import (
	"context"
	"fmt"
	"os"

	"github.com/projecteru2/core/log"

	"github.com/liveedit/kpatch/kinds"
	"github.com/liveedit/kpatch/patchfile"
	"github.com/liveedit/kpatch/types"
)

// FileStore serves a single patch blob from one fixed path. Find returns it
// only for the blob's own build-ID (its uname) and reports a miss for any
// other. It exists for the common single-target deployment where the
// command line names the patch file directly rather than a storage root
// directory.
type FileStore struct {
	path    string
	buildID string
	cache   *cache
}

// NewFileStore validates the blob at path and binds it to the build-ID in
// the blob's uname. The blob
// is read once at construction; Find never touches disk again.
func NewFileStore(path string) (*FileStore, error) {
	logger := log.WithFunc("storage.NewFileStore")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read patch file %s: %w: %w", path, err, kinds.ErrStorageOpen)
	}
	blob, _, err := patchfile.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse patch file %s: %w", path, err)
	}
	logger.Infof(context.Background(), "loaded patch file %s for build-id %s", path, blob.Uname)

	fs := &FileStore{path: path, buildID: blob.Uname}
	fs.cache = newCache(fs.load)
	fs.cache.store(blob.Uname, blob)
	return fs, nil
}

func (fs *FileStore) load(_ context.Context, buildID string, _ bool) (*types.Blob, error) {
	if buildID != fs.buildID {
		return nil, fmt.Errorf("file store bound to build-id %s, asked for %s: %w", fs.buildID, buildID, kinds.ErrStorageMiss)
	}
	// Only reached if the cache entry was ever evicted, which FileStore
	// never does; present for interface symmetry with DirectoryStore.
	raw, err := os.ReadFile(fs.path)
	if err != nil {
		return nil, fmt.Errorf("reread patch file %s: %w: %w", fs.path, err, kinds.ErrStorageOpen)
	}
	blob, _, err := patchfile.Parse(raw)
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// Find implements Store.
func (fs *FileStore) Find(ctx context.Context, buildID string, wantBytes bool) (*types.Blob, error) {
	return fs.cache.find(ctx, buildID, wantBytes)
}

// Close implements Store. FileStore holds no resources beyond its one-time read.
func (fs *FileStore) Close() error { return nil }

// List implements Lister: a FileStore always holds exactly one build-ID.
func (fs *FileStore) List(_ context.Context) ([]string, error) {
	return []string{fs.buildID}, nil
}

var (
	_ Store  = (*FileStore)(nil)
	_ Lister = (*FileStore)(nil)
)
