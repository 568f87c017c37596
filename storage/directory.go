package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/liveedit/kpatch/kinds"
	"github.com/liveedit/kpatch/lock"
	"github.com/liveedit/kpatch/lock/flock"
	"github.com/liveedit/kpatch/patchfile"
	"github.com/liveedit/kpatch/types"
)

// flatSuffix names the second lookup template: <root>/<build-id>.kpatch.
const flatSuffix = ".kpatch"

// latestDir and latestFile name the first lookup template's leaf:
// <root>/<build-id>/latest/kpatch.bin, where "latest" is conventionally a
// symlink maintained by whatever out-of-band tool produces patch blobs,
// letting a new patch replace the old one with a single atomic rename.
const (
	latestDir  = "latest"
	latestFile = "kpatch.bin"
)

// DirectoryStore resolves a build-ID against a storage root directory,
// trying the symlinked-latest template first and falling back to the flat
// <build-id>.kpatch template. Reads are serialized against concurrent
// writers of the same root via a directory-wide flock, mirroring the
// locked-read pattern storage/oci used for its blob directory.
type DirectoryStore struct {
	root   string
	locker lock.Locker
	cache  *cache
}

// NewDirectoryStore opens root (created if absent) as a directory store.
func NewDirectoryStore(root string) (*DirectoryStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root %s: %w: %w", root, err, kinds.ErrStorageOpen)
	}
	ds := &DirectoryStore{
		root:   root,
		locker: flock.New(filepath.Join(root, ".kpatch.lock")),
	}
	ds.cache = newCache(ds.load)
	return ds, nil
}

func (ds *DirectoryStore) load(ctx context.Context, buildID string, wantBytes bool) (*types.Blob, error) {
	logger := log.WithFunc("storage.DirectoryStore.load")
	if err := ds.locker.Lock(ctx); err != nil {
		return nil, fmt.Errorf("lock storage root %s: %w: %w", ds.root, err, kinds.ErrStorageOpen)
	}
	defer ds.locker.Unlock(ctx) //nolint:errcheck

	path, level, isLatest, err := ds.resolve(buildID)
	if err != nil {
		return nil, err
	}
	logger.Debugf(ctx, "resolved build-id %s to %s", buildID, path)

	if !wantBytes {
		// A cheap probe: fstatat-equivalent for size, no body read or parse.
		// The latest template still needs its symlink resolved for the level,
		// since that text is cheaper to get than the blob's embedded header
		// and storage_stat_patch resolves it in the original implementation too.
		fi, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat patch blob %s: %w: %w", path, err, kinds.ErrStorageOpen)
		}
		hdr := types.BlobHeader{TotalSize: uint64(fi.Size()), Uname: buildID}
		if isLatest {
			hdr.UserLevel = level
		}
		return &types.Blob{BlobHeader: hdr}, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read patch blob %s: %w: %w", path, err, kinds.ErrStorageOpen)
	}
	blob, _, err := patchfile.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse patch blob %s: %w", path, err)
	}
	if blob.Uname != buildID {
		return nil, fmt.Errorf("patch blob %s has build-id %s, expected %s: %w", path, blob.Uname, buildID, kinds.ErrInvalidPatch)
	}
	if isLatest {
		// The "latest" symlink's target text is the authoritative level for
		// this template, overriding whatever is baked into the blob's own
		// header (storage_open_patch does the same override).
		blob.UserLevel = level
	}
	return blob, nil
}

// resolve tries the latest-symlink template, then the flat template.
//
// For the latest template, <root>/<build-id>/latest is itself a symlink
// whose target text is the decimal patch level (e.g. "3"), conventionally
// relative so it also resolves latest/kpatch.bin through to the real blob at
// <root>/<build-id>/3/kpatch.bin. A "latest" that fails to resolve as a
// symlink is a storage-layout error, not a miss: it is never treated as
// absent and does not fall through to the flat template.
func (ds *DirectoryStore) resolve(buildID string) (path string, level uint32, isLatest bool, err error) {
	link := filepath.Join(ds.root, buildID, latestDir)
	target, err := os.Readlink(link)
	if err == nil {
		candidate := filepath.Join(ds.root, buildID, latestDir, latestFile)
		if _, serr := os.Stat(candidate); serr == nil {
			n, perr := strconv.Atoi(strings.TrimSpace(target))
			if perr != nil {
				return "", 0, false, fmt.Errorf("latest symlink %s has non-numeric target %q: %w", link, target, kinds.ErrInvalidPatch)
			}
			return candidate, uint32(n), true, nil
		} else if !errors.Is(serr, os.ErrNotExist) {
			return "", 0, false, fmt.Errorf("stat %s: %w: %w", candidate, serr, kinds.ErrStorageOpen)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", 0, false, fmt.Errorf("readlink %s: %w: %w", link, err, kinds.ErrStorageOpen)
	}

	flat := filepath.Join(ds.root, buildID+flatSuffix)
	if _, err := os.Stat(flat); err == nil {
		return flat, 0, false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", 0, false, fmt.Errorf("stat %s: %w: %w", flat, err, kinds.ErrStorageOpen)
	}

	return "", 0, false, fmt.Errorf("no patch for build-id %s under %s: %w", buildID, ds.root, kinds.ErrStorageMiss)
}

// Find implements Store.
func (ds *DirectoryStore) Find(ctx context.Context, buildID string, wantBytes bool) (*types.Blob, error) {
	return ds.cache.find(ctx, buildID, wantBytes)
}

// Close implements Store.
func (ds *DirectoryStore) Close() error { return nil }

// List implements Lister: every build-ID with either a flat <build-id>.kpatch
// file or a <build-id>/latest entry directly under root.
func (ds *DirectoryStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(ds.root)
	if err != nil {
		return nil, fmt.Errorf("read storage root %s: %w: %w", ds.root, err, kinds.ErrStorageOpen)
	}

	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasSuffix(name, flatSuffix) {
			add(strings.TrimSuffix(name, flatSuffix))
			continue
		}
		if e.IsDir() {
			if _, err := os.Lstat(filepath.Join(ds.root, name, latestDir)); err == nil {
				add(name)
			}
		}
	}
	return ids, nil
}

var (
	_ Store  = (*DirectoryStore)(nil)
	_ Lister = (*DirectoryStore)(nil)
)
