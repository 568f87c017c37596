// Package storage implements the patch Storage component described in
// spec.md §3: build-ID indexed lookup of patch blobs, backed either by a
// single flat file or by a directory of per-build-ID blobs.
package storage

import (
	"context"

	"github.com/liveedit/kpatch/types"
)

// Store resolves a build-ID to its patch Blob. Implementations must satisfy
// invariant 6: two concurrent Find calls for the same build-ID return the
// same Blob identity (same underlying byte slice), never two independent
// reads racing the same file.
type Store interface {
	// Find looks up buildID. wantBytes requests that Bytes be populated;
	// callers that only need header metadata (e.g. "info" without -p) can
	// pass false to skip loading the full blob into memory. A miss returns
	// an error wrapping kinds.ErrStorageMiss, never a nil Blob with a nil error.
	Find(ctx context.Context, buildID string, wantBytes bool) (*types.Blob, error)

	// Close releases any resources (open directory handles, held locks)
	// held by the store.
	Close() error
}

// Lister is implemented by stores that can enumerate every build-ID they
// currently hold a patch for. cmd/info's storage-only browse (info -s
// without an explicit -p) uses this to list storage contents without
// touching any process.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}
