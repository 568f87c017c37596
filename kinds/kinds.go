// Package kinds defines the sentinel error kinds propagated through the
// patch-application pipeline. Call sites wrap one of these with
// fmt.Errorf("...: %w", kinds.X) and callers unwrap with errors.Is.
package kinds

import "errors"

var (
	// ErrInvalidPatch covers magic/size/ELF-header validation failures in a patch blob.
	ErrInvalidPatch = errors.New("invalid patch")
	// ErrStorageOpen covers any storage access failure other than a plain miss.
	ErrStorageOpen = errors.New("storage open error")
	// ErrStorageMiss means no patch exists for the requested build-ID. Non-fatal at the object level.
	ErrStorageMiss = errors.New("no patch in storage")
	// ErrProcessAttach covers ptrace attach/seize/detach failures.
	ErrProcessAttach = errors.New("process attach error")
	// ErrMemRead covers remote memory read failures.
	ErrMemRead = errors.New("remote memory read error")
	// ErrMemWrite covers remote memory write failures.
	ErrMemWrite = errors.New("remote memory write error")
	// ErrRemap covers remote mmap/munmap failures.
	ErrRemap = errors.New("remote mmap/munmap error")
	// ErrUnwindInit covers unwinder cursor initialization failures.
	ErrUnwindInit = errors.New("unwind init error")
	// ErrSafetyUnsafeThread means a native thread's IP lies in a hazard interval and it could not be
	// driven clear: it has no resolvable return-hazard, or it is still unsafe after the retry.
	ErrSafetyUnsafeThread = errors.New("unsafe thread")
	// ErrSafetyUnsafeCoroutine means a coroutine's IP lies in a hazard interval; fatal, no retry.
	ErrSafetyUnsafeCoroutine = errors.New("unsafe coroutine")
	// ErrDriveTimeout means a thread did not reach its return-hazard IP within the drive timeout.
	ErrDriveTimeout = errors.New("drive timeout")
	// ErrRelocate covers resolve/relocate failures against the live image.
	ErrRelocate = errors.New("relocate error")
	// ErrAlloc covers remote patch-region allocation failures (including the ±2GiB proximity contract).
	ErrAlloc = errors.New("alloc error")
)
