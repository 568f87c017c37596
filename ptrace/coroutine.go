package ptrace

// Coroutine describes one non-native-thread execution context discovered by
// a CoroutineFinder — a green thread, fiber, or goroutine-like unit whose
// instruction pointer the safety verifier must also check, per spec.md §1's
// "stacks: native threads and coroutines" scope.
type Coroutine struct {
	ID uint64
	IP uintptr
	SP uintptr
}

// CoroutineFinder discovers coroutines live inside a target process. Its
// implementation is necessarily runtime-specific (it must understand the
// target's coroutine scheduler's internal data structures) and is treated
// as an external collaborator the same way spec.md §1 treats it: supplied
// by the caller, not by this package.
type CoroutineFinder interface {
	FindCoroutines(p *Process) ([]Coroutine, error)
}

// NoCoroutines is the default CoroutineFinder for targets with no known
// coroutine runtime: it reports none, so only native threads are verified.
type NoCoroutines struct{}

// FindCoroutines implements CoroutineFinder.
func (NoCoroutines) FindCoroutines(*Process) ([]Coroutine, error) { return nil, nil }

var _ CoroutineFinder = NoCoroutines{}
